package nudge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/guardian/internal/config"
	"github.com/Iron-Ham/guardian/internal/errors"
	"github.com/Iron-Ham/guardian/internal/logging"
	"github.com/Iron-Ham/guardian/internal/session"
	"github.com/Iron-Ham/guardian/internal/statestore"
)

// Kind identifies an advisory type.
type Kind string

// Advisory kinds, in evaluation order.
const (
	KindCommit  Kind = "commit"
	KindTest    Kind = "test"
	KindError   Kind = "error"
	KindContext Kind = "context"
)

// Kinds lists every advisory kind in the order Evaluate reports them.
var Kinds = []Kind{KindCommit, KindTest, KindError, KindContext}

// Cooldown is the persisted per-kind firing record.
type Cooldown struct {
	Kind            Kind      `json:"kind"`
	LastTriggeredAt time.Time `json:"last_triggered_at"`
	// UsesSinceTrigger counts evaluations suppressed since the last firing.
	UsesSinceTrigger int `json:"uses_since_trigger"`
}

// Active reports whether the cooldown still suppresses its kind at now.
func (c *Cooldown) Active(now time.Time, window time.Duration) bool {
	return !c.LastTriggeredAt.IsZero() && now.Sub(c.LastTriggeredAt) < window
}

// Advisory is one fired nudge.
type Advisory struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
	SessionID string    `json:"session_id,omitempty"`
}

// Engine evaluates advisory predicates and enforces cooldowns.
type Engine struct {
	store  statestore.Store
	cfg    config.NudgeConfig
	logger *logging.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l.WithComponent("nudge") }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine over store with the given thresholds.
func NewEngine(store statestore.Store, cfg config.NudgeConfig, opts ...Option) *Engine {
	e := &Engine{store: store, cfg: cfg, logger: logging.NopLogger(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Eligible returns the message for every kind whose predicate holds for s at
// now, in evaluation order. It ignores cooldowns and touches no state.
func (e *Engine) Eligible(s *session.State, now time.Time) map[Kind]string {
	out := make(map[Kind]string)
	if s == nil {
		return out
	}

	if since := s.SinceCommit(now); s.FilesChanged >= e.cfg.CommitFiles && since >= e.cfg.CommitAfter {
		out[KindCommit] = fmt.Sprintf("%d files changed with no commit in %d minutes; commit a checkpoint.",
			s.FilesChanged, int(since.Minutes()))
	}
	if since := s.SinceTest(now); len(s.UntestedFiles) > 0 && since >= e.cfg.TestAfter {
		out[KindTest] = fmt.Sprintf("%d changed source files untested for %d minutes; run the tests.",
			len(s.UntestedFiles), int(since.Minutes()))
	}
	if n := len(s.ErrorsDetected); n > 0 {
		latest := s.ErrorsDetected[n-1]
		out[KindError] = fmt.Sprintf("%d unresolved errors; latest from %q: %s", n, latest.Command, latest.Message)
	}
	if s.ContextPressure >= e.cfg.ContextWarn {
		out[KindContext] = fmt.Sprintf("context pressure at %.0f%%; wrap up or prepare a handoff.", s.ContextPressure*100)
	}
	return out
}

// Evaluate returns the eligible advisories that are not cooling down, in
// evaluation order, and records each one as fired.
func (e *Engine) Evaluate(ctx context.Context, s *session.State) ([]Advisory, error) {
	now := e.now()
	eligible := e.Eligible(s, now)

	var fired []Advisory
	for _, kind := range Kinds {
		msg, ok := eligible[kind]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fired, err
		}

		fire, err := e.claim(ctx, kind, now)
		if err != nil {
			e.logger.Error("failed to update cooldown", "kind", string(kind), "error", err)
			continue
		}
		if !fire {
			e.logger.Debug("advisory cooling down", "kind", string(kind))
			continue
		}

		a := Advisory{ID: uuid.NewString(), Kind: kind, Message: msg, At: now}
		if s != nil {
			a.SessionID = s.ID
		}
		e.publish(ctx, a)
		fired = append(fired, a)
	}
	return fired, nil
}

// claim atomically decides whether kind may fire at now, recording either
// the firing or the suppressed use.
func (e *Engine) claim(ctx context.Context, kind Kind, now time.Time) (bool, error) {
	fire := false
	key := statestore.CooldownKey(string(kind))
	err := e.store.Update(ctx, key, func(current []byte) ([]byte, error) {
		rec := Cooldown{Kind: kind}
		if current != nil {
			if err := json.Unmarshal(current, &rec); err != nil {
				e.logger.Warn("cooldown record unreadable, resetting",
					"kind", string(kind), "error", errors.NewStateCorruptionError(key, err))
				rec = Cooldown{Kind: kind}
			}
		}
		if rec.Active(now, e.cfg.Cooldown) {
			rec.UsesSinceTrigger++
		} else {
			fire = true
			rec = Cooldown{Kind: kind, LastTriggeredAt: now}
		}
		return json.MarshalIndent(rec, "", "  ")
	})
	if err != nil {
		return false, err
	}
	return fire, nil
}

func (e *Engine) publish(ctx context.Context, a Advisory) {
	if err := statestore.AppendJSON(ctx, e.store, statestore.KeyNudgeHistory, a); err != nil {
		e.logger.Error("failed to append advisory history", "kind", string(a.Kind), "error", err)
	}
	if err := statestore.SaveJSON(ctx, e.store, statestore.KeyNudgeLatest, a); err != nil {
		e.logger.Error("failed to save latest advisory", "kind", string(a.Kind), "error", err)
	}
	e.logger.Info("advisory fired", "kind", string(a.Kind), "session_id", a.SessionID)
}

// Cooldowns returns the persisted cooldown record of every kind that has
// one. Unreadable records are skipped.
func (e *Engine) Cooldowns(ctx context.Context) ([]Cooldown, error) {
	var out []Cooldown
	for _, kind := range Kinds {
		var rec Cooldown
		err := statestore.LoadJSON(ctx, e.store, statestore.CooldownKey(string(kind)), &rec)
		switch {
		case err == nil:
			out = append(out, rec)
		case errors.Is(err, errors.ErrNotFound), errors.IsCorruption(err):
		default:
			return nil, err
		}
	}
	return out, nil
}

// Latest returns the most recently fired advisory, or nil.
func (e *Engine) Latest(ctx context.Context) (*Advisory, error) {
	var a Advisory
	err := statestore.LoadJSON(ctx, e.store, statestore.KeyNudgeLatest, &a)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// History returns up to limit fired advisories, newest last. limit <= 0
// returns all of them.
func (e *Engine) History(ctx context.Context, limit int) ([]Advisory, error) {
	all, skipped, err := statestore.ReadJSONLines[Advisory](ctx, e.store, statestore.KeyNudgeHistory)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		e.logger.Warn("skipped unreadable advisory history lines", "count", skipped)
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}
