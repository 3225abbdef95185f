package session

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/guardian/internal/errors"
	"github.com/Iron-Ham/guardian/internal/logging"
	"github.com/Iron-Ham/guardian/internal/statestore"
)

// EventKind identifies what happened in a recorded Event.
type EventKind string

const (
	// EventFileChanged is a write or edit to a file.
	EventFileChanged EventKind = "file_changed"
	// EventCommandRun is a shell command that finished.
	EventCommandRun EventKind = "command_run"
	// EventConsultation is a read or search that returned excerpts.
	EventConsultation EventKind = "consultation"
	// EventToolUsed is any other tool invocation.
	EventToolUsed EventKind = "tool_used"
)

// Event is one observed outcome of a tool invocation.
type Event struct {
	Kind     EventKind
	Tool     string
	Path     string
	Command  string
	ExitCode int
	Output   string
	// Excerpts is how many results a consultation returned.
	Excerpts int
}

// LedgerEntry is one line of the per-session tool-use ledger.
type LedgerEntry struct {
	At       time.Time `json:"at"`
	Kind     EventKind `json:"kind"`
	Tool     string    `json:"tool,omitempty"`
	Excerpts int       `json:"excerpts,omitempty"`
}

// Tracker reads and updates the persisted session state.
type Tracker struct {
	store  statestore.Store
	logger *logging.Logger
	now    func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Tracker) { t.logger = l.WithComponent("session") }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker over store.
func NewTracker(store statestore.Store, opts ...Option) *Tracker {
	t := &Tracker{store: store, logger: logging.NopLogger(), now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// decode reads a state document. Session state is advisory, so a corrupt
// document is logged and replaced rather than blocking the session.
func (t *Tracker) decode(data []byte) *State {
	if data == nil {
		return nil
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		t.logger.Warn("session state unreadable, starting fresh",
			"error", errors.NewStateCorruptionError(statestore.KeySessionState, err))
		return nil
	}
	return &s
}

// Current returns the persisted state. When no session has been started an
// implicit one beginning now is returned without being persisted.
func (t *Tracker) Current(ctx context.Context) (*State, error) {
	data, err := t.store.Load(ctx, statestore.KeySessionState)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}
	if s := t.decode(data); s != nil {
		return s, nil
	}
	return NewState("", t.now()), nil
}

// Start begins a session. A leftover state from a session that never ended
// is archived first; the ledger is emptied. An empty id gets a generated one.
func (t *Tracker) Start(ctx context.Context, id string) (*State, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := t.now()
	fresh := NewState(id, now)

	var previous *State
	err := t.store.Update(ctx, statestore.KeySessionState, func(current []byte) ([]byte, error) {
		previous = t.decode(current)
		return json.MarshalIndent(fresh, "", "  ")
	})
	if err != nil {
		return nil, err
	}
	if previous != nil && previous.ID != id {
		t.archive(ctx, previous)
	}
	if err := t.store.Truncate(ctx, statestore.KeySessionLedger); err != nil {
		t.logger.Error("failed to reset ledger", "error", err)
	}
	t.logger.Info("session started", "session_id", id)
	return fresh, nil
}

// End archives the current state under an append-only key and removes it.
// It returns the final state, or nil when no session was active.
func (t *Tracker) End(ctx context.Context) (*State, error) {
	var final *State
	err := t.store.Update(ctx, statestore.KeySessionState, func(current []byte) ([]byte, error) {
		final = t.decode(current)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if final == nil {
		return nil, nil
	}
	final.UpdatedAt = t.now()
	t.archive(ctx, final)
	t.logger.Info("session ended", "session_id", final.ID, "files_changed", final.FilesChanged, "tool_calls", final.ToolCalls)
	return final, nil
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

func (t *Tracker) archive(ctx context.Context, s *State) {
	stamp := t.now().UTC().Format("20060102T150405.000000000Z")
	if s.ID != "" {
		stamp += "-" + unsafeKeyChars.ReplaceAllString(s.ID, "-")
	}
	if err := statestore.SaveJSON(ctx, t.store, statestore.SessionArchiveKey(stamp), s); err != nil {
		t.logger.Error("failed to archive session", "session_id", s.ID, "error", err)
	}
}

// Archived returns the keys of archived sessions, oldest first.
func (t *Tracker) Archived(ctx context.Context) ([]string, error) {
	return t.store.List(ctx, statestore.SessionArchivePrefix())
}

// Mutate applies fn to the current state inside the store's critical section.
func (t *Tracker) Mutate(ctx context.Context, fn func(s *State)) (*State, error) {
	var out *State
	err := t.store.Update(ctx, statestore.KeySessionState, func(current []byte) ([]byte, error) {
		s := t.decode(current)
		now := t.now()
		if s == nil {
			s = NewState(uuid.NewString(), now)
		}
		fn(s)
		s.UpdatedAt = now
		out = s
		return json.MarshalIndent(s, "", "  ")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Record applies ev to the session state and appends it to the ledger.
func (t *Tracker) Record(ctx context.Context, ev Event) (*State, error) {
	now := t.now()
	s, err := t.Mutate(ctx, func(s *State) {
		s.ToolCalls++
		apply(s, ev, now)
	})
	if err != nil {
		return nil, err
	}

	entry := LedgerEntry{At: now, Kind: ev.Kind, Tool: ev.Tool, Excerpts: ev.Excerpts}
	if err := statestore.AppendJSON(ctx, t.store, statestore.KeySessionLedger, entry); err != nil {
		t.logger.Error("failed to append ledger entry", "tool", ev.Tool, "error", err)
	}
	return s, nil
}

func apply(s *State, ev Event, now time.Time) {
	switch ev.Kind {
	case EventFileChanged:
		if ev.Path == "" {
			return
		}
		s.touchFile(ev.Path)
		if isSourceFile(ev.Path) {
			s.markUntested(ev.Path)
		}
	case EventCommandRun:
		applyCommand(s, ev, now)
	}
}

func applyCommand(s *State, ev Event, now time.Time) {
	switch {
	case IsTestCommand(ev.Command):
		s.LastTestAt = now
		if ev.ExitCode == 0 {
			s.UntestedFiles = nil
			s.FailingTests = 0
			s.clearErrors(ev.Command)
			return
		}
		s.FailingTests = countFailures(ev.Output)
		s.addError(DetectedError{Command: ev.Command, Message: summarizeError(ev.Command, ev.ExitCode, ev.Output), At: now})
	case IsCommitCommand(ev.Command) && ev.ExitCode == 0:
		s.committed(now)
	case ev.ExitCode != 0:
		s.addError(DetectedError{Command: ev.Command, Message: summarizeError(ev.Command, ev.ExitCode, ev.Output), At: now})
	default:
		s.clearErrors(ev.Command)
	}
}

// SetPressure stores the latest computed pressure.
func (t *Tracker) SetPressure(ctx context.Context, pressure float64) error {
	_, err := t.Mutate(ctx, func(s *State) { s.ContextPressure = pressure })
	return err
}

// SetPendingNudges replaces the advisories waiting to be shown.
func (t *Tracker) SetPendingNudges(ctx context.Context, nudges []string) error {
	_, err := t.Mutate(ctx, func(s *State) { s.PendingNudges = nudges })
	return err
}

// Ledger returns every ledger entry of the current session. Undecodable
// lines are skipped and logged.
func (t *Tracker) Ledger(ctx context.Context) ([]LedgerEntry, error) {
	entries, skipped, err := statestore.ReadJSONLines[LedgerEntry](ctx, t.store, statestore.KeySessionLedger)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		t.logger.Warn("skipped unreadable ledger lines", "count", skipped)
	}
	return entries, nil
}
