// Package pressure estimates how much of a session's working context has
// been consumed and decides when the session must stop and hand off.
//
// Pressure is re-derived from the whole session ledger on every call, never
// accumulated. When it reaches the configured block severity the monitor sets
// the [Block] flag, which the admission gate reads to restrict writes until a
// handoff clears it.
package pressure

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Iron-Ham/guardian/internal/config"
	"github.com/Iron-Ham/guardian/internal/logging"
	"github.com/Iron-Ham/guardian/internal/session"
)

// ForceHandoffAt is the pressure at which session end always hands off,
// whatever the configured thresholds.
const ForceHandoffAt = 0.95

// Reading is one pressure computation.
type Reading struct {
	Pressure      float64  `json:"pressure"`
	Severity      Severity `json:"severity"`
	Consultations int      `json:"consultations"`
	Excerpts      int      `json:"excerpts"`
	ToolCalls     int      `json:"tool_calls"`
}

// Compute derives a reading from the full ledger. An entry counts as a
// consultation when it was recorded as one or its tool is listed in
// cfg.ConsultationTools.
func Compute(entries []session.LedgerEntry, cfg config.PressureConfig) Reading {
	var r Reading
	for _, e := range entries {
		r.ToolCalls++
		if e.Kind == session.EventConsultation || slices.Contains(cfg.ConsultationTools, e.Tool) {
			r.Consultations++
			r.Excerpts += e.Excerpts
		}
	}
	p := cfg.ConsultationWeight*float64(r.Consultations) +
		cfg.ExcerptWeight*float64(r.Excerpts) +
		cfg.ToolCallWeight*float64(r.ToolCalls)
	r.Pressure = min(max(p, 0), 1)
	r.Severity = Classify(r.Pressure, cfg)
	return r
}

// Ledger is the session source the monitor reads and reports back to.
type Ledger interface {
	Ledger(ctx context.Context) ([]session.LedgerEntry, error)
	SetPressure(ctx context.Context, pressure float64) error
}

// Monitor computes pressure for the current session and raises the block.
type Monitor struct {
	ledger  Ledger
	block   *Block
	cfg     config.PressureConfig
	blockAt Severity
	logger  *logging.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.logger = l.WithComponent("pressure") }
}

// WithClock overrides time.Now for block timestamps, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.block.now = now }
}

// NewMonitor creates a Monitor. cfg.BlockAt must name a severity; an unknown
// name falls back to critical.
func NewMonitor(ledger Ledger, block *Block, cfg config.PressureConfig, opts ...Option) *Monitor {
	blockAt, err := ParseSeverity(cfg.BlockAt)
	if err != nil || blockAt == SeverityNormal {
		blockAt = SeverityCritical
	}
	m := &Monitor{
		ledger:  ledger,
		block:   block,
		cfg:     cfg,
		blockAt: blockAt,
		logger:  logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BlockAt returns the severity at which the block is raised.
func (m *Monitor) BlockAt() Severity { return m.blockAt }

// Measure recomputes pressure from the ledger, stores it on the session and
// raises the block when the severity warrants it. Failing to persist the
// pressure value is logged and does not fail the reading.
func (m *Monitor) Measure(ctx context.Context, sessionID string) (Reading, error) {
	entries, err := m.ledger.Ledger(ctx)
	if err != nil {
		return Reading{}, err
	}
	r := Compute(entries, m.cfg)

	if err := m.ledger.SetPressure(ctx, r.Pressure); err != nil {
		m.logger.Error("failed to store pressure", "error", err)
	}

	if r.Severity >= m.blockAt {
		reason := fmt.Sprintf("context pressure %.2f reached %s", r.Pressure, r.Severity)
		if _, err := m.block.Set(ctx, r, reason, sessionID); err != nil {
			return r, err
		}
		m.logger.Warn("pressure block set", "pressure", r.Pressure, "severity", r.Severity.String(), "session_id", sessionID)
	} else {
		m.logger.Debug("pressure measured", "pressure", r.Pressure, "severity", r.Severity.String())
	}
	return r, nil
}

// ShouldHandoff decides whether ending a session with reading r must produce
// a handoff. Force severity, or pressure at ForceHandoffAt, always does;
// critical does only when work is uncommitted.
func ShouldHandoff(r Reading, uncommitted bool) (bool, string) {
	switch {
	case r.Severity >= SeverityForce || r.Pressure >= ForceHandoffAt:
		return true, fmt.Sprintf("context pressure %.2f is at force level", r.Pressure)
	case r.Severity == SeverityCritical && uncommitted:
		return true, fmt.Sprintf("context pressure %.2f is critical with uncommitted changes", r.Pressure)
	default:
		return false, ""
	}
}
