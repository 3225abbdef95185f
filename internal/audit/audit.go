// Package audit records blocked actions, sensitive-but-allowed file touches
// and coordination events. Entries go to every configured sink; a sink
// failure is logged and swallowed so auditing never changes a decision.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/guardian/internal/errors"
	"github.com/Iron-Ham/guardian/internal/logging"
	"github.com/Iron-Ham/guardian/internal/statestore"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindBlocked   Kind = "blocked"
	KindSensitive Kind = "sensitive"
	KindLock      Kind = "lock"
	KindWorkspace Kind = "workspace"
	KindHandoff   Kind = "handoff"
)

// Entry is one audit record.
type Entry struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"time"`
	Kind      Kind      `json:"kind"`
	Tool      string    `json:"tool,omitempty"`
	Target    string    `json:"target,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Session   string    `json:"session,omitempty"`
	Workspace string    `json:"workspace,omitempty"`
}

// Sink persists entries.
type Sink interface {
	Write(ctx context.Context, e Entry) error
	Close() error
}

// Recorder fans entries out to its sinks.
type Recorder struct {
	sinks  []Sink
	logger *logging.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder. With no sinks it only logs.
func NewRecorder(logger *logging.Logger, sinks ...Sink) *Recorder {
	return &Recorder{sinks: sinks, logger: logger.WithComponent("audit"), now: time.Now}
}

// Record fills in id and time, redacts secrets and writes e to every sink.
// It returns the stored entry.
func (r *Recorder) Record(ctx context.Context, e Entry) Entry {
	if r == nil {
		return e
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = r.now().UTC()
	}
	e.Target = Redact(e.Target)
	e.Reason = Redact(e.Reason)

	for _, s := range r.sinks {
		if err := s.Write(ctx, e); err != nil {
			r.logger.Error("audit write failed", "kind", string(e.Kind), "error", err)
		}
	}
	return e
}

// Close closes every sink.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// JSONLSink appends entries to the audit log in a state store.
type JSONLSink struct {
	store statestore.Store
}

// NewJSONLSink creates a sink over store.
func NewJSONLSink(store statestore.Store) *JSONLSink {
	return &JSONLSink{store: store}
}

// Write appends e.
func (s *JSONLSink) Write(ctx context.Context, e Entry) error {
	if err := statestore.AppendJSON(ctx, s.store, statestore.KeyAuditLog, e); err != nil {
		if errors.IsPersistence(err) {
			return err
		}
		return errors.NewPersistenceError(statestore.KeyAuditLog, err)
	}
	return nil
}

// Recent returns up to limit of the newest entries, oldest first. limit <= 0
// returns all.
func (s *JSONLSink) Recent(ctx context.Context, limit int) ([]Entry, error) {
	entries, _, err := statestore.ReadJSONLines[Entry](ctx, s.store, statestore.KeyAuditLog)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Close is a no-op.
func (s *JSONLSink) Close() error { return nil }
