// Package lock arbitrates exclusive access to the one conflict-prone shared
// resource (a schema file, a lockfile, a generated artifact) that concurrent
// sessions must not edit at the same time.
//
// Records are persisted per resource name. An expired record is reclaimed
// lazily by the next Acquire; nothing runs in the background.
//
// Reads fail open: a corrupted record is treated as "unlocked" so a bad write
// can never wedge every session permanently. Every successful Acquire writes
// a complete record, which repairs the corruption.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/guardian/internal/errors"
	"github.com/Iron-Ham/guardian/internal/logging"
	"github.com/Iron-Ham/guardian/internal/statestore"
)

// DefaultTTL is used when Acquire is called without a ttl and no default
// was configured.
const DefaultTTL = 30 * time.Minute

// Record is a persisted resource lock.
type Record struct {
	Name       string    `json:"name"`
	Holder     string    `json:"holder"`
	Operation  string    `json:"operation"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the record no longer excludes other holders.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

func (r *Record) valid() bool {
	return r.Holder != "" && !r.ExpiresAt.IsZero()
}

// Manager acquires, inspects and releases resource locks.
type Manager struct {
	store      statestore.Store
	logger     *logging.Logger
	now        func() time.Time
	defaultTTL time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l.WithComponent("lock") }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithDefaultTTL sets the ttl applied when Acquire gets ttl <= 0.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.defaultTTL = ttl
		}
	}
}

// NewManager creates a Manager over store.
func NewManager(store statestore.Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		logger:     logging.NopLogger(),
		now:        time.Now,
		defaultTTL: DefaultTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// decode parses a stored record. Unreadable or incomplete records come back
// as nil with a StateCorruptionError.
func decode(name string, data []byte) (*Record, error) {
	if data == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.NewStateCorruptionError(statestore.LockKey(name), err)
	}
	if !rec.valid() {
		return nil, errors.NewStateCorruptionError(statestore.LockKey(name), fmt.Errorf("incomplete lock record"))
	}
	return &rec, nil
}

// Acquire takes the lock on name for holder. It fails with a ConflictError
// naming the current holder when a different holder owns an unexpired lock.
// The same holder, or anyone after expiry, gets a fresh record.
func (m *Manager) Acquire(ctx context.Context, name, holder, operation string, ttl time.Duration) (*Record, error) {
	name, holder = strings.TrimSpace(name), strings.TrimSpace(holder)
	if name == "" {
		return nil, errors.NewInputError("lock name required", errors.ErrMissingField).WithField("name")
	}
	if holder == "" {
		return nil, errors.NewInputError("holder required", errors.ErrMissingField).WithField("holder")
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	var acquired *Record
	err := m.store.Update(ctx, statestore.LockKey(name), func(current []byte) ([]byte, error) {
		now := m.now()
		cur, err := decode(name, current)
		if err != nil {
			m.logger.Warn("corrupted lock record treated as unlocked", "lock", name, "error", err)
			cur = nil
		}

		rec := &Record{
			Name:       name,
			Holder:     holder,
			Operation:  operation,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		if cur != nil && !cur.Expired(now) {
			if cur.Holder != holder {
				return nil, conflict(cur)
			}
			rec.AcquiredAt = cur.AcquiredAt
		}
		acquired = rec
		return json.MarshalIndent(rec, "", "  ")
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("lock acquired", "lock", name, "holder", holder, "operation", operation, "expires_at", acquired.ExpiresAt)
	return acquired, nil
}

func conflict(cur *Record) error {
	msg := fmt.Sprintf("%s is held by %s", cur.Name, cur.Holder)
	if cur.Operation != "" {
		msg += fmt.Sprintf(" (%s)", cur.Operation)
	}
	msg += fmt.Sprintf(" until %s", cur.ExpiresAt.Format(time.RFC3339))
	return errors.NewConflictError(msg, errors.ErrLockHeld).
		WithResource(cur.Name).
		WithHolder(cur.Holder, cur.Operation)
}

// Status returns the live record for name, or nil when the resource is
// unlocked, expired, or its record is unreadable.
func (m *Manager) Status(ctx context.Context, name string) (*Record, error) {
	data, err := m.store.Load(ctx, statestore.LockKey(name))
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := decode(name, data)
	if err != nil {
		m.logger.Warn("corrupted lock record treated as unlocked", "lock", name, "error", err)
		return nil, nil
	}
	if rec.Expired(m.now()) {
		return nil, nil
	}
	return rec, nil
}

// IsLockedByOther reports whether a holder other than caller owns a live
// lock on name, returning that record. Any failure to read reports false.
func (m *Manager) IsLockedByOther(ctx context.Context, name, caller string) (bool, *Record) {
	rec, err := m.Status(ctx, name)
	if err != nil {
		m.logger.Warn("lock state unreadable, failing open", "lock", name, "error", err)
		return false, nil
	}
	if rec == nil || rec.Holder == caller {
		return false, nil
	}
	return true, rec
}

// Release drops the lock on name if holder owns it. Releasing a lock held by
// someone else, or one that does not exist, changes nothing and reports false.
func (m *Manager) Release(ctx context.Context, name, holder string) (bool, error) {
	released := false
	err := m.store.Update(ctx, statestore.LockKey(name), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, nil
		}
		cur, err := decode(name, current)
		if err != nil {
			// Unreadable reads as unlocked; clearing it is equivalent.
			return nil, nil
		}
		if cur.Holder != holder {
			return current, nil
		}
		released = true
		return nil, nil
	})
	if err != nil {
		return false, err
	}
	if released {
		m.logger.Info("lock released", "lock", name, "holder", holder)
	}
	return released, nil
}

// List returns every live lock, skipping expired and unreadable records.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	keys, err := m.store.List(ctx, statestore.LockKey(""))
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, key := range keys {
		rec, err := m.Status(ctx, strings.TrimPrefix(key, statestore.LockKey("")))
		if err != nil || rec == nil {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}
