package pressure

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Iron-Ham/guardian/internal/errors"
	"github.com/Iron-Ham/guardian/internal/statestore"
)

// BlockRecord is the persisted pressure block. While it exists the gate
// restricts writes to the state and handoff allow-list.
type BlockRecord struct {
	SetAt     time.Time `json:"set_at"`
	Reason    string    `json:"reason"`
	Pressure  float64   `json:"pressure"`
	Severity  Severity  `json:"severity"`
	SessionID string    `json:"session_id,omitempty"`
}

// Block reads and writes the pressure block flag.
type Block struct {
	store statestore.Store
	now   func() time.Time
}

// NewBlock creates a Block over store.
func NewBlock(store statestore.Store) *Block {
	return &Block{store: store, now: time.Now}
}

// Active reports whether the block is set. An unreadable record is returned
// as an error so the gate fails closed; Clear removes it.
func (b *Block) Active(ctx context.Context) (bool, error) {
	rec, err := b.Status(ctx)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// Status returns the current block record, or nil when unset.
func (b *Block) Status(ctx context.Context) (*BlockRecord, error) {
	var rec BlockRecord
	err := statestore.LoadJSON(ctx, b.store, statestore.KeyPressureBlock, &rec)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Set raises the block. An existing block keeps its original SetAt and
// takes the higher pressure.
func (b *Block) Set(ctx context.Context, r Reading, reason, sessionID string) (*BlockRecord, error) {
	var out *BlockRecord
	err := b.store.Update(ctx, statestore.KeyPressureBlock, func(current []byte) ([]byte, error) {
		next := BlockRecord{
			SetAt:     b.now(),
			Reason:    reason,
			Pressure:  r.Pressure,
			Severity:  r.Severity,
			SessionID: sessionID,
		}
		var prev BlockRecord
		if current != nil && json.Unmarshal(current, &prev) == nil && !prev.SetAt.IsZero() {
			next.SetAt = prev.SetAt
			if prev.Pressure > next.Pressure {
				next.Pressure = prev.Pressure
				next.Severity = prev.Severity
			}
		}
		out = &next
		return json.MarshalIndent(next, "", "  ")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Clear removes the block. Clearing an unset block is a no-op.
func (b *Block) Clear(ctx context.Context) error {
	return b.store.Delete(ctx, statestore.KeyPressureBlock)
}
