// Package statestore is the key-value document store every Guardian component
// persists through. Documents are JSON blobs addressed by slash-separated keys;
// append-only logs are JSON lines under their own keys.
//
// Hook invocations run as separate processes, so read-modify-write must go
// through Update, which holds a cross-process critical section for the key
// while fn runs.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/Iron-Ham/guardian/internal/errors"
)

// Well-known keys.
const (
	KeySessionState  = "session/state"
	KeySessionLedger = "session/ledger"
	KeyNudgeHistory  = "nudge/history"
	KeyNudgeLatest   = "nudge/latest"
	KeyWorkspaces    = "workspaces/associations"
	KeyPressureBlock = "pressure/block"
	KeyAuditLog      = "audit/log"
	KeyHandoffLatest = "handoff/latest"

	prefixSessionArchive = "session/archive/"
	prefixCooldown       = "nudge/cooldown/"
	prefixLock           = "locks/"
)

// SessionArchiveKey returns the archive key for a session snapshot.
func SessionArchiveKey(stamp string) string { return prefixSessionArchive + stamp }

// SessionArchivePrefix is the List prefix for archived session snapshots.
func SessionArchivePrefix() string { return prefixSessionArchive }

// CooldownKey returns the cooldown record key for an advisory type.
func CooldownKey(kind string) string { return prefixCooldown + kind }

// LockKey returns the lock record key for a resource name.
func LockKey(name string) string { return prefixLock + name }

// UpdateFunc receives the current document (nil when absent) and returns the
// replacement. Returning nil data deletes the key. Returning an error aborts
// without writing.
type UpdateFunc func(current []byte) ([]byte, error)

// Store provides key-value persistence for Guardian state.
type Store interface {
	// Load returns the document for key, or errors.ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)
	// Save overwrites the document for key atomically.
	Save(ctx context.Context, key string, data []byte) error
	// Delete removes the document for key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
	// List returns document keys with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Update runs fn inside a critical section for key.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	// Append adds one line to the log under key.
	Append(ctx context.Context, key string, line []byte) error
	// ReadLines returns every line of the log under key, oldest first.
	// A missing log yields no lines and no error.
	ReadLines(ctx context.Context, key string) ([][]byte, error)
	// Truncate empties the log under key.
	Truncate(ctx context.Context, key string) error
}

// ValidateKey rejects keys that could escape the store root.
func ValidateKey(key string) error {
	if key == "" {
		return errors.NewInputError("empty key", errors.ErrMissingField)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, `\`) || strings.ContainsRune(key, 0) {
		return errors.NewInputError(fmt.Sprintf("invalid key %q", key), errors.ErrMalformedInvocation)
	}
	if path.Clean(key) != key || key == "." || strings.HasPrefix(key, "../") || key == ".." {
		return errors.NewInputError(fmt.Sprintf("invalid key %q", key), errors.ErrMalformedInvocation)
	}
	return nil
}

// LoadJSON decodes the document under key into v. A missing key returns
// errors.ErrNotFound; an undecodable document returns a StateCorruptionError.
func LoadJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Load(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.NewStateCorruptionError(key, err)
	}
	return nil
}

// SaveJSON encodes v and saves it under key.
func SaveJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Save(ctx, key, data)
}

// AppendJSON encodes v on a single line and appends it to the log under key.
func AppendJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Append(ctx, key, data)
}

// UpdateJSON decodes the current document into a *T (nil when absent), calls
// fn, and writes back the result. A nil result deletes the key. An
// undecodable current document aborts with a StateCorruptionError; callers
// that tolerate corruption use Store.Update directly.
func UpdateJSON[T any](ctx context.Context, s Store, key string, fn func(cur *T) (*T, error)) error {
	return s.Update(ctx, key, func(current []byte) ([]byte, error) {
		var cur *T
		if current != nil {
			cur = new(T)
			if err := json.Unmarshal(current, cur); err != nil {
				return nil, errors.NewStateCorruptionError(key, err)
			}
		}
		next, err := fn(cur)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		return json.MarshalIndent(next, "", "  ")
	})
}

// ReadJSONLines decodes every line of the log under key. Lines that fail to
// decode are skipped and counted.
func ReadJSONLines[T any](ctx context.Context, s Store, key string) ([]T, int, error) {
	lines, err := s.ReadLines(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	out := make([]T, 0, len(lines))
	skipped := 0
	for _, line := range lines {
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			skipped++
			continue
		}
		out = append(out, v)
	}
	return out, skipped, nil
}
