package statestore

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Iron-Ham/guardian/internal/errors"
)

const (
	docExt = ".json"
	logExt = ".jsonl"
)

// Lock acquisition retry budget for Update and Append.
const (
	defaultLockWait  = 2 * time.Second
	lockPollInterval = 5 * time.Millisecond
)

// FileStore stores each key as a file under a base directory. Documents are
// written via temp file and rename; read-modify-write holds an exclusive
// lock on a sidecar .lock file.
type FileStore struct {
	baseDir  string
	lockWait time.Duration
}

// NewFileStore creates a FileStore rooted at baseDir, creating it if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.NewPersistenceError(baseDir, fmt.Errorf("failed to create store directory: %w", err))
	}
	return &FileStore{baseDir: baseDir, lockWait: defaultLockWait}, nil
}

// BaseDir returns the store root.
func (s *FileStore) BaseDir() string { return s.baseDir }

// Path returns the file backing the document under key.
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key)) + docExt
}

func (s *FileStore) logPath(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key)) + logExt
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	path := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.NewPersistenceError(key, err)
	}
	if err := atomicWriteFile(path, data, 0o644); err != nil {
		return errors.NewPersistenceError(key, err)
	}
	return nil
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.Path(key)); err != nil && !os.IsNotExist(err) {
		return errors.NewPersistenceError(key, err)
	}
	return nil
}

// List implements Store.
func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, docExt) || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), docExt)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Update implements Store.
func (s *FileStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	path := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.NewPersistenceError(key, err)
	}

	release, err := s.lock(ctx, key, path+".lock")
	if err != nil {
		return err
	}
	defer release()

	current, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read %s: %w", key, err)
		}
		current = nil
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.NewPersistenceError(key, err)
		}
		return nil
	}
	if err := atomicWriteFile(path, next, 0o644); err != nil {
		return errors.NewPersistenceError(key, err)
	}
	return nil
}

// Append implements Store.
func (s *FileStore) Append(ctx context.Context, key string, line []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if bytes.ContainsRune(line, '\n') {
		return errors.NewInputError("log line contains a newline", errors.ErrMalformedInvocation)
	}
	path := s.logPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.NewPersistenceError(key, err)
	}

	release, err := s.lock(ctx, key, path+".lock")
	if err != nil {
		return err
	}
	defer release()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.NewPersistenceError(key, err)
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(append(buf, line...), '\n')
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return errors.NewPersistenceError(key, err)
	}
	if err := f.Close(); err != nil {
		return errors.NewPersistenceError(key, err)
	}
	return nil
}

// ReadLines implements Store.
func (s *FileStore) ReadLines(ctx context.Context, key string) ([][]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(s.logPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	defer f.Close()

	var lines [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		lines = append(lines, bytes.Clone(sc.Bytes()))
	}
	if err := sc.Err(); err != nil {
		return lines, errors.NewStateCorruptionError(key, err)
	}
	return lines, nil
}

// Truncate implements Store.
func (s *FileStore) Truncate(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	path := s.logPath(key)
	release, err := s.lock(ctx, key, path+".lock")
	if err != nil {
		return err
	}
	defer release()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewPersistenceError(key, err)
	}
	return nil
}

// lock polls for the sidecar lock until it is acquired, ctx ends, or the
// wait budget runs out.
func (s *FileStore) lock(ctx context.Context, key, lockPath string) (func(), error) {
	deadline := time.Now().Add(s.lockWait)
	for {
		release, ok, err := tryLockFile(lockPath)
		if err != nil {
			return nil, errors.NewPersistenceError(key, fmt.Errorf("lock: %w", err))
		}
		if ok {
			return release, nil
		}
		if time.Now().After(deadline) {
			return nil, errors.NewConflictError("state busy", errors.ErrContended).WithResource(key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// atomicWriteFile writes data to a temp file in the same directory and
// renames it over path, so readers see the old or new content, never a mix.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
