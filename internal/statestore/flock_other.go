//go:build !unix

package statestore

import (
	"os"
	"time"
)

// staleLockAge is how old an exclusive-create lock file may get before it is
// assumed abandoned by a crashed process.
const staleLockAge = 30 * time.Second

// tryLockFile uses exclusive file creation where flock is unavailable.
func tryLockFile(path string) (release func(), ok bool, err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return nil, false, err
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			_ = os.Remove(path)
		}
		return nil, false, nil
	}
	_ = f.Close()
	return func() { _ = os.Remove(path) }, true, nil
}
