//go:build unix

package statestore

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/Iron-Ham/guardian/internal/errors"
)

// tryLockFile takes a non-blocking exclusive flock on path. The lock belongs
// to the open file description, so two opens in one process exclude each
// other just like two processes do.
func tryLockFile(path string) (release func(), ok bool, err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, true, nil
}
