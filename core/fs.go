package core

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// File open flags used by segment.go. Segment creation uses
// O_EXCL because §3 requires every segment name to be distinct within a
// directory; colliding on an existing file is a bug, not something to
// silently overwrite.
const (
	osExclCreate = os.O_RDWR | os.O_CREATE | os.O_EXCL
	osReadWrite  = os.O_RDWR
)

// dirLock holds an advisory exclusive lock on the data directory for the
// lifetime of a DB handle. Bitcask-style engines are easy to misuse by
// pointing two processes at the same directory; flock() catches that early
// instead of letting two writers corrupt each other's segments.
//
// The lock is process-local on platforms without flock (non-unix); in that
// case it's a no-op and relies on the caller not doing anything silly.
type dirLock struct {
	fd int
}

func lockDir(path string) (*dirLock, error) {
	if runtime.GOOS == "windows" || runtime.GOOS == "plan9" {
		return &dirLock{fd: -1}, nil
	}

	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %q for locking: %w", path, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = unix.Close(fd)
		if err == unix.EWOULDBLOCK {
			return nil, ErrAlreadyLocked
		}
		return nil, fmt.Errorf("flock %q: %w", path, err)
	}

	return &dirLock{fd: fd}, nil
}

func (l *dirLock) unlock() error {
	if l == nil || l.fd < 0 {
		return nil
	}
	_ = unix.Flock(l.fd, unix.LOCK_UN)
	return unix.Close(l.fd)
}

// newOsFs is the production afero.Fs; tests may substitute afero.NewMemMapFs
// for the chain-discovery tests that don't need real O_APPEND/Sync semantics.
func newOsFs() afero.Fs {
	return afero.NewOsFs()
}
