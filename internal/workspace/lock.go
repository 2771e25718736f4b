package workspace

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const (
	rootLockName = ".lock"
	heldLockName = ".workspace.lock"
)

// lockRoot takes the root-wide advisory lock: shared around Acquire and
// Release, exclusive for Sweep. Closing the file drops the lock.
func lockRoot(root string, exclusive bool) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(root, rootLockName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := flock(f, how); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// holdWorkspace locks a fresh workspace for as long as the returned file
// stays open. The lock lives in the kernel, so it also ends when the owning
// process dies.
func holdWorkspace(dir string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(dir, heldLockName), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	if err := flock(f, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// tryWorkspace reports whether dir is held by a live owner. When it is not,
// the returned file (nil for workspaces without a lock file) keeps it locked
// until closed.
func tryWorkspace(dir string) (f *os.File, busy bool, err error) {
	f, err = os.OpenFile(filepath.Join(dir, heldLockName), os.O_RDWR, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := flock(f, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, true, nil
		}
		return nil, false, err
	}
	return f, false, nil
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
