//go:build linux

package cache

import (
	"os"

	"golang.org/x/sys/unix"
)

// sysLock adds an advisory flock on top of the lease file, guarding against
// same-host builders that race past the O_EXCL create.
func sysLock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func sysUnlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
