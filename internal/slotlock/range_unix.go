//go:build unix

package slotlock

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// tryLockRange attempts a non-blocking lock on [start, start+length) of f.
// It reports (true, nil) on success, (false, nil) if the range is already
// locked by someone else, and (false, err) on any other failure.
func tryLockRange(f *os.File, start, length int64, exclusive bool) (bool, error) {
	lockType := int16(unix.F_RDLCK)
	if exclusive {
		lockType = unix.F_WRLCK
	}
	flock := unix.Flock_t{
		Type:  lockType,
		Whence: 0,
		Start: start,
		Len:   length,
	}
	err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flock)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EAGAIN) {
		return false, nil
	}
	return false, err
}

// lockRange blocks until an exclusive or shared lock on the range is held.
func lockRange(f *os.File, start, length int64, exclusive bool) error {
	lockType := int16(unix.F_RDLCK)
	if exclusive {
		lockType = unix.F_WRLCK
	}
	flock := unix.Flock_t{
		Type:  lockType,
		Whence: 0,
		Start: start,
		Len:   length,
	}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &flock)
}

// unlockRange releases whatever lock this process holds on the range.
func unlockRange(f *os.File, start, length int64) error {
	flock := unix.Flock_t{
		Type:  unix.F_UNLCK,
		Whence: 0,
		Start: start,
		Len:   length,
	}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flock)
}
