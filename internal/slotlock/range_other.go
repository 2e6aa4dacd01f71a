//go:build !unix

package slotlock

import (
	"errors"
	"os"
)

// ErrUnsupportedPlatform is returned by every range-lock primitive on
// platforms without POSIX byte-range advisory locking. Unlike a whole-file
// lock, the slot coordination scheme is meaningless without true byte-range
// semantics, so this package refuses to pretend it works rather than
// silently letting two daemons collide on the same slot.
var ErrUnsupportedPlatform = errors.New("slotlock: byte-range locking is not supported on this platform")

func tryLockRange(f *os.File, start, length int64, exclusive bool) (bool, error) {
	return false, ErrUnsupportedPlatform
}

func lockRange(f *os.File, start, length int64, exclusive bool) error {
	return ErrUnsupportedPlatform
}

func unlockRange(f *os.File, start, length int64) error {
	return ErrUnsupportedPlatform
}
