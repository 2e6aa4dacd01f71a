// Package slotlock implements the multi-instance coordination scheme shared
// by every daemon that points at the same storage directory: a single file,
// split into two disjoint byte regions, that lets any number of daemons pick
// a unique slot, publish the port they bound, and lets any process enumerate
// every live daemon's port without ever needing to talk to a lock server.
//
// The low region of the file (bytes [0, SlotCount*4)) holds one 4-byte
// big-endian port number per slot. The high region, starting at 1<<62 bytes
// into the (sparse) file, holds one 4-byte range per slot that a daemon
// holds an exclusive advisory lock on for as long as it is alive; losing the
// process, however it happens, releases the lock automatically. Putting the
// two regions astronomically far apart means a data write and a liveness
// probe can never be mistaken for one another by the same fcntl call.
package slotlock

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
)

// SlotCount is the number of daemon slots a single lock file can track.
const SlotCount = 65535

const entrySize = 4

// lockRegionBase is the byte offset of the first slot's liveness lock. It is
// chosen far larger than any realistic data region so the two regions can
// never overlap regardless of SlotCount.
const lockRegionBase = int64(1) << 62

// ErrSlotExhausted is returned by Acquire when every slot in the lock file
// is already held by a live daemon.
var ErrSlotExhausted = errors.New("slotlock: no free slot")

// Entry is one live daemon discovered by Enumerate.
type Entry struct {
	Slot int
	Port int
}

// Slot is a lock-file slot this process has acquired. It is held for the
// entire lifetime of the daemon that acquired it; Release must be called
// exactly once, normally as the last step of daemon shutdown.
type Slot struct {
	file  *os.File
	index int
}

func dataOffset(index int) int64 {
	return int64(index) * entrySize
}

func lockOffset(index int) int64 {
	return lockRegionBase + int64(index)*entrySize
}

// Acquire opens (creating if necessary) the lock file at path and claims the
// first free slot by taking a non-blocking exclusive lock on that slot's
// liveness range. The returned Slot owns path's file descriptor; closing it
// happens in Release.
func Acquire(path string) (*Slot, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	for i := 0; i < SlotCount; i++ {
		ok, err := tryLockRange(f, lockOffset(i), entrySize, true)
		if err != nil {
			f.Close()
			return nil, err
		}
		if ok {
			return &Slot{file: f, index: i}, nil
		}
	}
	f.Close()
	return nil, ErrSlotExhausted
}

// Index returns the slot number this Slot occupies in the lock file.
func (s *Slot) Index() int {
	return s.index
}

// PublishPort takes a blocking exclusive lock on this slot's data range,
// writes port, and releases the data lock. The liveness lock acquired in
// Acquire is untouched and keeps the slot claimed until Release.
func (s *Slot) PublishPort(port int) error {
	off := dataOffset(s.index)
	if err := lockRange(s.file, off, entrySize, true); err != nil {
		return err
	}
	defer unlockRange(s.file, off, entrySize)
	var buf [entrySize]byte
	binary.BigEndian.PutUint32(buf[:], uint32(port))
	if _, err := s.file.WriteAt(buf[:], off); err != nil {
		return err
	}
	return s.file.Sync()
}

// Release drops the liveness lock and closes the underlying file descriptor.
// After Release, any process running Enumerate will stop seeing this slot.
func (s *Slot) Release() error {
	unlockErr := unlockRange(s.file, lockOffset(s.index), entrySize)
	closeErr := s.file.Close()
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

// Enumerate reports the port of every daemon currently holding a slot in the
// lock file at path. A missing file means no daemon has ever started
// against this storage directory; that is reported as an empty, nil-error
// result rather than an error.
//
// Enumerate uses a non-blocking shared probe over the whole liveness region
// first, bisecting only when the probe finds contention, and only takes a
// blocking lock on the narrow data range of a slot it has already confirmed
// is held; it waits there only while that slot's owner is inside
// PublishPort. This lets many daemons start concurrently against the same
// storage directory without enumeration serializing on any of them.
func Enumerate(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	if err := bisectEnumerate(f, 0, SlotCount, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// bisectEnumerate probes the liveness range covering slots [lo, hi). A
// successful shared lock over the whole range proves none of those slots
// are held and the recursion bottoms out immediately. A failed probe means
// at least one slot in range is live; the range is split in half and each
// half is probed independently, down to individual slots.
func bisectEnumerate(f *os.File, lo, hi int, out *[]Entry) error {
	if lo >= hi {
		return nil
	}
	start := lockOffset(lo)
	length := int64(hi-lo) * entrySize
	free, err := tryLockRange(f, start, length, false)
	if err != nil {
		return err
	}
	if free {
		return unlockRange(f, start, length)
	}
	if hi-lo == 1 {
		return readSlotPort(f, lo, out)
	}
	// Slots fill from index 0 upward, so probe the upper half first: it is
	// the half least likely to be contended by actively-starting daemons,
	// keeping enumeration from serializing against them.
	mid := lo + (hi-lo)/2
	if err := bisectEnumerate(f, mid, hi, out); err != nil {
		return err
	}
	return bisectEnumerate(f, lo, mid, out)
}

// readSlotPort takes a blocking shared lock on slot index's data range,
// reads its published port, and appends it to out if the daemon has
// finished publishing (a slot claimed but not yet published reads back as
// zero and is skipped).
func readSlotPort(f *os.File, index int, out *[]Entry) error {
	off := dataOffset(index)
	if err := lockRange(f, off, entrySize, false); err != nil {
		return err
	}
	defer unlockRange(f, off, entrySize)

	var buf [entrySize]byte
	n, err := f.ReadAt(buf[:], off)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if n < entrySize {
		return nil
	}
	port := int(binary.BigEndian.Uint32(buf[:]))
	if port > 0 {
		*out = append(*out, Entry{Slot: index, Port: port})
	}
	return nil
}
