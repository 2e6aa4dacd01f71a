//go:build unix

package slotlock_test

import (
	"path/filepath"
	"testing"

	"saker.build/daemon/internal/slotlock"
)

func TestAcquirePublishEnumerate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".lock.daemon")

	slot, err := slotlock.Acquire(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := slot.PublishPort(4321); err != nil {
		t.Fatalf("publish port: %v", err)
	}

	entries, err := slotlock.Enumerate(path)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Slot != slot.Index() || entries[0].Port != 4321 {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}

	if err := slot.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	entries, err = slotlock.Enumerate(path)
	if err != nil {
		t.Fatalf("enumerate after release: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries after release, got %d", len(entries))
	}
}

func TestAcquireClaimedSlotBeforePublish(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".lock.daemon")

	slot, err := slotlock.Acquire(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer slot.Release()

	entries, err := slotlock.Enumerate(path)
	if err != nil {
		t.Fatalf("enumerate before publish: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries for a slot that hasn't published yet, got %d", len(entries))
	}
}

func TestEnumerateMissingFile(t *testing.T) {
	dir := t.TempDir()
	entries, err := slotlock.Enumerate(filepath.Join(dir, "does-not-exist"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if entries != nil {
		t.Fatalf("expected nil entries, got %+v", entries)
	}
}

func TestAcquireDistinctSlotsForMultipleDaemons(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".lock.daemon")

	var slots []*slotlock.Slot
	for i := 0; i < 8; i++ {
		s, err := slotlock.Acquire(path)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if err := s.PublishPort(5000 + i); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		slots = append(slots, s)
	}
	seen := make(map[int]bool)
	for _, s := range slots {
		if seen[s.Index()] {
			t.Fatalf("slot index %d reused", s.Index())
		}
		seen[s.Index()] = true
	}

	entries, err := slotlock.Enumerate(path)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(entries) != len(slots) {
		t.Fatalf("expected %d entries, got %d", len(slots), len(entries))
	}

	for _, s := range slots {
		if err := s.Release(); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
}
