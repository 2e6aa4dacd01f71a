package rescache_test

import (
	"errors"
	"testing"
	"time"

	"saker.build/daemon/internal/clock"
	"saker.build/daemon/internal/rescache"
)

type fakeResource struct {
	id     int
	closed bool
}

type fakeEntry struct {
	generated *int
	closes    *int
	valid     bool
	expiry    time.Duration
	genErr    error
}

func (e *fakeEntry) Generate() (*fakeResource, error) {
	if e.genErr != nil {
		return nil, e.genErr
	}
	*e.generated++
	return &fakeResource{id: *e.generated}, nil
}

func (e *fakeEntry) Validate(r *fakeResource) bool { return e.valid }

func (e *fakeEntry) Expiry() time.Duration { return e.expiry }

func (e *fakeEntry) Close(r *fakeResource) error {
	*e.closes++
	r.closed = true
	return nil
}

func TestGetGeneratesOnceAndReusesResource(t *testing.T) {
	cache := rescache.New[string, *fakeResource](nil)
	var generated, closes int
	entry := &fakeEntry{generated: &generated, closes: &closes, valid: true, expiry: time.Minute}

	h1, err := cache.Get("k", entry)
	if err != nil {
		t.Fatalf("get 1: %v", err)
	}
	h2, err := cache.Get("k", entry)
	if err != nil {
		t.Fatalf("get 2: %v", err)
	}
	if h1.Resource() != h2.Resource() {
		t.Fatalf("expected same resource instance across Get calls")
	}
	if generated != 1 {
		t.Fatalf("expected 1 generation, got %d", generated)
	}
	h1.Close()
	h2.Close()
	if closes != 0 {
		t.Fatalf("handle Close must never invoke the resource's Close, got %d closes", closes)
	}
}

func TestSweepClosesExpiredIdleEntry(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	cache := rescache.New[string, *fakeResource](mc)
	var generated, closes int
	entry := &fakeEntry{generated: &generated, closes: &closes, valid: true, expiry: time.Minute}

	h, err := cache.Get("k", entry)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	h.Close()

	cache.Sweep()
	if closes != 0 {
		t.Fatalf("expected no close before expiry elapses, got %d", closes)
	}

	mc.Advance(2 * time.Minute)
	cache.Sweep()
	if closes != 1 {
		t.Fatalf("expected entry to be closed after expiry, got %d closes", closes)
	}
	if cache.Len() != 0 {
		t.Fatalf("expected cache to be empty after sweep, got %d entries", cache.Len())
	}
}

func TestGetRegeneratesWhenValidationFails(t *testing.T) {
	cache := rescache.New[string, *fakeResource](nil)
	var generated, closes int
	entry := &fakeEntry{generated: &generated, closes: &closes, valid: false, expiry: time.Minute}

	h1, err := cache.Get("k", entry)
	if err != nil {
		t.Fatalf("get 1: %v", err)
	}
	h1.Close()

	h2, err := cache.Get("k", entry)
	if err != nil {
		t.Fatalf("get 2: %v", err)
	}
	defer h2.Close()

	if generated != 2 {
		t.Fatalf("expected regeneration after failed validation, got %d generations", generated)
	}
	if closes != 1 {
		t.Fatalf("expected stale resource to be closed, got %d closes", closes)
	}
}

func TestGetPropagatesGenerateError(t *testing.T) {
	cache := rescache.New[string, *fakeResource](nil)
	var generated, closes int
	wantErr := errors.New("boom")
	entry := &fakeEntry{generated: &generated, closes: &closes, valid: true, expiry: time.Minute, genErr: wantErr}

	_, err := cache.Get("k", entry)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected generate error, got %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("expected no entry left behind after a failed generate, got %d", cache.Len())
	}
}

func TestCloseClosesAllEntriesAndRejectsFurtherGets(t *testing.T) {
	cache := rescache.New[string, *fakeResource](nil)
	var generated, closes int
	entry := &fakeEntry{generated: &generated, closes: &closes, valid: true, expiry: time.Minute}

	h, err := cache.Get("k", entry)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	h.Close()

	if err := cache.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if closes != 1 {
		t.Fatalf("expected Close to close the remaining entry, got %d closes", closes)
	}

	if _, err := cache.Get("k", entry); !errors.Is(err, rescache.ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}
