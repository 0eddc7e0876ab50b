package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)

	id := uuid.New()
	s := New(id)
	s.AppendUser("we had a breach")

	if err := store.Put(ctx, s); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != id {
		t.Errorf("expected id %s, got %s", id, got.ID)
	}
	if len(got.Messages) != 1 {
		t.Errorf("expected 1 message, got %d", len(got.Messages))
	}

	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestMemoryStore_GetUnknown(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	if _, err := store.Get(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(50 * time.Millisecond)

	stale := New(uuid.New())
	if err := store.Put(ctx, stale); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Backdate past the TTL without sleeping.
	stale.UpdatedAt = time.Now().UTC().Add(-time.Minute)

	fresh := New(uuid.New())
	if err := store.Put(ctx, fresh); err != nil {
		t.Fatalf("put: %v", err)
	}

	if n := store.Sweep(ctx); n != 1 {
		t.Errorf("expected 1 eviction, got %d", n)
	}
	if _, err := store.Get(ctx, stale.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale session should be evicted, got %v", err)
	}
	if _, err := store.Get(ctx, fresh.ID); err != nil {
		t.Errorf("fresh session should survive sweep, got %v", err)
	}
}

func TestSessionSetSystemRewritesSlot(t *testing.T) {
	s := New(uuid.New())
	s.SetSystem("round 1 instructions")
	s.AppendUser("hello")
	s.SetSystem("round 2 instructions")

	if len(s.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(s.Messages))
	}
	if s.Messages[0].Role != "system" || s.Messages[0].Content != "round 2 instructions" {
		t.Errorf("system slot not rewritten: %+v", s.Messages[0])
	}
	if s.Messages[1].Content != "hello" {
		t.Errorf("user turn must be untouched: %+v", s.Messages[1])
	}
}

func TestTranscripts(t *testing.T) {
	s := New(uuid.New())
	s.SetSystem("instructions")
	s.AppendUser("we lost a laptop")
	s.AppendAssistant("what data was on it?")
	s.AppendUser("customer names")

	tr := s.Transcript()
	if tr != "user: we lost a laptop\nassistant: what data was on it?\nuser: customer names\n" {
		t.Errorf("unexpected transcript %q", tr)
	}
	if s.UserTranscript() != "we lost a laptop customer names" {
		t.Errorf("unexpected user transcript %q", s.UserTranscript())
	}
}
