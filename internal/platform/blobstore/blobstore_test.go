package blobstore

import (
	"context"
	"errors"
	"testing"
)

func TestKey_ContentAddressed(t *testing.T) {
	a := Key([]byte("prior authorization request"))
	b := Key([]byte("prior authorization request"))
	c := Key([]byte("explanation of benefits"))

	if a != b {
		t.Errorf("identical payloads must share a key: %s != %s", a, b)
	}
	if a == c {
		t.Error("distinct payloads must not collide")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestMemory_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	payload := []byte("document bytes")

	key, err := store.Put(ctx, payload, "text/plain")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != Key(payload) {
		t.Errorf("expected content address %s, got %s", Key(payload), key)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("expected %q, got %q", payload, got)
	}

	// Returned slices are copies; mutating one must not reach the store.
	got[0] = 'X'
	again, _ := store.Get(ctx, key)
	if string(again) != string(payload) {
		t.Error("stored payload was mutated through a returned copy")
	}
}

func TestMemory_ResubmissionDeduplicates(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	payload := []byte("same fax twice")

	k1, err := store.Put(ctx, payload, "application/pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	k2, err := store.Put(ctx, payload, "application/pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k1 != k2 {
		t.Errorf("resubmission must return the same key: %s != %s", k1, k2)
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 stored payload, got %d", store.Len())
	}
}

func TestMemory_Missing(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	if _, err := store.Get(ctx, "deadbeef"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "deadbeef"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	ok, err := store.Exists(ctx, "deadbeef")
	if err != nil || ok {
		t.Errorf("expected exists=false, got %v (%v)", ok, err)
	}
}

func TestMemory_Delete(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	key, _ := store.Put(ctx, []byte("ephemeral"), "text/plain")

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemory_RejectsEmptyPayload(t *testing.T) {
	store := NewMemory()
	if _, err := store.Put(context.Background(), nil, ""); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
}

func TestMemory_RejectsOversizedPayload(t *testing.T) {
	store := NewMemory()
	big := make([]byte, MaxPayloadSize+1)
	if _, err := store.Put(context.Background(), big, ""); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}
