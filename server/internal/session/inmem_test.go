package session

import (
	"context"
	"testing"

	"github.com/juju/errors"
)

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	a := New("a", "browser-1", 8, nil)
	b := New("b", "browser-1", 8, nil)
	c := New("c", "browser-2", 8, nil)
	for _, s := range []*Session{a, b, c} {
		if err := store.Save(ctx, s); err != nil {
			t.Fatalf("save %s: %v", s.ID(), err)
		}
	}

	got, err := store.Get(ctx, "b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != b {
		t.Fatal("expected the saved session back")
	}

	peers, _ := store.ByClient(ctx, "browser-1")
	if len(peers) != 2 {
		t.Fatalf("expected 2 sessions for browser-1, got %d", len(peers))
	}

	all, _ := store.List(ctx)
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(all))
	}

	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}

	_, err = store.Get(ctx, "a")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	peers, _ = store.ByClient(ctx, "browser-1")
	if len(peers) != 1 || peers[0] != b {
		t.Fatalf("expected only b left for browser-1, got %d", len(peers))
	}
}

func TestInMemoryStore_AnonymousClient(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	s := New("x", "", 8, nil)
	_ = store.Save(ctx, s)

	peers, _ := store.ByClient(ctx, "")
	if len(peers) != 0 {
		t.Fatalf("anonymous sessions must not be indexed by client, got %d", len(peers))
	}
	if err := store.Delete(ctx, "x"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
