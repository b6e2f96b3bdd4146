package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/asadovsky/coedit/store"
)

func newBadger(t *testing.T) *store.Badger {
	t.Helper()
	s, err := store.NewBadger(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBadgerSaveLoad(t *testing.T) {
	s := newBadger(t)
	ctx := context.Background()

	rec, err := s.Load(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Fatalf("expected nil record for missing doc, got %+v", rec)
	}

	if err := s.Save(ctx, "doc1", "hello"); err != nil {
		t.Fatal(err)
	}
	rec, err = s.Load(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Buffer != "hello" {
		t.Fatalf("got %+v, want buffer %q", rec, "hello")
	}
	if rec.SavedAt.IsZero() {
		t.Fatal("SavedAt not set")
	}

	// Upsert replaces.
	if err := s.Save(ctx, "doc1", "hello world"); err != nil {
		t.Fatal(err)
	}
	rec, err = s.Load(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Buffer != "hello world" {
		t.Fatalf("got %q, want %q", rec.Buffer, "hello world")
	}
}

func TestBadgerSessionLogBounded(t *testing.T) {
	s := newBadger(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		info := store.SessionInfo{
			Actor:     fmt.Sprintf("actor-%d", i),
			StartedAt: time.Now(),
			EndedAt:   time.Now(),
		}
		if err := s.LogSession(ctx, "doc1", info); err != nil {
			t.Fatal(err)
		}
	}
	sessions, err := s.Sessions(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 9 {
		t.Fatalf("got %d sessions, want 9", len(sessions))
	}
	// Oldest entries were evicted.
	if sessions[0].Actor != "actor-3" || sessions[8].Actor != "actor-11" {
		t.Fatalf("unexpected window: first=%s last=%s", sessions[0].Actor, sessions[8].Actor)
	}

	other, err := s.Sessions(ctx, "doc2")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Fatalf("got %d sessions for untouched doc, want 0", len(other))
	}
}
