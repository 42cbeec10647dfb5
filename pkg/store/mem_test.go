package store

import (
	"context"
	"testing"
)

func TestMemStoreCommitLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Exec(ctx, "insert into data values('s1',10)", nil); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if err := tx.Prepare(ctx, "1"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := s.CommitPrepared(ctx, "1"); err != nil {
		t.Fatalf("CommitPrepared: %v", err)
	}

	// A second commit of the same (now-missing) gid is swallowed, not an
	// error.
	if err := s.CommitPrepared(ctx, "1"); err != nil {
		t.Fatalf("second CommitPrepared should be swallowed: %v", err)
	}
}

func TestMemStoreExecFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	s.FailQuery = "bad query"

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Exec(ctx, "bad query", nil); err == nil {
		t.Fatal("expected Exec to fail")
	}
}

func TestMemStoreOneOpenTransactionAtATime(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	if _, err := s.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := s.Begin(ctx); err == nil {
		t.Fatal("expected second concurrent Begin to fail")
	}
}
