package translog

import (
	"path/filepath"
	"testing"
)

func TestFileLogInitializeIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.db")
	l, err := NewFileLog(path)
	if err != nil {
		t.Fatalf("NewFileLog: %v", err)
	}

	if err := l.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := l.Initialize(); err != nil {
		t.Fatalf("second Initialize should be idempotent: %v", err)
	}

	snapshot, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(snapshot) != 0 {
		t.Errorf("expected empty snapshot, got %v", snapshot)
	}
}

func TestFileLogWriteAllReconciles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.db")
	l, err := NewFileLog(path)
	if err != nil {
		t.Fatalf("NewFileLog: %v", err)
	}
	if err := l.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := l.WriteAll(map[uint64]string{1: "PREPARED", 2: "COMMITTED"}); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	snapshot, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if snapshot[1] != "PREPARED" || snapshot[2] != "COMMITTED" || len(snapshot) != 2 {
		t.Fatalf("unexpected snapshot: %v", snapshot)
	}

	// Row absent from the new snapshot must be removed.
	if err := l.WriteAll(map[uint64]string{2: "DONE"}); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	snapshot, err = l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if _, ok := snapshot[1]; ok {
		t.Errorf("expected id 1 to be reconciled away, got %v", snapshot)
	}
	if snapshot[2] != "DONE" {
		t.Errorf("expected id 2 = DONE, got %v", snapshot)
	}
}

func TestMaxTransID(t *testing.T) {
	if got := MaxTransID(map[uint64]string{}); got != 0 {
		t.Errorf("expected 0 for empty snapshot, got %d", got)
	}
	if got := MaxTransID(map[uint64]string{1: "DONE", 7: "PREPARED", 3: "ABORTED"}); got != 7 {
		t.Errorf("expected 7, got %d", got)
	}
}

func TestFileLogPersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.db")
	l1, err := NewFileLog(path)
	if err != nil {
		t.Fatalf("NewFileLog: %v", err)
	}
	if err := l1.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := l1.WriteAll(map[uint64]string{5: "COMMITTED"}); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	l2, err := NewFileLog(path)
	if err != nil {
		t.Fatalf("NewFileLog: %v", err)
	}
	snapshot, err := l2.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if snapshot[5] != "COMMITTED" {
		t.Fatalf("expected recovered snapshot to contain id 5, got %v", snapshot)
	}
}
