package participant

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mnohosten/tpcdb/pkg/store"
	"github.com/mnohosten/tpcdb/pkg/tpc"
)

// memLog is a translog.Log test double that keeps the snapshot in memory.
type memLog struct {
	snapshot map[uint64]string
}

func newMemLog() *memLog {
	return &memLog{snapshot: make(map[uint64]string)}
}

func (l *memLog) Initialize() error { return nil }

func (l *memLog) WriteAll(snapshot map[uint64]string) error {
	cp := make(map[uint64]string, len(snapshot))
	for k, v := range snapshot {
		cp[k] = v
	}
	l.snapshot = cp
	return nil
}

func (l *memLog) ReadAll() (map[uint64]string, error) {
	cp := make(map[uint64]string, len(l.snapshot))
	for k, v := range l.snapshot {
		cp[k] = v
	}
	return cp, nil
}

func newTestParticipant() (*Participant, *store.MemStore, *memLog) {
	st := store.NewMemStore()
	lg := newMemLog()
	p := New(0, st, lg, nil, nil)
	return p, st, lg
}

func TestExecuteThenPrepareCommit(t *testing.T) {
	ctx := context.Background()
	p, _, lg := newTestParticipant()

	ok, err := p.Execute(ctx, tpc.ExecuteRequest{TransID: 1, Query: "insert into data values('s1',10)"})
	if err != nil || !ok {
		t.Fatalf("Execute: ok=%v err=%v", ok, err)
	}

	ok, err = p.Prepare(ctx, tpc.PrepareRequest{TransID: 1})
	if err != nil || !ok {
		t.Fatalf("Prepare: ok=%v err=%v", ok, err)
	}
	if status, _ := p.Status(1); status != tpc.ParticipantPrepared {
		t.Fatalf("expected PREPARED, got %s", status)
	}
	var logged persistedRecord
	if err := json.Unmarshal([]byte(lg.snapshot[1]), &logged); err != nil {
		t.Fatalf("decoding log entry: %v", err)
	}
	if logged.Status != tpc.ParticipantPrepared {
		t.Fatalf("expected log entry PREPARED, got %q", logged.Status)
	}
	if len(logged.Statements) != 1 || logged.Statements[0].Query != "insert into data values('s1',10)" {
		t.Fatalf("expected the executed statement to be logged, got %+v", logged.Statements)
	}

	ok, err = p.Commit(ctx, tpc.CommitRequest{TransID: 1})
	if err != nil || !ok {
		t.Fatalf("Commit: ok=%v err=%v", ok, err)
	}
	if status, _ := p.Status(1); status != tpc.ParticipantCommitted {
		t.Fatalf("expected COMMITTED, got %s", status)
	}
}

func TestExecuteFailureTriggersDoAbort(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestParticipant()
	st.FailQuery = "bad query"

	ok, err := p.Execute(ctx, tpc.ExecuteRequest{TransID: 1, Query: "bad query"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ok {
		t.Fatal("expected Execute to report failure")
	}
	if status, _ := p.Status(1); status != tpc.ParticipantAborted {
		t.Fatalf("expected ABORTED after store failure, got %s", status)
	}
}

func TestPrepareOnAbsentTransactionBeginsEmpty(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestParticipant()

	ok, err := p.Prepare(ctx, tpc.PrepareRequest{TransID: 5})
	if err != nil || !ok {
		t.Fatalf("Prepare on absent transaction: ok=%v err=%v", ok, err)
	}
	if status, _ := p.Status(5); status != tpc.ParticipantPrepared {
		t.Fatalf("expected PREPARED, got %s", status)
	}
}

func TestPrepareIsIdempotentAfterPrepared(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestParticipant()

	if _, err := p.Prepare(ctx, tpc.PrepareRequest{TransID: 1}); err != nil {
		t.Fatalf("first Prepare: %v", err)
	}
	ok, err := p.Prepare(ctx, tpc.PrepareRequest{TransID: 1})
	if err != nil || !ok {
		t.Fatalf("second Prepare: ok=%v err=%v", ok, err)
	}
}

func TestPrepareAfterCommittedIsIllegal(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestParticipant()

	if _, err := p.Prepare(ctx, tpc.PrepareRequest{TransID: 1}); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := p.Commit(ctx, tpc.CommitRequest{TransID: 1}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	ok, err := p.Prepare(ctx, tpc.PrepareRequest{TransID: 1})
	if err != nil {
		t.Fatalf("Prepare after commit: %v", err)
	}
	if ok {
		t.Fatal("expected Prepare after COMMITTED to be illegal")
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestParticipant()

	if _, err := p.Prepare(ctx, tpc.PrepareRequest{TransID: 1}); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if ok, err := p.Commit(ctx, tpc.CommitRequest{TransID: 1}); err != nil || !ok {
		t.Fatalf("first Commit: ok=%v err=%v", ok, err)
	}
	// Second commit: missing-gid is swallowed by the store, DONE is sent again.
	if ok, err := p.Commit(ctx, tpc.CommitRequest{TransID: 1}); err != nil || !ok {
		t.Fatalf("second Commit: ok=%v err=%v", ok, err)
	}
}

func TestAbortRollsBackPreparedTransaction(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestParticipant()

	if _, err := p.Prepare(ctx, tpc.PrepareRequest{TransID: 1}); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	ok, err := p.Abort(ctx, tpc.AbortRequest{TransID: 1})
	if err != nil || !ok {
		t.Fatalf("Abort: ok=%v err=%v", ok, err)
	}
	if status, _ := p.Status(1); status != tpc.ParticipantAborted {
		t.Fatalf("expected ABORTED, got %s", status)
	}
}

func TestCommitBeforePrepareIsIllegal(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestParticipant()

	ok, err := p.Commit(ctx, tpc.CommitRequest{TransID: 1})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if ok {
		t.Fatal("expected Commit before PREPARE to be illegal")
	}
}

func TestNewExecuteAbortsPriorBegunTransaction(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestParticipant()

	if ok, err := p.Execute(ctx, tpc.ExecuteRequest{TransID: 1, Query: "q1"}); err != nil || !ok {
		t.Fatalf("first Execute: ok=%v err=%v", ok, err)
	}
	if ok, err := p.Execute(ctx, tpc.ExecuteRequest{TransID: 2, Query: "q2"}); err != nil || !ok {
		t.Fatalf("second Execute on a new id: ok=%v err=%v", ok, err)
	}
	if status, _ := p.Status(1); status != tpc.ParticipantAborted {
		t.Fatalf("expected prior transaction to be aborted, got %s", status)
	}
}

func seedLoggedRecord(t *testing.T, lg *memLog, id uint64, rec persistedRecord) {
	t.Helper()
	encoded, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("encoding seed record: %v", err)
	}
	lg.snapshot[id] = string(encoded)
}

func TestRecoverReplaysPreparedVote(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	lg := newMemLog()
	seedLoggedRecord(t, lg, 1, persistedRecord{Status: tpc.ParticipantPrepared})

	p := New(0, st, lg, nil, nil)
	if err := p.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if status, _ := p.Status(1); status != tpc.ParticipantPrepared {
		t.Fatalf("expected recovered status PREPARED, got %s", status)
	}
}

func TestRecoverReplaysCommit(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	lg := newMemLog()
	seedLoggedRecord(t, lg, 1, persistedRecord{Status: tpc.ParticipantCommitted})

	p := New(0, st, lg, nil, nil)
	if err := p.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if status, _ := p.Status(1); status != tpc.ParticipantCommitted {
		t.Fatalf("expected recovered status COMMITTED, got %s", status)
	}
}

// TestRecoverReestablishesPreparedTransactionAfterRestart exercises a real
// restart: a brand-new store (its in-process prepared-gid table is empty,
// exactly as it is after any process restart) and a brand-new Participant,
// sharing only the durable log with the original. Recovery must replay the
// logged statement and re-issue PREPARE before the transaction can be
// trusted to resolve COMMIT/ABORT correctly.
func TestRecoverReestablishesPreparedTransactionAfterRestart(t *testing.T) {
	ctx := context.Background()
	lg := newMemLog()

	st1 := store.NewMemStore()
	p1 := New(0, st1, lg, nil, nil)
	if ok, err := p1.Execute(ctx, tpc.ExecuteRequest{TransID: 1, Query: "insert into data values('s1',10)"}); err != nil || !ok {
		t.Fatalf("Execute: ok=%v err=%v", ok, err)
	}
	if ok, err := p1.Prepare(ctx, tpc.PrepareRequest{TransID: 1}); err != nil || !ok {
		t.Fatalf("Prepare: ok=%v err=%v", ok, err)
	}

	st2 := store.NewMemStore()
	p2 := New(0, st2, lg, nil, nil)
	if err := p2.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	status, ok := p2.Status(1)
	if !ok || status != tpc.ParticipantPrepared {
		t.Fatalf("expected recovered status PREPARED, got %s (ok=%v)", status, ok)
	}

	rec := p2.transactions[1]
	if rec.tx == nil {
		t.Fatal("expected recovery to re-establish a local transaction parked under the gid")
	}
	if len(rec.statements) != 1 || rec.statements[0].Query != "insert into data values('s1',10)" {
		t.Fatalf("expected the original statement to be replayed, got %+v", rec.statements)
	}

	if ok, err := p2.Commit(ctx, tpc.CommitRequest{TransID: 1}); err != nil || !ok {
		t.Fatalf("Commit after recovery: ok=%v err=%v", ok, err)
	}
}
