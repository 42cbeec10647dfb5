// Package participant implements the participant half of the two-phase
// commit protocol: a per-transaction state machine (BEGUN -> PREPARED ->
// {COMMITTED, ABORTED}) driving an underlying prepared-transaction-capable
// local store, grounded on the same begin/prepare/commit/abort shape the
// teacher's distributed package uses for its in-process Participant
// interface, generalized to a networked peer with a durable log.
package participant

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mnohosten/tpcdb/pkg/metrics"
	"github.com/mnohosten/tpcdb/pkg/rpc"
	"github.com/mnohosten/tpcdb/pkg/store"
	"github.com/mnohosten/tpcdb/pkg/tpc"
	"github.com/mnohosten/tpcdb/pkg/translog"
)

// txnRecord is the participant's bookkeeping for one transaction id. tx is
// the local transaction begun for this id (or re-established by recovery);
// it is not cleared at PREPARE, but from then on ownership of the
// underlying connection belongs to the store's prepared-gid table and
// COMMIT/ABORT resolve it by gid. statements records every EXECUTE applied
// to this id so a restart can replay them against a fresh local
// transaction - the store's prepared-gid table is in-process only, so a
// process restart always needs this to re-establish what was prepared
// before the crash.
type txnRecord struct {
	status     tpc.ParticipantStatus
	tx         store.Tx
	statements []loggedStatement
}

// loggedStatement is one EXECUTE recorded durably alongside a
// transaction's status, so recovery can reconstruct the local transaction
// a restarted store's connection lost.
type loggedStatement struct {
	Query string        `json:"query"`
	Args  []interface{} `json:"args,omitempty"`
}

// persistedRecord is the durable-log encoding for one transaction: its
// last known status plus the statements needed to rebuild it.
type persistedRecord struct {
	Status     tpc.ParticipantStatus `json:"status"`
	Statements []loggedStatement     `json:"statements,omitempty"`
}

// Participant is a single node driving one local store on behalf of a
// coordinator. Its exported methods are the four RPC handlers; RegisterHandlers
// wires them onto an rpc.Server.
type Participant struct {
	nodeID      tpc.NodeID
	store       store.PreparedStore
	log         translog.Log
	coordinator *rpc.Client
	logger      *logrus.Entry
	metrics     *metrics.Collector

	mu             sync.Mutex
	transactions   map[tpc.TransID]*txnRecord
	persisted      map[uint64]string // id -> plain status, for introspection
	logRecords     map[uint64]string // id -> encoded persistedRecord, the actual log snapshot
	currentTransID tpc.TransID
	hasCurrent     bool
}

// New creates a Participant identified by nodeID, backed by st for local
// data and lg for durable status, replying to coordinator for votes and
// done acknowledgements.
func New(nodeID tpc.NodeID, st store.PreparedStore, lg translog.Log, coordinator *rpc.Client, logger *logrus.Entry) *Participant {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Participant{
		nodeID:       nodeID,
		store:        st,
		log:          lg,
		coordinator:  coordinator,
		logger:       logger.WithField("node_id", int(nodeID)),
		transactions: make(map[tpc.TransID]*txnRecord),
		persisted:    make(map[uint64]string),
		logRecords:   make(map[uint64]string),
	}
}

// SetMetrics wires a metrics.Collector. Optional; nil (the zero value) is a
// no-op, checked at every call site.
func (p *Participant) SetMetrics(m *metrics.Collector) {
	p.metrics = m
}

// RegisterHandlers binds this participant's four RPC handlers onto server.
func (p *Participant) RegisterHandlers(server *rpc.Server) {
	server.RegisterHandler(tpc.KindExecute, func(body json.RawMessage) (bool, error) {
		var req tpc.ExecuteRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return false, fmt.Errorf("decoding execute request: %w", err)
		}
		return p.Execute(context.Background(), req)
	})
	server.RegisterHandler(tpc.KindPrepare, func(body json.RawMessage) (bool, error) {
		var req tpc.PrepareRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return false, fmt.Errorf("decoding prepare request: %w", err)
		}
		return p.Prepare(context.Background(), req)
	})
	server.RegisterHandler(tpc.KindCommit, func(body json.RawMessage) (bool, error) {
		var req tpc.CommitRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return false, fmt.Errorf("decoding commit request: %w", err)
		}
		return p.Commit(context.Background(), req)
	})
	server.RegisterHandler(tpc.KindAbort, func(body json.RawMessage) (bool, error) {
		var req tpc.AbortRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return false, fmt.Errorf("decoding abort request: %w", err)
		}
		return p.Abort(context.Background(), req)
	})
}

// Execute applies one statement to the transaction named by req.TransID,
// beginning it first if it is not the currently open one.
func (p *Participant) Execute(ctx context.Context, req tpc.ExecuteRequest) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.hasCurrent || p.currentTransID != req.TransID {
		if err := p.beginLocked(ctx, req.TransID); err != nil {
			p.logger.WithError(err).WithField("trans_id", req.TransID).Warn("execute: begin refused")
			return false, nil
		}
	}

	rec := p.transactions[req.TransID]
	if err := rec.tx.Exec(ctx, req.Query, req.Args); err != nil {
		p.logger.WithError(err).WithField("trans_id", req.TransID).Warn("execute: store rejected statement")
		if abortErr := p.doAbortLocked(ctx, req.TransID); abortErr != nil {
			return false, abortErr
		}
		return false, nil
	}
	rec.statements = append(rec.statements, loggedStatement{Query: req.Query, Args: req.Args})
	return true, nil
}

// beginLocked starts a fresh local transaction for id, aborting whatever
// previous BEGUN transaction currently owns the connection.
func (p *Participant) beginLocked(ctx context.Context, id tpc.TransID) error {
	if rec, ok := p.transactions[id]; ok && rec.status != tpc.ParticipantBegun {
		return fmt.Errorf("transaction %d already exists in status %s", id, rec.status)
	}

	if p.hasCurrent && p.currentTransID != id {
		if prev, ok := p.transactions[p.currentTransID]; ok && prev.status == tpc.ParticipantBegun {
			if err := p.doAbortLocked(ctx, p.currentTransID); err != nil {
				return err
			}
		}
	}

	tx, err := p.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin local transaction: %w", err)
	}
	p.transactions[id] = &txnRecord{status: tpc.ParticipantBegun, tx: tx}
	p.currentTransID = id
	p.hasCurrent = true
	return nil
}

// Prepare handles a coordinator PREPARE for trans_id, dispatching on the
// transaction's current status.
func (p *Participant) Prepare(ctx context.Context, req tpc.PrepareRequest) (bool, error) {
	p.mu.Lock()

	rec, ok := p.transactions[req.TransID]
	if !ok {
		if err := p.beginLocked(ctx, req.TransID); err != nil {
			p.mu.Unlock()
			p.logger.WithError(err).WithField("trans_id", req.TransID).Warn("prepare: begin refused")
			return false, nil
		}
		rec = p.transactions[req.TransID]
	}

	var (
		result     bool
		vote       tpc.Vote
		sendVote   bool
		persistErr error
	)

	switch rec.status {
	case tpc.ParticipantBegun:
		gid := req.TransID.GID()
		if err := rec.tx.Prepare(ctx, gid); err != nil {
			p.logger.WithError(err).WithField("trans_id", req.TransID).Warn("prepare: store refused PREPARE TRANSACTION")
			if abortErr := p.doAbortLocked(ctx, req.TransID); abortErr != nil {
				persistErr = abortErr
			}
			vote, sendVote, result = tpc.VoteAbort, true, false
		} else {
			rec.status = tpc.ParticipantPrepared
			persistErr = p.persistLocked(req.TransID)
			vote, sendVote, result = tpc.VoteCommit, true, true
		}
	case tpc.ParticipantPrepared:
		vote, sendVote, result = tpc.VoteCommit, true, true
	case tpc.ParticipantAborted:
		vote, sendVote, result = tpc.VoteAbort, true, true
	case tpc.ParticipantCommitted:
		p.logger.WithField("trans_id", req.TransID).Warn("prepare: illegal, transaction already committed")
		result = false
	default:
		persistErr = fmt.Errorf("prepare: unknown status %s for transaction %d", rec.status, req.TransID)
	}

	p.mu.Unlock()

	if persistErr != nil {
		return false, persistErr
	}
	if sendVote {
		p.sendVote(ctx, req.TransID, vote)
	}
	return result, nil
}

// Commit handles a coordinator COMMIT for trans_id. Legal only when the
// transaction is PREPARED or already COMMITTED (the latter an idempotent
// replay).
func (p *Participant) Commit(ctx context.Context, req tpc.CommitRequest) (bool, error) {
	p.mu.Lock()
	rec, ok := p.transactions[req.TransID]
	if !ok || (rec.status != tpc.ParticipantPrepared && rec.status != tpc.ParticipantCommitted) {
		p.mu.Unlock()
		p.logger.WithField("trans_id", req.TransID).Warn("commit: illegal for current state")
		return false, nil
	}
	rec.status = tpc.ParticipantCommitted
	if err := p.persistLocked(req.TransID); err != nil {
		p.mu.Unlock()
		return false, err
	}
	p.mu.Unlock()

	if err := p.store.CommitPrepared(ctx, req.TransID.GID()); err != nil {
		p.logger.WithError(err).WithField("trans_id", req.TransID).Error("commit prepared failed")
		return false, err
	}

	p.sendDone(ctx, req.TransID)
	return true, nil
}

// Abort handles a coordinator ABORT for trans_id. Legal only when the
// transaction is PREPARED or already ABORTED.
func (p *Participant) Abort(ctx context.Context, req tpc.AbortRequest) (bool, error) {
	p.mu.Lock()
	rec, ok := p.transactions[req.TransID]
	if !ok || (rec.status != tpc.ParticipantPrepared && rec.status != tpc.ParticipantAborted) {
		p.mu.Unlock()
		p.logger.WithField("trans_id", req.TransID).Warn("abort: illegal for current state")
		return false, nil
	}
	rec.status = tpc.ParticipantAborted
	if err := p.persistLocked(req.TransID); err != nil {
		p.mu.Unlock()
		return false, err
	}
	p.mu.Unlock()

	if err := p.store.RollbackPrepared(ctx, req.TransID.GID()); err != nil {
		p.logger.WithError(err).WithField("trans_id", req.TransID).Error("rollback prepared failed")
		return false, err
	}

	p.sendDone(ctx, req.TransID)
	return true, nil
}

// doAbortLocked is the internal abort helper shared by Execute and Prepare
// failure paths: idempotent, refuses to override a COMMITTED transaction,
// and issues the store-side rollback appropriate to the transaction's prior
// status. Caller must hold p.mu.
func (p *Participant) doAbortLocked(ctx context.Context, id tpc.TransID) error {
	rec, ok := p.transactions[id]
	if !ok {
		return nil
	}
	if rec.status == tpc.ParticipantAborted {
		return nil
	}
	if rec.status == tpc.ParticipantCommitted {
		return fmt.Errorf("cannot abort transaction %d: already committed", id)
	}

	prior := rec.status
	rec.status = tpc.ParticipantAborted
	if err := p.persistLocked(id); err != nil {
		return err
	}

	if prior == tpc.ParticipantBegun && rec.tx != nil {
		if err := rec.tx.Rollback(ctx); err != nil {
			p.logger.WithError(err).WithField("trans_id", id).Warn("do_abort: local rollback failed")
		}
	} else {
		if err := p.store.RollbackPrepared(ctx, id.GID()); err != nil {
			p.logger.WithError(err).WithField("trans_id", id).Warn("do_abort: rollback prepared failed")
		}
	}
	return nil
}

// persistLocked writes the full log snapshot, including id's current status
// and the statements needed to rebuild its local transaction, to the
// durable log. Caller must hold p.mu.
func (p *Participant) persistLocked(id tpc.TransID) error {
	rec := p.transactions[id]
	p.persisted[uint64(id)] = string(rec.status)

	encoded, err := json.Marshal(persistedRecord{Status: rec.status, Statements: rec.statements})
	if err != nil {
		return fmt.Errorf("participant: encoding log record for transaction %d: %w", id, err)
	}
	p.logRecords[uint64(id)] = string(encoded)

	if err := p.log.WriteAll(p.logRecords); err != nil {
		return fmt.Errorf("%w: %v", tpc.ErrLogWriteFailed, err)
	}
	return nil
}

func (p *Participant) sendVote(ctx context.Context, id tpc.TransID, vote tpc.Vote) {
	if p.coordinator == nil {
		return
	}
	payload := tpc.PrepareVoteRequest{NodeID: p.nodeID, TransID: id, Vote: vote}
	start := time.Now()
	_, err := p.coordinator.Send(ctx, tpc.KindPrepare, payload)
	if p.metrics != nil {
		p.metrics.RecordRPC(string(tpc.KindPrepare), time.Since(start), err)
	}
	if err != nil {
		p.logger.WithError(err).WithField("trans_id", id).Warn("failed to deliver prepare vote to coordinator")
	}
}

func (p *Participant) sendDone(ctx context.Context, id tpc.TransID) {
	if p.coordinator == nil {
		return
	}
	payload := tpc.DoneRequest{NodeID: p.nodeID, TransID: id}
	start := time.Now()
	_, err := p.coordinator.Send(ctx, tpc.KindDone, payload)
	if p.metrics != nil {
		p.metrics.RecordRPC(string(tpc.KindDone), time.Since(start), err)
	}
	if err != nil {
		p.logger.WithError(err).WithField("trans_id", id).Warn("failed to deliver done to coordinator")
	}
}

// Recover replays the durable log on startup, re-entering the handler
// appropriate to each transaction's last recorded status. All continuations
// run concurrently.
func (p *Participant) Recover(ctx context.Context) error {
	snapshot, err := p.log.ReadAll()
	if err != nil {
		return fmt.Errorf("participant: reading log for recovery: %w", err)
	}

	p.mu.Lock()
	for idRaw, encoded := range snapshot {
		id := tpc.TransID(idRaw)
		var rec persistedRecord
		if err := json.Unmarshal([]byte(encoded), &rec); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("participant: decoding log record for transaction %d: %w", id, err)
		}
		p.persisted[idRaw] = string(rec.Status)
		p.logRecords[idRaw] = encoded
		p.transactions[id] = &txnRecord{status: rec.Status, statements: rec.Statements}
	}
	statuses := make(map[tpc.TransID]tpc.ParticipantStatus, len(p.transactions))
	for id, rec := range p.transactions {
		statuses[id] = rec.status
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for id, st := range statuses {
		wg.Add(1)
		go func(id tpc.TransID, st tpc.ParticipantStatus) {
			defer wg.Done()
			p.recoverOne(ctx, id, st)
		}(id, st)
	}
	wg.Wait()
	return nil
}

// reestablishLocked replays id's logged statements against a fresh local
// transaction and re-issues PREPARE TRANSACTION, reconstructing the
// prepared-gid entry a restarted store always loses: the store's
// prepared-gid table (sqliteTx.Prepare, memTx.Prepare) lives only in the
// process's memory, and the underlying connection/transaction it parked is
// gone the moment the old process exits, so the log recording PREPARED
// does not by itself mean the write survived a restart. Caller must hold
// p.mu.
func (p *Participant) reestablishLocked(ctx context.Context, id tpc.TransID) error {
	rec, ok := p.transactions[id]
	if !ok {
		return fmt.Errorf("reestablish: no recovered record for transaction %d", id)
	}

	tx, err := p.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reestablish: begin local transaction: %w", err)
	}
	for _, stmt := range rec.statements {
		if err := tx.Exec(ctx, stmt.Query, stmt.Args); err != nil {
			return fmt.Errorf("reestablish: replaying statement: %w", err)
		}
	}
	if err := tx.Prepare(ctx, id.GID()); err != nil {
		return fmt.Errorf("reestablish: re-preparing transaction: %w", err)
	}
	rec.tx = tx
	return nil
}

func (p *Participant) recoverOne(ctx context.Context, id tpc.TransID, status tpc.ParticipantStatus) {
	if status == tpc.ParticipantPrepared || status == tpc.ParticipantCommitted || status == tpc.ParticipantAborted {
		p.mu.Lock()
		err := p.reestablishLocked(ctx, id)
		p.mu.Unlock()
		if err != nil {
			p.logger.WithError(err).WithField("trans_id", id).Error("recovery: failed to reestablish prepared local transaction")
			return
		}
	}

	var err error
	switch status {
	case tpc.ParticipantPrepared:
		_, err = p.Prepare(ctx, tpc.PrepareRequest{TransID: id})
	case tpc.ParticipantCommitted:
		_, err = p.Commit(ctx, tpc.CommitRequest{TransID: id})
	case tpc.ParticipantAborted:
		_, err = p.Abort(ctx, tpc.AbortRequest{TransID: id})
	}
	if err != nil {
		p.logger.WithError(err).WithField("trans_id", id).Warn("recovery continuation failed")
	}
}

// Status returns the current recorded status of trans_id, if any.
func (p *Participant) Status(id tpc.TransID) (tpc.ParticipantStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.transactions[id]
	if !ok {
		return "", false
	}
	return rec.status, true
}

// Transactions returns a snapshot of every durably recorded transaction id
// and status, for introspection.
func (p *Participant) Transactions() map[uint64]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make(map[uint64]string, len(p.persisted))
	for k, v := range p.persisted {
		cp[k] = v
	}
	return cp
}

// NodeID returns this participant's node identifier.
func (p *Participant) NodeID() tpc.NodeID {
	return p.nodeID
}
