// Package coordinator implements the coordinator half of the two-phase
// commit protocol: batches client EXECUTEs into a distributed transaction,
// fans PREPARE out to every participant, tallies votes, decides
// COMMIT/ABORT, and collects DONE acknowledgements, grounded on the
// teacher's goroutine-plus-channel fan-out/fan-in shape for its in-process
// Coordinator, generalized to a networked set of participant RPC clients
// with a durable decision log.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mnohosten/tpcdb/pkg/metrics"
	"github.com/mnohosten/tpcdb/pkg/rpc"
	"github.com/mnohosten/tpcdb/pkg/tpc"
	"github.com/mnohosten/tpcdb/pkg/translog"
)

// StatusPublisher receives a live feed of transaction status transitions.
// *rpc.Server satisfies this, so the status feed is wired by passing the
// coordinator's own rpc.Server into SetStatusPublisher.
type StatusPublisher interface {
	PublishStatus(event rpc.StatusEvent)
}

// Config tunes the coordinator's batching and voting behavior.
type Config struct {
	// Timeout bounds both an individual PREPARE/COMMIT/ABORT RPC call and
	// the overall wait for every participant's vote.
	Timeout time.Duration
	// BatchSize is the number of client EXECUTEs gathered into one
	// distributed transaction before PREPARE is broadcast.
	BatchSize int
}

// DefaultConfig returns the coordinator's default batching parameters.
func DefaultConfig() *Config {
	return &Config{Timeout: 5 * time.Second, BatchSize: 3}
}

type prepareSignal struct {
	ch   chan struct{}
	once sync.Once
}

type lateVoterKey struct {
	transID tpc.TransID
	nodeID  tpc.NodeID
}

// Coordinator drives a fixed, ordered list of participant RPC clients
// through the 2PC protocol. Node ids are the clients' indices in
// participants.
type Coordinator struct {
	participants []*rpc.Client
	log          translog.Log
	logger       *logrus.Entry
	timeout      time.Duration
	batchSize    int
	publisher    StatusPublisher
	metrics      *metrics.Collector

	mu                sync.Mutex
	persisted         map[uint64]string
	votes             map[tpc.TransID][]tpc.Vote
	done              map[tpc.TransID][]bool
	everyonePrepared  map[tpc.TransID]*prepareSignal
	lateVoterNotified map[lateVoterKey]bool
	currentTransID    tpc.TransID
	hasCurrent        bool
	execCounter       int
	nextTransID       tpc.TransID
}

// New creates a Coordinator over participants (in node-id order), backed by
// lg for durable status.
func New(participants []*rpc.Client, lg translog.Log, config *Config, logger *logrus.Entry) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		participants:      participants,
		log:               lg,
		logger:            logger,
		timeout:           config.Timeout,
		batchSize:         config.BatchSize,
		persisted:         make(map[uint64]string),
		votes:             make(map[tpc.TransID][]tpc.Vote),
		done:              make(map[tpc.TransID][]bool),
		everyonePrepared:  make(map[tpc.TransID]*prepareSignal),
		lateVoterNotified: make(map[lateVoterKey]bool),
		nextTransID:       1,
	}
}

// SetStatusPublisher wires a live status feed. Optional; nil is a no-op.
func (c *Coordinator) SetStatusPublisher(p StatusPublisher) {
	c.publisher = p
}

// SetMetrics wires a metrics.Collector. Optional; nil (the zero value) is a
// no-op, checked at every call site.
func (c *Coordinator) SetMetrics(m *metrics.Collector) {
	c.metrics = m
}

// RegisterHandlers binds the coordinator's client-facing EXECUTE handler and
// its participant-facing PREPARE-vote and DONE handlers onto server.
func (c *Coordinator) RegisterHandlers(server *rpc.Server) {
	server.RegisterHandler(tpc.KindExecute, func(body json.RawMessage) (bool, error) {
		var req tpc.ExecuteFromClientRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return false, fmt.Errorf("decoding execute request: %w", err)
		}
		return c.Execute(context.Background(), req)
	})
	server.RegisterHandler(tpc.KindPrepare, func(body json.RawMessage) (bool, error) {
		var req tpc.PrepareVoteRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return false, fmt.Errorf("decoding prepare vote: %w", err)
		}
		return c.handleVote(context.Background(), req)
	})
	server.RegisterHandler(tpc.KindDone, func(body json.RawMessage) (bool, error) {
		var req tpc.DoneRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return false, fmt.Errorf("decoding done: %w", err)
		}
		return c.handleDone(context.Background(), req)
	})
}

// Execute accepts one client statement targeted at req.NodeID, forwarding
// it to that participant under the current batch's transaction id. Once
// batch_size statements have been forwarded (whether or not the participant
// accepted them), it persists PREPARED and starts the prepare phase in the
// background. The result is false when the participant rejected the
// statement or could not be reached.
func (c *Coordinator) Execute(ctx context.Context, req tpc.ExecuteFromClientRequest) (bool, error) {
	if int(req.NodeID) < 0 || int(req.NodeID) >= len(c.participants) {
		return false, fmt.Errorf("coordinator: unknown node id %d", req.NodeID)
	}

	c.mu.Lock()
	if !c.hasCurrent {
		c.currentTransID = c.nextTransID
		c.nextTransID++
		c.hasCurrent = true
		c.execCounter = 0
		c.votes[c.currentTransID] = make([]tpc.Vote, len(c.participants))
		c.done[c.currentTransID] = make([]bool, len(c.participants))
		c.everyonePrepared[c.currentTransID] = &prepareSignal{ch: make(chan struct{})}
		if c.metrics != nil {
			c.metrics.TransactionsStarted.Inc()
		}
	}
	transID := c.currentTransID
	c.mu.Unlock()

	ok, err := c.participants[req.NodeID].Send(ctx, tpc.KindExecute, tpc.ExecuteRequest{TransID: transID, Query: req.Query, Args: req.Args})
	if err != nil {
		c.logger.WithError(err).WithField("trans_id", transID).WithField("node_id", req.NodeID).Warn("execute forward failed")
		ok = false
	}

	// A statement the participant rejected still counts toward the batch:
	// the participant has already aborted its side, and the prepare phase
	// collects that as an ABORT vote.
	c.mu.Lock()
	c.execCounter++
	reachedBatch := c.execCounter >= c.batchSize
	if reachedBatch {
		c.hasCurrent = false
		c.execCounter = 0
	}
	c.mu.Unlock()

	if reachedBatch {
		if err := c.beginPreparePhase(transID); err != nil {
			return false, err
		}
	}
	return ok, nil
}

func (c *Coordinator) beginPreparePhase(transID tpc.TransID) error {
	c.mu.Lock()
	err := c.persistStatusLocked(transID, tpc.CoordinatorPrepared)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.publishStatus(transID, tpc.CoordinatorPrepared)
	go c.runPreparePhase(transID)
	return nil
}

// runPreparePhase broadcasts PREPARE to every participant and waits up to
// c.timeout for every vote slot to fill before deciding.
func (c *Coordinator) runPreparePhase(transID tpc.TransID) {
	broadcastCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var wg sync.WaitGroup
	for nodeID, client := range c.participants {
		wg.Add(1)
		go func(nodeID int, client *rpc.Client) {
			defer wg.Done()
			start := time.Now()
			_, err := client.SendTimeout(broadcastCtx, tpc.KindPrepare, tpc.PrepareRequest{TransID: transID}, c.timeout)
			if c.metrics != nil {
				c.metrics.RecordRPC(string(tpc.KindPrepare), time.Since(start), err)
			}
			if err != nil {
				c.logger.WithError(err).WithField("trans_id", transID).WithField("node_id", nodeID).Warn("prepare broadcast failed")
			}
		}(nodeID, client)
	}

	broadcastDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(broadcastDone)
	}()
	<-broadcastDone

	c.mu.Lock()
	sig := c.everyonePrepared[transID]
	c.mu.Unlock()

	timedOut := false
	if sig != nil {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		select {
		case <-sig.ch:
		case <-timer.C:
			timedOut = true
		}
	}
	if timedOut && c.metrics != nil {
		c.metrics.TransactionsTimedOut.Inc()
	}

	c.decide(transID)
}

// decide computes COMMIT iff every vote slot is COMMIT, persists the
// decision, and broadcasts it. Safe to call more than once for the same
// transID; only the first call (the one that still finds an undecided vote
// vector) has any effect.
func (c *Coordinator) decide(transID tpc.TransID) {
	c.mu.Lock()
	votes, ok := c.votes[transID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.votes, transID)

	commit := true
	for _, v := range votes {
		if v != tpc.VoteCommit {
			commit = false
			break
		}
	}
	status := tpc.CoordinatorAborted
	if commit {
		status = tpc.CoordinatorCommitted
	}
	err := c.persistStatusLocked(transID, status)
	c.mu.Unlock()

	if err != nil {
		c.logger.WithError(err).WithField("trans_id", transID).Error("failed to persist decision")
		return
	}

	if c.metrics != nil {
		if commit {
			c.metrics.TransactionsCommitted.Inc()
		} else {
			c.metrics.TransactionsAborted.Inc()
		}
	}

	c.publishStatus(transID, status)
	c.broadcastDecision(transID, status)
}

// broadcastDecision fans COMMIT or ABORT out to every participant and waits
// for all replies. Per-participant failures are logged, not retried here -
// an undelivered participant recovers via straggler handling on its next
// restart.
func (c *Coordinator) broadcastDecision(transID tpc.TransID, status tpc.CoordinatorStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	kind := tpc.KindCommit
	var payload interface{} = tpc.CommitRequest{TransID: transID}
	if status == tpc.CoordinatorAborted {
		kind = tpc.KindAbort
		payload = tpc.AbortRequest{TransID: transID}
	}

	var wg sync.WaitGroup
	for nodeID, client := range c.participants {
		wg.Add(1)
		go func(nodeID int, client *rpc.Client) {
			defer wg.Done()
			if _, err := client.SendTimeout(ctx, kind, payload, c.timeout); err != nil {
				c.logger.WithError(err).WithField("trans_id", transID).WithField("node_id", nodeID).Warn("decision broadcast failed, relying on straggler recovery")
			}
		}(nodeID, client)
	}
	wg.Wait()
}

// handleVote records a participant's PREPARE vote, or, for a transaction
// that already has a final decision, re-sends that decision to the late
// voter.
func (c *Coordinator) handleVote(ctx context.Context, req tpc.PrepareVoteRequest) (bool, error) {
	c.mu.Lock()
	statusStr, ok := c.persisted[uint64(req.TransID)]
	if !ok {
		c.mu.Unlock()
		c.logger.WithField("trans_id", req.TransID).Warn("vote for unknown transaction, ignoring")
		return false, nil
	}

	status := tpc.CoordinatorStatus(statusStr)
	switch status {
	case tpc.CoordinatorCommitted, tpc.CoordinatorAborted:
		c.mu.Unlock()
		c.replyDecision(ctx, req.NodeID, req.TransID, status)
		return true, nil

	case tpc.CoordinatorPrepared:
		votes, ok := c.votes[req.TransID]
		if !ok || int(req.NodeID) < 0 || int(req.NodeID) >= len(votes) {
			c.mu.Unlock()
			return false, nil
		}
		votes[req.NodeID] = req.Vote
		if c.metrics != nil {
			c.metrics.RecordVote(req.Vote == tpc.VoteCommit)
		}

		allSet := true
		for _, v := range votes {
			if v == "" {
				allSet = false
				break
			}
		}
		sig := c.everyonePrepared[req.TransID]
		c.mu.Unlock()

		if allSet && sig != nil {
			sig.once.Do(func() { close(sig.ch) })
		}
		return true, nil

	default:
		c.mu.Unlock()
		return true, nil
	}
}

// replyDecision re-sends a transaction's already-made decision to a late
// voter, suppressed after the first re-send per (trans_id, node_id) to
// avoid an unbounded resend loop against a participant that keeps voting
// after restart.
func (c *Coordinator) replyDecision(ctx context.Context, nodeID tpc.NodeID, transID tpc.TransID, status tpc.CoordinatorStatus) {
	if int(nodeID) < 0 || int(nodeID) >= len(c.participants) {
		return
	}

	key := lateVoterKey{transID: transID, nodeID: nodeID}
	c.mu.Lock()
	if c.lateVoterNotified[key] {
		c.mu.Unlock()
		return
	}
	c.lateVoterNotified[key] = true
	c.mu.Unlock()

	kind := tpc.KindCommit
	var payload interface{} = tpc.CommitRequest{TransID: transID}
	if status == tpc.CoordinatorAborted {
		kind = tpc.KindAbort
		payload = tpc.AbortRequest{TransID: transID}
	}

	client := c.participants[nodeID]
	if _, err := client.SendTimeout(ctx, kind, payload, c.timeout); err != nil {
		c.logger.WithError(err).WithField("trans_id", transID).WithField("node_id", nodeID).Warn("failed to resend decision to late voter")
	}
}

// handleDone records a participant's DONE acknowledgement; once every
// participant has acknowledged, the transaction transitions to DONE and its
// vote/done bookkeeping is discarded.
func (c *Coordinator) handleDone(ctx context.Context, req tpc.DoneRequest) (bool, error) {
	c.mu.Lock()
	statusStr, ok := c.persisted[uint64(req.TransID)]
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	status := tpc.CoordinatorStatus(statusStr)
	if status != tpc.CoordinatorCommitted && status != tpc.CoordinatorAborted && status != tpc.CoordinatorDone {
		c.mu.Unlock()
		c.logger.WithField("trans_id", req.TransID).Warn("done: illegal for current state")
		return false, nil
	}

	doneVec, ok := c.done[req.TransID]
	if !ok {
		c.mu.Unlock()
		return true, nil
	}
	if int(req.NodeID) < 0 || int(req.NodeID) >= len(doneVec) {
		c.mu.Unlock()
		return false, nil
	}
	doneVec[req.NodeID] = true
	if c.metrics != nil {
		c.metrics.DoneReceived.Inc()
	}

	allDone := true
	for _, d := range doneVec {
		if !d {
			allDone = false
			break
		}
	}

	var persistErr error
	if allDone {
		delete(c.votes, req.TransID)
		delete(c.done, req.TransID)
		delete(c.everyonePrepared, req.TransID)
		for nodeID := range doneVec {
			delete(c.lateVoterNotified, lateVoterKey{transID: req.TransID, nodeID: tpc.NodeID(nodeID)})
		}
		persistErr = c.persistStatusLocked(req.TransID, tpc.CoordinatorDone)
	}
	c.mu.Unlock()

	if persistErr != nil {
		c.logger.WithError(persistErr).WithField("trans_id", req.TransID).Error("failed to persist DONE status")
		return false, persistErr
	}
	if allDone {
		c.publishStatus(req.TransID, tpc.CoordinatorDone)
	}
	return true, nil
}

func (c *Coordinator) persistStatusLocked(id tpc.TransID, status tpc.CoordinatorStatus) error {
	c.persisted[uint64(id)] = string(status)
	if err := c.log.WriteAll(c.persisted); err != nil {
		return fmt.Errorf("%w: %v", tpc.ErrLogWriteFailed, err)
	}
	return nil
}

func (c *Coordinator) publishStatus(id tpc.TransID, status tpc.CoordinatorStatus) {
	if c.publisher == nil {
		return
	}
	c.publisher.PublishStatus(rpc.StatusEvent{
		TransID: uint64(id),
		Status:  string(status),
		Time:    time.Now().UTC().Format(time.RFC3339),
	})
}

// Status returns the durable status of trans_id, if any is recorded.
func (c *Coordinator) Status(id tpc.TransID) (tpc.CoordinatorStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.persisted[uint64(id)]
	if !ok {
		return "", false
	}
	return tpc.CoordinatorStatus(s), true
}

// Transactions returns a snapshot of every durably recorded transaction id
// and status, for introspection.
func (c *Coordinator) Transactions() map[uint64]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make(map[uint64]string, len(c.persisted))
	for k, v := range c.persisted {
		cp[k] = v
	}
	return cp
}

// Recover replays the durable log on startup: re-entering the prepare phase
// for PREPARED transactions and re-broadcasting the decision for COMMITTED
// or ABORTED ones. It also seeds the trans_id allocator from the highest id
// found in the log. All continuations run concurrently.
func (c *Coordinator) Recover(ctx context.Context) error {
	snapshot, err := c.log.ReadAll()
	if err != nil {
		return fmt.Errorf("coordinator: reading log for recovery: %w", err)
	}

	c.mu.Lock()
	for idRaw, status := range snapshot {
		c.persisted[idRaw] = status
	}
	c.nextTransID = tpc.TransID(translog.MaxTransID(snapshot) + 1)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for idRaw, status := range snapshot {
		id := tpc.TransID(idRaw)
		st := tpc.CoordinatorStatus(status)
		wg.Add(1)
		go func(id tpc.TransID, st tpc.CoordinatorStatus) {
			defer wg.Done()
			c.recoverOne(id, st)
		}(id, st)
	}

	// Each replayed phase runs in its own goroutine above (runPreparePhase
	// and broadcastDecision use their own c.timeout-bounded context,
	// independent of whatever triggered them, same as on the live path), so
	// waiting here only bounds how long Recover itself blocks the caller;
	// it does not cancel the replayed phases still running in the
	// background past ctx's deadline.
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) recoverOne(id tpc.TransID, status tpc.CoordinatorStatus) {
	switch status {
	case tpc.CoordinatorPrepared:
		c.mu.Lock()
		c.votes[id] = make([]tpc.Vote, len(c.participants))
		c.done[id] = make([]bool, len(c.participants))
		c.everyonePrepared[id] = &prepareSignal{ch: make(chan struct{})}
		c.mu.Unlock()
		c.runPreparePhase(id)

	case tpc.CoordinatorCommitted, tpc.CoordinatorAborted:
		c.mu.Lock()
		if _, ok := c.done[id]; !ok {
			c.done[id] = make([]bool, len(c.participants))
		}
		c.mu.Unlock()
		c.broadcastDecision(id, status)

	case tpc.CoordinatorDone:
		// Terminal; nothing to replay.
	}
}
