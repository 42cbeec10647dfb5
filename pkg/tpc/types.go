// Package tpc defines the wire vocabulary shared by the coordinator and
// participant roles of the two-phase commit protocol: transaction and node
// identifiers, the coordinator and participant status enumerations, and the
// RPC payload shapes exchanged between client, coordinator and participant.
package tpc

import "fmt"

// TransID identifies a distributed transaction. It is allocated by the
// coordinator, monotonically increasing within one coordinator incarnation,
// and persists across restarts via the durable log.
type TransID uint64

// GID returns the decimal string naming this transaction's prepared
// transaction in the local store.
func (t TransID) GID() string {
	return fmt.Sprintf("%d", uint64(t))
}

// NodeID is a zero-based dense index into the coordinator's ordered
// participant list. Stable for the life of a coordinator configuration.
type NodeID int

// CoordinatorStatus is the coordinator-side status of a transaction.
type CoordinatorStatus string

const (
	CoordinatorPrepared  CoordinatorStatus = "PREPARED"
	CoordinatorCommitted CoordinatorStatus = "COMMITTED"
	CoordinatorAborted   CoordinatorStatus = "ABORTED"
	CoordinatorDone      CoordinatorStatus = "DONE"
)

// ParticipantStatus is the participant-side status of a transaction.
// BEGUN is volatile (never logged); the rest are durable.
type ParticipantStatus string

const (
	ParticipantBegun     ParticipantStatus = "BEGUN"
	ParticipantPrepared  ParticipantStatus = "PREPARED"
	ParticipantCommitted ParticipantStatus = "COMMITTED"
	ParticipantAborted   ParticipantStatus = "ABORTED"
)

// Vote is a participant's reply to a PREPARE request.
type Vote string

const (
	VoteCommit Vote = "COMMIT"
	VoteAbort  Vote = "ABORT"
)

// ExecuteFromClientRequest is the client->coordinator EXECUTE payload.
type ExecuteFromClientRequest struct {
	NodeID NodeID        `json:"node_id"`
	Query  string        `json:"query"`
	Args   []interface{} `json:"args"`
}

// ExecuteRequest is the coordinator->participant EXECUTE payload.
type ExecuteRequest struct {
	TransID TransID       `json:"trans_id"`
	Query   string        `json:"query"`
	Args    []interface{} `json:"args"`
}

// PrepareRequest is the coordinator->participant PREPARE payload.
type PrepareRequest struct {
	TransID TransID `json:"trans_id"`
}

// PrepareVoteRequest is the participant->coordinator PREPARE reply payload.
type PrepareVoteRequest struct {
	NodeID  NodeID  `json:"node_id"`
	TransID TransID `json:"trans_id"`
	Vote    Vote    `json:"vote"`
}

// CommitRequest is the coordinator->participant COMMIT payload.
type CommitRequest struct {
	TransID TransID `json:"trans_id"`
}

// AbortRequest is the coordinator->participant ABORT payload.
type AbortRequest struct {
	TransID TransID `json:"trans_id"`
}

// DoneRequest is the participant->coordinator DONE payload.
type DoneRequest struct {
	NodeID  NodeID  `json:"node_id"`
	TransID TransID `json:"trans_id"`
}

// RPC message kinds, used both as chi route names and as metrics/logging
// labels.
const (
	KindExecute = "EXECUTE"
	KindPrepare = "PREPARE"
	KindCommit  = "COMMIT"
	KindAbort   = "ABORT"
	KindDone    = "DONE"
)
