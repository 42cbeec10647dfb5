package tpc

import "errors"

// The first four sentinels name protocol and store failures; no handler in
// this module returns them. The coordinator and participant report those
// cases as a false result (with a log line) rather than as an error.
var (
	// ErrUnknownTransaction names a message that references a trans_id
	// neither role has any record of.
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrIllegalState names a message that arrives for a transaction whose
	// current status does not permit it (e.g. PREPARE after COMMITTED).
	ErrIllegalState = errors.New("message illegal for current transaction state")

	// ErrBatchInFlight names a client EXECUTE submitted while the
	// coordinator's previous batch has not yet reached a terminal state.
	// The coordinator does not refuse such EXECUTEs.
	ErrBatchInFlight = errors.New("previous transaction still in flight")

	// ErrStoreRejected names a local store refusing a statement or a
	// prepare/commit/rollback call.
	ErrStoreRejected = errors.New("local store rejected the operation")

	// ErrLogWriteFailed is fatal: the node cannot safely progress without a
	// durable record of the transition it is about to make.
	ErrLogWriteFailed = errors.New("durable log write failed")
)
