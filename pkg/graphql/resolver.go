package graphql

import (
	"sort"

	"github.com/graphql-go/graphql"

	"github.com/mnohosten/tpcdb/pkg/tpc"
)

// CoordinatorView is the read-only surface a Resolver needs from a
// coordinator.Coordinator, kept as an interface so the graphql package
// doesn't import coordinator directly (coordinator already imports rpc,
// which would make the two packages cyclic once rpc mounts this handler).
type CoordinatorView interface {
	Status(id tpc.TransID) (tpc.CoordinatorStatus, bool)
	Transactions() map[uint64]string
}

// ParticipantView is the read-only surface a Resolver needs from a
// participant.Participant.
type ParticipantView interface {
	NodeID() tpc.NodeID
	Status(id tpc.TransID) (tpc.ParticipantStatus, bool)
	Transactions() map[uint64]string
}

// Resolver answers GraphQL queries against one coordinator's view of the
// cluster plus whichever participants are reachable in-process (as in a
// single-binary demo harness). A production deployment typically has no
// ParticipantViews of its own process and leaves that slice empty; the
// schema still answers coordinator-side transaction queries.
type Resolver struct {
	coordinator  CoordinatorView
	participants []ParticipantView
}

// NewResolver creates a Resolver over coordinator and its participants.
func NewResolver(coordinator CoordinatorView, participants []ParticipantView) *Resolver {
	return &Resolver{coordinator: coordinator, participants: participants}
}

// Transaction is a GraphQL representation of one coordinator-tracked
// transaction, including whatever participant votes/statuses are known.
type Transaction struct {
	TransID      uint64
	Status       string
	Participants []ParticipantStatus
}

// ParticipantStatus is one participant's recorded status for a transaction.
type ParticipantStatus struct {
	NodeID int
	Status string
}

// Transaction resolves the `transaction(transId: Int!)` query.
func (r *Resolver) Transaction(p graphql.ResolveParams) (interface{}, error) {
	idArg, ok := p.Args["transId"].(int)
	if !ok {
		return nil, nil
	}
	id := tpc.TransID(idArg)

	status, found := r.coordinator.Status(id)
	if !found {
		return nil, nil
	}
	return r.buildTransaction(uint64(id), string(status)), nil
}

// Transactions resolves the `transactions` query: every transaction the
// coordinator has durably recorded, sorted by trans_id.
func (r *Resolver) Transactions(p graphql.ResolveParams) (interface{}, error) {
	all := r.coordinator.Transactions()
	ids := make([]uint64, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Transaction, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.buildTransaction(id, all[id]))
	}
	return out, nil
}

func (r *Resolver) buildTransaction(id uint64, status string) Transaction {
	participants := make([]ParticipantStatus, 0, len(r.participants))
	for _, pt := range r.participants {
		if st, ok := pt.Status(tpc.TransID(id)); ok {
			participants = append(participants, ParticipantStatus{NodeID: int(pt.NodeID()), Status: string(st)})
		}
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i].NodeID < participants[j].NodeID })
	return Transaction{TransID: id, Status: status, Participants: participants}
}

// Participants resolves the `participants` query: every node id with a
// ParticipantView wired in, and a count of its durably recorded
// transactions.
func (r *Resolver) Participants(p graphql.ResolveParams) (interface{}, error) {
	out := make([]ParticipantSummary, 0, len(r.participants))
	for _, pt := range r.participants {
		out = append(out, ParticipantSummary{NodeID: int(pt.NodeID()), TransactionCount: len(pt.Transactions())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// ParticipantSummary is a GraphQL representation of one participant node.
type ParticipantSummary struct {
	NodeID           int
	TransactionCount int
}
