package graphql

import (
	"github.com/graphql-go/graphql"
)

// Schema builds the read-only introspection schema over a cluster's
// transaction and participant state, resolved against r.
func Schema(r *Resolver) (graphql.Schema, error) {
	participantStatusType := graphql.NewObject(graphql.ObjectConfig{
		Name:        "ParticipantStatus",
		Description: "One participant's recorded status for a transaction",
		Fields: graphql.Fields{
			"nodeId": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.Int),
				Description: "Participant node identifier",
			},
			"status": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.String),
				Description: "BEGUN, PREPARED, COMMITTED or ABORTED",
			},
		},
	})

	transactionType := graphql.NewObject(graphql.ObjectConfig{
		Name:        "Transaction",
		Description: "A distributed transaction tracked by the coordinator",
		Fields: graphql.Fields{
			"transId": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.Int),
				Description: "Coordinator-assigned transaction id",
			},
			"status": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.String),
				Description: "PREPARED, COMMITTED, ABORTED or DONE",
			},
			"participants": &graphql.Field{
				Type:        graphql.NewList(participantStatusType),
				Description: "Per-participant status, where known",
			},
		},
	})

	participantSummaryType := graphql.NewObject(graphql.ObjectConfig{
		Name:        "Participant",
		Description: "A participant node wired into this process",
		Fields: graphql.Fields{
			"nodeId": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.Int),
				Description: "Participant node identifier",
			},
			"transactionCount": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.Int),
				Description: "Number of transactions durably recorded on this node",
			},
		},
	})

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"transaction": &graphql.Field{
				Type:        transactionType,
				Description: "Look up one transaction by id",
				Args: graphql.FieldConfigArgument{
					"transId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Int)},
				},
				Resolve: r.Transaction,
			},
			"transactions": &graphql.Field{
				Type:        graphql.NewList(transactionType),
				Description: "Every transaction durably recorded by the coordinator",
				Resolve:     r.Transactions,
			},
			"participants": &graphql.Field{
				Type:        graphql.NewList(participantSummaryType),
				Description: "Every participant node wired into this process",
				Resolve:     r.Participants,
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{Query: queryType})
}
