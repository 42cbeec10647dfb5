// Package metrics instruments the coordinator and participant roles with
// Prometheus collectors: transaction outcomes, vote traffic, and RPC call
// latency, plus a runtime resource sampler and a slow-call log.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the Prometheus collectors shared by the coordinator and
// participant roles. A single Collector is registered once per process and
// handed to whichever role (or both, in a single-binary test harness) needs
// to record against it.
type Collector struct {
	TransactionsStarted   prometheus.Counter
	TransactionsCommitted prometheus.Counter
	TransactionsAborted   prometheus.Counter
	TransactionsTimedOut  prometheus.Counter

	VotesReceived *prometheus.CounterVec // labeled by vote ("commit"/"abort")
	DoneReceived  prometheus.Counter

	RPCLatency *prometheus.HistogramVec // labeled by kind
	RPCErrors  *prometheus.CounterVec   // labeled by kind

	startTime time.Time
}

// NewCollector creates a Collector and registers its collectors with reg.
// Passing prometheus.NewRegistry() (rather than the global DefaultRegisterer)
// keeps test runs from colliding on duplicate registration.
func NewCollector(reg prometheus.Registerer, namespace string) *Collector {
	c := &Collector{
		TransactionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transactions_started_total",
			Help: "Transactions for which the coordinator has allocated a trans_id.",
		}),
		TransactionsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transactions_committed_total",
			Help: "Transactions that reached COMMITTED.",
		}),
		TransactionsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transactions_aborted_total",
			Help: "Transactions that reached ABORTED.",
		}),
		TransactionsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transactions_timed_out_total",
			Help: "Prepare phases that hit the per-phase context deadline.",
		}),
		VotesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "votes_received_total",
			Help: "Votes received by the coordinator, labeled by vote.",
		}, []string{"vote"}),
		DoneReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "done_received_total",
			Help: "DONE acknowledgements received by the coordinator.",
		}),
		RPCLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "rpc_duration_seconds",
			Help:    "RPC call duration, labeled by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		RPCErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rpc_errors_total",
			Help: "Failed RPC calls, labeled by kind.",
		}, []string{"kind"}),
		startTime: time.Now(),
	}

	reg.MustRegister(
		c.TransactionsStarted, c.TransactionsCommitted, c.TransactionsAborted,
		c.TransactionsTimedOut, c.VotesReceived, c.DoneReceived,
		c.RPCLatency, c.RPCErrors,
	)
	return c
}

// RecordVote increments the vote counter for the given outcome.
func (c *Collector) RecordVote(commit bool) {
	if commit {
		c.VotesReceived.WithLabelValues("commit").Inc()
	} else {
		c.VotesReceived.WithLabelValues("abort").Inc()
	}
}

// RecordRPC records an RPC call's duration and, on failure, bumps the error
// counter for kind. Intended to wrap an rpc.Client.Send call:
//
//	start := time.Now()
//	_, err := client.Send(ctx, kind, payload)
//	collector.RecordRPC(kind, time.Since(start), err)
func (c *Collector) RecordRPC(kind string, d time.Duration, err error) {
	c.RPCLatency.WithLabelValues(kind).Observe(d.Seconds())
	if err != nil {
		c.RPCErrors.WithLabelValues(kind).Inc()
	}
}

// Uptime reports how long this Collector has been recording.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}
