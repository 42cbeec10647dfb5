package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/mnohosten/tpcdb/pkg/coordinator"
	"github.com/mnohosten/tpcdb/pkg/graphql"
	"github.com/mnohosten/tpcdb/pkg/metrics"
	"github.com/mnohosten/tpcdb/pkg/rpc"
	"github.com/mnohosten/tpcdb/pkg/translog"
)

// participantList collects repeated --participant flags in the order given,
// which becomes the node-id assignment (0-based, first flag is node 0).
type participantList []string

func (p *participantList) String() string { return strings.Join(*p, ",") }

func (p *participantList) Set(value string) error {
	*p = append(*p, value)
	return nil
}

func main() {
	host := flag.String("host", "localhost:9000", "Coordinator listen address (host:port)")
	logDB := flag.String("log-db", "./coordinator.log", "Path to the coordinator's durable decision log")
	timeout := flag.Int("timeout", 5, "Per-phase RPC timeout, in seconds")
	batchSize := flag.Int("batch-size", 3, "Number of client EXECUTEs batched into one distributed transaction")
	enableMetrics := flag.Bool("metrics", false, "Serve Prometheus metrics (/metrics) and GraphQL introspection (/graphql, /graphiql) alongside the RPC server")
	var participants participantList
	flag.Var(&participants, "participant", "Participant address (host:port); repeat in node-id order")
	flag.Parse()

	logger := logrus.NewEntry(logrus.StandardLogger())

	if len(participants) == 0 {
		fmt.Fprintln(os.Stderr, "at least one --participant is required")
		os.Exit(1)
	}

	lg, err := translog.NewFileLog(*logDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening decision log: %v\n", err)
		os.Exit(1)
	}
	if err := lg.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "initializing decision log: %v\n", err)
		os.Exit(1)
	}

	clients := make([]*rpc.Client, len(participants))
	for i, addr := range participants {
		clients[i] = rpc.NewClient(addr, nil, logger.WithField("node_id", i))
	}

	config := &coordinator.Config{Timeout: time.Duration(*timeout) * time.Second, BatchSize: *batchSize}
	coord := coordinator.New(clients, lg, config, logger)

	server := rpc.NewServer(*host, logger)
	coord.SetStatusPublisher(server)
	coord.RegisterHandlers(server)

	if *enableMetrics {
		reg := prometheus.NewRegistry()
		collector := metrics.NewCollector(reg, "tpcdb_coordinator")
		coord.SetMetrics(collector)

		gqlHandler, err := graphql.NewHandler(coord, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "building graphql schema: %v\n", err)
			os.Exit(1)
		}
		server.Mount("/metrics", metrics.Handler(reg))
		server.Mount("/graphql", gqlHandler)
		server.Mount("/graphiql", graphql.GraphiQLHandler())
	}

	// Bind the listener before recovery runs: replaying a PREPARED
	// transaction re-enters the prepare phase, and participants vote by
	// calling back into this same process's /rpc/PREPARE endpoint. If
	// that endpoint isn't accepting connections yet, every vote during
	// recovery is refused and silently dropped, and the phase always
	// times out into ABORT regardless of participant health.
	lis, err := server.Listen()
	if err != nil {
		fmt.Fprintf(os.Stderr, "binding coordinator listener: %v\n", err)
		os.Exit(1)
	}
	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- server.Serve(lis) }()

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	err = coord.Recover(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "recovering coordinator state: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("addr", *host).WithField("participants", len(participants)).Info("coordinator starting")
	if err := <-serveErrCh; err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "coordinator server error: %v\n", err)
		os.Exit(1)
	}
}
