package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/mnohosten/tpcdb/pkg/metrics"
	"github.com/mnohosten/tpcdb/pkg/participant"
	"github.com/mnohosten/tpcdb/pkg/rpc"
	"github.com/mnohosten/tpcdb/pkg/store"
	"github.com/mnohosten/tpcdb/pkg/tpc"
	"github.com/mnohosten/tpcdb/pkg/translog"
)

func main() {
	host := flag.String("host", "localhost:9001", "Participant listen address (host:port)")
	coordinatorAddr := flag.String("coordinator", "localhost:9000", "Coordinator address (host:port)")
	nodeID := flag.Int("node-id", 0, "This node's zero-based id, must match its position in the coordinator's --participant list")
	dataDB := flag.String("data-db", "./participant.db", "Path to this participant's local SQLite data store")
	logDB := flag.String("log-db", "./participant.log", "Path to this participant's durable decision log")
	enableMetrics := flag.Bool("metrics", false, "Serve Prometheus metrics (/metrics) alongside the RPC server")
	flag.Parse()

	logger := logrus.NewEntry(logrus.StandardLogger()).WithField("node_id", *nodeID)

	st, err := store.Open(*dataDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening local data store: %v\n", err)
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

	coordClient := rpc.NewClient(*coordinatorAddr, nil, logger)
	p := participant.New(tpc.NodeID(*nodeID), st, lg, coordClient, logger)

	server := rpc.NewServer(*host, logger)
	p.RegisterHandlers(server)

	if *enableMetrics {
		reg := prometheus.NewRegistry()
		collector := metrics.NewCollector(reg, "tpcdb_participant")
		p.SetMetrics(collector)
		server.Mount("/metrics", metrics.Handler(reg))
	}

	if err := p.Recover(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "recovering participant state: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("addr", *host).Info("participant starting")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "participant server error: %v\n", err)
		os.Exit(1)
	}
}
