package coordinator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/mnohosten/tpcdb/pkg/participant"
	"github.com/mnohosten/tpcdb/pkg/rpc"
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

func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()
	return addr
}

// testCluster wires one coordinator and n real HTTP-backed participants
// together, each over its own rpc.Server/rpc.Client pair.
type testCluster struct {
	t            *testing.T
	coordAddr    string
	coordServer  *rpc.Server
	coord        *Coordinator
	participants []*participant.Participant
	pServers     []*rpc.Server
	stores       []*store.MemStore
}

func newTestCluster(t *testing.T, n int, batchSize int) *testCluster {
	t.Helper()

	tc := &testCluster{t: t}
	tc.coordAddr = freeAddr(t)

	coordClient := rpc.NewClient(tc.coordAddr, nil, nil)

	participantAddrs := make([]string, n)
	participantClients := make([]*rpc.Client, n)
	for i := 0; i < n; i++ {
		participantAddrs[i] = freeAddr(t)
		participantClients[i] = rpc.NewClient(participantAddrs[i], nil, nil)
	}

	tc.coord = New(participantClients, newMemLog(), &Config{Timeout: 2 * time.Second, BatchSize: batchSize}, nil)
	tc.coordServer = rpc.NewServer(tc.coordAddr, nil)
	tc.coord.SetStatusPublisher(tc.coordServer)
	tc.coord.RegisterHandlers(tc.coordServer)
	go tc.coordServer.ListenAndServe()

	for i := 0; i < n; i++ {
		st := store.NewMemStore()
		tc.stores = append(tc.stores, st)
		p := participant.New(tpc.NodeID(i), st, newMemLog(), coordClient, nil)
		tc.participants = append(tc.participants, p)

		srv := rpc.NewServer(participantAddrs[i], nil)
		p.RegisterHandlers(srv)
		tc.pServers = append(tc.pServers, srv)
		go srv.ListenAndServe()
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		tc.coordServer.Shutdown(ctx)
		for _, srv := range tc.pServers {
			srv.Shutdown(ctx)
		}
	})

	tc.waitUp(tc.coordAddr)
	for _, a := range participantAddrs {
		tc.waitUp(a)
	}
	return tc
}

func (tc *testCluster) waitUp(addr string) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("tcp", addr); err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	tc.t.Fatalf("server at %s never came up", addr)
}

func (tc *testCluster) client() *rpc.Client {
	return rpc.NewClient(tc.coordAddr, nil, nil)
}

func waitForStatus(t *testing.T, p *participant.Participant, id tpc.TransID, want tpc.ParticipantStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if status, ok := p.Status(id); ok && status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := p.Status(id)
	t.Fatalf("transaction %d never reached %s, stuck at %s", id, want, got)
}

func TestHappyPathTwoParticipants(t *testing.T) {
	tc := newTestCluster(t, 2, 2)
	client := tc.client()
	ctx := context.Background()

	ok, err := client.Send(ctx, tpc.KindExecute, tpc.ExecuteFromClientRequest{NodeID: 0, Query: "insert into data values('s1',10)"})
	if err != nil || !ok {
		t.Fatalf("first execute: ok=%v err=%v", ok, err)
	}
	ok, err = client.Send(ctx, tpc.KindExecute, tpc.ExecuteFromClientRequest{NodeID: 1, Query: "insert into data values('s2',20)"})
	if err != nil || !ok {
		t.Fatalf("second execute: ok=%v err=%v", ok, err)
	}

	waitForStatus(t, tc.participants[0], 1, tpc.ParticipantCommitted)
	waitForStatus(t, tc.participants[1], 1, tpc.ParticipantCommitted)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if status, ok := tc.coord.Status(1); ok && status == tpc.CoordinatorDone {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	status, _ := tc.coord.Status(1)
	t.Fatalf("coordinator never reached DONE for transaction 1, stuck at %s", status)
}

func TestAbortByVote(t *testing.T) {
	tc := newTestCluster(t, 2, 2)
	tc.stores[0].FailQuery = "malformed"
	client := tc.client()
	ctx := context.Background()

	client.Send(ctx, tpc.KindExecute, tpc.ExecuteFromClientRequest{NodeID: 0, Query: "malformed"})
	client.Send(ctx, tpc.KindExecute, tpc.ExecuteFromClientRequest{NodeID: 1, Query: "insert into data values('s2',20)"})

	waitForStatus(t, tc.participants[0], 1, tpc.ParticipantAborted)
	waitForStatus(t, tc.participants[1], 1, tpc.ParticipantAborted)
}

func TestBatchSizeOneIsOneTransactionPerExecute(t *testing.T) {
	tc := newTestCluster(t, 1, 1)
	client := tc.client()
	ctx := context.Background()

	client.Send(ctx, tpc.KindExecute, tpc.ExecuteFromClientRequest{NodeID: 0, Query: "insert 1"})
	waitForStatus(t, tc.participants[0], 1, tpc.ParticipantCommitted)

	client.Send(ctx, tpc.KindExecute, tpc.ExecuteFromClientRequest{NodeID: 0, Query: "insert 2"})
	waitForStatus(t, tc.participants[0], 2, tpc.ParticipantCommitted)
}
