package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()

	s := NewServer(addr, nil)
	go s.ListenAndServe()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})

	// Give the listener a moment to come up.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("tcp", addr); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return s, addr
}

func TestClientServerRoundTrip(t *testing.T) {
	s, addr := startTestServer(t)

	s.RegisterHandler("EXECUTE", func(body json.RawMessage) (bool, error) {
		var req struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return false, err
		}
		return req.Query == "ok", nil
	})

	c := NewClient(addr, nil, nil)

	ok, err := c.Send(context.Background(), "EXECUTE", map[string]string{"query": "ok"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !ok {
		t.Fatal("expected true result")
	}

	ok, err = c.Send(context.Background(), "EXECUTE", map[string]string{"query": "bad"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ok {
		t.Fatal("expected false result")
	}

	if got := s.RequestCount(); got != 2 {
		t.Fatalf("RequestCount() = %d, want 2", got)
	}
}

func TestClientUnknownKind(t *testing.T) {
	_, addr := startTestServer(t)
	c := NewClient(addr, nil, nil)

	_, err := c.Send(context.Background(), "NOPE", map[string]string{})
	if err == nil {
		t.Fatal("expected an error for an unregistered kind")
	}
}

func TestClientHandlerError(t *testing.T) {
	s, addr := startTestServer(t)
	s.RegisterHandler("PREPARE", func(body json.RawMessage) (bool, error) {
		return false, fmt.Errorf("store rejected")
	})

	c := NewClient(addr, nil, nil)
	_, err := c.Send(context.Background(), "PREPARE", map[string]int{"trans_id": 1})
	if err == nil {
		t.Fatal("expected handler error to surface")
	}
}

func TestSendTimeoutExceeded(t *testing.T) {
	s, addr := startTestServer(t)
	release := make(chan struct{})
	s.RegisterHandler("COMMIT", func(body json.RawMessage) (bool, error) {
		<-release
		return true, nil
	})
	defer close(release)

	c := NewClient(addr, nil, nil)
	_, err := c.SendTimeout(context.Background(), "COMMIT", map[string]int{"trans_id": 1}, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestStatusFeedBroadcast(t *testing.T) {
	s, addr := startTestServer(t)

	wsURL := "ws://" + addr + "/ws/status"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	// Give the server a moment to register the connection before publishing.
	time.Sleep(20 * time.Millisecond)
	s.PublishStatus(StatusEvent{TransID: 7, Status: "COMMITTED", Time: time.Now().UTC().Format(time.RFC3339)})

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event StatusEvent
	if err := ws.ReadJSON(&event); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if event.TransID != 7 || event.Status != "COMMITTED" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestStatusFeedNoSubscribersDoesNotBlock(t *testing.T) {
	s, _ := startTestServer(t)
	s.PublishStatus(StatusEvent{TransID: 1, Status: "DONE"})
}
