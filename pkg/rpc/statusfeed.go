package rpc

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StatusEvent is one transaction status transition, broadcast to every
// subscriber of the status feed. It carries the same vocabulary an operator
// would see in the durable log, surfaced live instead of by polling.
type StatusEvent struct {
	TransID uint64 `json:"trans_id"`
	NodeID  *int   `json:"node_id,omitempty"`
	Status  string `json:"status"`
	Time    string `json:"time"`
}

// StatusFeed fans out StatusEvents over WebSocket to any number of
// subscribers, mirroring the connection-registry-plus-broadcast shape of a
// change stream manager but over transaction status instead of document
// mutations.
type StatusFeed struct {
	log *logrus.Entry

	mu          sync.RWMutex
	connections map[string]*statusConnection
}

type statusConnection struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func newStatusFeed(log *logrus.Entry) *StatusFeed {
	return &StatusFeed{
		log:         log,
		connections: make(map[string]*statusConnection),
	}
}

func (f *StatusFeed) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.WithError(err).Warn("status feed: websocket upgrade failed")
		return
	}

	id := fmt.Sprintf("status-%d", time.Now().UnixNano())
	sc := &statusConnection{id: id, conn: conn}

	f.mu.Lock()
	f.connections[id] = sc
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.connections, id)
		f.mu.Unlock()
		conn.Close()
	}()

	// The feed is output-only; block here reading (and discarding) control
	// frames so the connection is released promptly when the client closes.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *StatusFeed) publish(event StatusEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, sc := range f.connections {
		sc.mu.Lock()
		err := sc.conn.WriteJSON(event)
		sc.mu.Unlock()
		if err != nil {
			f.log.WithError(err).WithField("connection", sc.id).Warn("status feed: write failed")
		}
	}
}

func (f *StatusFeed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, sc := range f.connections {
		sc.conn.Close()
		delete(f.connections, id)
	}
}
