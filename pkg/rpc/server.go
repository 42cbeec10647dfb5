package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/mnohosten/tpcdb/pkg/concurrent"
)

// Server serves every registered message kind at /rpc/<kind> and dispatches
// each incoming call to its handler without blocking any other connection -
// net/http serves each connection on its own goroutine, so a slow handler
// never starves the transport.
type Server struct {
	addr    string
	router  *chi.Mux
	httpSrv *http.Server
	log     *logrus.Entry

	mu       sync.RWMutex
	handlers map[string]Handler

	feed     *StatusFeed
	reqCount *concurrent.Counter
}

// NewServer creates a Server bound to addr (host:port). It registers a
// single /rpc/{kind} route that looks the handler up at call time, so
// construction order between NewServer and RegisterHandler does not matter.
func NewServer(addr string, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		addr:     addr,
		router:   chi.NewRouter(),
		log:      log,
		handlers: make(map[string]Handler),
		feed:     newStatusFeed(log),
		reqCount: concurrent.NewCounter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Post("/rpc/{kind}", s.handleRPC)
	s.router.Get("/ws/status", s.feed.handleWebSocket)

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s
}

// RegisterHandler binds a handler to a message kind. Calling it twice for
// the same kind replaces the prior handler.
func (s *Server) RegisterHandler(kind string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Mount attaches an auxiliary HTTP handler (GraphQL, Prometheus exposition,
// pprof) at path on this server's router, alongside the RPC and status-feed
// routes.
func (s *Server) Mount(path string, h http.Handler) {
	s.router.Handle(path, h)
}

// PublishStatus broadcasts a transaction status transition to every
// connected status-feed subscriber. Safe to call with no subscribers
// connected.
func (s *Server) PublishStatus(event StatusEvent) {
	s.feed.publish(event)
}

// RequestCount returns the number of RPC calls this server has dispatched
// to a handler, successful or not. Tracked with a lock-free counter since
// every call increments it on the hot path, independent of whether
// Prometheus metrics are enabled.
func (s *Server) RequestCount() uint64 {
	return s.reqCount.Load()
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	s.reqCount.Inc()
	kind := chi.URLParam(r, "kind")

	s.mu.RLock()
	h, ok := s.handlers[kind]
	s.mu.RUnlock()

	if !ok {
		s.writeResponse(w, http.StatusNotFound, Response{OK: false, Error: fmt.Sprintf("no handler registered for kind %q", kind)})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeResponse(w, http.StatusBadRequest, Response{OK: false, Error: "failed to read request body"})
		return
	}

	result, err := h(body)
	if err != nil {
		s.log.WithError(err).WithField("kind", kind).Warn("rpc handler returned an error")
		s.writeResponse(w, http.StatusOK, Response{OK: false, Error: err.Error()})
		return
	}

	s.writeResponse(w, http.StatusOK, Response{OK: true, Result: result})
}

func (s *Server) writeResponse(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.WithError(err).Error("failed to encode rpc response")
	}
}

// Listen binds the listening socket synchronously and returns it without
// accepting any connections yet. Split out from ListenAndServe so a caller
// that needs to drive self-addressed RPCs right after startup (coordinator
// recovery replays PREPARE votes that participants send back to this same
// process) can be sure the address is already accepting TCP connections
// before it starts that work, instead of racing ListenAndServe's internal
// bind in a background goroutine.
func (s *Server) Listen() (net.Listener, error) {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("rpc: listen: %w", err)
	}
	return lis, nil
}

// Serve blocks accepting and dispatching RPC calls on lis until the server
// is shut down.
func (s *Server) Serve(lis net.Listener) error {
	s.log.WithField("addr", s.addr).Info("rpc server listening")
	if err := s.httpSrv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("rpc: serve: %w", err)
	}
	return nil
}

// ListenAndServe binds and serves in one call, blocking until the server is
// shut down. Equivalent to Listen followed by Serve.
func (s *Server) ListenAndServe() error {
	lis, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Shutdown gracefully stops the server and closes any open status-feed
// connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.feed.closeAll()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("rpc: shutdown: %w", err)
	}
	return nil
}
