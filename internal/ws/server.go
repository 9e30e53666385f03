// Package ws accepts websocket connections, runs each through its
// lifecycle and dispatches client actions.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go-realtime/internal/auth"
	"go-realtime/internal/delivery"
	"go-realtime/internal/guard"
	"go-realtime/internal/registry"
	"go-realtime/internal/rooms"
	"go-realtime/internal/store"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Options struct {
	// MaxAuthAttempts is the failed-authentication ceiling per identity.
	MaxAuthAttempts int
	AuthWindow      time.Duration
	AuthTimeout     time.Duration
	SendBuffer      int
	ActionQueue     int
	CheckOrigin     func(r *http.Request) bool
}

func (o *Options) setDefaults() {
	if o.MaxAuthAttempts <= 0 {
		o.MaxAuthAttempts = 5
	}
	if o.AuthWindow <= 0 {
		o.AuthWindow = time.Minute
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.ActionQueue <= 0 {
		o.ActionQueue = 64
	}
	if o.CheckOrigin == nil {
		// TODO: restrict to configured origins once the web client domains are fixed
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// Deps are the process-wide services a Server is built from.
type Deps struct {
	Verifier auth.Verifier
	Store    store.Store
	Registry *registry.Registry
	Rooms    rooms.Broadcaster
	Guard    *guard.Guard
}

type Server struct {
	verifier auth.Verifier
	store    store.Store
	registry *registry.Registry
	rooms    rooms.Broadcaster
	guard    *guard.Guard
	pipeline *delivery.Pipeline
	attempts *attemptTracker
	upgrader websocket.Upgrader
	opts     Options

	// ctx outlives single connections: in-flight store calls are not
	// cancelled when their connection goes away.
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[string]*Conn
	wg    sync.WaitGroup
}

func NewServer(deps Deps, opts Options) *Server {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		verifier: deps.Verifier,
		store:    deps.Store,
		registry: deps.Registry,
		rooms:    deps.Rooms,
		guard:    deps.Guard,
		pipeline: delivery.NewPipeline(deps.Guard, deps.Rooms, deps.Store, deps.Registry),
		attempts: newAttemptTracker(opts.MaxAuthAttempts, opts.AuthWindow),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*Conn),
	}
}

// ServeHTTP upgrades the request and starts the connection lifecycle.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.ctx.Done():
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("[WS] Failed to upgrade connection", "from", r.RemoteAddr, "error", err)
		return
	}

	c := &Conn{
		id:      uuid.NewString(),
		remote:  r.RemoteAddr,
		server:  s,
		conn:    wsConn,
		send:    make(chan []byte, s.opts.SendBuffer),
		jobs:    make(chan job, s.opts.ActionQueue),
		state:   StateConnecting,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	slog.Debug("[WS] Connection upgraded", "conn", c.id, "from", r.RemoteAddr)

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.worker()
	}()
	go func() {
		defer s.wg.Done()
		s.run(c, r)
	}()
}

// run drives one connection from open to teardown.
func (s *Server) run(c *Conn, r *http.Request) {
	defer s.handleDisconnect(c)

	if err := c.transition(StateConnected); err != nil {
		slog.Error("[WS] Lifecycle error", "conn", c.id, "error", err)
		return
	}
	s.authenticate(c, r)
	c.readPump()
}

// handleDisconnect is the single cleanup path for a connection, whatever
// state it was in.
func (s *Server) handleDisconnect(c *Conn) {
	prev := c.State()
	if err := c.transition(StateDisconnected); err != nil {
		return
	}
	c.Close()

	left := s.rooms.LeaveAll(c.id)
	userID, _ := s.registry.Unregister(c.id)
	swept := s.guard.Sweep(c.id)

	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()

	slog.Info("[WS] Connection closed", "conn", c.id, "user", userID, "state", prev,
		"rooms", len(left), "swept", swept)
}

// DisconnectUser closes every live connection of userID.
func (s *Server) DisconnectUser(userID string) int {
	conns := s.registry.Connections(userID)
	for _, h := range conns {
		h.Close()
	}
	return len(conns)
}

// Shutdown closes all connections and waits for their goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("[WS] Shutting down")
	s.cancel()

	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("[WS] All connections closed", "count", len(conns))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type health struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
}

// HealthHandler reports liveness and connection counts.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	conns, users := s.registry.Count()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(health{Status: "ok", Connections: conns, Users: users})
}
