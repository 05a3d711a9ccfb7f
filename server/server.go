// Package server is the coordinator's outward surface: the WebSocket hub
// that fans broker events out to monitors, EmProps clients, and worker
// sockets, the periodic stats broadcaster, and the HTTP control plane for
// job submission and queries.
//
// The hub holds no authoritative state. Everything it serves is read from
// the store or relayed from the broker pub/sub channels; registries of
// live sockets are the only in-process state and are rebuilt empty on
// restart.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/teranos/relay/broker"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/metrics"
	"github.com/teranos/relay/store"
)

// Options configure the hub surface. Zero values take the defaults noted
// per field.
type Options struct {
	Host           string   // bind host, default all interfaces
	Port           int      // default 3331
	AllowedOrigins []string // Origin prefixes accepted for WS upgrades and CORS

	MaxClients        int           // cap across all socket kinds, default 100
	MaxMessageBytes   int           // chunking threshold and read limit, default 100 MB
	ChunkBytes        int           // chunk payload size, default 1 MB
	StatsInterval     time.Duration // stats broadcast period, default 5s
	ConnectionTimeout time.Duration // pong deadline, default 60s
	SubmitRatePerSec  float64       // per-client submit_job rate, default 10
	SubmitBurst       int           // per-client submit_job burst, default 20
}

func (o *Options) applyDefaults() {
	if o.Port == 0 {
		o.Port = 3331
	}
	if o.MaxClients == 0 {
		o.MaxClients = MaxClients
	}
	if o.MaxMessageBytes == 0 {
		o.MaxMessageBytes = 100 * 1024 * 1024
	}
	if o.ChunkBytes == 0 {
		o.ChunkBytes = 1024 * 1024
	}
	if o.StatsInterval == 0 {
		o.StatsInterval = 5 * time.Second
	}
	if o.ConnectionTimeout == 0 {
		o.ConnectionTimeout = defaultPongWait
	}
	if o.SubmitRatePerSec == 0 {
		o.SubmitRatePerSec = 10
	}
	if o.SubmitBurst == 0 {
		o.SubmitBurst = 20
	}
}

// Server is the hub. One instance per process; multiple instances over the
// same store coexist because every socket sees the full event feed and all
// job state lives in the store.
type Server struct {
	store    store.Store
	jobs     *broker.JobRepository
	registry *broker.WorkerRegistry
	bus      *broker.ProgressBus
	metrics  *metrics.Collector
	opts     Options

	mu       sync.RWMutex
	monitors map[string]*socket
	clients  map[string]*socket
	workers  map[string]*socket

	// submissions correlates jobID -> client socket ID so EmProps clients
	// only see events for jobs they submitted
	submissions *cache.Cache

	register   chan *socket
	unregister chan *socket

	sub        store.Subscription
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	drops  atomic.Int64
	log    *zap.SugaredLogger
}

// New creates the hub over the shared store. A nil metrics collector
// disables instrumentation.
func New(s store.Store, jobs *broker.JobRepository, registry *broker.WorkerRegistry, bus *broker.ProgressBus, m *metrics.Collector, log *zap.SugaredLogger, opts Options) *Server {
	return NewWithContext(context.Background(), s, jobs, registry, bus, m, log, opts)
}

// NewWithContext creates the hub with an external parent context.
func NewWithContext(ctx context.Context, s store.Store, jobs *broker.JobRepository, registry *broker.WorkerRegistry, bus *broker.ProgressBus, m *metrics.Collector, log *zap.SugaredLogger, opts Options) *Server {
	opts.applyDefaults()
	hubCtx, cancel := context.WithCancel(ctx)
	return &Server{
		store:       s,
		jobs:        jobs,
		registry:    registry,
		bus:         bus,
		metrics:     m,
		opts:        opts,
		monitors:    make(map[string]*socket),
		clients:     make(map[string]*socket),
		workers:     make(map[string]*socket),
		submissions: cache.New(24*time.Hour, time.Hour),
		register:    make(chan *socket, 16),
		unregister:  make(chan *socket, 16),
		ctx:         hubCtx,
		cancel:      cancel,
		log:         log.Named("server"),
	}
}

// Start launches the hub loop, the event pump, and the stats broadcaster.
// It subscribes to the broker channels before returning so no event
// published after Start can be missed.
func (s *Server) Start() error {
	sub, err := s.store.Subscribe(s.ctx, broker.Channels()...)
	if err != nil {
		return errors.Wrap(err, "failed to subscribe to broker channels")
	}
	s.sub = sub

	// Built here, not in Serve, so Stop never races the Serve goroutine
	// on the field
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
	go func() {
		defer s.wg.Done()
		s.runEventPump(sub)
	}()
	go func() {
		defer s.wg.Done()
		s.runStatsTicker()
	}()

	s.log.Infow("Hub started",
		"channels", len(broker.Channels()),
		"stats_interval", s.opts.StatsInterval,
		"max_clients", s.opts.MaxClients)
	return nil
}

// run is the hub event loop. It owns the socket registries; all adds and
// removes funnel through here or through removeSocket's lock.
func (s *Server) run() {
	for {
		select {
		case <-s.ctx.Done():
			s.log.Debugw("Hub loop stopping")
			return
		case sock := <-s.register:
			s.handleRegister(sock)
		case sock := <-s.unregister:
			s.handleUnregister(sock)
		}
	}
}

func (s *Server) registryFor(kind ConnKind) map[string]*socket {
	switch kind {
	case ConnMonitor:
		return s.monitors
	case ConnClient:
		return s.clients
	default:
		return s.workers
	}
}

func (s *Server) handleRegister(sock *socket) {
	s.mu.Lock()
	total := len(s.monitors) + len(s.clients) + len(s.workers)
	if total >= s.opts.MaxClients {
		s.mu.Unlock()
		s.log.Warnw("Max connections reached, rejecting socket",
			"socket_id", sock.id,
			"kind", sock.kind,
			"max_clients", s.opts.MaxClients)
		sock.close(websocket.CloseTryAgainLater, "too many connections")
		return
	}

	reg := s.registryFor(sock.kind)
	if old, ok := reg[sock.id]; ok {
		// A reconnect with the same ID supersedes the stale socket
		delete(reg, sock.id)
		old.close(websocket.CloseNormalClosure, "superseded by reconnect")
	}
	reg[sock.id] = sock
	s.mu.Unlock()

	s.metrics.ConnectionOpened(string(sock.kind))
	s.log.Infow("Socket connected",
		"socket_id", sock.id,
		"kind", sock.kind,
		"remote", sock.remote,
		"total", total+1)
}

func (s *Server) handleUnregister(sock *socket) {
	s.mu.Lock()
	reg := s.registryFor(sock.kind)
	current, ok := reg[sock.id]
	if ok && current == sock {
		delete(reg, sock.id)
	}
	s.mu.Unlock()
	if !ok || current != sock {
		return // already removed or superseded
	}

	sock.close(websocket.CloseNormalClosure, "")
	s.metrics.ConnectionClosed(string(sock.kind))
	s.log.Infow("Socket disconnected",
		"socket_id", sock.id,
		"kind", sock.kind,
		"sent", sock.sent.Load(),
		"dropped", sock.dropped.Load())
}

// removeSlowSocket drops a socket that cannot keep up with the event feed.
// The consumer is expected to reconnect and resync from store reads.
func (s *Server) removeSlowSocket(sock *socket) {
	s.mu.Lock()
	reg := s.registryFor(sock.kind)
	current, ok := reg[sock.id]
	if ok && current == sock {
		delete(reg, sock.id)
	}
	s.mu.Unlock()
	if !ok || current != sock {
		return
	}

	sock.close(websocket.CloseTryAgainLater, "slow consumer")
	s.metrics.ConnectionClosed(string(sock.kind))
	s.drops.Add(1)
	s.log.Warnw("Socket send queue full, removing slow consumer",
		"socket_id", sock.id,
		"kind", sock.kind,
		"dropped", sock.dropped.Load(),
		"total_evictions", s.drops.Load())
}

// connectionsSnapshot lists live socket IDs per registry, sorted for
// stable output.
func (s *Server) connectionsSnapshot() ConnectionsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ConnectionsSnapshot{
		Monitors: sortedKeys(s.monitors),
		Clients:  sortedKeys(s.clients),
		Workers:  sortedKeys(s.workers),
	}
}

func (s *Server) monitorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.monitors)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
}

// Serve blocks on the HTTP listener until Stop shuts it down. Start must
// have been called first.
func (s *Server) Serve() error {
	s.log.Infow("HTTP server listening", "addr", s.Addr())
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Stop drains the hub: the listener stops accepting, live sockets close,
// the pumps exit, and the store subscription is released.
func (s *Server) Stop() error {
	s.log.Infow("Hub shutting down")

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warnw("HTTP shutdown incomplete", "error", err)
		}
	}

	// Close sockets before cancelling so pumps exit on conn errors rather
	// than timeouts
	s.mu.Lock()
	all := make([]*socket, 0, len(s.monitors)+len(s.clients)+len(s.workers))
	for _, reg := range []map[string]*socket{s.monitors, s.clients, s.workers} {
		for id, sock := range reg {
			all = append(all, sock)
			delete(reg, id)
		}
	}
	s.mu.Unlock()
	for _, sock := range all {
		sock.close(websocket.CloseGoingAway, "server shutting down")
	}

	s.cancel()
	if s.sub != nil {
		if err := s.sub.Close(); err != nil {
			s.log.Debugw("Subscription close failed", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Infow("Hub stopped cleanly", "slow_consumer_evictions", s.drops.Load())
	case <-time.After(ShutdownTimeout):
		s.log.Warnw("Hub goroutine shutdown timed out", "timeout", ShutdownTimeout)
	}
	return nil
}

func sortedKeys(m map[string]*socket) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
