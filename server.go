package mrmdsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"

	"github.com/MaximeRivest/mrmd-sync/internal/clock"
	"github.com/MaximeRivest/mrmd-sync/internal/hub"
	"github.com/MaximeRivest/mrmd-sync/internal/httpapi"
	"github.com/MaximeRivest/mrmd-sync/internal/instancelock"
	"github.com/MaximeRivest/mrmd-sync/internal/metrics"
	"github.com/MaximeRivest/mrmd-sync/internal/storage"
	"github.com/MaximeRivest/mrmd-sync/internal/storage/disk"
)

// Server is the synchronization hub: one listening endpoint serving both the
// control-plane HTTP surface and the duplex socket protocol, backed by a
// pluggable store.
type Server struct {
	cfg      Config
	logger   pslog.Logger
	clock    clock.Clock
	counters *metrics.Counters
	backend  storage.Backend
	hub      *hub.Hub
	httpSrv  *http.Server
	lock     *instancelock.Lock

	listener    net.Listener
	metricsSrv  *http.Server
	ownsBackend bool

	mu           sync.Mutex
	shutdown     bool
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger  pslog.Logger
	Backend storage.Backend
	Clock   clock.Clock
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithBackend injects a pre-built backend (useful for tests).
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.Backend = b }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// NewServer constructs a hub according to cfg.
// Example:
//
//	cfg := mrmdsync.Config{Dir: "./docs", Listen: ":8765"}
//	srv, err := mrmdsync.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}
	counters := metrics.New(serverClock.Now())

	backend := o.Backend
	diskMode := !cfg.externalTable()
	ownsBackend := false
	if backend == nil {
		var err error
		backend, diskMode, err = openBackend(cfg, logger)
		if err != nil {
			return nil, err
		}
		ownsBackend = true
	}

	var lock *instancelock.Lock
	if diskMode && ownsBackend {
		lockPath := filepath.Join(disk.TempArea(cfg.Dir), instancelock.FileName)
		var err error
		lock, err = instancelock.Acquire(lockPath, cfg.Port(), serverClock.Now(), logger)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
	}

	snapshotInterval := cfg.SnapshotInterval
	if !diskMode || cfg.DisableStatePersistence {
		snapshotInterval = 0
	}
	h := hub.New(hub.Config{
		Backend:              backend,
		Clock:                serverClock,
		Logger:               logger,
		Counters:             counters,
		Hooks:                cfg.Hooks,
		PathPrefix:           cfg.PathPrefix,
		Debounce:             cfg.Debounce,
		SnapshotInterval:     snapshotInterval,
		IdleDelay:            cfg.DocCleanupDelay,
		MaxConnections:       cfg.MaxConnections,
		MaxConnectionsPerDoc: cfg.MaxConnectionsPerDoc,
		MaxMessageSize:       cfg.MaxMessageSize,
		PingInterval:         cfg.PingInterval,
		PersistState:         !cfg.DisableStatePersistence,
		AsyncLoad:            !diskMode,
	})

	handler := httpapi.New(httpapi.Config{
		Hub:      h,
		Counters: counters,
		Clock:    serverClock,
		Logger:   logger,
		Hooks:    cfg.Hooks,
		Mirror: httpapi.ConfigMirror{
			Dir:                  cfg.Dir,
			Store:                storeLabel(cfg),
			DebounceMs:           cfg.Debounce.Milliseconds(),
			MaxConnections:       cfg.MaxConnections,
			MaxConnectionsPerDoc: cfg.MaxConnectionsPerDoc,
			MaxMessageSize:       cfg.MaxMessageSize,
			MaxFileSize:          cfg.MaxFileSize,
			PingIntervalMs:       cfg.PingInterval.Milliseconds(),
			DocCleanupDelayMs:    cfg.DocCleanupDelay.Milliseconds(),
			SnapshotIntervalMs:   snapshotInterval.Milliseconds(),
			PersistState:         !cfg.DisableStatePersistence,
			PathPrefix:           cfg.PathPrefix,
		},
	})

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: handler,
	}

	s := &Server{
		cfg:         cfg,
		logger:      logger.With("svc", "server"),
		clock:       serverClock,
		counters:    counters,
		backend:     backend,
		hub:         h,
		httpSrv:     httpSrv,
		lock:        lock,
		ownsBackend: ownsBackend,
		readyCh:     make(chan struct{}),
	}
	if cfg.MetricsListen != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(metrics.NewCollector(counters))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		s.metricsSrv = &http.Server{Addr: cfg.MetricsListen, Handler: mux}
	}
	return s, nil
}

func storeLabel(cfg Config) string {
	if cfg.externalTable() {
		return "postgres"
	}
	return "file"
}

// Handler returns the underlying HTTP handler so the hub can be mounted
// inside an existing mux when embedding into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Hub exposes the coordinator index, primarily for tests and embedders.
func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// Start begins serving and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("listening", "address", ln.Addr().String(), "store", storeLabel(s.cfg))

	if s.metricsSrv != nil {
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Warn("metrics listener failed", "error", err)
			}
		}()
	}

	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server: it refuses new sockets, flushes every
// coordinator, closes the backend, and releases the instance lock. The
// returned error is nil for clean shutdowns; repeat calls are no-ops.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var firstErr error
	if err := s.hub.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && firstErr == nil {
		firstErr = fmt.Errorf("http shutdown: %w", err)
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && firstErr == nil {
			firstErr = fmt.Errorf("metrics shutdown: %w", err)
		}
	}
	if s.ownsBackend {
		if err := s.backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.hub.WaitWatch(ctx)
	if s.lock != nil {
		if err := s.lock.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l := s.listenerRef(); l != nil {
		_ = l.Close()
	}
	return firstErr
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) listenerRef() net.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or the context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if l := s.listenerRef(); l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a hub in a background goroutine and waits until it is
// ready to accept connections. It returns the running server alongside a stop
// function that gracefully shuts it down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
