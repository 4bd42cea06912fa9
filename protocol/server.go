// Package protocol serves the control channel: a WebSocket endpoint that
// accepts get-scanners and start-scan envelopes, plus health and metrics
// routes.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"scanbridge/common/logger"
	wscommon "scanbridge/common/ws"
	"scanbridge/devices"
	"scanbridge/scan"
	"scanbridge/session"
)

// Defaults for Config zero values.
const (
	DefaultListen       = "127.0.0.1:8765"
	DefaultPingInterval = 30 * time.Second
	DefaultPongWait     = 60 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultReadLimit    = 64 << 10
	queueSize           = 32
)

// Config tunes the server.
type Config struct {
	Listen         string
	AllowedOrigins []string
	Throttle       time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	// Backend and Version are reported by /healthz.
	Backend string
	Version string
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
	// Logs backs /logs when set.
	Logs LogSource
}

// LogSource exposes the in-memory log buffer.
type LogSource interface {
	GetBuffer() []logger.LogEntry
	GetBufferFiltered(minLevel logger.LogLevel) []logger.LogEntry
}

// Lister lists the devices surfaced to clients.
type Lister interface {
	List(ctx context.Context) []devices.ScannerDevice
}

// Scanner serves scan requests.
type Scanner interface {
	Scan(ctx context.Context, req scan.Request) (scan.Result, error)
}

// Observer receives connection and throttle events.
type Observer interface {
	ObserveThrottled()
	ConnectionOpened()
	ConnectionClosed()
}

// Logger interface for protocol handling
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

type tagLogger interface {
	TraceTag(tag string, msg string, context ...interface{})
}

type nullLogger struct{}

func (nullLogger) Error(msg string, context ...interface{}) {}
func (nullLogger) Warn(msg string, context ...interface{})  {}
func (nullLogger) Info(msg string, context ...interface{})  {}
func (nullLogger) Debug(msg string, context ...interface{}) {}

type nullObserver struct{}

func (nullObserver) ObserveThrottled() {}
func (nullObserver) ConnectionOpened() {}
func (nullObserver) ConnectionClosed() {}

// Server is the control-channel server. Connections are handled
// concurrently; messages on one connection are handled in order.
type Server struct {
	cfg      Config
	lister   Lister
	scanner  Scanner
	logger   Logger
	observer Observer
	registry *session.Registry
	router   *mux.Router

	// baseCtx outlives connections: scans keep running after their
	// connection closes and are cancelled only on forced shutdown.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	conns      map[string]*wscommon.Conn
	draining   bool
	inflight   sync.WaitGroup
	connWG     sync.WaitGroup
	httpServer *http.Server
}

// New creates a server. logger may be nil.
func New(cfg Config, lister Lister, scanner Scanner, logger Logger) *Server {
	if logger == nil {
		logger = nullLogger{}
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.Throttle <= 0 {
		cfg.Throttle = session.DefaultThrottle
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultPongWait
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		lister:   lister,
		scanner:  scanner,
		logger:   logger,
		observer: nullObserver{},
		registry: session.NewRegistry(),
		baseCtx:  ctx,
		cancel:   cancel,
		conns:    make(map[string]*wscommon.Conn),
	}
	s.router = s.routes()
	return s
}

// WithObserver sets the metrics observer.
func (s *Server) WithObserver(o Observer) *Server {
	if o != nil {
		s.observer = o
	}
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.router }

// Sessions returns the number of open connections.
func (s *Server) Sessions() int { return s.registry.Count() }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.cfg.MetricsHandler != nil {
		r.Handle("/metrics", s.cfg.MetricsHandler).Methods(http.MethodGet)
	}
	if s.cfg.Logs != nil {
		r.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	}
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/", s.handleWebSocket)
	return r
}

// ListenAndServe binds cfg.Listen and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("Control channel listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, lets in-flight requests finish until
// ctx expires, then closes every connection. Scans still running when ctx
// expires are cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.draining = true
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Shutdown deadline reached, cancelling in-flight scans")
		s.cancel()
		if err == nil {
			err = ctx.Err()
		}
	}

	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.connWG.Wait()
	s.cancel()
	return err
}

// begin registers an in-flight request unless the server is draining.
func (s *Server) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"backend":  s.cfg.Backend,
		"sessions": s.registry.Count(),
		"version":  s.cfg.Version,
	})
}

// handleLogs writes buffered log lines as plain text. ?level= keeps entries at
// or above that severity, ?tail= keeps the newest n.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var entries []logger.LogEntry
	if level := strings.TrimSpace(q.Get("level")); level != "" {
		entries = s.cfg.Logs.GetBufferFiltered(logger.LevelFromString(level))
	} else {
		entries = s.cfg.Logs.GetBuffer()
	}
	if n, err := strconv.Atoi(q.Get("tail")); err == nil && n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	w.Write([]byte(b.String()))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := wscommon.UpgradeHTTP(w, r, wscommon.UpgradeOptions{
		AllowedOrigins: s.cfg.AllowedOrigins,
		ReadLimit:      s.cfg.ReadLimit,
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "origin", r.Header.Get("Origin"), "error", err)
		return
	}

	id := uuid.NewString()
	sess := session.New(id, conn.RemoteAddr(), s.cfg.Throttle)
	c := &connection{
		server: s,
		id:     id,
		conn:   conn,
		sess:   sess,
		queue:  make(chan []byte, queueSize),
	}

	s.mu.Lock()
	s.conns[id] = conn
	s.connWG.Add(1)
	s.mu.Unlock()
	s.registry.Add(sess)
	s.observer.ConnectionOpened()
	s.logger.Info("Client connected", "conn", id, "remote_addr", sess.RemoteAddr, "origin", r.Header.Get("Origin"))

	go c.process()
	c.readLoop()
}
