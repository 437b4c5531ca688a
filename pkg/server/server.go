package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/aeolun/golem/pkg/auth"
	"github.com/aeolun/golem/pkg/database"
	"github.com/aeolun/golem/pkg/snowflake"
)

const (
	metricsLogInterval = 30 * time.Second
	shutdownTimeout    = 10 * time.Second
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server is the chat server: the HTTP/WebSocket surface over one store,
// one id allocator and one hub of rooms.
type Server struct {
	store    database.Store
	gen      *snowflake.Generator
	auth     *auth.Authenticator
	hub      *Hub
	sessions *SessionManager
	metrics  *Metrics
	config   ServerConfig
	validate *validator.Validate
	upgrader websocket.Upgrader

	listener      net.Listener
	httpServer    *http.Server
	metricsServer *http.Server

	// ctx is the parent of every connection; cancelled by Stop
	ctx     context.Context
	cancel  context.CancelFunc
	connMu  sync.Mutex // Protects closing against wg.Add
	closing bool
	wg      sync.WaitGroup

	stopOnce sync.Once
	stopErr  error

	startTime time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// NewServer creates a server over an opened store. The server owns the store
// from here on and closes it in Stop. metrics may be nil.
func NewServer(config ServerConfig, store database.Store, gen *snowflake.Generator, metrics *Metrics) (*Server, error) {
	authenticator, err := auth.NewAuthenticator(store, gen, errorLog)
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticator: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:    store,
		gen:      gen,
		auth:     authenticator,
		hub:      NewHub(metrics),
		sessions: NewSessionManager(metrics),
		metrics:  metrics,
		config:   config,
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
	return s, nil
}

// InitLogging points errorLog at stderr plus errors.log in dir, and the
// standard logger at stdout plus server.log. An empty dir logs to the
// console only.
func InitLogging(dir string) error {
	if dir == "" {
		errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	errorFile, err := os.OpenFile(filepath.Join(dir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	// Startup marker to tell runs apart
	if _, err := fmt.Fprintf(errorFile, "=== Server started at %s ===\n", time.Now().Format(time.RFC3339)); err != nil {
		return err
	}
	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// server.log is truncated on startup to avoid confusion from multiple runs
	serverLogFile, err := os.OpenFile(filepath.Join(dir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))
	return nil
}

// EnableDebugLogging sends debug output to w.
func EnableDebugLogging(w io.Writer) {
	debugLog = log.New(w, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start listens on the configured addresses and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.HTTPAddr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("HTTP server listening on %s (/api/ws, /api/*, /health)", listener.Addr())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()

	// Internal only - never expose publicly
	if s.config.MetricsAddr != "" && s.metrics != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metrics.Handler())
		metricsMux.HandleFunc("/health", s.HealthHandler)
		s.metricsServer = &http.Server{Addr: s.config.MetricsAddr, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}

		go func() {
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", s.config.MetricsAddr)
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorLog.Printf("Metrics server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	return nil
}

// Addr is the bound HTTP address, useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Hub exposes the room hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Sessions exposes the live connections.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Stop closes the listeners and every connection, waits for connection
// teardown and closes the store. Later calls return the first result.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() { s.stopErr = s.stop() })
	return s.stopErr
}

func (s *Server) stop() error {
	log.Println("Graceful shutdown initiated...")

	s.connMu.Lock()
	s.closing = true
	s.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
	}
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}

	// Hijacked WebSocket connections are not tracked by http.Server
	s.cancel()
	log.Printf("Closing %d client connections...", s.sessions.CountOnline())
	s.sessions.CloseAll()

	log.Println("Waiting for background goroutines to finish...")
	s.wg.Wait()

	// A MemDB takes its final snapshot here
	log.Println("Closing store...")
	if err := s.store.Close(); err != nil {
		log.Printf("Error during store close: %v", err)
		return err
	}

	log.Println("Graceful shutdown complete")
	return nil
}

// beginConn registers a connection with the shutdown wait group unless the
// server is stopping. Callers must call s.wg.Done when it returns true.
func (s *Server) beginConn() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// HealthHandler reports liveness with a few counters. It answers 503 when
// the store cannot be reached.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		errorLog.Printf("Health check: store ping failed: %v", err)
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"connections":    s.sessions.CountOnline(),
		"rooms":          len(s.hub.Rooms()),
	})
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(metricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			log.Printf("[METRICS] Active connections: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				s.sessions.CountOnline(), connected, disconnected, runtime.NumGoroutine())
		}
	}
}
