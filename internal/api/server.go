package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/busybox42/mailq/internal/queue"
	"github.com/busybox42/mailq/internal/store"
)

const (
	defaultListenAddr   = "127.0.0.1:8025"
	defaultReplyTimeout = 5 * time.Second
	maxRequestBody      = 1 << 20
)

// Config represents API server configuration
type Config struct {
	ListenAddr   string
	ReplyTimeout time.Duration
	RateLimit    RateLimitConfig
}

// ArchiveLister reads the persistent dead-letter history
type ArchiveLister interface {
	List(ctx context.Context, limit int) ([]store.ArchivedMessage, error)
}

// ReloadFunc produces the queue configuration installed by a reload request
type ReloadFunc func() (queue.Config, error)

// Option configures a Server
type Option func(*Server)

// WithLogger sets the server logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithGatherer exposes the registry on /metrics
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithArchive serves archived dead letters
func WithArchive(a ArchiveLister) Option {
	return func(s *Server) { s.archive = a }
}

// WithReloader enables POST /api/queue/reload
func WithReloader(f ReloadFunc) Option {
	return func(s *Server) { s.reload = f }
}

// WithWorkerStats adds worker pool counters to the stats response
func WithWorkerStats(f func() queue.WorkerStats) Option {
	return func(s *Server) { s.workerStats = f }
}

// Server is the admin and producer HTTP API of a queue
type Server struct {
	config      Config
	queue       *queue.Queue
	events      chan<- queue.AdminEvent
	gatherer    prometheus.Gatherer
	archive     ArchiveLister
	reload      ReloadFunc
	workerStats func() queue.WorkerStats
	logger      *slog.Logger
	limiter     *SubmissionLimiter
	startedAt   time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a new API server. Admin requests are forwarded on events
// to the queue's maintenance loop.
func NewServer(config Config, q *queue.Queue, events chan<- queue.AdminEvent, opts ...Option) (*Server, error) {
	if q == nil {
		return nil, fmt.Errorf("API server requires a queue")
	}
	if config.ListenAddr == "" {
		config.ListenAddr = defaultListenAddr
	}
	if config.ReplyTimeout <= 0 {
		config.ReplyTimeout = defaultReplyTimeout
	}

	s := &Server{
		config:    config,
		queue:     q,
		events:    events,
		logger:    slog.Default(),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api-server")
	s.limiter = NewSubmissionLimiter(config.RateLimit, s.logger)
	return s, nil
}

// Router builds the request router
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware(s.logger))

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/logging/level", s.HandleGetLogLevel).Methods("GET")
	api.HandleFunc("/logging/level", s.HandleSetLogLevel).Methods("POST", "PUT")

	api.HandleFunc("/queue/stats", s.handleQueueStats).Methods("GET")
	api.HandleFunc("/queue/deadletter", s.handleDeadLetters).Methods("GET")
	api.HandleFunc("/queue/deadletter/archive", s.handleArchive).Methods("GET")
	api.Handle("/queue/messages", s.limiter.Wrap(http.HandlerFunc(s.handleEnqueue))).Methods("POST")

	api.HandleFunc("/queue/pause", s.handlePause).Methods("POST")
	api.HandleFunc("/queue/resume", s.handleResume).Methods("POST")
	api.HandleFunc("/queue/requeue", s.handleRequeue).Methods("POST")
	api.HandleFunc("/queue/reload", s.handleReload).Methods("POST")

	return r
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return fmt.Errorf("API server already started")
	}

	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	go func() {
		s.logger.Info("API server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.ListenAddr
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.limiter.Stop()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // Best effort
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSONStatus(w, status, ErrorResponse{Error: message})
}

// statusFor maps queue errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, queue.ErrInvalidMessage), errors.Is(err, queue.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrResourceExhausted):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
