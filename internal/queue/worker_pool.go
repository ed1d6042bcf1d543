package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

// Deliverer hands a record to the next hop. A nil error means the record
// was accepted downstream.
type Deliverer interface {
	Deliver(ctx context.Context, rec *Record) error
}

// DelivererFunc adapts a function to Deliverer
type DelivererFunc func(ctx context.Context, rec *Record) error

func (f DelivererFunc) Deliver(ctx context.Context, rec *Record) error { return f(ctx, rec) }

// WorkerPoolConfig configures the delivery worker pool
type WorkerPoolConfig struct {
	Size               int
	PollInterval       time.Duration
	DeliveryTimeout    time.Duration
	CircuitBreakerName string
	MaxRequests        uint32
	Interval           time.Duration
	Timeout            time.Duration
}

// DefaultWorkerPoolConfig returns default configuration for delivery workers
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Size:               5,
		PollInterval:       250 * time.Millisecond,
		DeliveryTimeout:    60 * time.Second,
		CircuitBreakerName: "queue-delivery",
		MaxRequests:        5,
		Interval:           time.Minute,
		Timeout:            30 * time.Second,
	}
}

// WorkerStats tracks worker pool activity
type WorkerStats struct {
	Delivered      uint64 `json:"delivered"`
	Failed         uint64 `json:"failed"`
	CircuitRejects uint64 `json:"circuit_rejects"`
	ActiveWorkers  int32  `json:"active_workers"`
	CircuitState   string `json:"circuit_state"`
}

// WorkerPool drains a Queue with a fixed number of workers. Every record a
// worker dequeues is resolved exactly once.
type WorkerPool struct {
	queue          *Queue
	deliverer      Deliverer
	cfg            WorkerPoolConfig
	circuitBreaker *gobreaker.CircuitBreaker
	logger         *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool

	delivered      atomic.Uint64
	failed         atomic.Uint64
	circuitRejects atomic.Uint64
	active         atomic.Int32
}

// NewWorkerPool creates a pool that is not yet started
func NewWorkerPool(q *Queue, d Deliverer, cfg WorkerPoolConfig, logger *slog.Logger) *WorkerPool {
	def := DefaultWorkerPoolConfig()
	if cfg.Size <= 0 {
		cfg.Size = def.Size
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if cfg.CircuitBreakerName == "" {
		cfg.CircuitBreakerName = def.CircuitBreakerName
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "queue-worker-pool")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.CircuitBreakerName,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("delivery circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	return &WorkerPool{
		queue:          q,
		deliverer:      d,
		cfg:            cfg,
		circuitBreaker: cb,
		logger:         logger,
	}
}

// Start launches the workers. They stop when ctx is cancelled or Stop is
// called.
func (wp *WorkerPool) Start(ctx context.Context) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.started {
		return errors.New("worker pool already started")
	}
	wp.started = true

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	wp.cancel = cancel
	wp.group = g

	wp.logger.Info("starting delivery workers",
		"size", wp.cfg.Size,
		"poll_interval", wp.cfg.PollInterval)

	for i := 0; i < wp.cfg.Size; i++ {
		workerID := i
		g.Go(func() error {
			return wp.worker(gctx, workerID)
		})
	}
	return nil
}

// Stop cancels the workers and waits for in-progress deliveries to be
// resolved.
func (wp *WorkerPool) Stop() error {
	wp.mu.Lock()
	cancel, g := wp.cancel, wp.group
	wp.mu.Unlock()
	if g == nil {
		return nil
	}

	wp.logger.Info("stopping delivery workers")
	cancel()
	err := g.Wait()
	wp.logger.Info("delivery workers stopped", "final_stats", wp.Stats())
	return err
}

// Stats returns a copy of the pool counters
func (wp *WorkerPool) Stats() WorkerStats {
	return WorkerStats{
		Delivered:      wp.delivered.Load(),
		Failed:         wp.failed.Load(),
		CircuitRejects: wp.circuitRejects.Load(),
		ActiveWorkers:  wp.active.Load(),
		CircuitState:   wp.circuitBreaker.State().String(),
	}
}

func (wp *WorkerPool) worker(ctx context.Context, workerID int) error {
	logger := wp.logger.With("worker_id", workerID)
	logger.Debug("delivery worker started")
	defer logger.Debug("delivery worker stopped")

	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything eligible before sleeping. Nothing is taken off the
		// queue while the circuit is open; reading the state also moves an
		// expired open circuit to half-open.
		for ctx.Err() == nil && wp.circuitBreaker.State() != gobreaker.StateOpen {
			rec, ok := wp.queue.Dequeue()
			if !ok {
				break
			}
			if !wp.process(ctx, logger, rec) {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// process delivers one record and resolves it. Resolution errors are only
// logged: the record is no longer ours either way. It returns false when the
// circuit breaker refused the attempt and the record went back uncharged.
func (wp *WorkerPool) process(ctx context.Context, logger *slog.Logger, rec *Record) bool {
	wp.active.Add(1)
	defer wp.active.Add(-1)

	// Resolution must happen even if the pool is being stopped, so the
	// delivery context is detached from cancellation.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), wp.cfg.DeliveryTimeout)
	defer cancel()

	_, err := wp.circuitBreaker.Execute(func() (interface{}, error) {
		return nil, wp.safeDeliver(dctx, rec)
	})

	if err == nil {
		wp.delivered.Add(1)
		if rerr := wp.queue.MarkSuccess(rec.ID); rerr != nil {
			logger.Error("failed to resolve delivered message", "message_id", uint64(rec.ID), "error", rerr)
		}
		return true
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// Lost the race with the breaker tripping, or the half-open trial
		// slots are taken. No attempt was made.
		wp.circuitRejects.Add(1)
		logger.Debug("delivery suspended, releasing message", "message_id", uint64(rec.ID), "error", err)
		if rerr := wp.queue.Release(rec.ID); rerr != nil {
			logger.Error("failed to release suspended message", "message_id", uint64(rec.ID), "error", rerr)
		}
		return false
	}
	wp.failed.Add(1)
	if rerr := wp.queue.MarkFailure(rec.ID, err.Error()); rerr != nil {
		logger.Error("failed to resolve failed message", "message_id", uint64(rec.ID), "error", rerr)
	}
	return true
}

func (wp *WorkerPool) safeDeliver(ctx context.Context, rec *Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deliverer panicked: %v", r)
		}
	}()
	return wp.deliverer.Deliver(ctx, rec)
}

// SimulatedDeliverer stands in for a real transport. It waits Latency and
// fails a FailureRate fraction of deliveries.
type SimulatedDeliverer struct {
	FailureRate float64
	Latency     time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSimulatedDeliverer creates a deliverer with its own random source
func NewSimulatedDeliverer(failureRate float64, latency time.Duration, seed int64) *SimulatedDeliverer {
	return &SimulatedDeliverer{
		FailureRate: failureRate,
		Latency:     latency,
		rnd:         rand.New(rand.NewSource(seed)),
	}
}

func (s *SimulatedDeliverer) Deliver(ctx context.Context, rec *Record) error {
	if s.Latency > 0 {
		t := time.NewTimer(s.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	s.mu.Lock()
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	roll := s.rnd.Float64()
	s.mu.Unlock()
	if roll < s.FailureRate {
		return fmt.Errorf("451 4.4.1 simulated temporary failure for message %d", rec.ID)
	}
	return nil
}
