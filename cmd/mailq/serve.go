package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/busybox42/mailq/internal/api"
	"github.com/busybox42/mailq/internal/cache"
	"github.com/busybox42/mailq/internal/config"
	"github.com/busybox42/mailq/internal/logging"
	"github.com/busybox42/mailq/internal/metrics"
	"github.com/busybox42/mailq/internal/queue"
	"github.com/busybox42/mailq/internal/store"
)

const (
	shutdownTimeout    = 30 * time.Second
	reloadReplyTimeout = 10 * time.Second
	recorderBuffer     = 4096
)

func newServeCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the queue engine",
		Long: `Run the queue engine with its maintenance loop, delivery workers and admin
API. SIGINT and SIGTERM shut down gracefully and save a snapshot; SIGHUP
reloads the queue section of the configuration file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			logCloser, err := logging.InitializeLogging(cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to initialize logging: %w", err)
			}
			defer logCloser.Close()

			d, err := newDaemon(cfg, opts.configPath, slog.Default())
			if err != nil {
				return err
			}

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(signals)

			return d.run(cmd.Context(), signals)
		},
	}
}

// daemon owns every component started by serve
type daemon struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger

	registry    *prometheus.Registry
	queue       *queue.Queue
	events      chan queue.AdminEvent
	pool        *queue.WorkerPool
	api         *api.Server
	snapshots   *store.BoltSnapshotter
	archive     *store.SQLArchive
	recorder    *metrics.Recorder
	healthCache cache.Cache
}

func newDaemon(cfg *config.Config, configPath string, logger *slog.Logger) (d *daemon, err error) {
	d = &daemon{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger.With("component", "daemon"),
		registry:   prometheus.NewRegistry(),
		events:     make(chan queue.AdminEvent),
	}
	defer func() {
		if err != nil {
			d.closeStores()
		}
	}()

	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	queueOpts := []queue.Option{
		queue.WithLogger(logger),
		queue.WithObserver(metrics.NewLifecycleMetrics(d.registry)),
	}

	if cfg.Metrics.Enabled && cfg.Metrics.RedisAddr != "" {
		counters, err := metrics.NewValkeyStore(metrics.ValkeyStoreConfig{
			Addr:      cfg.Metrics.RedisAddr,
			Password:  cfg.Metrics.RedisPassword,
			DB:        cfg.Metrics.RedisDB,
			Prefix:    cfg.Metrics.KeyPrefix,
			Retention: cfg.Metrics.Retention.Std(),
		})
		if err != nil {
			// counters are an operator convenience, the queue runs without them
			d.logger.Warn("metrics store unavailable, continuing without counters", "error", err)
		} else {
			d.recorder = metrics.NewRecorder(counters, recorderBuffer, logger)
			queueOpts = append(queueOpts, queue.WithObserver(d.recorder))
		}
	}

	if cfg.Archive.Enabled {
		d.archive, err = store.OpenSQLArchive(cfg.Archive.Driver, cfg.Archive.DSN, logger)
		if err != nil {
			return nil, err
		}
		queueOpts = append(queueOpts, queue.WithObserver(d.archive))
	}

	if cfg.Cache.Type != "" {
		c, err := cache.Factory(cache.Config{
			Type:     cfg.Cache.Type,
			Name:     "health",
			Host:     cfg.Cache.Host,
			Port:     cfg.Cache.Port,
			Password: cfg.Cache.Password,
			Database: cfg.Cache.Database,
		})
		if err != nil {
			return nil, err
		}
		if err := c.Connect(); err != nil {
			d.logger.Warn("health cache unavailable, snapshots will not be published",
				"cache_type", cfg.Cache.Type,
				"error", err)
		} else {
			d.healthCache = c
			queueOpts = append(queueOpts, queue.WithHealthSink(
				cache.NewHealthPublisher(c, cfg.Cache.Key, cfg.Cache.TTL.Std())))
		}
	}

	d.queue, err = queue.New(cfg.QueueConfig(), queueOpts...)
	if err != nil {
		return nil, err
	}
	if cfg.Metrics.Enabled {
		d.registry.MustRegister(metrics.NewCollector(d.queue))
	}

	if cfg.Snapshot.Enabled {
		d.snapshots, err = store.OpenBoltSnapshotter(cfg.Snapshot.Path, logger)
		if err != nil {
			return nil, err
		}
		if _, err := d.snapshots.Restore(d.queue); err != nil {
			return nil, err
		}
	}

	if cfg.Workers.Enabled {
		poolCfg := queue.DefaultWorkerPoolConfig()
		poolCfg.Size = cfg.Workers.Size
		poolCfg.PollInterval = cfg.Workers.PollInterval.Std()
		poolCfg.DeliveryTimeout = cfg.Workers.DeliveryTimeout.Std()
		poolCfg.Timeout = cfg.Workers.BreakerTimeout.Std()
		deliverer := queue.NewSimulatedDeliverer(cfg.Workers.FailureRate, cfg.Workers.Latency.Std(), time.Now().UnixNano())
		d.pool = queue.NewWorkerPool(d.queue, deliverer, poolCfg, logger)
	}

	if cfg.API.Enabled {
		apiOpts := []api.Option{
			api.WithLogger(logger),
			api.WithReloader(d.loadQueueConfig),
		}
		if cfg.Metrics.Enabled {
			apiOpts = append(apiOpts, api.WithGatherer(d.registry))
		}
		if d.archive != nil {
			apiOpts = append(apiOpts, api.WithArchive(d.archive))
		}
		if d.pool != nil {
			apiOpts = append(apiOpts, api.WithWorkerStats(d.pool.Stats))
		}
		d.api, err = api.NewServer(api.Config{
			ListenAddr:   cfg.API.Listen,
			ReplyTimeout: cfg.API.ReplyTimeout.Std(),
			RateLimit:    cfg.API.RateLimit,
		}, d.queue, d.events, apiOpts...)
		if err != nil {
			return nil, err
		}
	}

	return d, nil
}

// loadQueueConfig re-reads the configuration file for a reload
func (d *daemon) loadQueueConfig() (queue.Config, error) {
	cfg, err := config.LoadConfig(d.configPath)
	if err != nil {
		return queue.Config{}, err
	}
	return cfg.QueueConfig(), nil
}

// run starts every component and blocks until a shutdown signal, ctx
// cancellation or a maintenance loop failure.
func (d *daemon) run(ctx context.Context, signals <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopErr := make(chan error, 1)
	go func() { loopErr <- d.queue.Run(ctx, d.events) }()

	if d.pool != nil {
		if err := d.pool.Start(ctx); err != nil {
			return errors.Join(err, d.shutdown())
		}
	}
	if d.api != nil {
		if err := d.api.Start(); err != nil {
			return errors.Join(err, d.shutdown())
		}
	}

	d.logger.Info("mailq started",
		"version", version,
		"queue_size", d.queue.Len(),
		"dead_letters", d.queue.DeadLetterCount())

	for {
		select {
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				go d.reload(ctx)
				continue
			}
			d.logger.Info("received signal, shutting down", "signal", sig.String())
			return d.shutdown()
		case <-ctx.Done():
			return d.shutdown()
		case err := <-loopErr:
			d.logger.Error("maintenance loop stopped", "error", err)
			return errors.Join(err, d.shutdown())
		}
	}
}

func (d *daemon) reload(ctx context.Context) {
	cfg, err := d.loadQueueConfig()
	if err != nil {
		d.logger.Error("configuration reload failed", "error", err)
		return
	}

	ev := queue.NewAdminEvent(queue.EventReload)
	ev.Config = &cfg

	ctx, cancel := context.WithTimeout(ctx, reloadReplyTimeout)
	defer cancel()
	select {
	case d.events <- ev:
	case <-ctx.Done():
		d.logger.Error("configuration reload not delivered", "event_id", ev.ID, "error", ctx.Err())
		return
	}
	select {
	case err := <-ev.Reply:
		if err != nil {
			d.logger.Error("configuration reload rejected", "event_id", ev.ID, "error", err)
		}
	case <-ctx.Done():
		d.logger.Error("configuration reload timed out", "event_id", ev.ID)
	}
}

// shutdown stops producers first, then workers, then the maintenance loop,
// and saves the snapshot last so it sees every resolution.
func (d *daemon) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if d.api != nil {
		if err := d.api.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop API server: %w", err))
		}
	}
	if d.pool != nil {
		if err := d.pool.Stop(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, fmt.Errorf("stop workers: %w", err))
		}
	}

	d.queue.Shutdown()
	select {
	case <-d.queue.Done():
	case <-ctx.Done():
		errs = append(errs, errors.New("maintenance loop did not stop in time"))
	}

	if d.snapshots != nil {
		if err := d.snapshots.Save(d.queue.Export()); err != nil {
			errs = append(errs, err)
		}
	}

	if err := d.closeStores(); err != nil {
		errs = append(errs, err)
	}

	metricsSnap := d.queue.MetricsSnapshot()
	d.logger.Info("mailq stopped",
		"queued", d.queue.Len(),
		"in_flight", d.queue.InFlightCount(),
		"dead_letters", d.queue.DeadLetterCount(),
		"total_enqueued", metricsSnap.TotalEnqueued,
		"successful_deliveries", metricsSnap.Succeeded)
	return errors.Join(errs...)
}

func (d *daemon) closeStores() error {
	var errs []error
	if d.snapshots != nil {
		if err := d.snapshots.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close snapshot store: %w", err))
		}
		d.snapshots = nil
	}
	if d.recorder != nil {
		d.recorder.Close()
		d.recorder = nil
	}
	if d.archive != nil {
		if err := d.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close archive: %w", err))
		}
		d.archive = nil
	}
	if d.healthCache != nil {
		if err := d.healthCache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close health cache: %w", err))
		}
		d.healthCache = nil
	}
	return errors.Join(errs...)
}
