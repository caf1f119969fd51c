package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/courier-mta/courier/internal/api"
	"github.com/courier-mta/courier/internal/cache"
	"github.com/courier-mta/courier/internal/detector"
	"github.com/courier-mta/courier/internal/health"
	"github.com/courier-mta/courier/internal/logging"
	"github.com/courier-mta/courier/internal/queue"
	"github.com/courier-mta/courier/internal/ratelimit"
	"github.com/courier-mta/courier/internal/router"
	"github.com/courier-mta/courier/internal/store"
	"github.com/courier-mta/courier/internal/transport"
	"github.com/courier-mta/courier/internal/worker"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the delivery engine",
	Long:  `Start the routing and delivery worker pools, the health scheduler and the ops API`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer() error {
	logger, err := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	if cfg.Server.InstanceID != "" {
		logger = logger.With("instance", cfg.Server.InstanceID)
	}
	logger.Info("Starting courier", "hostname", cfg.Server.Hostname)

	// Persistent store
	st, err := store.NewGormStore(store.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	// Shared cache for counters and the detection shared tier
	shared, err := cache.Factory(cache.Config{
		Type:     cfg.Cache.Type,
		Host:     cfg.Cache.Host,
		Port:     cfg.Cache.Port,
		Password: cfg.Cache.Password,
		Database: cfg.Cache.Database,
	})
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}
	if err := shared.Connect(); err != nil {
		return fmt.Errorf("failed to connect cache: %w", err)
	}
	defer shared.Close()

	// Durable queues
	queues, err := queue.NewManager(cfg.Queue.Dir)
	if err != nil {
		return fmt.Errorf("failed to open queues: %w", err)
	}

	// Detection with the layered cache
	det := detector.NewDetector(&detector.Config{
		ProbePort:    cfg.Detector.ProbePort,
		ProbeTimeout: cfg.ProbeTimeout(),
	}, nil, nil)
	detections := detector.NewLayeredCache(&detector.CacheConfig{
		MemoryTTL:     time.Duration(cfg.Detector.MemoryTTL) * time.Second,
		SharedTTL:     time.Duration(cfg.Detector.SharedTTL) * time.Second,
		PersistentTTL: time.Duration(cfg.Detector.PersistentTTL) * time.Second,
	}, det, shared, st)

	// Rate windows
	limiter := ratelimit.NewLimiter(&ratelimit.Config{
		ProviderWindow: time.Duration(cfg.RateLimit.ProviderWindowSeconds) * time.Second,
		ChunkWindow:    60 * time.Second,
		WarmupEnabled:  cfg.RateLimit.WarmupEnabled,
	}, shared, nil)

	// Delivery transports
	transports := transport.NewTransportCache(
		time.Duration(cfg.Transport.CacheTTL)*time.Second,
		&transport.Config{
			SendTimeout:   time.Duration(cfg.Transport.SendTimeoutMs) * time.Millisecond,
			GraphEndpoint: cfg.Transport.GraphEndpoint,
		})

	// Pipeline stages
	routeHandler := router.New(&router.Config{
		RetryDelay: time.Duration(cfg.RateLimit.RequeueDelayMs) * time.Millisecond,
		ChunkPause: 2 * time.Second,
	}, st, detections, limiter, queues)

	deliveryHandler := worker.New(&worker.Config{
		JitterCeil:        time.Duration(cfg.Transport.JitterCeilMs) * time.Millisecond,
		BreakerRetryDelay: 30 * time.Second,
	}, st, transports, queues)

	pollInterval := time.Duration(cfg.Queue.PollInterval) * time.Millisecond
	routeConsumer := queue.NewConsumer(queues, queue.RouteQueue, routeHandler,
		cfg.Queue.RouterWorkers, pollInterval)
	deliveryConsumer := queue.NewConsumer(queues, queue.DeliveryQueue, deliveryHandler,
		cfg.Queue.DeliveryWorkers, pollInterval)

	// Health evaluation on its cron schedule
	dnsClient := health.NewDNSClient(time.Duration(cfg.Health.DNSTimeoutMs) * time.Millisecond)
	evaluator := health.NewEvaluator(&health.Config{
		BatchSize:     cfg.Health.BatchSize,
		DNSBLZones:    cfg.Health.DNSBLZones,
		DKIMSelectors: cfg.Health.DKIMSelectors,
		DNSTimeout:    time.Duration(cfg.Health.DNSTimeoutMs) * time.Millisecond,
	}, dnsClient, st)
	scheduler, err := health.NewScheduler(cfg.Health.Schedule, evaluator)
	if err != nil {
		return fmt.Errorf("failed to create health scheduler: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Ops API
	opsServer := api.NewServer(cfg.Server.ListenOps, queues, detections, transports, cfg.Metrics.Enabled)
	if err := opsServer.Start(); err != nil {
		return fmt.Errorf("failed to start ops API: %w", err)
	}
	defer opsServer.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return routeConsumer.Run(gctx) })
	g.Go(func() error { return deliveryConsumer.Run(gctx) })

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", "signal", sig.String())
		cancel()
	case <-gctx.Done():
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("Courier stopped")
	return nil
}
