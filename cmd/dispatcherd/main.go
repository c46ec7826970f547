// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/workflow-dispatch-pool/internal/api"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/backendclient"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/config"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/dispatcher"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/eventbus"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/failover"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/job"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/obs"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/queue"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/redisclient"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/registry"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := obs.MaybeInitTracing(ctx, cfg.Observability.Tracing)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	} else {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	q, readiness, sweeperStop := buildQueue(ctx, cfg, logger)
	defer sweeperStop()

	fo := failover.New(failover.Config{
		CooldownMs:             cfg.Failover.CooldownMs,
		MaxFailuresBeforeBlock: cfg.Failover.MaxFailuresBeforeBlock,
	})
	reg := registry.New(cfg, fo)
	bus := eventbus.New()

	clients := make(map[string]backendclient.Client, len(cfg.Backends))
	for _, b := range cfg.Backends {
		c, err := backendclient.New(backendclient.DefaultConfig(b.ID, b.Host))
		if err != nil {
			logger.Fatal("failed to build backend client", obs.String("backend_id", b.ID), obs.Err(err))
		}
		clients[b.ID] = c
	}

	d := dispatcher.New(cfg, q, reg, fo, bus, clients, logger)
	d.Start(ctx)
	defer d.Stop()

	logStateTransitions(bus, logger)

	metricsSrv := obs.StartHTTPServer(cfg, func() error { return readiness(ctx) })
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	apiSrv := startAPIServer(cfg, d, reg, logger)
	defer func() { _ = apiSrv.Shutdown(context.Background()) }()

	logger.Info("workflow dispatch pool started",
		obs.String("version", version),
		obs.Int("backends", len(cfg.Backends)),
		obs.String("queue_driver", cfg.Queue.Driver),
	)

	waitForShutdown(logger, cancel)
}

// buildQueue constructs the configured queue.Adapter and, for the Redis
// driver, starts its reservation sweeper and a readiness probe that pings
// the broker. The returned stop func halts the sweeper goroutine and is
// always safe to call.
func buildQueue(ctx context.Context, cfg *config.Config, logger *zap.Logger) (queue.Adapter[*job.Job], func(context.Context) error, func()) {
	if cfg.Queue.Driver == "redis" {
		rdb := redisclient.New(cfg)
		adapter := queue.NewRedis[*job.Job](rdb)
		sweeper := queue.NewReservationSweeper(adapter, cfg.Queue.SweepInterval, logger)
		sweepCtx, stop := context.WithCancel(ctx)
		go sweeper.Run(sweepCtx)
		readiness := func(c context.Context) error {
			return rdb.Ping(c).Err()
		}
		return adapter, readiness, stop
	}
	return queue.NewMemory[*job.Job](), func(context.Context) error { return nil }, func() {}
}

// logStateTransitions wires a wildcard subscriber that logs every published
// event at debug level, the way the teacher's worker logs job lifecycle
// transitions.
func logStateTransitions(bus *eventbus.Bus, logger *zap.Logger) {
	bus.Subscribe(eventbus.Wildcard, func(e eventbus.Event) {
		logger.Debug("event", obs.String("name", string(e.Name)), obs.String("job_id", e.JobID))
	})
}

func startAPIServer(cfg *config.Config, d *dispatcher.Dispatcher, reg *registry.Registry, logger *zap.Logger) *http.Server {
	router := mux.NewRouter()
	api.NewHandler(d, reg, logger).RegisterRoutes(router)
	srv := &http.Server{
		Addr:         cfg.API.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server stopped", obs.Err(err))
		}
	}()
	return srv
}

func waitForShutdown(logger *zap.Logger, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()
	select {
	case sig2 := <-sigCh:
		logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
		os.Exit(1)
	case <-time.After(5 * time.Second):
	}
}
