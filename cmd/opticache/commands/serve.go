package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"opticache/internal/cachestore"
	"opticache/internal/logger"
	"opticache/internal/opticache"
)

const httpShutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	var (
		reg     *prometheus.Registry
		metrics *opticache.Metrics
	)
	if cfg.MetricsEnabled() {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = opticache.NewMetrics(reg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := cachestore.OpenBackend(ctx, cfg.BackendOptions())
	if err != nil {
		return err
	}
	storage := cachestore.New(backend, cachestore.Options{
		RAMMaxBytes:   cfg.RAMMaxBytes(),
		Logger:        log.With(logger.String("component", "cachestore")),
		OnRAMOverflow: metrics.RAMEvicted,
	})
	defer func() {
		if err := storage.Close(); err != nil {
			log.Warn("Closing cache storage failed", logger.Error(err))
		}
	}()
	if reg != nil {
		metrics.RegisterRAMGauges(reg, storage.RAMUsage)
	}

	rt := opticache.NewRuntime(opticache.Options{
		Storage: storage,
		Fetcher: opticache.NewHTTPFetcher(0),
		Logger:  log,
		Metrics: metrics,
	})

	log.Info("Registering worker",
		logger.String("version", cfg.Version()),
		logger.String("origin", cfg.Server.Origin),
		logger.String("scope", cfg.BasePath()),
		logger.String("backend", cfg.Storage.Backend),
	)
	if _, err := rt.Register(ctx, cfg); err != nil {
		closeRuntime(rt, cfg, log)
		return err
	}
	rt.StartSyncLoop(cfg.SyncEvery())
	rt.StartStatsLoop(cfg.LogStatsEvery())
	if cfg.WatchConfig() {
		if err := rt.WatchConfig(ctx, cfgFile); err != nil {
			log.Warn("Config reload disabled", logger.Error(err))
		}
	}

	var gatherer prometheus.Gatherer
	if reg != nil {
		gatherer = reg
	}
	srv := &http.Server{
		Handler:           opticache.NewRouter(rt, gatherer, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		closeRuntime(rt, cfg, log)
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	go func() {
		log.Info("opticache listening", logger.String("addr", addr), logger.String("origin", cfg.Server.Origin))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", logger.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", logger.Error(err))
	}
	closeRuntime(rt, cfg, log)
	log.Info("opticache stopped")
	return nil
}

// closeRuntime gives background cache writes the configured grace period.
func closeRuntime(rt *opticache.Runtime, cfg opticache.Config, log logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()
	if err := rt.Close(ctx); err != nil {
		log.Warn("Background work abandoned at shutdown", logger.Error(err))
	}
}
