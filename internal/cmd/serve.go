package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/beaconproof/internal/config"
	"github.com/3leaps/beaconproof/internal/observability"
	"github.com/3leaps/beaconproof/internal/server"
	"github.com/3leaps/beaconproof/internal/server/handlers"
	"github.com/3leaps/beaconproof/pkg/jobregistry"
	"github.com/3leaps/beaconproof/pkg/pipeline"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the verification service",
	Long: `Start the HTTP service that accepts verification jobs, reports their
progress and pushes results over a websocket.

Examples:
  beaconproof serve
  beaconproof serve --port 8080 --workers 8
  BEACONPROOF_EXECUTION_URL=http://localhost:8545 beaconproof serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "localhost", "Listen host")
	serveCmd.Flags().Int("port", 8080, "Listen port")
	serveCmd.Flags().Int("workers", 4, "Concurrent verification jobs")
	serveCmd.Flags().Bool("metrics", true, "Serve Prometheus metrics")
	serveCmd.Flags().Int("metrics-port", 9090, "Metrics listen port")
	bindFlag(serveCmd, "server.host", "host")
	bindFlag(serveCmd, "server.port", "port")
	bindFlag(serveCmd, "workers", "workers")
	bindFlag(serveCmd, "metrics.enabled", "metrics")
	bindFlag(serveCmd, "metrics.port", "metrics-port")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	identity := GetAppIdentity()
	if identity == nil {
		id := config.DefaultIdentity
		identity = &id
	}
	if err := observability.InitServerLogger(identity.BinaryName, observability.LogConfig{
		Level:      cfg.Logging.Level,
		Profile:    cfg.Logging.Profile,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	}); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	log := observability.ServerLogger
	defer func() { _ = log.Sync() }()

	metrics := observability.NewMetrics()
	registry := jobregistry.NewRegistry(
		jobregistry.WithRetention(jobregistry.RetentionPolicy{
			Terminal: cfg.Jobs.Retention,
			Stale:    cfg.Jobs.StaleAfter,
		}),
		jobregistry.WithObserver(metrics),
	)
	if err := metrics.WatchRegistry(registry); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to register metrics", err)
	}

	upstream, err := buildStack(ctx, cfg, log, metrics)
	if err != nil {
		return err
	}
	defer upstream.Close()

	executor := jobregistry.NewExecutor(registry, jobregistry.ExecutorConfig{
		Workers:     cfg.Workers,
		TaskTimeout: cfg.Jobs.TaskTimeout,
	})

	if cfg.Jobs.Retention > 0 || cfg.Jobs.StaleAfter > 0 {
		go registry.RunSweeper(ctx, cfg.Jobs.SweepInterval, func(removed int) {
			log.Debug("Swept jobs", zap.Int("removed", removed))
		})
	}

	var shuttingDown atomic.Bool
	if cfg.Health.Enabled {
		health := handlers.InitHealthManager(versionInfo.Version)
		health.RegisterChecker("signal", signalHealthChecker{shuttingDown: &shuttingDown})
		health.RegisterChecker("identity", identityHealthChecker{
			binaryName: identity.BinaryName,
			envPrefix:  identity.EnvPrefix,
			configName: identity.ConfigName,
		})
		health.RegisterChecker("beacon", upstream.beacon)
		health.RegisterChecker("execution", upstream.oracle)
		if cfg.Metrics.Enabled {
			health.RegisterChecker("metrics", metricsHealthChecker{metrics: metrics})
		}
	}

	opts := []server.Option{
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithJobs(func(req pipeline.Request) (string, error) {
			return upstream.pipeline.Submit(executor, req)
		}, registry),
		server.WithPprof(cfg.Debug.PprofEnabled),
	}
	if cfg.Push.Enabled {
		opts = append(opts, server.WithPush(cfg.Push.PollInterval))
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)

	errCh := make(chan error, 2)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = newMetricsServer(cfg.Server.Host, cfg.Metrics.Port, metrics)
		go func() {
			log.Info("Metrics server listening", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	log.Info("Service started",
		zap.String("version", versionInfo.Version),
		zap.Int("workers", cfg.Workers),
		zap.String("beacon_url", cfg.Beacon.URL),
		zap.String("oracle", upstream.oracle.Address().Hex()),
		zap.Bool("push", cfg.Push.Enabled))

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case runErr = <-errCh:
		log.Error("Server failed", zap.Error(runErr))
	}
	shuttingDown.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := executor.Stop(shutdownCtx); err != nil {
		log.Warn("Executor did not drain", zap.Error(err), zap.Int("pending", executor.Pending()))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Info("Service stopped", zap.Int("jobs_retained", registry.Len()))

	if runErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", runErr)
	}
	return nil
}

func newMetricsServer(host string, port int, m *observability.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// signalHealthChecker fails once shutdown has begun so load balancers drain
// the instance.
type signalHealthChecker struct {
	shuttingDown *atomic.Bool
}

func (c signalHealthChecker) CheckHealth(ctx context.Context) error {
	if c.shuttingDown != nil && c.shuttingDown.Load() {
		return errors.New("shutting down")
	}
	return nil
}

type metricsHealthChecker struct {
	metrics *observability.Metrics
}

func (c metricsHealthChecker) CheckHealth(ctx context.Context) error {
	if c.metrics == nil {
		return errors.New("metrics not initialized")
	}
	if _, err := c.metrics.Gatherer().Gather(); err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("identity missing binary name")
	case c.envPrefix == "":
		return errors.New("identity missing env prefix")
	case c.configName == "":
		return errors.New("identity missing config name")
	}
	return nil
}
