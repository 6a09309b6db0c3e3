package main

import (
	"autofigure/internal/api"
	"autofigure/internal/callback"
	"autofigure/internal/config"
	"autofigure/internal/health"
	"autofigure/internal/job"
	"autofigure/internal/observability"
	"autofigure/internal/upload"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the jobs API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	// Load configuration
	svcCfg := config.LoadServiceConfig()
	supCfg := config.LoadSupervisorConfig()
	callbackCfg := callback.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Create callback dispatcher and the relay feeding it
	eventDispatcher := callback.NewDispatcher(callbackCfg, metrics)
	forwarder := callback.NewForwarder(eventDispatcher, callback.Source)

	// Create job service
	scriptCfg := config.LoadScriptConfig()
	jobService, err := job.NewService(job.Config{
		OutputsDir: svcCfg.OutputsDir,
		Script:     scriptCfg,
		Monitor:    job.MonitorConfigFrom(supCfg),
		Retention:  supCfg.JobRetention,
	}, job.NewRegistry(), forwarder, metrics)
	if err != nil {
		return err
	}

	maintenanceCtx, stopMaintenance := context.WithCancel(ctx)
	defer stopMaintenance()
	go jobService.RunMaintenance(maintenanceCtx, supCfg.MaintenanceInterval)

	// Reference images live inside the script work dir so jobs can name them
	uploads, err := upload.NewStore(scriptCfg.WorkDir, svcCfg.UploadsDir, svcCfg.MaxUploadSize)
	if err != nil {
		return err
	}

	// Create health checker
	healthChecker := health.NewChecker(jobService).WithCallbacks(eventDispatcher)
	if err := jobService.Ready(ctx); err != nil {
		slog.Warn("Service not ready to start jobs", "error", err)
	}

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:        jobService,
		Metrics:           metrics,
		HealthChecker:     healthChecker,
		Uploads:           uploads,
		APIKey:            svcCfg.APIKey,
		HeartbeatInterval: svcCfg.HeartbeatInterval,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server. No write timeout: event streams stay open for the
	// lifetime of a job.
	apiServer := &http.Server{
		Addr:              ":" + svcCfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port, "outputs", svcCfg.OutputsDir)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		_ = jobService.Shutdown(context.Background())
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Terminate running jobs. Their buses close, which ends open
	// event streams and callback relays.
	slog.Info("Terminating running jobs")
	jobsCtx, jobsCancel := context.WithTimeout(context.Background(), supCfg.KillGracePeriod+supCfg.DrainWait+10*time.Second)
	defer jobsCancel()
	if err := jobService.Shutdown(jobsCtx); err != nil {
		slog.Warn("Jobs did not finish before shutdown deadline", "error", err)
	}
	stopMaintenance()

	// Phase 3: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 4: Drain callback relays and dispatcher
	slog.Info("Draining callback dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := forwarder.Wait(dispatcherCtx); err != nil {
		slog.Warn("Callback relays still running", "error", err)
	}
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	// Log final dispatcher stats
	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	slog.Info("Shutdown complete")
	return nil
}
