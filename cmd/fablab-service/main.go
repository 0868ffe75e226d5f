// fablab-service is the Fab Lab gateway: it keeps the machine registry in
// line with the hypermedia gateway and serves the inventory and job API.
package main

import (
	"context"
	"errors"
	"fablab/internal/api"
	"fablab/internal/config"
	"fablab/internal/discovery"
	"fablab/internal/dispatcher"
	"fablab/internal/facility"
	"fablab/internal/health"
	"fablab/internal/hypermedia"
	"fablab/internal/job"
	"fablab/internal/machineapi"
	"fablab/internal/notifier"
	"fablab/internal/observability"
	"fablab/internal/quota"
	"fablab/internal/registry"
	"fablab/internal/supervisor"
	"fablab/pkg/circuitbreaker"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	if err := config.LoadDotEnv(config.GetEnv("ENV_FILE", ".env")); err != nil {
		return err
	}

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	registryCfg := registry.LoadConfigFromEnv()
	quotaCfg := quota.LoadConfigFromEnv()
	discoveryCfg := discovery.LoadConfigFromEnv()
	machineCfg := machineapi.LoadConfigFromEnv()
	notifierCfg := notifier.LoadConfigFromEnv()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()
	supervisorCfg := supervisor.LoadConfigFromEnv()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: svcCfg.LogLevel})))

	policy, err := job.ParsePolicy(svcCfg.DispatchPolicy)
	if err != nil {
		return err
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Open the registry
	store, err := registry.Open(ctx, registryCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("Registry close error", "error", err)
		}
	}()
	slog.Info("Connected to registry", "backend", registryCfg.Backend)

	if svcCfg.FacilitySeedFile != "" {
		desc, err := facility.SeedFile(ctx, store, svcCfg.FacilitySeedFile)
		if err != nil {
			return err
		}
		slog.Info("Facility seeded", "facilityId", desc.ID, "file", svcCfg.FacilitySeedFile)
	}
	if discoveryCfg.FacilityID == "" {
		discoveryCfg.FacilityID = svcCfg.FacilityID
	}

	// Quota counter and monthly reset
	quotaCtrl := quota.NewController(store, quotaCfg.DefaultLimit, metrics)
	if err := quotaCtrl.Init(ctx); err != nil {
		return err
	}
	quotaScheduler, err := quota.NewScheduler(quotaCtrl, quotaCfg.Schedule, quotaCfg.Location)
	if err != nil {
		return err
	}
	quotaScheduler.Start()

	// Event sinks and dispatcher
	sinks, err := notifier.Open(ctx, notifierCfg)
	if err != nil {
		return err
	}
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics, sinks.Sinks()...)

	// Remote machine API
	machines := machineapi.New(machineCfg)
	machines.SetObserver(metrics)
	machines.Breakers().OnStateChange(func(host string, from, to circuitbreaker.State) {
		slog.Warn("Machine breaker state changed", "host", host, "from", from.String(), "to", to.String())
		metrics.RecordBreakerTransition(context.Background(), "machineapi", host, to.String())
	})

	// Gateway process supervision
	var gateway *supervisor.Supervisor
	if supervisorCfg.Enabled() {
		gateway, err = supervisor.New(supervisorCfg, metrics)
		if err != nil {
			return err
		}
		defer gateway.Close()
		if err := gateway.Start(ctx); err != nil {
			return err
		}
		slog.Info("Gateway supervised", "image", supervisorCfg.Image, "container", supervisorCfg.ContainerName)
	}

	// Facility snapshot and discovery
	facilityCache := facility.NewCache(facility.NewAssembler(store, machines, facility.Options{
		IncludeJobs: svcCfg.InventoryJobs,
		Concurrency: discoveryCfg.Concurrency,
	}))

	gatewayClient := hypermedia.NewClient(svcCfg.UpstreamTimeout)
	loop := discovery.New(discoveryCfg, store, gatewayClient, eventDispatcher, metrics)
	loop.OnChange = func(ctx context.Context) {
		if _, err := facilityCache.Refresh(ctx); err != nil && !errors.Is(err, facility.ErrNotConfigured) {
			slog.Warn("Facility snapshot refresh failed", "error", err)
		}
	}
	loop.Start(ctx)

	jobService := job.NewService(store, quotaCtrl, facilityCache, machines, policy, metrics)

	// Create health checker
	checks := []health.Check{
		{Name: "registry", Checker: health.ReadinessFunc(store.Ping), Critical: true},
		{Name: "gateway", Checker: health.ReadinessFunc(func(ctx context.Context) error {
			_, err := gatewayClient.Fetch(ctx, discoveryCfg.GatewayURL)
			return err
		})},
	}
	if gateway != nil {
		checks = append(checks, health.Check{Name: "docker", Checker: gateway})
	}
	healthChecker := health.NewChecker(checks...)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Facility:      facilityCache,
		Quota:         quotaCtrl,
		Store:         store,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		UploadDir:     svcCfg.UploadDir,
		MaxUploadSize: svcCfg.MaxUploadSize,
	})

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  5 * time.Minute, // design uploads
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
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
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
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

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case runErr = <-serverErr:
		slog.Error("Server failed to start", "error", runErr)
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if runErr == nil && svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop background work, then drop the machine registry so a
	// restart starts from an empty machine set.
	loop.Stop()
	quotaScheduler.Stop(context.Background())

	teardownCtx, teardownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer teardownCancel()
	if err := loop.Teardown(teardownCtx); err != nil {
		slog.Warn("Machine registry teardown error", "error", err)
	}

	// Phase 4: Drain event dispatcher
	slog.Info("Draining event dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}
	sinks.Close()

	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	// Phase 5: Stop the gateway
	if gateway != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), supervisorCfg.StopTimeout+5*time.Second)
		defer stopCancel()
		if err := gateway.Stop(stopCtx); err != nil {
			slog.Warn("Gateway stop error", "error", err)
		}
	}

	slog.Info("Shutdown complete")
	return runErr
}
