// Package main is the entry point for the payment capture API server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/paycapture/internal/api"
	"github.com/onnwee/paycapture/internal/auth"
	"github.com/onnwee/paycapture/internal/breaker"
	"github.com/onnwee/paycapture/internal/config"
	"github.com/onnwee/paycapture/internal/gateway"
	"github.com/onnwee/paycapture/internal/health"
	"github.com/onnwee/paycapture/internal/idempotency"
	"github.com/onnwee/paycapture/internal/jobs"
	"github.com/onnwee/paycapture/internal/lock"
	"github.com/onnwee/paycapture/internal/middleware"
	"github.com/onnwee/paycapture/internal/payment"
	"github.com/onnwee/paycapture/internal/reconcile"
	"github.com/onnwee/paycapture/internal/tracing"
	"github.com/onnwee/paycapture/internal/webhook"
)

const serviceName = "paycapture-api"

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to a YAML config file (env vars take precedence)")
	flag.Parse()

	if *help {
		fmt.Println("Payment Capture API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "version", version, "config", cfg.LogSummary())

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Enabled:        cfg.TracingEnabled,
		Environment:    cfg.Env,
		ExporterType:   cfg.TracingExporter,
		OTLPEndpoint:   cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSampleRate,
		InsecureMode:   cfg.TracingInsecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to flush traces", "error", err)
		}
	}()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	store := payment.NewPostgresStore(db, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	paymentMetrics := payment.NewMetrics()
	webhookMetrics := webhook.NewMetrics()
	reconcileMetrics := reconcile.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	httpMetrics := middleware.NewMetrics()
	for name, register := range map[string]func(prometheus.Registerer) error{
		"payment":   paymentMetrics.Register,
		"webhook":   webhookMetrics.Register,
		"reconcile": reconcileMetrics.Register,
		"jobs":      jobMetrics.Register,
		"http":      httpMetrics.Register,
	} {
		if err := register(reg); err != nil {
			return fmt.Errorf("register %s metrics: %w", name, err)
		}
	}

	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		OnStateChange: func(name string, from, to breaker.State) {
			paymentMetrics.SetBreakerState(name, from, to)
			logger.Warn("circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	gw := gateway.NewStripeGateway(gateway.StripeConfig{
		APIKey:  cfg.StripeAPIKey,
		Timeout: cfg.GatewayTimeout,
	})

	coordinator := payment.NewCoordinator(payment.CoordinatorConfig{
		Store:       store,
		Guard:       idempotency.NewGuard(store),
		Gateway:     gw,
		Breakers:    breakers,
		MaxAttempts: cfg.PaymentMaxAttempts,
		BackoffBase: cfg.PaymentBackoffBase,
		Logger:      logger,
		Metrics:     paymentMetrics,
	})

	processor := webhook.NewProcessor(webhook.Config{
		Store:   store,
		Secret:  cfg.WebhookSecret,
		Logger:  logger,
		Metrics: webhookMetrics,
	})

	healthCfg := api.HealthHandlersConfig{DBChecker: health.NewDBChecker(db), Breakers: breakers}

	var sweepLock reconcile.SweepLock
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		sweepLock = lock.NewMutex(lock.NewRedisLocker(rdb, "paycapture:lock:"), "reconcile-sweep", cfg.ReconcileInterval)
		healthCfg.RedisChecker = health.NewRedisChecker(rdb)
	} else {
		logger.Warn("REDIS_URL not set, reconciliation sweeps are not coordinated across replicas")
	}

	reconciler := reconcile.New(reconcile.Config{
		Store:          store,
		Gateway:        gw,
		Interval:       cfg.ReconcileInterval,
		StuckThreshold: cfg.ReconcileStuckThreshold,
		MaxAttempts:    cfg.ReconcileMaxAttempts,
		BatchSize:      cfg.ReconcileBatchSize,
		Lock:           sweepLock,
		Logger:         logger,
		Metrics:        reconcileMetrics,
		JobMetrics:     jobMetrics,
	})
	if err := reconciler.Start(ctx); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}
	defer reconciler.Stop()

	var jwtOpts []auth.Option
	if cfg.OperatorJWTPreviousSecret != "" {
		jwtOpts = append(jwtOpts, auth.WithPreviousSecret(cfg.OperatorJWTPreviousSecret))
	}
	operators := auth.NewJWTService(cfg.OperatorJWTSecret, jwtOpts...)

	router := api.NewRouter(api.RouterConfig{
		Payments: api.NewPaymentHandlers(api.PaymentHandlersConfig{
			Payments: coordinator,
			Orders:   store,
			Logger:   logger,
		}),
		Webhooks:  api.NewWebhookHandlers(processor, logger),
		Admin:     api.NewAdminHandlers(reconciler, logger),
		Health:    api.NewHealthHandlers(healthCfg),
		Operators: operators,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	})

	// Apply middleware: RequestID -> Tracing -> HTTPMetrics -> Logging
	handler := middleware.RequestID(
		middleware.Tracing(serviceName)(
			middleware.HTTPMetrics(httpMetrics)(
				middleware.Logging(logger)(router),
			),
		),
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(cfg),
		IdleTimeout:  60 * time.Second,
	}

	return serve(ctx, server, logger, 10*time.Second)
}

// writeResponseMargin covers the work around the charge loop: store calls,
// replay polling and encoding the response.
const writeResponseMargin = 15 * time.Second

// writeTimeout bounds a response by the slowest payment the coordinator can
// run: every attempt hitting the gateway timeout plus the backoff between them.
func writeTimeout(cfg *config.Config) time.Duration {
	attempts := cfg.PaymentMaxAttempts
	if attempts <= 0 {
		attempts = payment.DefaultMaxAttempts
	}
	base := cfg.PaymentBackoffBase
	if base <= 0 {
		base = payment.DefaultBackoffBase
	}
	total := time.Duration(attempts)*cfg.GatewayTimeout + writeResponseMargin
	for attempt := 1; attempt < attempts; attempt++ {
		total += base << (attempt - 1)
	}
	return total
}

// serve runs server until ctx is cancelled, then drains in-flight requests
// for up to drain before giving up.
func serve(ctx context.Context, server *http.Server, logger *slog.Logger, drain time.Duration) error {
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}
