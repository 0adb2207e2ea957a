package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"paycore/internal/beneficiary"
	"paycore/internal/common/database"
	"paycore/internal/common/middleware"
	"paycore/internal/common/nats"
	"paycore/internal/fees"
	"paycore/internal/idempotency"
	"paycore/internal/jobs"
	"paycore/internal/ledger"
	ledgerstore "paycore/internal/ledger/store"
	"paycore/internal/orchestrator"
	"paycore/internal/orchestrator/api"
	"paycore/internal/provider"
	providerstore "paycore/internal/provider/store"
	"paycore/internal/providers/alphabank"
	"paycore/internal/providers/betapay"
	"paycore/internal/providers/gammacard"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PAYCORE_PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	// AdminToken guards /api/v1/admin. Empty disables the admin API.
	AdminToken         string          `envconfig:"ADMIN_TOKEN"`
	StampDutyThreshold decimal.Decimal `envconfig:"STAMP_DUTY_THRESHOLD" default:"10000"`

	Database     database.Config
	NATS         nats.Config
	Jobs         jobs.Config
	Idempotency  idempotency.Config
	Orchestrator orchestrator.Config
	Alphabank    alphabank.Config
	Betapay      betapay.Config
	Gammacard    gammacard.Config
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if cfg.Database.MigrateOnStart {
		if err := database.Migrate(cfg.Database.URL, logger); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
	}

	// Connect to database
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to NATS
	nc, err := nats.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	if err := nc.EnsureEventStream(ctx, cfg.NATS); err != nil {
		logger.Error("failed to ensure event stream", "stream", cfg.NATS.Stream, "error", err)
		os.Exit(1)
	}

	// Background jobs outlive request contexts and drain on shutdown
	runner := jobs.NewRunner(cfg.Jobs, logger)
	runner.Start(context.WithoutCancel(ctx))

	// Provider rails
	alpha := alphabank.NewAdapter(cfg.Alphabank, logger)
	beta := betapay.NewAdapter(cfg.Betapay, logger)
	gamma := gammacard.NewAdapter(cfg.Gammacard, nc.Conn(), logger)
	defer gamma.Close()

	// Create services
	ledgerService := ledger.NewService(ledgerstore.New(db), logger)
	guard := idempotency.NewGuard(cfg.Idempotency, idempotency.NewPostgresStore(db), runner, logger)

	svc := orchestrator.NewService(cfg.Orchestrator, orchestrator.Deps{
		Ledger:        ledgerService,
		Providers:     providerstore.New(db),
		Registry:      provider.NewRegistry(alpha, beta, gamma),
		Fees:          fees.NewEngine(cfg.StampDutyThreshold),
		Guard:         guard,
		Jobs:          runner,
		Publisher:     nats.NewPublisher(nc, logger),
		Beneficiaries: beneficiary.NewPostgresStore(db),
		Inbox:         orchestrator.NewPostgresInbox(db),
	}, logger)

	if err := gamma.Subscribe(svc.HandleEvent); err != nil {
		logger.Error("failed to subscribe to card events", "error", err)
		os.Exit(1)
	}
	go svc.RunSweeper(ctx)

	// Create handlers
	logger.Warn("transaction PIN verification is delegated upstream")
	handler := api.NewHandler(svc, nil, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics)
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","component":"database"}`))
			return
		}
		if err := nc.HealthCheck(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","component":"nats"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Mount("/api/v1", handler.Routes())
	r.With(middleware.AdminToken(cfg.AdminToken)).Mount("/api/v1/admin", handler.AdminRoutes())
	r.Mount("/webhooks", handler.WebhookRoutes())

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Orchestrator.ProviderTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting paycore",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := runner.Stop(shutdownCtx); err != nil {
		logger.Error("job runner shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
