/**
 * @description
 * This is the main entry point for the billing-service. The service hosts
 * both the HTTP operator/webhook surface and the cron scheduler driving the
 * billing jobs. It initializes configuration, the database pool, the event
 * producer, the payment gateway client and the billing components, then
 * runs until a termination signal arrives.
 */
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/proteamcare/billing-service/internal/api"
	"github.com/proteamcare/billing-service/internal/app"
	"github.com/proteamcare/billing-service/internal/config"
	"github.com/proteamcare/billing-service/internal/store"
	"github.com/proteamcare/billing-service/pkg/pagbankclient"
	"github.com/proteamcare/billing-service/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load .env in development; ignore absence in production.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	// Billing events are best-effort; the engine runs without a broker.
	var publisher app.EventPublisher
	if cfg.RabbitMQURL != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			logger.Error("unable to connect to RabbitMQ", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		publisher = producer
		logger.Info("event producer connected")
	} else {
		logger.Warn("RABBITMQ_URL not set, billing events disabled")
	}

	gateway := pagbankclient.NewClient(
		cfg.PagBankAPIURL,
		cfg.PagBankAPIKey,
		time.Duration(cfg.GatewayTimeoutSeconds)*time.Second,
		logger,
	)
	if gateway.Sandbox() {
		logger.Warn("pagbank API key not set, gateway client in sandbox mode")
	}

	// Wire the billing components.
	repo := store.NewPostgresRepository(dbpool)
	generator := app.NewInvoiceGenerator(repo, nil, publisher, logger, cfg.GracePeriodDays)
	coordinator := app.NewRecurrentBillingCoordinator(repo, generator, gateway, publisher, logger, cfg.MaxBillingAttempts)
	reconciler := app.NewWebhookReconciler(repo, coordinator, publisher, logger, cfg.PagBankWebhookSecret)
	registry := app.NewJobRegistry(100, logger)
	jobs := app.NewJobs(registry, generator, coordinator, reconciler, repo, gateway, publisher, logger, cfg.MaxBillingAttempts)
	service := app.NewBillingService(repo, gateway, publisher, logger)

	scheduler := app.NewScheduler(jobs, logger, cfg)
	scheduler.Start()
	logger.Info("scheduler started")

	handlers := api.NewBillingHandlers(service, jobs, registry, logger)
	webhook := api.NewWebhookHandler(reconciler, logger)
	router := api.NewRouter(handlers, webhook, cfg.ServiceJWTSecret)

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}
	go func() {
		logger.Info("http server listening", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for termination signal to gracefully shut down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}

	stopCtx := scheduler.Stop()
	<-stopCtx.Done() // Wait for in-flight cron ticks to return
	logger.Info("billing service stopped gracefully")
}
