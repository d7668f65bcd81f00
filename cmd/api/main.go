package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/inaiurai/consumables/internal/config"
	"github.com/inaiurai/consumables/internal/execution"
	"github.com/inaiurai/consumables/internal/handlers"
	"github.com/inaiurai/consumables/internal/ledger"
	"github.com/inaiurai/consumables/internal/repository"
	"github.com/inaiurai/consumables/internal/repository/sqlite"
	"github.com/inaiurai/consumables/internal/services"
	"github.com/inaiurai/consumables/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		balances services.BalanceStore
		audit    services.Ledger
		db       handlers.Pinger
		pool     *pgxpool.Pool
	)

	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			slog.Error("Unable to open SQLite database", "path", cfg.SQLitePath, "error", err)
			os.Exit(1)
		}
		defer store.Close()
		balances, audit, db = store, store, store
		slog.Info("Using SQLite database", "path", cfg.SQLitePath)

	default:
		if cfg.DatabaseURL == "" {
			slog.Error("DATABASE_URL is required when DATABASE_DRIVER=postgres")
			os.Exit(1)
		}
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("Unable to create database pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running and DATABASE_URL is correct", "error", err)
			os.Exit(1)
		}
		slog.Info("Connected to PostgreSQL database successfully!")

		if err := repository.Migrate(ctx, pool); err != nil {
			slog.Error("Consumables schema migration failed", "error", err)
			os.Exit(1)
		}
		balances, audit, db = repository.NewBalanceRepo(pool), ledger.NewRepository(pool), pool
	}

	svc := services.NewConsumablesService(balances, audit, cfg.InitialFreeCredits, logger)

	if cfg.RabbitMQURL != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
		if err != nil {
			slog.Warn("RabbitMQ unavailable; domain events disabled", "error", err)
		} else {
			defer producer.Close()
			svc.WithEvents(producer, cfg.EventsExchange)
			slog.Info("Publishing domain events", "exchange", cfg.EventsExchange)
		}
	}

	validator, err := services.NewValidator()
	if err != nil {
		slog.Error("Schema validator init failed", "error", err)
		os.Exit(1)
	}

	if cfg.RevenueCatWebhookSecret == "" {
		slog.Warn("REVENUECAT_WEBHOOK_SECRET not set; webhook endpoint will answer 503")
	}
	if len(cfg.Products) == 0 {
		slog.Warn("CONSUMABLE_PRODUCTS is empty; every webhook purchase will be ignored")
	}

	var enqueue handlers.EnqueuePurchaseFunc
	var riverClient *river.Client[pgx.Tx]
	if cfg.WebhookAsync && pool != nil {
		riverClient, err = startRiver(ctx, pool, svc, logger)
		if err != nil {
			slog.Error("Failed to start River", "error", err)
			os.Exit(1)
		}
		enqueue = func(ctx context.Context, args execution.WebhookPurchaseArgs) error {
			_, err := riverClient.Insert(ctx, args, nil)
			return err
		}
		slog.Info("Webhook purchases are processed asynchronously")
	}

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.ServerPort,
		Handler:           buildHTTPHandler(cfg, svc, validator, db, enqueue, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	if riverClient != nil {
		if err := riverClient.Stop(shutdownCtx); err != nil {
			slog.Error("River client stop failed", "error", err)
		}
	}
}

// startRiver applies River's migrations, registers the webhook purchase
// worker, and starts processing jobs.
func startRiver(ctx context.Context, pool *pgxpool.Pool, svc *services.ConsumablesService, logger *slog.Logger) (*river.Client[pgx.Tx], error) {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return nil, err
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return nil, err
	}
	slog.Info("River migrations applied")

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewWebhookPurchaseWorker(svc, logger))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	// Stopped explicitly during shutdown so in-flight jobs can finish.
	if err := client.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	return client, nil
}
