package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/taskmesh/backend/internal/auth"
	"github.com/taskmesh/backend/internal/config"
	"github.com/taskmesh/backend/internal/escrow"
	"github.com/taskmesh/backend/internal/events"
	"github.com/taskmesh/backend/internal/execution"
	"github.com/taskmesh/backend/internal/ledger"
	"github.com/taskmesh/backend/internal/registry"
	"github.com/taskmesh/backend/internal/relay"
	"github.com/taskmesh/backend/internal/relay/evm"
	"github.com/taskmesh/backend/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.FromEnv()
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	if err := storage.Migrate(ctx, pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Migrations applied")

	// Ledger
	ledgerRepo := ledger.NewRepository(pool)
	if err := ledgerRepo.EnsureSystemAccounts(ctx); err != nil {
		slog.Error("Failed to seed system accounts", "error", err)
		os.Exit(1)
	}
	ledgerSvc := ledger.NewService(ledgerRepo)

	// Event log
	eventStore := events.NewStore(pool)

	// Relay: insert func is set after the River client exists (breaks the
	// init cycle between service and worker).
	var insertMu sync.Mutex
	var insertFn relay.EnqueueDelivery
	enqueueDelivery := func(ctx context.Context, tx pgx.Tx, messageID int64) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, messageID)
	}

	relayRepo := relay.NewRepository(pool)
	if err := relayRepo.SeedFees(ctx, cfg.Params.RelayBaseFee, cfg.Params.RelayPerByteFee); err != nil {
		slog.Error("Failed to seed relay fees", "error", err)
		os.Exit(1)
	}
	relaySvc := relay.NewService(relayRepo, ledgerSvc, eventStore, enqueueDelivery, cfg.Params, logger)

	// Registry & escrow
	registryRepo := registry.NewRepository(pool)
	registrySvc := registry.NewService(registryRepo, ledgerSvc, eventStore, cfg.Params)

	escrowRepo := escrow.NewRepository(pool)
	escrowSvc := escrow.NewService(escrowRepo, registryRepo, ledgerSvc, eventStore, cfg.Params)

	// Workers
	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewExpireTasksWorker(escrowSvc, logger))

	periodicJobs := []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(30*time.Second),
			func() (river.JobArgs, *river.InsertOpts) {
				return execution.ExpireTasksArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}

	if cfg.RelayOperatorKey != "" && cfg.RelayValidatorAccount != "" {
		validatorAccount, err := uuid.Parse(cfg.RelayValidatorAccount)
		if err != nil {
			slog.Error("Invalid RELAY_VALIDATOR_ACCOUNT", "error", err)
			os.Exit(1)
		}
		forwarder, err := evm.NewForwarder(cfg.RelayOperatorKey, os.Getenv("RELAY_INBOX_ADDRESS"))
		if err != nil {
			slog.Error("Failed to build EVM forwarder", "error", err)
			os.Exit(1)
		}
		defer forwarder.Close()
		river.AddWorker(workers, execution.NewDeliverMessageWorker(relaySvc, forwarder, validatorAccount, logger))
	} else {
		slog.Warn("Relay delivery disabled: RELAY_OPERATOR_KEY or RELAY_VALIDATOR_ACCOUNT not set")
	}

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers:      workers,
		PeriodicJobs: periodicJobs,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, messageID int64) error {
		_, err := riverClient.InsertTx(ctx, tx, execution.DeliverMessageArgs{MessageID: messageID}, nil)
		return err
	}
	insertMu.Unlock()

	// Auth
	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, cfg.JWTSecret)
	if cfg.AdminEmail != "" {
		if err := authSvc.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			logger.Error("seed admin account", "error", err)
			os.Exit(1)
		}
	}

	mux := newMux(appDeps{
		pool:     pool,
		ledger:   ledgerSvc,
		registry: registrySvc,
		escrow:   escrowSvc,
		relay:    relaySvc,
		auth:     authSvc,
		logger:   logger,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)

	// Optional AMQP event projector
	if cfg.AMQPURL != "" {
		publisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.EventExchange)
		if err != nil {
			slog.Error("Failed to connect to AMQP broker", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		projector := events.NewProjector(eventStore, publisher, logger)
		go projector.Run(ctx)
		slog.Info("Event projector started", "exchange", cfg.EventExchange)
	}

	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	addr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", addr)
	if err := http.ListenAndServe(addr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
