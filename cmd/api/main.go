package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/joho/godotenv"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenstudio/backend/internal/auth"
	"github.com/lumenstudio/backend/internal/config"
	"github.com/lumenstudio/backend/internal/creation"
	"github.com/lumenstudio/backend/internal/execution"
	"github.com/lumenstudio/backend/internal/handlers"
	"github.com/lumenstudio/backend/internal/ledger"
	"github.com/lumenstudio/backend/internal/reconciler"
	"github.com/lumenstudio/backend/internal/repository"
	"github.com/lumenstudio/backend/internal/wallet"
)

// submitterFunc adapts a closure to creation.JobSubmitter so the River
// client, which depends on the worker, which depends on the creation
// service, can be bound after construction.
type submitterFunc func(ctx context.Context, args creation.GenerateArgs) error

func (f submitterFunc) Submit(ctx context.Context, args creation.GenerateArgs) error {
	return f(ctx, args)
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("cannot reach PostgreSQL; is it running?", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// River migrations (queue tables only; the app schema is db/schema.sql).
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}

	userRepo := repository.NewUserRepo(pool)
	creationRepo := repository.NewCreationRepo(pool)
	transactionRepo := repository.NewTransactionRepo(pool)
	auditRepo := repository.NewAuditRepo(pool)
	packageRepo := repository.NewPackageRepo(pool)

	walletSvc := wallet.NewService(pool, userRepo, auditRepo, transactionRepo, logger)
	ledgerSvc := ledger.NewService(transactionRepo)

	// Job submission is bound after the River client exists (breaks the
	// service -> worker -> client -> service cycle).
	var insertMu sync.Mutex
	var insertFn submitterFunc
	submitter := submitterFunc(func(ctx context.Context, args creation.GenerateArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, args)
	})

	creationSvc := creation.NewService(pool, creationRepo, walletSvc, ledgerSvc, submitter,
		creation.Costs{Image: cfg.ImageCost, Video: cfg.VideoCost}, logger)

	generator := execution.NewHTTPGenerator(cfg.GenerationEndpoint, cfg.GenerationTimeout)
	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewGenerateWorker(creationSvc, generator, cfg.MaxAttempts, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.QueueMaxWorkers},
		},
		Workers:     workers,
		MaxAttempts: cfg.MaxAttempts,
	})
	if err != nil {
		slog.Error("failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, args creation.GenerateArgs) error {
		_, err := riverClient.Insert(ctx, args, nil)
		return err
	}
	insertMu.Unlock()

	authSvc := auth.NewService(userRepo, walletSvc, cfg.JWTSecret, cfg.SignupBonus, logger)
	authHandler := auth.NewHandler(authSvc, logger)
	creationHandler := &handlers.CreationHandler{Service: creationSvc, Logger: logger}
	walletHandler := &handlers.WalletHandler{
		Wallet:   walletSvc,
		Users:    userRepo,
		Ledger:   ledgerSvc,
		Audit:    auditRepo,
		Packages: packageRepo,
		Logger:   logger,
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, authSvc, authHandler, creationHandler, walletHandler)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	go func() {
		if err := riverClient.Start(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	orphans := reconciler.New(creationRepo, creationSvc, cfg.SweepInterval, cfg.OrphanDeadline, logger)
	go orphans.Run(runCtx)

	addr := "0.0.0.0:" + cfg.Port
	slog.Info("starting HTTP server", "addr", addr)
	if err := http.ListenAndServe(addr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
