package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/propsight/propsight-backend/internal/adapter"
	"github.com/propsight/propsight-backend/internal/config"
	"github.com/propsight/propsight-backend/internal/logger"
	"github.com/propsight/propsight-backend/internal/providers/ura"
	"github.com/propsight/propsight-backend/internal/store"
	enginesync "github.com/propsight/propsight-backend/internal/sync"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
)

// main wires the sync engine and maps its outcome to the exit code contract:
// 0 success, 1 failure, 2 disabled via kill switch.
func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	// Load configuration. The sync policy is resolved fresh here on every
	// invocation so operators can flip the kill switch between runs.
	cfg, err := config.LoadSyncConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:     cfg.Debug,
		SentryDSN: cfg.SentryDSN,
		Tags: map[string]string{
			"service": "ura-sync",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting URA sync",
		zap.String("mode", cfg.Sync.Mode),
		zap.Bool("enabled", cfg.Sync.Enabled),
	)

	// The kill switch must short-circuit before any database or network I/O
	if !cfg.Sync.Enabled {
		logger.InfoCtx(ctx, "Sync disabled by kill switch, exiting")
		return 2
	}

	// Connect to database
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to connect to database: %w", err))
		return 1
	}

	if err := store.ConfigureConnectionPool(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, cfg.Database.ConnMaxIdleTime); err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to configure connection pool: %w", err))
		return 1
	}

	if err := store.Migrate(db); err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to run migrations: %w", err))
		return 1
	}

	dataStore := store.NewPGStore(db)

	// Build the authority client
	clock := adapter.NewClock()
	httpClient := adapter.NewHTTPClient(cfg.URA.HTTPTimeout)
	uraClient := ura.NewClient(ura.Config{
		BaseURL:           cfg.URA.BaseURL,
		AccessKey:         cfg.URA.AccessKey,
		TokenTTL:          cfg.URA.TokenTTL,
		BatchCount:        cfg.URA.BatchCount,
		RequestsPerMinute: cfg.URA.RequestsPerMinute,
	}, httpClient, clock)

	engine := enginesync.NewEngine(cfg.Sync, uraClient, dataStore, clock)

	// Cancel the run context on the first signal so the engine can flush
	// completed batches and finalize the ledger record
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal, cancelling run", zap.String("signal", sig.String()))
		cancel()
	}()

	outcome, err := engine.Run(ctx)
	if err != nil {
		logger.ErrorCtx(ctx, err)
	}

	logger.Info("Sync run complete",
		zap.String("run_id", outcome.RunID),
		zap.String("status", string(outcome.Status)),
		zap.String("reason", outcome.Reason),
		zap.Int("exit_code", outcome.ExitCode()),
	)

	return outcome.ExitCode()
}
