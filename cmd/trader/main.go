package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"paper-trader-go/internal/broker"
	"paper-trader-go/internal/config"
	"paper-trader-go/internal/database"
	"paper-trader-go/internal/dispatcher"
	"paper-trader-go/internal/logger"
	"paper-trader-go/internal/metrics"
	"paper-trader-go/internal/positions"
)

func main() {
	// Broker credentials come from the environment; a local .env is optional.
	_ = godotenv.Load()

	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	// Initialize the broker REST client and verify connectivity when the
	// real path is configured.
	client := broker.NewRestClient(&cfg.Broker, log)
	if cfg.Broker.Mode == "real" {
		account, err := client.GetAccount(context.Background())
		if err != nil {
			log.Fatal("Failed to connect to broker API", zap.Error(err))
		}
		metrics.AccountEquity.Set(account.Equity)
		log.Info("Connected to broker API", zap.Float64("equity", account.Equity))
	}

	exec := broker.New(&cfg, client, db, log)
	disp := dispatcher.New(log.Named("dispatcher"), &cfg, db, exec)
	manager := positions.New(log.Named("positions"), &cfg, db, client)

	metricsServer := metrics.NewServer(cfg.Metrics.Port, log)
	metricsServer.Start()

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	go runLoop(ctx, log, "dispatch", time.Duration(cfg.Dispatcher.TickIntervalSec)*time.Second, func() error {
		_, err := disp.RunOnce(ctx)
		return err
	})
	runLoop(ctx, log, "monitor", time.Duration(cfg.Manager.TickIntervalSec)*time.Second, func() error {
		_, err := manager.RunOnce(ctx)
		return err
	})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		log.Error("Metrics server shutdown failed", zap.Error(err))
	}

	log.Info("Trader has been shut down.")
}

// runLoop invokes one idempotent run function on a fixed interval until the
// context is canceled. The run function holds no timing state of its own.
func runLoop(ctx context.Context, log *zap.Logger, name string, interval time.Duration, run func() error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("Starting loop", zap.String("loop", name), zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping loop", zap.String("loop", name))
			return
		case <-ticker.C:
			if err := run(); err != nil {
				log.Error("Run failed", zap.String("loop", name), zap.Error(err))
			}
		}
	}
}
