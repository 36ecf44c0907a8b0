package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/solvena/polisvault/internal/cache"
	"github.com/solvena/polisvault/internal/clock"
	"github.com/solvena/polisvault/internal/compliance"
	"github.com/solvena/polisvault/internal/config"
	"github.com/solvena/polisvault/internal/database"
	"github.com/solvena/polisvault/internal/server"
	"github.com/solvena/polisvault/internal/transfer"
	"github.com/solvena/polisvault/internal/valuation"
	"github.com/solvena/polisvault/internal/vault"
	"github.com/solvena/polisvault/internal/waterfall"
	"github.com/solvena/polisvault/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, using environment variables")
	}

	cfg, err := config.LoadConfig(os.Getenv("POLISVAULT_CONFIG"))
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer zapLogger.Sync()

	var db *gorm.DB
	if cfg.Database.DSN != "" {
		db, err = database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	} else {
		zapLogger.Warn("no database DSN configured, using local sqlite file")
		db, err = database.NewSQLiteDB("polisvault.db")
	}
	if err != nil {
		zapLogger.Fatal("connect database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("migrate schema", zap.Error(err))
	}

	clk := clock.System()
	ledger := transfer.NewLedger(logger.Named(zapLogger, "transfer"), db)
	comp := compliance.NewService(logger.Named(zapLogger, "compliance"), db)

	var snapshots valuation.Snapshots
	if cfg.Redis.Addr != "" {
		vc, err := cache.NewValuationCache(logger.Named(zapLogger, "cache"), cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Consensus.StalenessBound)
		if err != nil {
			zapLogger.Fatal("connect redis", zap.Error(err))
		}
		defer vc.Close()
		snapshots = vc
	}

	valuations := valuation.NewLedger(logger.Named(zapLogger, "valuation"), db, clk, ledger, cfg.Consensus)
	consensus := valuation.NewEngine(logger.Named(zapLogger, "consensus"), valuations, snapshots, valuation.RewardFundAccount)

	var events vault.Publisher = vault.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := vault.NewKafkaPublisher(logger.Named(zapLogger, "events"), cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kp.Close()
		events = kp
	}

	riskEngine := vault.NewService(logger.Named(zapLogger, "vault"), db, clk, valuations, comp, ledger, events, cfg.Vault)
	distribution := waterfall.NewService(logger.Named(zapLogger, "waterfall"), db, clk, comp, ledger, cfg.Waterfall)
	if err := distribution.Bootstrap(context.Background()); err != nil {
		zapLogger.Fatal("seed tranches", zap.Error(err))
	}

	srv := server.NewServer(logger.Named(zapLogger, "http"), cfg.Server, valuations, consensus, riskEngine, distribution, comp)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		zapLogger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			zapLogger.Error("http server failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("graceful shutdown failed", zap.Error(err))
	}
}
