package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/yoga-protocol-server/internal/api"
	"github.com/yoga-protocol-server/internal/config"
	"github.com/yoga-protocol-server/internal/database"
	"github.com/yoga-protocol-server/internal/domain"
	"github.com/yoga-protocol-server/internal/repository"
	"github.com/yoga-protocol-server/internal/service"
)

func main() {
	// Load configuration
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger := newLogger(cfg.Logging)

	logger.WithFields(logrus.Fields{
		"host":   cfg.Server.Host,
		"port":   cfg.Server.Port,
		"driver": cfg.Database.Driver,
	}).Info("Starting yoga protocol server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, health, cleanup, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open record store")
	}
	defer cleanup()

	var cache *service.ResultCache
	if cfg.Cache.Enabled {
		cache, err = service.NewResultCache(cfg.Cache, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect result cache")
		}
		defer cache.Close()
	}

	recommender, err := service.NewRecommender(store, cfg.Engine, cache, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build recommendation engine")
	}

	server := api.NewServer(cfg, recommender, health, logger)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}

	logger.Info("Server stopped")
}

// openStore selects the record store backend from configuration. The
// Postgres path runs pending migrations before serving.
func openStore(ctx context.Context, cfg domain.DatabaseConfig, logger *logrus.Logger) (domain.RecordStore, api.HealthChecker, func(), error) {
	switch cfg.Driver {
	case "sqlite":
		store, err := repository.NewSQLiteStore(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, func() { store.Close() }, nil

	default:
		runner, err := database.NewMigrationRunner(database.MigrationURL(cfg), cfg.MigrationsPath, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := runner.Up(); err != nil {
			runner.Close()
			return nil, nil, nil, err
		}
		runner.Close()

		db, err := database.NewConnection(ctx, cfg, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return repository.NewPostgresStore(db.Pool, logger), db, db.Close, nil
	}
}

func newLogger(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	return logger
}
