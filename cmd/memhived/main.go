// Command memhived runs a long-lived memhive Hive as a daemon, optionally
// persisting terminal worker outcomes to an audit database.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/memhive/memhive/internal/hive"
	"github.com/memhive/memhive/internal/hive/persist"
	"github.com/memhive/memhive/internal/repository"
	"github.com/memhive/memhive/pkg/config"
	"github.com/memhive/memhive/pkg/utils"
)

var (
	configPath = flag.String("config", "", "Path to config file (uses defaults if empty)")
	verbose    = flag.Bool("v", false, "Verbose output")
)

func main() {
	flag.Parse()

	logLevel := utils.LevelInfo
	if *verbose {
		logLevel = utils.LevelDebug
	}
	logger := utils.NewDefaultLogger(logLevel, os.Stdout)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config: %v", err)
		os.Exit(1)
	}

	var sink hive.HealthSink
	var repos *repository.Repositories
	if cfg.Hive.AuditDB != nil {
		gormDB, err := repository.NewGormDB(toDBConfig(cfg.Hive.AuditDB))
		if err != nil {
			logger.Error("failed to connect audit database: %v", err)
			os.Exit(1)
		}
		repos, err = repository.NewRepositories(gormDB, cfg.Hive.AuditDB.Type)
		if err != nil {
			logger.Error("failed to initialize repositories: %v", err)
			os.Exit(1)
		}
		defer repos.Close()

		runID := uuid.NewString()
		sink = persist.NewAuditSink(repos.Audit, runID, logger)
		logger.Info("audit persistence enabled, hive run id: %s", runID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []hive.Option{hive.WithLogger(logger)}
	if sink != nil {
		opts = append(opts, hive.WithHealthSink(sink))
	}
	h := hive.New(cfg.Hive, opts...)

	logger.Info("memhive daemon started, waiting for shutdown signal")
	<-ctx.Done()

	logger.Info("shutdown signal received, closing hive")
	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.Close(closeCtx); err != nil {
		logger.Error("hive close failed: %v", err)
		os.Exit(1)
	}
	logger.Info("hive closed cleanly")
}

func toDBConfig(c *config.DatabaseConfig) *repository.DBConfig {
	return &repository.DBConfig{
		Type:     c.Type,
		Host:     c.Host,
		Port:     c.Port,
		Database: c.Database,
		User:     c.User,
		Password: c.Password,
		MaxConns: c.MaxConns,
	}
}
