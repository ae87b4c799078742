// Package main is the scheduler process entry point: it owns the
// persistence backend, the bus-facing RPC servers, the crash-recovery
// sweep, and the operator-facing HTTP facade, all driven from one JSON
// config file (§6).
//
// Startup sequence, grounded on cmd/server/main.go:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Load + watch the config file
//  4. Open the database
//  5. Dial the broker
//  6. Wire the store, metrics, schedulerserver, and HTTP router
//  7. Run both the bus-facing server and the HTTP server until a
//     termination signal, then shut both down gracefully
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kpipeline/kpipeline/scheduler/internal/api"
	kconfig "github.com/kpipeline/kpipeline/scheduler/internal/config"
	"github.com/kpipeline/kpipeline/scheduler/internal/db"
	"github.com/kpipeline/kpipeline/scheduler/internal/metrics"
	"github.com/kpipeline/kpipeline/scheduler/internal/schedulerserver"
	"github.com/kpipeline/kpipeline/scheduler/internal/store"
	"github.com/kpipeline/kpipeline/shared/bus"
	"github.com/kpipeline/kpipeline/shared/wire"
)

var (
	version = "dev"
	commit  = "none"
)

type cliConfig struct {
	configPath         string
	dbDriver           string
	logLevel           string
	staleAfter         time.Duration
	slowQueryThreshold time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cli := &cliConfig{}

	root := &cobra.Command{
		Use:   "kpipeline-scheduler",
		Short: "kpipeline scheduler — orchestrates multi-stage jobs over a message bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cli)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cli.configPath, "config", envOrDefault("KPIPELINE_CONFIG", "./config.json"), "path to the scheduler JSON config file")
	root.PersistentFlags().StringVar(&cli.dbDriver, "db-driver", envOrDefault("KPIPELINE_DB_DRIVER", "sqlite"), "database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cli.logLevel, "log-level", envOrDefault("KPIPELINE_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&cli.staleAfter, "stale-after", 30*time.Minute, "how long a digest may sit InProgress before the recurring sweep reclaims it (0 disables the recurring sweep)")
	root.PersistentFlags().DurationVar(&cli.slowQueryThreshold, "slow-query-threshold", 0, "warn when a GORM query exceeds this duration (0 uses the package default, negative disables the warning)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kpipeline-scheduler %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cli *cliConfig) error {
	logger, err := buildLogger(cli.logLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	watcher, closeWatcher, err := kconfig.NewWatcher(cli.configPath, logger)
	if err != nil {
		return fmt.Errorf("load config %q: %w", cli.configPath, err)
	}
	defer closeWatcher()
	cfg := watcher.Current()

	logger.Info("starting kpipeline scheduler",
		zap.String("version", version),
		zap.String("deploymentName", cfg.DeploymentName),
		zap.String("listen", fmt.Sprintf("%s:%d", cfg.Listen, cfg.ListenPort)),
	)

	gormDB, err := db.New(db.Config{
		Driver:             cli.dbDriver,
		DSN:                cfg.DBPath,
		Logger:             logger,
		LogLevel:           gormLogLevel(cli.logLevel),
		SlowQueryThreshold: cli.slowQueryThreshold,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("unwrap sql.DB: %w", err)
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, gormDB); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	brokerURL := envOrDefault("KPIPELINE_BROKER_URL", cfg.BrokerURL)
	conn, err := bus.Dial(ctx, logger, brokerURL)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	st := store.New(gormDB)
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	srv, err := schedulerserver.New(conn, st, logger, schedulerserver.Config{
		SystemConfig: cfg.SystemConfig(),
		ConfigSource: func() wire.SystemConfig { return watcher.Current().SystemConfig() },
		StaleAfter:   cli.staleAfter,
		Metrics:      met,
	})
	if err != nil {
		return fmt.Errorf("start scheduler server: %w", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Store:          st,
		Dispatch:       srv,
		Logger:         logger,
		SystemInfo:     api.SystemInfo{DeploymentName: cfg.DeploymentName, Version: version},
		AllowedOrigins: cfg.AllowedOrigins,
		Metrics:        met,
	})
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Listen, cfg.ListenPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http facade listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()
	go func() {
		errCh <- srv.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("component exited with error", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	return nil
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
