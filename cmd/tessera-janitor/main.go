package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/fileworks/tessera/pkg/janitor"
)

var (
	dbURL        = flag.String("db-url", getEnv("TESSERA_POSTGRES_URL", "postgres://localhost/tessera?sslmode=disable"), "PostgreSQL connection URL")
	schedule     = flag.String("schedule", getEnv("TESSERA_JANITOR_SCHEDULE", "15 * * * *"), "Cron schedule for cleanup sweeps (default: hourly at :15)")
	runOnce      = flag.Bool("run-once", false, "Run one sweep and exit")
	sweepTimeout = flag.Duration("sweep-timeout", 5*time.Minute, "Timeout for a single sweep")
	logLevel     = flag.String("log-level", getEnv("TESSERA_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	logger := setupLogger(*logLevel)

	db, err := connectDatabase(*dbURL)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	sweeper, err := janitor.NewSweeper(db, logger)
	if err != nil {
		logger.Fatalf("Failed to create sweeper: %v", err)
	}

	if *runOnce {
		if err := sweep(sweeper, *sweepTimeout); err != nil {
			logger.Fatalf("Sweep failed: %v", err)
		}
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(*schedule, func() {
		if err := sweep(sweeper, *sweepTimeout); err != nil {
			logger.Errorf("Sweep failed: %v", err)
		}
	}); err != nil {
		logger.Fatalf("Invalid schedule %q: %v", *schedule, err)
	}

	c.Start()
	logger.Infof("Tessera janitor started with schedule %q", *schedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("Received shutdown signal, waiting for running sweep...")

	stopCtx := c.Stop()
	<-stopCtx.Done()
	logger.Info("Janitor stopped")
}

func sweep(sweeper *janitor.Sweeper, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, err := sweeper.Run(ctx)
	return err
}

func setupLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	return logger
}

func connectDatabase(url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// The sweep runs at most four statements in parallel.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
