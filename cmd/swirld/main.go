// Command swirld is a reference embedding of swirl: it wires a pgxpool,
// loads configuration with viper, builds a Runner with a couple of
// demonstration job types, and ticks RunAllPendingJobs on an interval
// until it receives a shutdown signal. Tick cadence is a caller concern
// (swirl itself only exposes one-shot RunAllPendingJobs); this is the
// caller.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dchenk/swirl"
	"github.com/dchenk/swirl/internal/config"
)

// environment is the shared value every registered handler receives a
// pointer to. It carries only what the demonstration handlers need.
type environment struct {
	logger *zap.SugaredLogger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "swirld",
		Short: "Run the swirl background job dispatch loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending schema migrations before starting")
	return cmd
}

func run(ctx context.Context, migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := zap.InfoLevel
	_ = logLevel.UnmarshalText([]byte(cfg.LogLevel))
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(logLevel)
	zapLogger, err := zapConfig.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer zapLogger.Sync() //nolint:errcheck // best-effort flush on exit
	logger := zapLogger.Sugar()

	if migrate {
		if err := swirl.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
		logger.Info("applied pending migrations")
	}

	pool, err := newPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	env := environment{logger: logger}
	runner := swirl.NewBuilder(pool, env).
		WorkerCount(cfg.WorkerCount).
		Logger(logger).
		Register("SendWelcomeEmail", sendWelcomeEmail).
		Register("CleanupTempFile", cleanupTempFile).
		Build()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if err := runner.RunAllPendingJobs(groupCtx); err != nil {
					logger.Errorw("dispatch tick failed", "error", err)
				}
			}
		}
	})

	logger.Infow("swirld started", "worker_count", cfg.WorkerCount, "tick_interval", cfg.TickInterval)
	if err := group.Wait(); err != nil {
		return err
	}

	logger.Info("shutting down, draining in-flight jobs")
	return runner.WaitForJobs()
}

func newPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	poolConfig.AfterConnect = swirl.PrepareStatements

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return pool, nil
}

// sendWelcomeEmail and cleanupTempFile are demonstration job types showing
// the handler shape: (ctx, payload, *environment) -> error. A real
// deployment registers its own job types the same way.

type welcomeEmailPayload struct {
	RequestID string `json:"request_id"`
	UserEmail string `json:"user_email"`
}

func sendWelcomeEmail(ctx context.Context, data []byte, env *environment) error {
	var payload welcomeEmailPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decoding welcome email payload: %w", err)
	}
	if payload.RequestID == "" {
		payload.RequestID = uuid.New().String()
	}
	env.logger.Infow("sending welcome email", "request_id", payload.RequestID, "user_email", payload.UserEmail)
	return nil
}

type cleanupTempFilePayload struct {
	Path string `json:"path"`
}

func cleanupTempFile(ctx context.Context, data []byte, env *environment) error {
	var payload cleanupTempFilePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decoding cleanup payload: %w", err)
	}
	env.logger.Infow("cleaning up temp file", "path", payload.Path)
	return nil
}
