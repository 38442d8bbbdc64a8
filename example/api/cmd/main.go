package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/circulib/loanledger/example/api"
	"github.com/circulib/loanledger/example/shared/config"
	"github.com/circulib/loanledger/ledger/loanengine"
	"github.com/circulib/loanledger/ledger/postgresengine"
)

const shutdownTimeout = 10 * time.Second

func run(ctx context.Context, cmd *cli.Command) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.LoadPostgresConfig()
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	poolConfig, err := cfg.PGXPoolConfig()
	if err != nil {
		return fmt.Errorf("failed to build pool config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	store, err := postgresengine.NewStoreFromPGXPool(pool, postgresengine.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	if err := store.CreateSchema(ctx); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	engine, err := loanengine.New(store, loanengine.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create loan engine: %w", err)
	}

	server := &http.Server{
		Addr:              cmd.String("listen"),
		Handler:           api.NewRouter(api.NewHandler(engine, store)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("ledger api listening", slog.String("addr", server.Addr))
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown error: %w", err)
	}

	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:   "ledger-api",
		Usage:  "HTTP facade for the lending ledger",
		Action: run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "Address to listen on",
				Value:   ":8080",
				Sources: cli.EnvVars("LEDGER_API_LISTEN"),
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
