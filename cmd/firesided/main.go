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

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/embermill/fireside/config"
	"github.com/embermill/fireside/internal/credentials"
	"github.com/embermill/fireside/internal/orchestrator"
	"github.com/embermill/fireside/internal/provider"
	"github.com/embermill/fireside/internal/registry"
	"github.com/embermill/fireside/internal/server"
	"github.com/embermill/fireside/internal/store"
	"github.com/embermill/fireside/internal/telemetry"
	"github.com/embermill/fireside/internal/usage"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Tracing
	shutdownTracer, err := telemetry.InitTracer(ctx, "fireside", cfg.TraceExporter, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("init tracer", zap.Error(err))
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracer(shutdownCtx)
	}()

	// 3. Database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect database", zap.Error(err))
		return err
	}
	defer pool.Close()

	if err := store.Migrate(ctx, pool); err != nil {
		logger.Error("migrate schema", zap.Error(err))
		return err
	}

	st := store.NewPostgresStore(pool)
	usageStore := usage.NewPostgresStore(pool)
	credStore := credentials.NewPostgresStore(pool)

	// 4. Provider registry, seeded from stored credentials and the
	// environment
	if err := credentials.Seed(ctx, credStore, map[string]string{
		provider.NameAnthropic: cfg.AnthropicAPIKey,
		provider.NameOpenAI:    cfg.OpenAIAPIKey,
	}); err != nil {
		logger.Error("seed credentials", zap.Error(err))
		return err
	}

	reg := registry.New(logger)
	stored, err := credStore.List(ctx)
	if err != nil {
		logger.Error("load credentials", zap.Error(err))
		return err
	}
	for _, c := range stored {
		if c.Provider == provider.NameOllama && c.Endpoint != "" {
			reg.UpdateEndpoint(c.Provider, c.Endpoint)
			continue
		}
		reg.UpdateCredential(c.Provider, c.Secret)
	}
	if _, ok := reg.Get(provider.NameOllama); !ok {
		reg.UpdateEndpoint(provider.NameOllama, cfg.OllamaBaseURL)
	}

	// 5. Usage recorder
	recorder := usage.NewRecorder(usageStore, 64, logger)
	recorder.Start()

	// 6. Orchestrator and HTTP surface
	hub := server.NewEventHub(logger)
	orch := orchestrator.New(reg, st, recorder, hub, cfg.FlushInterval, logger)
	srv := server.New(st, reg, orch, credStore, usageStore, hub, logger)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
		return err
	case <-ctx.Done():
	}

	// 7. Graceful shutdown
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		logger.Warn("usage recorder shutdown", zap.Error(err))
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
