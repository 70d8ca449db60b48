package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/logoslabs/logos-gateway/internal/config"
	"github.com/logoslabs/logos-gateway/internal/gateway"
	"github.com/logoslabs/logos-gateway/internal/server"
	"github.com/logoslabs/logos-gateway/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("LOGOS_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Telemetry.TracingEnabled {
		shutdown, err := telemetry.InitTracer("logos-gateway", logger)
		if err != nil {
			log.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	opts := []gateway.Option{
		gateway.WithConfig(cfg),
		gateway.WithLogger(logger),
	}
	switch cfg.Storage.Type {
	case "sqlite":
		opts = append(opts, gateway.WithSQLite(cfg.Storage.SQLite.Path))
	default:
		opts = append(opts, gateway.WithMemoryStore())
	}
	if cfg.Embedding.BaseURL != "" {
		opts = append(opts, gateway.WithEmbeddingService(
			cfg.Embedding.BaseURL, cfg.Embedding.APIKey,
			cfg.Embedding.Model, cfg.Embedding.CacheSize))
	}

	gw, err := gateway.New(opts...)
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		log.Fatalf("Failed to start gateway: %v", err)
	}

	srv := server.New(gw, cfg, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("gateway started",
		slog.String("addr", srv.Addr),
		slog.String("storage", cfg.Storage.Type))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received, stopping gateway")
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	if err := gw.Close(); err != nil {
		logger.Error("gateway close error", slog.String("error", err.Error()))
	}

	logger.Info("gateway shutdown complete")
}
