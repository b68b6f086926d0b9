// Command llmgw serves the LLM gateway over an OpenAI-compatible HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	llmgateway "github.com/ferro-labs/llm-gateway"
	"github.com/ferro-labs/llm-gateway/internal/logging"
	"github.com/ferro-labs/llm-gateway/internal/version"
)

const defaultAddr = ":8080"

func main() {
	if err := run(); err != nil {
		slog.Error("llmgw exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := os.Getenv("LLMGW_CONFIG")
	if cfgPath == "" {
		return errors.New("LLMGW_CONFIG is not set: point it at a .yaml or .json config file")
	}
	cfg, err := llmgateway.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := envOr("LLMGW_LOG_LEVEL", cfg.Logging.Level)
	format := envOr("LLMGW_LOG_FORMAT", cfg.Logging.Format)
	logger := logging.Setup(level, format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := llmgateway.NewFromConfig(ctx, *cfg, llmgateway.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Error("gateway close failed", "error", err)
		}
	}()

	var corsOrigins []string
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}

	addr := envOr("LLMGW_ADDR", defaultAddr)
	srv := &http.Server{
		Addr:         addr,
		Handler:      newRouter(gw, logger, corsOrigins),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	logger.Info("llmgw listening",
		"addr", addr,
		"version", version.Short(),
		"providers", len(gw.GetActiveProviders()),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
