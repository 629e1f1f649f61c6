package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/lessonsync/internal/config"
	"github.com/onnwee/lessonsync/internal/errorreporting"
	"github.com/onnwee/lessonsync/internal/logger"
	"github.com/onnwee/lessonsync/internal/secrets"
	"github.com/onnwee/lessonsync/internal/server"
	"github.com/onnwee/lessonsync/internal/tracing"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found (falling back to system env)")
	}

	// Load configuration
	cfg := config.Load()

	// Initialize structured logging
	logger.Init(cfg.LogLevel)
	logger.Info("Initializing sync daemon", "version", cfg.SentryRelease, "log_level", cfg.LogLevel)

	if err := secrets.ValidateRequired(secrets.Required(cfg)); err != nil {
		logger.Error("Configuration is incomplete", "error", err)
		log.Fatal(err)
	}

	// Initialize error reporting
	if err := errorreporting.Init(errorreporting.OptionsFromConfig(cfg)); err != nil {
		logger.Warn("Failed to initialize error reporting", "error", err)
	} else if errorreporting.IsSentryEnabled() {
		logger.Info("Error reporting initialized", "environment", cfg.SentryEnvironment)
		defer func() {
			logger.Info("Flushing error reports...")
			errorreporting.Flush(2 * time.Second)
		}()
	}

	// Initialize tracing
	shutdownTracing, err := tracing.Init(tracing.OptionsFromConfig("lessonsync-syncd", cfg.SentryRelease, cfg))
	if err != nil {
		logger.Warn("Failed to initialize tracing", "error", err)
	} else if cfg.OTELEnabled {
		logger.Info("Tracing initialized", "endpoint", cfg.OTELEndpoint, "sample_rate", cfg.OTELSampleRate)
		defer func() {
			logger.Info("Shutting down tracer...")
			if err := shutdownTracing(context.Background()); err != nil {
				logger.Error("Failed to shutdown tracer", "error", err)
			}
		}()
	}

	// Create context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := server.New(ctx, cfg)
	if err != nil {
		logger.Error("Failed to build engine", "error", err, "database_url", secrets.MaskURL(cfg.DatabaseURL))
		log.Fatalf("Failed to build engine: %v", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error("Failed to close engine", "error", err)
		}
	}()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	engine.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			errorreporting.CaptureError(err)
			cancel()
		}
	}()

	// Wait for context cancellation
	<-ctx.Done()
	logger.Info("Shutting down sync daemon")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
}
