package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/liamcoop/ruleassist/internal/bootstrap"
	"github.com/liamcoop/ruleassist/internal/config"
	"github.com/liamcoop/ruleassist/internal/logger"
	"github.com/liamcoop/ruleassist/internal/tracing"
)

func main() {
	cfg, err := config.Load(os.Getenv("RULEASSIST_CONFIG"))
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}

	ctx := context.Background()
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		logger.Fatal("failed to init tracing", "error", err)
	}

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to start services", "error", err)
	}

	server := NewServer(app)
	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Server.Port, "llm", cfg.LLM.Provider)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := app.Close(); err != nil {
		logger.Error("failed to release services", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("failed to flush traces", "error", err)
	}
	_ = logger.Shutdown(shutdownCtx)
	logger.Info("server stopped")
}
