package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/delegate"
	"github.com/voxwire/voxwire/internal/history"
	"github.com/voxwire/voxwire/internal/httpapi"
	"github.com/voxwire/voxwire/internal/observability"
	"github.com/voxwire/voxwire/internal/wire"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	archive, err := history.NewArchive(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("history archive init failed: %v", err)
	}
	defer archive.Close()
	if cfg.DatabaseURL == "" {
		log.Printf("history archive: disabled (no database url)")
	} else {
		log.Printf("history archive: postgres")
	}

	backend, err := delegate.NewBackend(delegate.Config{
		Mode:         cfg.DelegateMode,
		HTTPURL:      cfg.DelegateHTTPURL,
		PollInterval: cfg.DelegatePollInterval,
		OpenAIAPIKey: cfg.OpenAIAPIKey,
		OpenAIModel:  cfg.OpenAIModel,
	})
	if err != nil {
		log.Fatalf("delegate backend init failed: %v", err)
	}
	log.Printf("delegate backend: %T", backend)

	if cfg.RecordDir != "" {
		if err := os.MkdirAll(cfg.RecordDir, 0o755); err != nil {
			log.Fatalf("record dir: %v", err)
		}
		log.Printf("call recordings: %s", cfg.RecordDir)
	}

	api := httpapi.New(cfg, wire.NewWSDialer(nil), backend, archive, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
