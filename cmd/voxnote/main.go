package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arlov/voxnote/internal/api"
	"github.com/arlov/voxnote/internal/config"
	"github.com/arlov/voxnote/internal/postprocess"
	"github.com/arlov/voxnote/internal/session"
	"github.com/arlov/voxnote/internal/storage/sqlite"
	"github.com/arlov/voxnote/internal/upstream"
	"github.com/arlov/voxnote/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("Server exited with error", logger.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer db.Close()

	sessionStorage := sqlite.NewSessionStorage(db, log)
	resultStorage := sqlite.NewResultStorage(db, log)

	dialer := upstream.NewDialer(upstream.Config{
		URL:          cfg.Upstream.URL,
		APIKey:       cfg.Upstream.APIKey,
		ReadyTimeout: time.Duration(cfg.Upstream.ReadyTimeoutSeconds) * time.Second,
	}, log)

	aiClient := postprocess.NewOpenAIClient(cfg.PostProcessing.APIKey, cfg.PostProcessing.Model, log)
	orchestrator := postprocess.NewOrchestrator(aiClient, postprocess.Config{
		TimeoutSeconds: cfg.PostProcessing.TimeoutSeconds,
	}, log)

	coordinator := session.NewCoordinator(orchestrator,
		time.Duration(cfg.Upstream.CloseTimeoutSeconds)*time.Second, log)

	registry := session.NewRegistry(ctx, session.RegistryConfig{
		IdleTimeout:   time.Duration(cfg.Sessions.IdleTimeoutSeconds) * time.Second,
		GracePeriod:   time.Duration(cfg.Sessions.GracePeriodSeconds) * time.Second,
		SweepInterval: time.Duration(cfg.Sessions.SweepIntervalSeconds) * time.Second,
	}, log)
	if err := registry.Start(); err != nil {
		return fmt.Errorf("failed to start session registry: %w", err)
	}
	defer registry.Stop()

	router := api.NewRouter(registry, coordinator, dialer, sessionStorage, resultStorage, cfg, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Server listening", logger.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	return nil
}
