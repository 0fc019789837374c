// AroMCP workflow server: loads YAML workflow definitions and serves the
// step-polling Public API to agent clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Aroton/AroMCP-sub001/internal/config"
	"github.com/Aroton/AroMCP-sub001/internal/infrastructure/api/rest"
	"github.com/Aroton/AroMCP-sub001/internal/infrastructure/logger"
	"github.com/Aroton/AroMCP-sub001/pkg/engine"
	"github.com/Aroton/AroMCP-sub001/pkg/loader"
)

const (
	exitOK       = 0
	exitConfig   = 2
	exitInternal = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("failed to load configuration: %v", err)
		return exitConfig
	}

	appLogger := logger.New(cfg.Logging)
	logger.SetDefault(appLogger)

	appLogger.Info("starting workflow server",
		"port", cfg.Server.Port,
		"workflow_dir", cfg.Workflow.Dir,
		"debug_serial", cfg.Workflow.DebugSerial,
	)

	registry := loader.NewRegistry(appLogger)
	if err := registry.LoadDir(cfg.Workflow.Dir); err != nil {
		appLogger.Error("failed to load workflow directory", "dir", cfg.Workflow.Dir, "error", err)
		return exitConfig
	}
	defer registry.Close()

	if cfg.Workflow.HotReload {
		if err := registry.Watch(cfg.Workflow.Dir); err != nil {
			appLogger.Warn("workflow hot-reload unavailable", "error", err)
		}
	}

	eng := engine.NewEngine(registry, engine.WithMaxIterations(cfg.Workflow.MaxIterationsDefault))
	router := rest.NewRouter(registry, eng, appLogger)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		appLogger.Error("server failed", "error", err)
		return exitInternal
	case sig := <-quit:
		appLogger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("graceful shutdown failed", "error", err)
		return exitInternal
	}

	appLogger.Info("server stopped")
	return exitOK
}
