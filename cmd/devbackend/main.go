// Command devbackend serves a local stand-in for the bot platform: the REST
// endpoints the console calls and the pipeline debug WebSocket.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaot623/botconsole/internal/config"
	"github.com/xiaot623/botconsole/internal/hub"
	"github.com/xiaot623/botconsole/internal/repository"
	"github.com/xiaot623/botconsole/internal/service"
	internalhttp "github.com/xiaot623/botconsole/internal/transport/http"
	"github.com/xiaot623/botconsole/internal/transport/ws"
)

func main() {
	// Load configuration
	cfg := config.LoadBackend()
	logger := config.NewLogger(cfg.LogLevel, os.Stderr)

	logger.Info("starting devbackend", "http_port", cfg.HTTPPort, "database", cfg.DatabaseURL, "auth", cfg.APIToken != "")

	// Initialize store
	store, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize hub
	connectionHub := hub.NewHub(logger)
	go connectionHub.Run(ctx)

	svc := service.New(store, connectionHub, cfg, logger)
	if err := svc.SeedLogs(ctx); err != nil {
		logger.Error("failed to seed demo logs", "error", err)
		os.Exit(1)
	}

	wsServer := ws.NewServer(svc, logger)
	server := internalhttp.NewServer(svc, wsServer)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("failed to start HTTP server", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("devbackend listening", "addr", fmt.Sprintf("http://localhost:%d", cfg.HTTPPort))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down devbackend")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown HTTP server gracefully", "error", err)
	}
	stop()

	logger.Info("devbackend stopped")
}
