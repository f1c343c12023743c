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

	"github.com/blackmichael/peertube-nostr/internal/app"
	"github.com/blackmichael/peertube-nostr/internal/config"
	"github.com/blackmichael/peertube-nostr/internal/httpserver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := cfg.NewLogger(os.Stdout)

	// Set up graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	logger.Info("opened database", "path", cfg.DBPath)

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		if err := a.Runner.Run(ctx); err != nil {
			logger.Error("runner exited with error", "error", err)
		}
	}()

	var server *httpserver.Server
	if cfg.HTTPAddr != "" {
		server = httpserver.NewServer(cfg.HTTPAddr, cfg.APIKey, a.Store, a.Runner, a.Limiter, logger)
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server exited with error", "error", err)
			}
		}()
	}

	logger.Info("bridge started", "http_addr", cfg.HTTPAddr, "poll_interval", cfg.PollInterval.String())

	<-ctx.Done()
	logger.Info("received signal, shutting down")

	if server != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down http server", "error", err)
		}
	}
	<-runnerDone
	return nil
}
