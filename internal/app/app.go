// Package app wires the bridge components from configuration. Both the
// daemon and the operator CLI build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/blackmichael/peertube-nostr/internal/config"
	"github.com/blackmichael/peertube-nostr/internal/ingest"
	"github.com/blackmichael/peertube-nostr/internal/nostr"
	"github.com/blackmichael/peertube-nostr/internal/peertube"
	"github.com/blackmichael/peertube-nostr/internal/ratelimit"
	"github.com/blackmichael/peertube-nostr/internal/runner"
	"github.com/blackmichael/peertube-nostr/internal/secret"
	"github.com/blackmichael/peertube-nostr/internal/sqlite"
)

// App holds the wired components.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    *sqlite.Store
	Fetcher  *peertube.Client
	Pipeline *ingest.Pipeline
	Limiter  *ratelimit.Limiter
	Relays   *nostr.RelayPool
	Secrets  secret.Store
	Runner   *runner.Runner
}

// New opens the store, seeds the default relays into an empty relay table
// and builds every component. The caller must call Close.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	store, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	seeded, err := store.SeedDefaultRelays(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("seed relays: %w", err)
	}
	if seeded {
		logger.Info("seeded default relays")
	}

	fetcher := peertube.NewClient(logger,
		peertube.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		peertube.WithEnrichRate(cfg.EnrichRate),
	)
	pipeline := ingest.NewPipeline(store, fetcher, logger,
		ingest.WithAPILimit(cfg.APILimit),
		ingest.WithLookbackDays(cfg.LookbackDays),
	)
	limiter := ratelimit.New(store, store)
	pool := nostr.NewRelayPool(logger, nostr.WithTimeout(cfg.RelayTimeout))
	secrets := secret.Resolve(config.EnvNsec, cfg.Nsec, cfg.NsecFile)
	logger.Info("signing credential backend", "backend", secrets.Name())

	r := runner.New(store, pipeline, limiter, secrets, pool, runner.Config{
		PollInterval:       cfg.PollInterval,
		RetryFailedAfter:   cfg.RetryFailedAfter,
		RetrySchedule:      cfg.RetrySchedule,
		RelayProbeSchedule: cfg.RelayProbeSchedule,
		Relays:             cfg.Relays,
	}, logger)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Fetcher:  fetcher,
		Pipeline: pipeline,
		Limiter:  limiter,
		Relays:   pool,
		Secrets:  secrets,
		Runner:   r,
	}, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}
