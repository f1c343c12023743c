// Package runner drives the bridge: it polls sources, publishes at most one
// pending video per iteration under the rate limits, probes relays and
// requeues old failures on their own schedules.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/blackmichael/peertube-nostr/internal/domain"
	"github.com/blackmichael/peertube-nostr/internal/ingest"
	"github.com/blackmichael/peertube-nostr/internal/nostr"
)

const (
	sleepSlice   = 200 * time.Millisecond
	errorBackoff = 10 * time.Second
)

// State is what the runner is doing right now.
type State string

const (
	StateStarting       State = "starting"
	StateCheckingRelays State = "checking-relays"
	StatePolling        State = "polling"
	StatePublishing     State = "publishing"
	StateRateLimited    State = "rate-limited"
	StateIdle           State = "idle"
	StateWaitingConfig  State = "waiting-config"
	StateSleeping       State = "sleeping"
	StateStopped        State = "stopped"
)

// Snapshot is a point-in-time copy of the runner status.
type Snapshot struct {
	State           State     `json:"state"`
	Since           time.Time `json:"since"`
	Iterations      int64     `json:"iterations"`
	LastEventID     string    `json:"last_event_id,omitempty"`
	LastPostedTitle string    `json:"last_posted_title,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	NextWaitSeconds int64     `json:"next_wait_seconds"`
}

// Store is the persistence the runner needs.
type Store interface {
	domain.VideoRepository
	domain.RelayRepository
	domain.SettingsRepository
}

// Poller ingests all enabled sources.
type Poller interface {
	PollAll(ctx context.Context) ([]ingest.Report, error)
}

// RateLimiter answers how long the next publish for a source must wait.
type RateLimiter interface {
	NextWait(ctx context.Context, sourceID int64, now time.Time) (time.Duration, error)
}

// SignerFactory turns the stored credential into a Signer.
type SignerFactory func(secret string) (domain.Signer, error)

// NostrSigner is the SignerFactory for nsec or hex keys.
func NostrSigner(secret string) (domain.Signer, error) {
	return nostr.NewSigner(secret)
}

// Config tunes the loop.
type Config struct {
	PollInterval time.Duration

	// RetryFailedAfter is the age at which failed videos are requeued.
	// Zero disables requeueing.
	RetryFailedAfter time.Duration

	RetrySchedule      cron.Schedule
	RelayProbeSchedule cron.Schedule

	// Relays overrides the enabled relays from the store when non-empty.
	Relays []string
}

// Runner is the publish orchestrator.
type Runner struct {
	store     Store
	poller    Poller
	limiter   RateLimiter
	secrets   domain.SecretStore
	newSigner SignerFactory
	transport domain.RelayTransport
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	status     atomic.Pointer[Snapshot]
	nextProbe  time.Time
	nextRetry  time.Time
	iterations int64
}

// Option customizes a Runner.
type Option func(*Runner)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithSignerFactory replaces NostrSigner.
func WithSignerFactory(f SignerFactory) Option {
	return func(r *Runner) { r.newSigner = f }
}

// New creates a runner. Missing schedules default to every 10 minutes for
// relay probes and every minute for failure requeue.
func New(
	store Store,
	poller Poller,
	limiter RateLimiter,
	secrets domain.SecretStore,
	transport domain.RelayTransport,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	if cfg.RelayProbeSchedule == nil {
		cfg.RelayProbeSchedule = cron.Every(10 * time.Minute)
	}
	if cfg.RetrySchedule == nil {
		cfg.RetrySchedule = cron.Every(time.Minute)
	}

	r := &Runner{
		store:     store,
		poller:    poller,
		limiter:   limiter,
		secrets:   secrets,
		newSigner: NostrSigner,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.status.Store(&Snapshot{State: StateStarting, Since: r.now()})
	return r
}

// Status returns the latest snapshot.
func (r *Runner) Status() Snapshot {
	return *r.status.Load()
}

func (r *Runner) update(fn func(*Snapshot)) {
	next := *r.status.Load()
	prev := next.State
	fn(&next)
	if next.State != prev {
		next.Since = r.now()
	}
	r.status.Store(&next)
}

func (r *Runner) setState(s State) {
	r.update(func(snap *Snapshot) {
		snap.State = s
		if s != StateRateLimited {
			snap.NextWaitSeconds = 0
		}
	})
}

// Run loops until ctx is cancelled. A failed iteration is logged and
// followed by a short backoff; it never ends the loop.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("runner started", "poll_interval", r.cfg.PollInterval.String())
	defer func() {
		r.setState(StateStopped)
		r.logger.Info("runner stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := r.safeIterate(ctx)
		if ctx.Err() != nil {
			return nil
		}

		wait := r.cfg.PollInterval
		if err != nil {
			r.logger.Error("runner iteration failed", "error", err)
			r.update(func(s *Snapshot) { s.LastError = err.Error() })
			wait = errorBackoff
		}

		if r.Status().State != StateRateLimited {
			r.setState(StateSleeping)
		}
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

func (r *Runner) safeIterate(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in runner iteration: %v", p)
		}
	}()
	return r.Iterate(ctx)
}

// Iterate runs one cycle: relay probe when due, poll, one publish attempt,
// failure requeue when due.
func (r *Runner) Iterate(ctx context.Context) error {
	r.iterations++
	r.update(func(s *Snapshot) { s.Iterations = r.iterations })

	now := r.now()
	if !now.Before(r.nextProbe) {
		r.setState(StateCheckingRelays)
		r.CheckRelays(ctx)
		r.nextProbe = r.cfg.RelayProbeSchedule.Next(now)
	}
	if ctx.Err() != nil {
		return nil
	}

	r.setState(StatePolling)
	reports, err := r.poller.PollAll(ctx)
	if err != nil {
		return fmt.Errorf("poll sources: %w", err)
	}
	inserted := 0
	for _, rep := range reports {
		inserted += rep.Inserted
	}
	r.logger.Info("sources polled", "sources", len(reports), "inserted", inserted)
	if ctx.Err() != nil {
		return nil
	}

	if _, err := r.PublishOne(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	now = r.now()
	if r.cfg.RetryFailedAfter > 0 && !now.Before(r.nextRetry) {
		n, err := r.store.RetryFailed(ctx, r.cfg.RetryFailedAfter)
		if err != nil {
			return fmt.Errorf("requeue failed videos: %w", err)
		}
		if n > 0 {
			r.logger.Info("requeued failed videos", "count", n)
		}
		r.nextRetry = r.cfg.RetrySchedule.Next(now)
	}
	return nil
}

// Outcome describes one publish attempt.
type Outcome struct {
	// State is waiting-config, idle, rate-limited or publishing.
	State State
	Video *domain.Video
	// Wait is the remaining rate-limit wait when State is rate-limited.
	Wait    time.Duration
	EventID string
	// Err is the signing or relay failure recorded on Video, or
	// domain.ErrConfigMissing when State is waiting-config.
	Err error
}

// PublishOne publishes the next eligible video if configuration and rate
// limits allow. Publish failures are recorded on the video and reported in
// Outcome.Err; the returned error is reserved for store failures.
func (r *Runner) PublishOne(ctx context.Context) (Outcome, error) {
	signer, relays, err := r.publishConfig(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if signer == nil || len(relays) == 0 {
		r.setState(StateWaitingConfig)
		return Outcome{State: StateWaitingConfig, Err: domain.ErrConfigMissing}, nil
	}

	limits, err := r.store.PublishLimits(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("read publish limits: %w", err)
	}

	now := r.now()
	v, err := r.store.NextEligiblePending(ctx, now, limits.MaxPostsPerDayPerSource)
	if errors.Is(err, domain.ErrNotFound) {
		r.setState(StateIdle)
		return Outcome{State: StateIdle}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("next pending video: %w", err)
	}

	wait, err := r.limiter.NextWait(ctx, v.SourceID, now)
	if err != nil {
		return Outcome{}, fmt.Errorf("rate limit: %w", err)
	}
	if wait > 0 {
		r.logger.Debug("publish rate-limited", "video_id", v.ID, "source_id", v.SourceID, "wait", wait.String())
		r.update(func(s *Snapshot) {
			s.State = StateRateLimited
			s.NextWaitSeconds = int64(wait.Round(time.Second) / time.Second)
		})
		return Outcome{State: StateRateLimited, Video: v, Wait: wait}, nil
	}

	r.setState(StatePublishing)
	out := Outcome{State: StatePublishing, Video: v}
	err = r.publish(ctx, signer, relays, v, &out)
	return out, err
}

// publishConfig returns a nil signer or no relays when publishing is not
// configured yet.
func (r *Runner) publishConfig(ctx context.Context) (domain.Signer, []string, error) {
	secret, err := r.secrets.Get()
	if err != nil {
		return nil, nil, fmt.Errorf("read signing credential: %w", err)
	}
	if secret == "" {
		return nil, nil, nil
	}

	signer, err := r.newSigner(secret)
	if err != nil {
		r.logger.Warn("stored signing credential is unusable", "error", err)
		r.update(func(s *Snapshot) { s.LastError = err.Error() })
		return nil, nil, nil
	}

	relays := r.cfg.Relays
	if len(relays) == 0 {
		if relays, err = r.store.EnabledRelayURLs(ctx); err != nil {
			return nil, nil, fmt.Errorf("list relays: %w", err)
		}
	}
	return signer, relays, nil
}

// publish signs and broadcasts v, recording the result on the video and the
// relays. Only store failures are returned.
func (r *Runner) publish(ctx context.Context, signer domain.Signer, relays []string, v *domain.Video, out *Outcome) error {
	msg := domain.Message{
		Kind:      nostr.KindTextNote,
		Content:   BuildContent(v),
		Tags:      BuildTags(v),
		CreatedAt: r.now(),
	}

	ev, err := signer.Sign(ctx, msg)
	if err == nil {
		var results map[string]error
		out.EventID, results, err = r.transport.Publish(ctx, ev, relays)
		for relayURL, relayErr := range results {
			if markErr := r.store.MarkRelayUsed(ctx, relayURL, relayErr); markErr != nil {
				r.logger.Warn("failed to record relay use", "relay", relayURL, "error", markErr)
			}
		}
	}

	if err != nil {
		out.EventID = ""
		out.Err = err
		r.logger.Warn("publish failed", "video_id", v.ID, "title", v.Title, "error", err)
		r.update(func(s *Snapshot) { s.LastError = err.Error() })
		if markErr := r.store.MarkFailed(ctx, v.ID, err.Error()); markErr != nil {
			return fmt.Errorf("mark video %d failed: %w", v.ID, markErr)
		}
		return nil
	}

	if err := r.store.MarkPosted(ctx, v.ID, out.EventID); err != nil {
		return fmt.Errorf("mark video %d posted: %w", v.ID, err)
	}
	r.logger.Info("video published", "video_id", v.ID, "event_id", out.EventID, "title", v.Title)
	r.update(func(s *Snapshot) {
		s.LastEventID = out.EventID
		s.LastPostedTitle = v.Title
		s.LastError = ""
	})
	return nil
}

// CheckRelays probes every enabled relay and records latency or error.
// Failures are recorded, never returned.
func (r *Runner) CheckRelays(ctx context.Context) {
	relays, err := r.store.EnabledRelayURLs(ctx)
	if err != nil {
		r.logger.Warn("list relays for probe failed", "error", err)
		return
	}
	for _, relayURL := range relays {
		if ctx.Err() != nil {
			return
		}
		latency, probeErr := r.transport.Probe(ctx, relayURL)
		if probeErr != nil {
			r.logger.Warn("relay probe failed", "relay", relayURL, "error", probeErr)
		} else {
			r.logger.Info("relay probed", "relay", relayURL, "latency_ms", latency.Milliseconds())
		}
		if err := r.store.RecordRelayProbe(ctx, relayURL, latency, probeErr); err != nil {
			r.logger.Warn("failed to record relay probe", "relay", relayURL, "error", err)
		}
	}
}

// sleep waits for d in short slices and reports false once ctx is done.
func sleep(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx.Err() == nil
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(min(remaining, sleepSlice)):
		}
	}
}
