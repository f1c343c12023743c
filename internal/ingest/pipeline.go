// Package ingest polls sources and queues newly discovered videos. Each
// source is read through its API listing first and its feed second; the
// two paths produce explicit results that the orchestration inspects in
// order.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/blackmichael/peertube-nostr/internal/domain"
	"github.com/blackmichael/peertube-nostr/internal/urlnorm"
)

// ErrSourceDisabled is returned when a manual poll targets a disabled source.
var ErrSourceDisabled = errors.New("source is disabled")

// Store is the persistence the pipeline needs.
type Store interface {
	domain.SourceRepository
	domain.VideoRepository
}

// Path names the listing path that produced a poll's items.
type Path string

const (
	PathAPI  Path = "api"
	PathFeed Path = "feed"
	PathNone Path = "none"
)

// Report summarizes one source poll.
type Report struct {
	SourceID   int64
	Path       Path
	Inserted   int
	Skipped    int
	Backfilled int
	// LastError is what was recorded on the source; empty on success.
	LastError string
}

// Pipeline polls sources into the store.
type Pipeline struct {
	store        Store
	fetcher      domain.SourceFetcher
	logger       *slog.Logger
	now          func() time.Time
	apiLimit     int
	lookbackDays int
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithClock replaces time.Now for cutoff computation.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithAPILimit sets the page size requested per source, clamped to 1..100.
func WithAPILimit(n int) Option {
	return func(p *Pipeline) { p.apiLimit = min(max(n, 1), 100) }
}

// WithLookbackDays sets the global first-poll lookback window. Zero or
// negative disables the cutoff.
func WithLookbackDays(days int) Option {
	return func(p *Pipeline) { p.lookbackDays = days }
}

// NewPipeline creates a pipeline with a page size of 50 and a 30 day
// lookback for never-polled sources.
func NewPipeline(store Store, fetcher domain.SourceFetcher, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		store:        store,
		fetcher:      fetcher,
		logger:       logger,
		now:          time.Now,
		apiLimit:     50,
		lookbackDays: 30,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PollAll polls every enabled source in id order. It stops between sources
// once ctx is done. Per-source failures are recorded on the source and do
// not stop the sweep.
func (p *Pipeline) PollAll(ctx context.Context) ([]Report, error) {
	sources, err := p.store.EnabledSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list enabled sources: %w", err)
	}

	reports := make([]Report, 0, len(sources))
	for _, src := range sources {
		if ctx.Err() != nil {
			break
		}
		rep, err := p.PollSource(ctx, src)
		if err != nil {
			p.logger.Error("poll source failed", "source_id", src.ID, "error", err)
			continue
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// PollSourceByID polls one enabled source on demand.
func (p *Pipeline) PollSourceByID(ctx context.Context, id int64) (Report, error) {
	src, err := p.store.GetSource(ctx, id)
	if err != nil {
		return Report{}, err
	}
	if !src.Enabled {
		return Report{}, fmt.Errorf("source %d: %w", id, ErrSourceDisabled)
	}
	return p.PollSource(ctx, *src)
}

// Resync cancels the source's pending videos and polls it again, so items
// queued under an old configuration are never published.
func (p *Pipeline) Resync(ctx context.Context, id int64) (cleared int64, rep Report, err error) {
	cleared, err = p.store.ClearPendingForSource(ctx, id)
	if err != nil {
		return 0, Report{}, err
	}
	p.logger.Info("cleared pending videos", "source_id", id, "count", cleared)
	rep, err = p.PollSourceByID(ctx, id)
	return cleared, rep, err
}

// pathResult is the outcome of one listing path. attempted is false when
// the path is not configured for the source.
type pathResult struct {
	attempted bool
	counts    counts
	err       error
}

type counts struct {
	inserted, skipped, backfilled int
}

// PollSource runs the API path and, only when it is unconfigured or fails,
// the feed path. Upstream failures end up in the source's last_error; the
// returned error is reserved for store failures and cancellation.
func (p *Pipeline) PollSource(ctx context.Context, src domain.Source) (Report, error) {
	cutoff := p.cutoff(src)
	rep := Report{SourceID: src.ID, Path: PathNone}

	primary := p.pollAPI(ctx, src, cutoff)
	if primary.attempted && primary.err == nil {
		rep.Path = PathAPI
		return p.finish(ctx, src, rep, primary.counts, "")
	}
	if isFatal(ctx, primary.err) {
		return rep, primary.err
	}

	var reasons []string
	if primary.attempted {
		reasons = append(reasons, fmt.Sprintf("API listing failed: %v", primary.err))
		p.logger.Warn("api listing failed, trying feed", "source_id", src.ID, "error", primary.err)
	}

	fallback := p.pollFeed(ctx, src, cutoff)
	switch {
	case fallback.attempted && fallback.err == nil:
		rep.Path = PathFeed
		return p.finish(ctx, src, rep, fallback.counts, "")
	case isFatal(ctx, fallback.err):
		return rep, fallback.err
	case fallback.attempted:
		reasons = append(reasons, fmt.Sprintf("feed failed: %v", fallback.err))
		rep.Path = PathFeed
	case len(reasons) == 0:
		reasons = append(reasons, "no API channel or feed configured")
	default:
		reasons = append(reasons, "no feed fallback configured")
	}
	return p.finish(ctx, src, rep, fallback.counts, strings.Join(reasons, "; "))
}

func (p *Pipeline) finish(ctx context.Context, src domain.Source, rep Report, c counts, errText string) (Report, error) {
	rep.Inserted, rep.Skipped, rep.Backfilled = c.inserted, c.skipped, c.backfilled
	rep.LastError = errText
	if err := p.store.MarkSourcePolled(ctx, src.ID, errText); err != nil {
		return rep, err
	}

	attrs := []any{"source_id", src.ID, "path", rep.Path, "inserted", rep.Inserted, "skipped", rep.Skipped}
	if errText != "" {
		p.logger.Warn("source poll failed", append(attrs, "error", errText)...)
	} else if rep.Inserted > 0 || rep.Skipped > 0 {
		p.logger.Info("source polled", attrs...)
	} else {
		p.logger.Debug("source polled", attrs...)
	}
	return rep, nil
}

// isFatal separates store failures and cancellation, which abort the poll,
// from upstream failures, which are recorded.
func isFatal(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx.Err() != nil {
		return true
	}
	var fe *domain.FetchError
	return !errors.As(err, &fe)
}

func (p *Pipeline) cutoff(src domain.Source) *time.Time {
	if src.LastPolledAt != nil {
		return nil
	}
	days := p.lookbackDays
	if src.LookbackDays != nil {
		days = *src.LookbackDays
	}
	if days <= 0 {
		return nil
	}
	t := p.now().Add(-time.Duration(days) * 24 * time.Hour)
	return &t
}

func (p *Pipeline) pollAPI(ctx context.Context, src domain.Source, cutoff *time.Time) pathResult {
	if !src.HasAPI() {
		return pathResult{}
	}
	items, err := p.fetcher.ListChannelItems(ctx, src.APIBase, src.APIChannel, p.apiLimit)
	if err != nil {
		return pathResult{attempted: true, err: err}
	}

	// Listings are newest-first; insert oldest-first.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	c, err := p.ingest(ctx, src, items, cutoff, apiEntry, src.APIChannelURL)
	return pathResult{attempted: true, counts: c, err: err}
}

func (p *Pipeline) pollFeed(ctx context.Context, src domain.Source, cutoff *time.Time) pathResult {
	if !src.HasFeed() {
		return pathResult{}
	}
	items, err := p.fetcher.ParseFeed(ctx, src.FeedURL)
	if err != nil {
		return pathResult{attempted: true, err: err}
	}
	c, err := p.ingest(ctx, src, items, cutoff, feedEntry, "")
	return pathResult{attempted: true, counts: c, err: err}
}

// entryFunc derives the dedup key and watch URL of an item. An empty key
// means the item cannot be stored.
type entryFunc func(src domain.Source, it domain.Item) (key, watchURL string)

func apiEntry(src domain.Source, it domain.Item) (string, string) {
	watch := it.Link
	if watch == "" {
		if it.ID == "" {
			return "", ""
		}
		base, err := urlnorm.HTTP(src.APIBase)
		if err != nil {
			return "", ""
		}
		watch = strings.TrimRight(base, "/") + "/w/" + it.ID
	}
	if it.ID != "" {
		return it.ID, watch
	}
	return watch, watch
}

func feedEntry(_ domain.Source, it domain.Item) (string, string) {
	for _, k := range []string{it.ID, it.GUID, it.Link} {
		if k != "" {
			return k, it.Link
		}
	}
	published := ""
	if it.PublishedAt != nil {
		published = it.PublishedAt.UTC().Format(time.RFC3339)
	}
	sum := sha256.Sum256([]byte(it.Title + "\x00" + it.Link + "\x00" + published))
	return hex.EncodeToString(sum[:])[:32], it.Link
}

func (p *Pipeline) ingest(ctx context.Context, src domain.Source, items []domain.Item, cutoff *time.Time, entry entryFunc, channelURL string) (counts, error) {
	var c counts
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return c, err
		}

		key, watch := entry(src, it)
		if key == "" {
			continue
		}

		exists, err := p.store.VideoExists(ctx, src.ID, key)
		if err != nil {
			return c, err
		}
		if exists {
			if it.PublishedAt != nil {
				changed, err := p.store.UpdatePublishedAtIfNull(ctx, src.ID, key, *it.PublishedAt)
				if err != nil {
					return c, err
				}
				if changed {
					c.backfilled++
				}
			}
			continue
		}

		if cutoff != nil && it.PublishedAt != nil && it.PublishedAt.Before(*cutoff) {
			c.skipped++
			continue
		}

		v := p.video(ctx, src.ID, key, watch, it)
		if v.ChannelURL == "" {
			v.ChannelURL = channelURL
		}
		if ctx.Err() != nil {
			return c, ctx.Err()
		}
		inserted, err := p.store.InsertPendingIfAbsent(ctx, v)
		if err != nil {
			return c, err
		}
		if inserted {
			c.inserted++
		}
	}
	return c, nil
}

// video builds the pending row, enriching it when the upstream can. A
// failed enrichment keeps the listing's own title and summary.
func (p *Pipeline) video(ctx context.Context, sourceID int64, key, watch string, it domain.Item) *domain.Video {
	v := &domain.Video{
		SourceID:    sourceID,
		EntryKey:    key,
		WatchURL:    watch,
		Title:       it.Title,
		Summary:     it.Summary,
		PublishedAt: it.PublishedAt,
	}
	if base, id, ok := urlnorm.ExtractWatchID(watch); ok {
		v.Base, v.PlatformVideoID = base, id
	}

	m, err := p.fetcher.EnrichItem(ctx, watch)
	if err != nil {
		p.logger.Debug("enrichment failed", "source_id", sourceID, "watch_url", watch, "error", err)
	}
	if m != nil {
		v.Base = m.Base
		v.PlatformVideoID = m.VideoID
		v.DirectURL = m.DirectURL
		v.HLSURL = m.HLSURL
		v.ThumbnailURL = m.ThumbnailURL
		v.Instance = m.Instance
		v.ChannelName = m.ChannelName
		v.ChannelURL = m.ChannelURL
		v.AccountName = m.AccountName
		v.AccountURL = m.AccountURL
		if m.Title != "" {
			v.Title = m.Title
		}
		if m.Description != "" {
			v.Summary = m.Description
		}
	}
	return v
}
