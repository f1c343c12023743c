// Package ratelimit decides whether the next publish may happen now. It
// combines three trailing windows over posted-video history: a minimum
// interval between any two posts, a global hourly cap and a per-source
// daily cap.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/blackmichael/peertube-nostr/internal/domain"
)

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

// Breakdown holds the wait imposed by each window.
type Breakdown struct {
	Interval time.Duration
	Hourly   time.Duration
	Daily    time.Duration
}

// Max returns the binding wait. Zero means publishing is allowed.
func (b Breakdown) Max() time.Duration {
	return max(b.Interval, b.Hourly, b.Daily)
}

// Limiter evaluates the publish windows against the store. It holds no
// state of its own; limits are read on every call.
type Limiter struct {
	history  domain.PostHistory
	settings domain.SettingsRepository
}

// New creates a Limiter.
func New(history domain.PostHistory, settings domain.SettingsRepository) *Limiter {
	return &Limiter{history: history, settings: settings}
}

// NextWait returns how long to wait before a video of sourceID may be
// published. Callers re-evaluate on their next cycle rather than sleeping
// for the returned duration.
func (l *Limiter) NextWait(ctx context.Context, sourceID int64, now time.Time) (time.Duration, error) {
	b, err := l.Breakdown(ctx, sourceID, now)
	if err != nil {
		return 0, err
	}
	return b.Max(), nil
}

// Breakdown computes each window's wait separately. A sourceID of 0 or a
// daily cap <= 0 skips the per-source window.
func (l *Limiter) Breakdown(ctx context.Context, sourceID int64, now time.Time) (Breakdown, error) {
	limits, err := l.settings.PublishLimits(ctx)
	if err != nil {
		return Breakdown{}, fmt.Errorf("read publish limits: %w", err)
	}

	var b Breakdown
	last, err := l.history.LastPostedAt(ctx, 0)
	if err != nil {
		return Breakdown{}, err
	}
	if last != nil {
		b.Interval = positive(limits.MinInterval - now.Sub(*last))
	}

	if b.Hourly, err = l.windowWait(ctx, now, hourWindow, limits.MaxPostsPerHour, 0); err != nil {
		return Breakdown{}, err
	}
	if sourceID != 0 && limits.MaxPostsPerDayPerSource > 0 {
		if b.Daily, err = l.windowWait(ctx, now, dayWindow, limits.MaxPostsPerDayPerSource, sourceID); err != nil {
			return Breakdown{}, err
		}
	}
	return b, nil
}

// windowWait returns the time until the oldest post in the trailing window
// ages out, if the window is already at its cap. A cap of 0 blocks while
// any post is inside the window.
func (l *Limiter) windowWait(ctx context.Context, now time.Time, window time.Duration, limit int, sourceID int64) (time.Duration, error) {
	since := now.Add(-window)
	n, err := l.history.CountPostedSince(ctx, since, sourceID)
	if err != nil {
		return 0, err
	}
	if n < limit {
		return 0, nil
	}
	oldest, err := l.history.OldestPostedSince(ctx, since, sourceID)
	if err != nil {
		return 0, err
	}
	if oldest == nil {
		return 0, nil
	}
	return positive(window - now.Sub(*oldest)), nil
}

func positive(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
