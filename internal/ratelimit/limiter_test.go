package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/peertube-nostr/internal/domain"
	"github.com/blackmichael/peertube-nostr/internal/sqlite"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func setup(t *testing.T) (*sqlite.Store, *clock, *Limiter) {
	t.Helper()
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "bridge.db"), sqlite.WithClock(c.now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, c, New(s, s)
}

func post(t *testing.T, s *sqlite.Store, sourceID int64, key string) {
	t.Helper()
	ctx := context.Background()
	_, err := s.InsertPendingIfAbsent(ctx, &domain.Video{SourceID: sourceID, EntryKey: key, WatchURL: "https://t.example/w/" + key})
	require.NoError(t, err)
	pending, err := s.ListPending(ctx, 100)
	require.NoError(t, err)
	for _, v := range pending {
		if v.EntryKey == key {
			require.NoError(t, s.MarkPosted(ctx, v.ID, "ev-"+key))
			return
		}
	}
	t.Fatalf("video %s not pending", key)
}

func ptr(n int) *int { return &n }

func TestNextWaitZeroOnFreshStore(t *testing.T) {
	_, c, l := setup(t)
	wait, err := l.NextWait(context.Background(), 1, c.now())
	require.NoError(t, err)
	assert.Zero(t, wait)
}

func TestIntervalWait(t *testing.T) {
	ctx := context.Background()
	s, c, l := setup(t)
	sid, err := s.AddFeedSource(ctx, "https://t.example/feeds/videos.xml")
	require.NoError(t, err)

	post(t, s, sid, "a")
	wait, err := l.NextWait(ctx, 0, c.now())
	require.NoError(t, err)
	assert.Equal(t, 1200*time.Second, wait)

	c.t = c.t.Add(1000 * time.Second)
	b, err := l.Breakdown(ctx, 0, c.now())
	require.NoError(t, err)
	assert.Equal(t, 200*time.Second, b.Interval)

	c.t = c.t.Add(300 * time.Second)
	wait, err = l.NextWait(ctx, 0, c.now())
	require.NoError(t, err)
	assert.Zero(t, wait)
}

func TestHourlyWait(t *testing.T) {
	ctx := context.Background()
	s, c, l := setup(t)
	require.NoError(t, s.SetPublishLimits(ctx, sqlite.LimitsUpdate{
		MinIntervalSeconds: ptr(0), MaxPostsPerHour: ptr(2), MaxPostsPerDayPerSource: ptr(0),
	}))
	sid, err := s.AddFeedSource(ctx, "https://t.example/feeds/videos.xml")
	require.NoError(t, err)

	post(t, s, sid, "a")
	c.t = c.t.Add(10 * time.Minute)
	wait, err := l.NextWait(ctx, sid, c.now())
	require.NoError(t, err)
	assert.Zero(t, wait, "one post is below the hourly cap")

	post(t, s, sid, "b")
	c.t = c.t.Add(10 * time.Minute)
	b, err := l.Breakdown(ctx, sid, c.now())
	require.NoError(t, err)
	assert.Equal(t, Breakdown{Hourly: 40 * time.Minute}, b)
}

func TestHourlyCapZeroBlocksWhilePostsInWindow(t *testing.T) {
	ctx := context.Background()
	s, c, l := setup(t)
	require.NoError(t, s.SetPublishLimits(ctx, sqlite.LimitsUpdate{
		MinIntervalSeconds: ptr(0), MaxPostsPerHour: ptr(0), MaxPostsPerDayPerSource: ptr(0),
	}))
	sid, err := s.AddFeedSource(ctx, "https://t.example/feeds/videos.xml")
	require.NoError(t, err)

	wait, err := l.NextWait(ctx, sid, c.now())
	require.NoError(t, err)
	assert.Zero(t, wait, "an empty window never blocks")

	post(t, s, sid, "a")
	c.t = c.t.Add(15 * time.Minute)
	b, err := l.Breakdown(ctx, sid, c.now())
	require.NoError(t, err)
	assert.Equal(t, Breakdown{Hourly: 45 * time.Minute}, b, "daily cap 0 stays disabled")

	c.t = c.t.Add(45 * time.Minute)
	wait, err = l.NextWait(ctx, sid, c.now())
	require.NoError(t, err)
	assert.Zero(t, wait)
}

func TestDailyWaitIsPerSource(t *testing.T) {
	ctx := context.Background()
	s, c, l := setup(t)
	require.NoError(t, s.SetPublishLimits(ctx, sqlite.LimitsUpdate{MinIntervalSeconds: ptr(0)}))
	a, err := s.AddFeedSource(ctx, "https://a.example/feeds/videos.xml")
	require.NoError(t, err)
	other, err := s.AddFeedSource(ctx, "https://b.example/feeds/videos.xml")
	require.NoError(t, err)

	post(t, s, a, "a1")
	c.t = c.t.Add(2 * time.Hour)

	wait, err := l.NextWait(ctx, a, c.now())
	require.NoError(t, err)
	assert.Equal(t, 22*time.Hour, wait)

	wait, err = l.NextWait(ctx, other, c.now())
	require.NoError(t, err)
	assert.Zero(t, wait)
}

func TestBreakdownMax(t *testing.T) {
	b := Breakdown{Interval: time.Minute, Hourly: 3 * time.Minute, Daily: 2 * time.Minute}
	assert.Equal(t, 3*time.Minute, b.Max())
	assert.Zero(t, Breakdown{}.Max())
}
