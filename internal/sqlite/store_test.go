package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/peertube-nostr/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "bridge.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func pendingVideo(sourceID int64, key string, published *time.Time) *domain.Video {
	return &domain.Video{
		SourceID:    sourceID,
		EntryKey:    key,
		WatchURL:    "https://tube.example/w/" + key,
		Title:       "video " + key,
		PublishedAt: published,
	}
}

func ts(t time.Time) *time.Time { return &t }

func TestOpenSeedsSettingsAndIsReentrant(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bridge.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.SetSetting(ctx, KeyMaxPostsPerHour, "9"))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	limits, err := s.PublishLimits(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.PublishLimits{
		MinInterval:             1200 * time.Second,
		MaxPostsPerHour:         9,
		MaxPostsPerDayPerSource: 1,
	}, limits)
}

func TestOpenMigratesLegacyFeeds(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `
		CREATE TABLE feeds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			feed_url TEXT NOT NULL UNIQUE,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_ts INTEGER,
			last_polled_ts INTEGER,
			last_error TEXT
		);
		INSERT INTO feeds (feed_url, enabled, created_ts, last_polled_ts, last_error) VALUES
			('https://Tube.example/feeds/videos.xml?channelId=1', 1, 1700000000, 1700000500, 'timeout'),
			('https://other.example/feeds/videos.xml', 0, 1700000100, NULL, NULL);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(ctx, path)
	require.NoError(t, err)
	sources, err := s.ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 2)

	assert.Equal(t, "https://Tube.example/feeds/videos.xml?channelId=1", sources[0].FeedURL)
	assert.True(t, sources[0].Enabled)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), sources[0].CreatedAt.UTC())
	require.NotNil(t, sources[0].LastPolledAt)
	assert.Equal(t, int64(1700000500), sources[0].LastPolledAt.Unix())
	assert.Equal(t, "timeout", sources[0].LastError)
	assert.False(t, sources[1].Enabled)

	id, err := s.AddFeedSource(ctx, "https://tube.example/feeds/videos.xml?channelId=1")
	require.NoError(t, err)
	assert.Equal(t, sources[0].ID, id, "migrated feed keeps its canonical key")
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	sources, err = s.ListSources(ctx)
	require.NoError(t, err)
	assert.Len(t, sources, 2, "migration does not repeat once sources exist")
}

func TestAddSourcesAreIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	id1, err := s.AddChannelSource(ctx, "https://Tube.Example/c/news/videos")
	require.NoError(t, err)
	id2, err := s.AddChannelSource(ctx, "https://tube.example:443/video-channels/news")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	f1, err := s.AddFeedSource(ctx, "https://tube.example/feeds/videos.xml?videoChannelId=3")
	require.NoError(t, err)
	f2, err := s.AddFeedSource(ctx, " HTTPS://TUBE.EXAMPLE/feeds/videos.xml?videoChannelId=3 ")
	require.NoError(t, err)
	assert.Equal(t, f1, f2)
	assert.NotEqual(t, id1, f1)

	src, err := s.GetSource(ctx, id1)
	require.NoError(t, err)
	assert.True(t, src.HasAPI())
	assert.False(t, src.HasFeed())
	assert.Equal(t, "news", src.APIChannel)
	assert.Nil(t, src.LastPolledAt)

	_, err = s.GetSource(ctx, 999)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSourceEdits(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	id, err := s.AddFeedSource(ctx, "https://tube.example/feeds/videos.xml")
	require.NoError(t, err)

	require.NoError(t, s.SetSourceChannel(ctx, id, "https://tube.example/c/chan"))
	days := 7
	require.NoError(t, s.SetSourceLookback(ctx, id, &days))
	require.NoError(t, s.MarkSourcePolled(ctx, id, "boom"))

	src, err := s.GetSource(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "https://tube.example", src.APIBase)
	assert.Equal(t, "chan", src.APIChannel)
	require.NotNil(t, src.LookbackDays)
	assert.Equal(t, 7, *src.LookbackDays)
	assert.Equal(t, "boom", src.LastError)
	assert.Equal(t, clock.Now(), *src.LastPolledAt)

	require.NoError(t, s.ClearSourceFeed(ctx, id))
	require.NoError(t, s.MarkSourcePolled(ctx, id, ""))
	require.NoError(t, s.SetSourceEnabled(ctx, id, false))

	src, err = s.GetSource(ctx, id)
	require.NoError(t, err)
	assert.False(t, src.HasFeed())
	assert.Empty(t, src.LastError)
	assert.False(t, src.Enabled)

	enabled, err := s.EnabledSources(ctx)
	require.NoError(t, err)
	assert.Empty(t, enabled)

	require.ErrorIs(t, s.SetSourceEnabled(ctx, 42, true), domain.ErrNotFound)
}

func TestInsertPendingIfAbsentDeduplicates(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	sid, err := s.AddFeedSource(ctx, "https://tube.example/feeds/videos.xml")
	require.NoError(t, err)

	inserted, err := s.InsertPendingIfAbsent(ctx, pendingVideo(sid, "a", nil))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertPendingIfAbsent(ctx, pendingVideo(sid, "a", nil))
	require.NoError(t, err)
	assert.False(t, inserted)

	exists, err := s.VideoExists(ctx, sid, "a")
	require.NoError(t, err)
	assert.True(t, exists)

	pub := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	changed, err := s.UpdatePublishedAtIfNull(ctx, sid, "a", pub)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.UpdatePublishedAtIfNull(ctx, sid, "a", pub.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.StatusPending])
}

func TestNextEligiblePendingOrdering(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	sid, err := s.AddFeedSource(ctx, "https://tube.example/feeds/videos.xml")
	require.NoError(t, err)

	older := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(48 * time.Hour)

	_, err = s.InsertPendingIfAbsent(ctx, pendingVideo(sid, "unknown", nil))
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = s.InsertPendingIfAbsent(ctx, pendingVideo(sid, "newer", ts(newer)))
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = s.InsertPendingIfAbsent(ctx, pendingVideo(sid, "older", ts(older)))
	require.NoError(t, err)

	pending, err := s.ListPending(ctx, 10)
	require.NoError(t, err)
	var keys []string
	for _, v := range pending {
		keys = append(keys, v.EntryKey)
	}
	assert.Equal(t, []string{"older", "newer", "unknown"}, keys)

	v, err := s.NextEligiblePending(ctx, clock.Now(), 1)
	require.NoError(t, err)
	assert.Equal(t, "older", v.EntryKey)
}

func TestNextEligiblePendingSkipsCappedSource(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	capped, err := s.AddFeedSource(ctx, "https://a.example/feeds/videos.xml")
	require.NoError(t, err)
	open, err := s.AddFeedSource(ctx, "https://b.example/feeds/videos.xml")
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = s.InsertPendingIfAbsent(ctx, pendingVideo(capped, "posted", ts(base)))
	require.NoError(t, err)
	_, err = s.InsertPendingIfAbsent(ctx, pendingVideo(capped, "oldest", ts(base.Add(time.Hour))))
	require.NoError(t, err)
	_, err = s.InsertPendingIfAbsent(ctx, pendingVideo(open, "other", ts(base.Add(2*time.Hour))))
	require.NoError(t, err)

	first, err := s.NextEligiblePending(ctx, clock.Now(), 1)
	require.NoError(t, err)
	require.Equal(t, "posted", first.EntryKey)
	require.NoError(t, s.MarkPosted(ctx, first.ID, "ev1"))

	next, err := s.NextEligiblePending(ctx, clock.Now(), 1)
	require.NoError(t, err)
	assert.Equal(t, "other", next.EntryKey, "capped source must be skipped, not block the queue")

	uncapped, err := s.NextEligiblePending(ctx, clock.Now(), 0)
	require.NoError(t, err)
	assert.Equal(t, "oldest", uncapped.EntryKey)

	clock.Advance(25 * time.Hour)
	next, err = s.NextEligiblePending(ctx, clock.Now(), 1)
	require.NoError(t, err)
	assert.Equal(t, "oldest", next.EntryKey)

	require.NoError(t, s.SetSourceEnabled(ctx, capped, false))
	next, err = s.NextEligiblePending(ctx, clock.Now(), 1)
	require.NoError(t, err)
	assert.Equal(t, "other", next.EntryKey)
}

func TestNextEligiblePendingEmpty(t *testing.T) {
	s, clock := newTestStore(t)
	_, err := s.NextEligiblePending(context.Background(), clock.Now(), 1)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarkPostedAndFailed(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	sid, err := s.AddFeedSource(ctx, "https://tube.example/feeds/videos.xml")
	require.NoError(t, err)
	_, err = s.InsertPendingIfAbsent(ctx, pendingVideo(sid, "a", nil))
	require.NoError(t, err)
	_, err = s.InsertPendingIfAbsent(ctx, pendingVideo(sid, "b", nil))
	require.NoError(t, err)

	pending, err := s.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, s.MarkPosted(ctx, pending[0].ID, "event-id"))
	long := make([]byte, 3000)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, s.MarkFailed(ctx, pending[1].ID, string(long)))

	posted, err := s.GetVideo(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPosted, posted.Status)
	assert.Equal(t, "event-id", posted.EventID)
	assert.Equal(t, clock.Now(), *posted.PostedAt)

	failed, err := s.GetVideo(ctx, pending[1].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Len(t, failed.Error, domain.MaxVideoErrorLen)

	last, err := s.LastPostedAt(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), *last)

	n, err := s.CountPostedSince(ctx, clock.Now().Add(-time.Hour), sid)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CountPostedSince(ctx, clock.Now().Add(-time.Hour), sid+1)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetryFailed(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	sid, err := s.AddFeedSource(ctx, "https://tube.example/feeds/videos.xml")
	require.NoError(t, err)
	_, err = s.InsertPendingIfAbsent(ctx, pendingVideo(sid, "old", nil))
	require.NoError(t, err)
	_, err = s.InsertPendingIfAbsent(ctx, pendingVideo(sid, "recent", nil))
	require.NoError(t, err)
	pending, err := s.ListPending(ctx, 10)
	require.NoError(t, err)

	require.NoError(t, s.MarkFailed(ctx, pending[0].ID, "relay down"))
	clock.Advance(7200*time.Second - 60*time.Second)
	require.NoError(t, s.MarkFailed(ctx, pending[1].ID, "relay down"))
	clock.Advance(60 * time.Second)

	n, err := s.RetryFailed(ctx, 3600*time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	old, err := s.GetVideo(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, old.Status)

	recent, err := s.GetVideo(ctx, pending[1].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, recent.Status)

	clock.Advance(time.Hour)
	n, err = s.RetryFailedForSource(ctx, sid+1, 3600*time.Second)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.RetryFailedForSource(ctx, sid, 3600*time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestClearPendingForSource(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	sid, err := s.AddFeedSource(ctx, "https://tube.example/feeds/videos.xml")
	require.NoError(t, err)
	other, err := s.AddFeedSource(ctx, "https://other.example/feeds/videos.xml")
	require.NoError(t, err)

	for _, k := range []string{"p1", "p2", "posted", "failed"} {
		_, err = s.InsertPendingIfAbsent(ctx, pendingVideo(sid, k, nil))
		require.NoError(t, err)
	}
	_, err = s.InsertPendingIfAbsent(ctx, pendingVideo(other, "keep", nil))
	require.NoError(t, err)

	byKey := map[string]int64{}
	pending, err := s.ListPending(ctx, 10)
	require.NoError(t, err)
	for _, v := range pending {
		byKey[v.EntryKey] = v.ID
	}
	require.NoError(t, s.MarkPosted(ctx, byKey["posted"], "ev"))
	require.NoError(t, s.MarkFailed(ctx, byKey["failed"], "x"))

	n, err := s.ClearPendingForSource(ctx, sid)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	want := map[string]domain.VideoStatus{
		"p1":     domain.StatusCancelled,
		"p2":     domain.StatusCancelled,
		"posted": domain.StatusPosted,
		"failed": domain.StatusFailed,
		"keep":   domain.StatusPending,
	}
	for k, st := range want {
		v, err := s.GetVideo(ctx, byKey[k])
		require.NoError(t, err)
		assert.Equal(t, st, v.Status, k)
	}
}

func TestRemoveSourceCascades(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	sid, err := s.AddFeedSource(ctx, "https://tube.example/feeds/videos.xml")
	require.NoError(t, err)
	_, err = s.InsertPendingIfAbsent(ctx, pendingVideo(sid, "a", nil))
	require.NoError(t, err)

	require.NoError(t, s.RemoveSource(ctx, sid))
	exists, err := s.VideoExists(ctx, sid, "a")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSetPublishLimitsPartial(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	perHour := 10
	require.NoError(t, s.SetPublishLimits(ctx, LimitsUpdate{MaxPostsPerHour: &perHour}))

	limits, err := s.PublishLimits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, limits.MaxPostsPerHour)
	assert.Equal(t, 1200*time.Second, limits.MinInterval)

	neg := -1
	require.Error(t, s.SetPublishLimits(ctx, LimitsUpdate{MinIntervalSeconds: &neg}))
}

func TestStatsAndRepair(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	sid, err := s.AddFeedSource(ctx, "https://tube.example/feeds/videos.xml")
	require.NoError(t, err)
	_, err = s.InsertPendingIfAbsent(ctx, pendingVideo(sid, "a", nil))
	require.NoError(t, err)
	_, err = s.SeedDefaultRelays(ctx)
	require.NoError(t, err)

	rep, err := s.RepairDB(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Relays)
	assert.Equal(t, 1, rep.Sources)
	assert.Equal(t, 1, rep.Videos)
	assert.Equal(t, 1, rep.PublishedBackfill)

	v, err := s.NextEligiblePending(ctx, clock.Now(), 1)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), *v.PublishedAt)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Sources)
	assert.Equal(t, 2, st.Relays)
	assert.Equal(t, 1, st.Pending)
	assert.Nil(t, st.LastPostedAt)
}
