package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/peertube-nostr/internal/domain"
	"github.com/blackmichael/peertube-nostr/internal/sqlite"
)

type fakeFetcher struct {
	apiItems  []domain.Item
	apiErr    error
	feedItems []domain.Item
	feedErr   error
	media     map[string]*domain.EnrichedMedia

	apiCalls, feedCalls int
}

func (f *fakeFetcher) ListChannelItems(ctx context.Context, apiBase, handle string, limit int) ([]domain.Item, error) {
	f.apiCalls++
	if f.apiErr != nil {
		return nil, f.apiErr
	}
	return append([]domain.Item(nil), f.apiItems...), nil
}

func (f *fakeFetcher) ParseFeed(ctx context.Context, feedURL string) ([]domain.Item, error) {
	f.feedCalls++
	if f.feedErr != nil {
		return nil, f.feedErr
	}
	return append([]domain.Item(nil), f.feedItems...), nil
}

func (f *fakeFetcher) EnrichItem(ctx context.Context, watchURL string) (*domain.EnrichedMedia, error) {
	return f.media[watchURL], nil
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "bridge.db"),
		sqlite.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newPipeline(s *sqlite.Store, f *fakeFetcher) *Pipeline {
	return NewPipeline(s, f, nil, WithClock(func() time.Time { return testNow }))
}

func at(daysAgo int) *time.Time {
	t := testNow.Add(-time.Duration(daysAgo) * 24 * time.Hour)
	return &t
}

func feedItems() []domain.Item {
	return []domain.Item{
		{GUID: "g1", Link: "https://tube.example/w/one", Title: "One", Summary: "first", PublishedAt: at(3)},
		{GUID: "g2", Link: "https://tube.example/w/two", Title: "Two", PublishedAt: at(2)},
		{Link: "https://tube.example/w/three", Title: "Three"},
	}
}

func TestPollSourceFeedOnly(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sid, err := s.AddFeedSource(ctx, "https://tube.example/feeds/videos.xml")
	require.NoError(t, err)

	f := &fakeFetcher{feedItems: feedItems()}
	p := newPipeline(s, f)

	src, err := s.GetSource(ctx, sid)
	require.NoError(t, err)
	rep, err := p.PollSource(ctx, *src)
	require.NoError(t, err)
	assert.Equal(t, PathFeed, rep.Path)
	assert.Equal(t, 3, rep.Inserted)
	assert.Empty(t, rep.LastError)
	assert.Zero(t, f.apiCalls)

	src, err = s.GetSource(ctx, sid)
	require.NoError(t, err)
	assert.Empty(t, src.LastError)
	require.NotNil(t, src.LastPolledAt)

	pending, err := s.ListPending(ctx, 10)
	require.NoError(t, err)
	var keys []string
	for _, v := range pending {
		keys = append(keys, v.EntryKey)
	}
	assert.Equal(t, []string{"g1", "g2", "https://tube.example/w/three"}, keys)

	rep, err = p.PollSource(ctx, *src)
	require.NoError(t, err)
	assert.Zero(t, rep.Inserted, "an unchanged feed inserts nothing")
}

func TestPollSourceBackfillsPublishedAt(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sid, err := s.AddFeedSource(ctx, "https://tube.example/feeds/videos.xml")
	require.NoError(t, err)

	f := &fakeFetcher{feedItems: []domain.Item{{GUID: "g1", Link: "https://tube.example/w/one"}}}
	p := newPipeline(s, f)
	_, err = p.PollSourceByID(ctx, sid)
	require.NoError(t, err)

	f.feedItems[0].PublishedAt = at(1)
	rep, err := p.PollSourceByID(ctx, sid)
	require.NoError(t, err)
	assert.Zero(t, rep.Inserted)
	assert.Equal(t, 1, rep.Backfilled)

	pending, err := s.ListPending(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, pending[0].PublishedAt)
	assert.True(t, at(1).Equal(*pending[0].PublishedAt))
}

func TestPollSourceAPIFailureFallsBackToFeed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sid, err := s.AddChannelSource(ctx, "https://tube.example/c/news")
	require.NoError(t, err)
	require.NoError(t, s.SetSourceFeed(ctx, sid, "https://tube.example/feeds/videos.xml"))

	f := &fakeFetcher{
		apiErr:    &domain.FetchError{Op: "list channel", URL: "https://tube.example", Err: errors.New("503")},
		feedItems: feedItems(),
	}
	rep, err := newPipeline(s, f).PollSourceByID(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, PathFeed, rep.Path)
	assert.Equal(t, 3, rep.Inserted)

	src, err := s.GetSource(ctx, sid)
	require.NoError(t, err)
	assert.Empty(t, src.LastError)
	assert.Equal(t, 1, f.apiCalls)
	assert.Equal(t, 1, f.feedCalls)
}

func TestPollSourceAPISuccessSkipsFeed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sid, err := s.AddChannelSource(ctx, "https://tube.example/c/news")
	require.NoError(t, err)
	require.NoError(t, s.SetSourceFeed(ctx, sid, "https://tube.example/feeds/videos.xml"))

	f := &fakeFetcher{feedItems: feedItems()}
	rep, err := newPipeline(s, f).PollSourceByID(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, PathAPI, rep.Path)
	assert.Zero(t, rep.Inserted)
	assert.Zero(t, f.feedCalls, "an empty API page is still a success")
}

func TestPollSourceAPIOrderEnrichmentAndCutoff(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sid, err := s.AddChannelSource(ctx, "https://tube.example/c/news")
	require.NoError(t, err)

	f := &fakeFetcher{
		apiItems: []domain.Item{
			{ID: "new", Link: "https://tube.example/w/new", Title: "New", PublishedAt: at(1)},
			{ID: "mid", Title: "Mid", PublishedAt: at(5)},
			{ID: "ancient", Link: "https://tube.example/w/ancient", Title: "Ancient", PublishedAt: at(90)},
			{Title: "no id, no link"},
		},
		media: map[string]*domain.EnrichedMedia{
			"https://tube.example/w/new": {
				Base: "https://tube.example", VideoID: "new",
				DirectURL: "https://tube.example/new-720.mp4", Title: "New (API)",
				ChannelName: "News", ChannelURL: "https://tube.example/video-channels/news",
			},
		},
	}
	rep, err := newPipeline(s, f).PollSourceByID(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Inserted)
	assert.Equal(t, 1, rep.Skipped)

	pending, err := s.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	mid := pending[0]
	assert.Equal(t, "mid", mid.EntryKey)
	assert.Equal(t, "https://tube.example/w/mid", mid.WatchURL)
	assert.Equal(t, "Mid", mid.Title)
	assert.Equal(t, "https://tube.example/c/news", mid.ChannelURL, "falls back to the configured channel")
	assert.Equal(t, "mid", mid.PlatformVideoID)

	newest := pending[1]
	assert.Equal(t, "New (API)", newest.Title)
	assert.Equal(t, "https://tube.example/new-720.mp4", newest.DirectURL)
	assert.Equal(t, "https://tube.example/video-channels/news", newest.ChannelURL)
	assert.Less(t, mid.ID, newest.ID, "oldest upstream item is inserted first")
}

func TestPollSourceLookbackOnlyOnFirstPoll(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sid, err := s.AddFeedSource(ctx, "https://tube.example/feeds/videos.xml")
	require.NoError(t, err)
	days := 2
	require.NoError(t, s.SetSourceLookback(ctx, sid, &days))

	f := &fakeFetcher{feedItems: []domain.Item{
		{GUID: "old", Link: "https://tube.example/w/old", PublishedAt: at(10)},
		{GUID: "fresh", Link: "https://tube.example/w/fresh", PublishedAt: at(1)},
	}}
	p := newPipeline(s, f)

	rep, err := p.PollSourceByID(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Inserted)
	assert.Equal(t, 1, rep.Skipped)

	rep, err = p.PollSourceByID(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Inserted, "already-polled sources ignore the lookback")
}

func TestPollSourceErrorsRecorded(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	chanOnly, err := s.AddChannelSource(ctx, "https://tube.example/c/news")
	require.NoError(t, err)
	both, err := s.AddChannelSource(ctx, "https://tube.example/c/other")
	require.NoError(t, err)
	require.NoError(t, s.SetSourceFeed(ctx, both, "https://tube.example/feeds/other.xml"))

	f := &fakeFetcher{
		apiErr:  &domain.FetchError{Op: "list channel", URL: "u", Err: errors.New("timeout")},
		feedErr: &domain.FetchError{Op: "parse feed", URL: "f", Err: errors.New("bad xml")},
	}
	reports, err := newPipeline(s, f).PollAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	src, err := s.GetSource(ctx, chanOnly)
	require.NoError(t, err)
	assert.Contains(t, src.LastError, "API listing failed")
	assert.Contains(t, src.LastError, "no feed fallback configured")

	src, err = s.GetSource(ctx, both)
	require.NoError(t, err)
	assert.Contains(t, src.LastError, "API listing failed")
	assert.Contains(t, src.LastError, "feed failed")
}

func TestPollSourceNothingConfigured(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sid, err := s.AddFeedSource(ctx, "https://tube.example/feeds/videos.xml")
	require.NoError(t, err)
	require.NoError(t, s.ClearSourceFeed(ctx, sid))

	f := &fakeFetcher{}
	rep, err := newPipeline(s, f).PollSourceByID(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, PathNone, rep.Path)
	assert.Equal(t, "no API channel or feed configured", rep.LastError)
	assert.Zero(t, f.apiCalls+f.feedCalls)
}

func TestResyncAndDisabled(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sid, err := s.AddFeedSource(ctx, "https://tube.example/feeds/videos.xml")
	require.NoError(t, err)

	f := &fakeFetcher{feedItems: feedItems()}
	p := newPipeline(s, f)
	_, err = p.PollSourceByID(ctx, sid)
	require.NoError(t, err)

	cleared, rep, err := p.Resync(ctx, sid)
	require.NoError(t, err)
	assert.EqualValues(t, 3, cleared)
	assert.Zero(t, rep.Inserted, "cancelled rows still dedupe")

	require.NoError(t, s.SetSourceEnabled(ctx, sid, false))
	_, err = p.PollSourceByID(ctx, sid)
	require.ErrorIs(t, err, ErrSourceDisabled)
}

func TestFeedEntryKeyFallbackIsDeterministic(t *testing.T) {
	it := domain.Item{Title: "t", PublishedAt: at(1)}
	k1, _ := feedEntry(domain.Source{}, it)
	k2, _ := feedEntry(domain.Source{}, it)
	assert.Len(t, k1, 32)
	assert.Equal(t, k1, k2)

	it.Title = "other"
	k3, _ := feedEntry(domain.Source{}, it)
	assert.NotEqual(t, k1, k3)
}

func TestPollAllStopsWhenCancelled(t *testing.T) {
	s := newStore(t)
	_, err := s.AddFeedSource(context.Background(), "https://tube.example/feeds/videos.xml")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeFetcher{feedItems: feedItems()}
	reports, err := newPipeline(s, f).PollAll(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, reports)
	assert.Zero(t, f.feedCalls)
}
