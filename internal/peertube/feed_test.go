package peertube

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/peertube-nostr/internal/domain"
)

const rssFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>News Channel</title>
    <link>https://tube.example/c/news</link>
    <item>
      <title>Second</title>
      <link>https://tube.example/w/second</link>
      <guid>https://tube.example/w/second</guid>
      <description>second summary</description>
      <pubDate>Tue, 02 Apr 2024 10:00:00 GMT</pubDate>
    </item>
    <item>
      <title>First</title>
      <link>https://tube.example/w/first</link>
      <pubDate>Mon, 01 Apr 2024 10:00:00 GMT</pubDate>
    </item>
  </channel>
</rss>`

const atomFeed = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>News</title>
  <id>urn:feed</id>
  <updated>2024-04-02T10:00:00Z</updated>
  <entry>
    <title>Only</title>
    <id>urn:uuid:only</id>
    <link href="https://tube.example/w/only"/>
    <updated>2024-04-02T10:00:00Z</updated>
    <summary>atom summary</summary>
  </entry>
</feed>`

func TestParseFeedRSSOldestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(rssFeed))
	}))
	defer srv.Close()

	items, err := NewClient(nil).ParseFeed(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "First", items[0].Title)
	assert.Empty(t, items[0].GUID)
	assert.Equal(t, "https://tube.example/w/first", items[0].Link)

	assert.Equal(t, "Second", items[1].Title)
	assert.Equal(t, "https://tube.example/w/second", items[1].GUID)
	assert.Empty(t, items[1].ID)
	assert.Equal(t, "second summary", items[1].Summary)
	require.NotNil(t, items[1].PublishedAt)
	assert.Equal(t, 2, items[1].PublishedAt.Day())
}

func TestParseFeedAtom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(atomFeed))
	}))
	defer srv.Close()

	items, err := NewClient(nil).ParseFeed(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "urn:uuid:only", items[0].ID)
	assert.Equal(t, "atom summary", items[0].Summary)
	require.NotNil(t, items[0].PublishedAt)
}

func TestParseFeedErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("this is not a feed"))
	}))
	defer srv.Close()

	var fe *domain.FetchError
	_, err := NewClient(nil).ParseFeed(context.Background(), srv.URL+"/gone")
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "fetch feed", fe.Op)

	_, err = NewClient(nil).ParseFeed(context.Background(), srv.URL+"/junk")
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "parse feed", fe.Op)
}
