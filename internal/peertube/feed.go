package peertube

import (
	"bytes"
	"context"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/blackmichael/peertube-nostr/internal/domain"
)

// ParseFeed fetches and parses an RSS or Atom feed and returns its entries
// oldest-first.
func (c *Client) ParseFeed(ctx context.Context, feedURL string) ([]domain.Item, error) {
	body, err := c.get(ctx, feedURL, nil)
	if err != nil {
		return nil, &domain.FetchError{Op: "fetch feed", URL: feedURL, Err: err}
	}

	fp := gofeed.NewParser()
	feed, err := fp.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &domain.FetchError{Op: "parse feed", URL: feedURL, Err: err}
	}

	items := make([]domain.Item, 0, len(feed.Items))
	for i := len(feed.Items) - 1; i >= 0; i-- {
		items = append(items, feedItem(feed.FeedType, feed.Items[i]))
	}
	return items, nil
}

// feedItem maps a parsed entry. gofeed folds the Atom id and the RSS guid
// into GUID; the feed type decides which of the two it was.
func feedItem(feedType string, e *gofeed.Item) domain.Item {
	it := domain.Item{
		Link:    strings.TrimSpace(e.Link),
		Title:   strings.TrimSpace(e.Title),
		Summary: strings.TrimSpace(e.Description),
	}
	if feedType == "atom" {
		it.ID = strings.TrimSpace(e.GUID)
	} else {
		it.GUID = strings.TrimSpace(e.GUID)
	}

	switch {
	case e.PublishedParsed != nil:
		t := e.PublishedParsed.UTC()
		it.PublishedAt = &t
	case e.UpdatedParsed != nil:
		t := e.UpdatedParsed.UTC()
		it.PublishedAt = &t
	default:
		it.PublishedAt = ParseTimestamp(e.Published)
		if it.PublishedAt == nil {
			it.PublishedAt = ParseTimestamp(e.Updated)
		}
	}
	return it
}
