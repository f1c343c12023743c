// Package peertube is the upstream side of the bridge: it lists channel
// uploads through the PeerTube REST API, parses channel feeds, and resolves
// per-video media and attribution.
package peertube

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/blackmichael/peertube-nostr/internal/domain"
	"github.com/blackmichael/peertube-nostr/internal/urlnorm"
)

const (
	userAgent    = "peertube-nostr-publisher/0.1"
	maxPageCount = 100
)

// Client implements domain.SourceFetcher against PeerTube instances.
type Client struct {
	httpClient *http.Client
	enrich     *rate.Limiter
	logger     *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithEnrichRate throttles per-video lookups to perSecond requests with a
// burst of one. perSecond <= 0 disables throttling.
func WithEnrichRate(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.enrich = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.enrich = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// NewClient creates a PeerTube client with a 15 second timeout and an
// enrichment rate of 4 requests per second.
func NewClient(logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		enrich:     rate.NewLimiter(rate.Limit(4), 1),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// listParamVariants are tried in order; instances disagree on which sort
// keys they accept.
func listParamVariants(limit int) []url.Values {
	count := strconv.Itoa(limit)
	return []url.Values{
		{"start": {"0"}, "count": {count}, "sort": {"-publishedAt"}},
		{"start": {"0"}, "count": {count}, "sort": {"-createdAt"}},
		{"start": {"0"}, "count": {count}},
	}
}

// ListChannelItems returns a newest-first page of a channel's uploads. The
// first parameter variant that yields a {"data": [...]} body wins.
func (c *Client) ListChannelItems(ctx context.Context, apiBase, handle string, limit int) ([]domain.Item, error) {
	base, err := urlnorm.HTTP(apiBase)
	if err != nil {
		return nil, &domain.FetchError{Op: "list channel", URL: apiBase, Err: err}
	}
	endpoint := strings.TrimRight(base, "/") + "/api/v1/video-channels/" + url.PathEscape(handle) + "/videos"

	if limit <= 0 || limit > maxPageCount {
		limit = maxPageCount
	}

	var lastErr error
	for _, params := range listParamVariants(limit) {
		var page videoList
		if err := c.getJSON(ctx, endpoint, params, &page); err != nil {
			if ctx.Err() != nil {
				return nil, &domain.FetchError{Op: "list channel", URL: endpoint, Err: ctx.Err()}
			}
			lastErr = err
			continue
		}
		if page.Data == nil {
			lastErr = fmt.Errorf("response has no data array")
			continue
		}

		items := make([]domain.Item, 0, len(page.Data))
		for _, v := range page.Data {
			items = append(items, v.item())
		}
		return items, nil
	}
	return nil, &domain.FetchError{Op: "list channel", URL: endpoint, Err: lastErr}
}

// EnrichItem looks up /api/v1/videos/<id> for a watch URL. It returns nil,
// nil when the URL is not a PeerTube watch page or the instance does not
// answer with a usable video description.
func (c *Client) EnrichItem(ctx context.Context, watchURL string) (*domain.EnrichedMedia, error) {
	base, id, ok := urlnorm.ExtractWatchID(watchURL)
	if !ok {
		return nil, nil
	}
	if err := c.enrich.Wait(ctx); err != nil {
		return nil, err
	}

	var v videoDetail
	if err := c.getJSON(ctx, base+"/api/v1/videos/"+url.PathEscape(id), nil, &v); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Debug("enrichment miss", "watch_url", watchURL, "error", err)
		return nil, nil
	}
	return v.enriched(base, id), nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values, result any) error {
	body, err := c.get(ctx, endpoint, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, domain.Truncate(string(body), 200))
	}
	return body, nil
}
