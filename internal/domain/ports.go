package domain

import (
	"context"
	"time"
)

// SourceRepository defines persistence operations for ingestion sources.
type SourceRepository interface {
	// EnabledSources returns all enabled sources ordered by id.
	EnabledSources(ctx context.Context) ([]Source, error)

	// GetSource returns one source or ErrNotFound.
	GetSource(ctx context.Context, id int64) (*Source, error)

	// MarkSourcePolled stamps the poll time and replaces the last error.
	// An empty errText clears it.
	MarkSourcePolled(ctx context.Context, id int64, errText string) error

	// ClearPendingForSource cancels every pending video of the source and
	// returns how many rows changed.
	ClearPendingForSource(ctx context.Context, id int64) (int64, error)
}

// VideoRepository defines persistence operations for discovered videos.
type VideoRepository interface {
	// VideoExists reports whether (sourceID, entryKey) is already known.
	VideoExists(ctx context.Context, sourceID int64, entryKey string) (bool, error)

	// InsertPendingIfAbsent inserts v as pending unless (SourceID, EntryKey)
	// is already present. It reports whether a row was inserted.
	InsertPendingIfAbsent(ctx context.Context, v *Video) (bool, error)

	// UpdatePublishedAtIfNull backfills published_at on a known video whose
	// publish time is still unknown. It reports whether a row changed.
	UpdatePublishedAtIfNull(ctx context.Context, sourceID int64, entryKey string, publishedAt time.Time) (bool, error)

	// NextEligiblePending returns the oldest pending video of an enabled
	// source that has posted fewer than maxPerDayPerSource times in the 24h
	// before now. A cap <= 0 disables the per-source check. Returns
	// ErrNotFound when nothing is eligible.
	NextEligiblePending(ctx context.Context, now time.Time, maxPerDayPerSource int) (*Video, error)

	// MarkPosted transitions a video to posted.
	MarkPosted(ctx context.Context, videoID int64, eventID string) error

	// MarkFailed transitions a video to failed with the given reason.
	MarkFailed(ctx context.Context, videoID int64, errText string) error

	// RetryFailed moves failed videos whose last attempt is unknown or older
	// than olderThan back to pending. Returns the number requeued.
	RetryFailed(ctx context.Context, olderThan time.Duration) (int64, error)
}

// PostHistory answers rate-window questions over posted videos. A sourceID
// of 0 means all sources.
type PostHistory interface {
	LastPostedAt(ctx context.Context, sourceID int64) (*time.Time, error)
	CountPostedSince(ctx context.Context, since time.Time, sourceID int64) (int, error)
	OldestPostedSince(ctx context.Context, since time.Time, sourceID int64) (*time.Time, error)
}

// SettingsRepository exposes runtime-tunable rate limits.
type SettingsRepository interface {
	PublishLimits(ctx context.Context) (PublishLimits, error)
}

// RelayRepository defines persistence operations for publish targets.
type RelayRepository interface {
	// EnabledRelayURLs returns the canonical URLs of enabled relays.
	EnabledRelayURLs(ctx context.Context) ([]string, error)

	// MarkRelayUsed stamps last_used_at and replaces last_error with the
	// error text, or clears it when err is nil.
	MarkRelayUsed(ctx context.Context, url string, err error) error

	// RecordRelayProbe stores a health probe outcome. latency is ignored
	// when err is non-nil.
	RecordRelayProbe(ctx context.Context, url string, latency time.Duration, err error) error
}

// SourceFetcher wraps the upstream catalog API and feed parser.
type SourceFetcher interface {
	// ListChannelItems returns a newest-first page of channel uploads.
	ListChannelItems(ctx context.Context, apiBase, handle string, limit int) ([]Item, error)

	// ParseFeed returns feed entries oldest-first.
	ParseFeed(ctx context.Context, feedURL string) ([]Item, error)

	// EnrichItem resolves media and attribution for a watch URL. It returns
	// nil, nil when the URL cannot be enriched.
	EnrichItem(ctx context.Context, watchURL string) (*EnrichedMedia, error)
}

// Signer signs outgoing messages with the bridge's identity.
type Signer interface {
	Sign(ctx context.Context, msg Message) (*SignedMessage, error)

	// PublicKey returns the hex x-only public key.
	PublicKey() string
}

// RelayTransport broadcasts signed messages.
type RelayTransport interface {
	// Publish sends msg to every relay and returns the message id when at
	// least one relay accepted it. The per-relay outcome is reported
	// through the returned map regardless of the overall result.
	Publish(ctx context.Context, msg *SignedMessage, relayURLs []string) (string, map[string]error, error)

	// Probe measures connect latency to one relay.
	Probe(ctx context.Context, relayURL string) (time.Duration, error)
}

// SecretStore holds the signing credential.
type SecretStore interface {
	// Get returns the stored credential, or "" when none is set.
	Get() (string, error)
	Set(secret string) error
}
