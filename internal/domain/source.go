package domain

import "time"

// Source is an ingestion target. A source may have a primary API reference
// (APIBase + APIChannel), a fallback feed URL, both, or neither; a source with
// neither never yields items.
type Source struct {
	ID        int64
	Enabled   bool
	CreatedAt time.Time

	APIBase       string
	APIChannel    string
	APIChannelURL string

	FeedURL string

	// LookbackDays overrides the global first-poll lookback window when set.
	LookbackDays *int

	LastPolledAt *time.Time
	LastError    string
}

// HasAPI reports whether the primary listing path is configured.
func (s *Source) HasAPI() bool {
	return s.APIBase != "" && s.APIChannel != ""
}

// HasFeed reports whether the fallback feed path is configured.
func (s *Source) HasFeed() bool {
	return s.FeedURL != ""
}

// Relay is a publish target.
type Relay struct {
	ID         int64
	URL        string
	Enabled    bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
	LastError  string
	LatencyMS  *int64
}

// PublishLimits are the runtime-tunable rate-limit settings.
type PublishLimits struct {
	MinInterval             time.Duration
	MaxPostsPerHour         int
	MaxPostsPerDayPerSource int
}

// DefaultRelays are seeded into an empty relay table.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
}
