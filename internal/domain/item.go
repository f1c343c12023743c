package domain

import "time"

// Item is one upstream listing entry, before enrichment.
type Item struct {
	// ID is the API uuid/id or the feed entry id.
	ID string
	// GUID is the feed entry guid, empty for API items.
	GUID string
	// Link is the watch page URL.
	Link        string
	Title       string
	Summary     string
	PublishedAt *time.Time
}

// EnrichedMedia is the per-video detail resolved from the upstream API.
type EnrichedMedia struct {
	Base    string
	VideoID string

	DirectURL string
	HLSURL    string

	Instance    string
	ChannelName string
	ChannelURL  string
	AccountName string
	AccountURL  string

	Title        string
	Description  string
	ThumbnailURL string
}

// Message is the unsigned text note handed to a Signer.
type Message struct {
	Kind      int
	Content   string
	Tags      [][]string
	CreatedAt time.Time
}

// SignedMessage is a signed event ready for relay broadcast. Field names
// follow the NIP-01 wire form.
type SignedMessage struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}
