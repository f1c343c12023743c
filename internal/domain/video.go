package domain

import "time"

// VideoStatus is the publish state of a discovered video.
type VideoStatus string

const (
	StatusPending   VideoStatus = "pending"
	StatusPosted    VideoStatus = "posted"
	StatusFailed    VideoStatus = "failed"
	StatusCancelled VideoStatus = "cancelled"
)

// Terminal reports whether no further transition can leave this status.
func (s VideoStatus) Terminal() bool {
	return s == StatusPosted || s == StatusCancelled
}

// Video is one discovered upstream item. It is keyed by (SourceID, EntryKey)
// and inserted at most once.
type Video struct {
	ID       int64
	SourceID int64

	// EntryKey is the upstream item's stable identifier (API uuid/id, or
	// feed id/guid/link).
	EntryKey string

	// WatchURL is the human-facing page for the video.
	WatchURL string

	// Base and PlatformVideoID are the instance root and the API id the
	// video was enriched from, when enrichment succeeded.
	Base            string
	PlatformVideoID string

	Instance    string
	ChannelName string
	ChannelURL  string
	AccountName string
	AccountURL  string

	Title   string
	Summary string

	// DirectURL is the progressive download (MP4) chosen by the variant
	// selector. HLSURL is the adaptive playlist fallback.
	DirectURL    string
	HLSURL       string
	ThumbnailURL string

	// PublishedAt is nil when the upstream did not say; re-polls may
	// backfill it.
	PublishedAt *time.Time
	FirstSeenAt time.Time

	Status        VideoStatus
	EventID       string
	Error         string
	LastAttemptAt *time.Time
	PostedAt      *time.Time
}

// AuthorName returns the channel name, falling back to the account name.
func (v *Video) AuthorName() string {
	if v.ChannelName != "" {
		return v.ChannelName
	}
	return v.AccountName
}

// AuthorURL returns the channel URL, falling back to the account URL.
func (v *Video) AuthorURL() string {
	if v.ChannelURL != "" {
		return v.ChannelURL
	}
	return v.AccountURL
}
