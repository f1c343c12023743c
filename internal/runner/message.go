package runner

import (
	"strings"

	"github.com/blackmichael/peertube-nostr/internal/domain"
)

const (
	platformTag  = "peertube"
	mimeMP4      = "video/mp4"
	mimeHLS      = "application/x-mpegURL"
	unknownActor = "unknown"
)

// BuildContent renders the note body for v. Line order is fixed: title,
// attribution, a blank line, media URLs, the watch URL and the summary.
func BuildContent(v *domain.Video) string {
	title := strings.TrimSpace(v.Title)
	summary := strings.TrimSpace(v.Summary)
	watch := strings.TrimSpace(v.WatchURL)
	direct := strings.TrimSpace(v.DirectURL)
	hls := strings.TrimSpace(v.HLSURL)
	author := strings.TrimSpace(v.AuthorName())
	authorURL := strings.TrimSpace(v.AuthorURL())

	var lines []string
	if title != "" {
		lines = append(lines, title)
	}
	if author != "" {
		lines = append(lines, "By: "+author)
	}
	if authorURL != "" {
		lines = append(lines, "Channel: "+authorURL)
	}
	lines = append(lines, "")
	if direct != "" {
		lines = append(lines, direct)
	}
	if hls != "" && hls != direct {
		lines = append(lines, hls)
	}
	if watch != "" {
		lines = append(lines, watch)
	}
	if summary != "" {
		lines = append(lines, "", summary)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// BuildTags returns the tag set for v. Downstream clients key on this exact
// shape.
func BuildTags(v *domain.Video) [][]string {
	tags := [][]string{{"t", "video"}, {"t", platformTag}}

	switch {
	case v.DirectURL != "":
		tags = append(tags, []string{"url", v.DirectURL}, []string{"m", mimeMP4})
	case v.HLSURL != "":
		tags = append(tags, []string{"url", v.HLSURL}, []string{"m", mimeHLS})
	}

	if v.WatchURL != "" {
		tags = append(tags, []string{"r", v.WatchURL})
	}
	if v.ChannelURL != "" {
		tags = append(tags, []string{"r", v.ChannelURL})
	}

	if title := strings.TrimSpace(v.Title); title != "" {
		author := strings.TrimSpace(v.AuthorName())
		if author == "" {
			author = unknownActor
		}
		tags = append(tags, []string{"alt", "PeerTube video: " + title + " by " + author})
	}

	if v.Instance != "" {
		tags = append(tags, []string{platformTag + ":instance", v.Instance})
	}
	if v.ChannelName != "" {
		tags = append(tags, []string{platformTag + ":author", v.ChannelName})
	}
	if v.ChannelURL != "" {
		tags = append(tags, []string{platformTag + ":channel", v.ChannelURL})
	}
	return tags
}
