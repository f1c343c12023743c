package peertube

import (
	"sort"
	"strings"
)

// HeightCeiling is the preferred maximum height for the direct download.
const HeightCeiling = 720

const (
	playlistExt      = ".m3u8"
	fragmentedSuffix = "-fragmented.mp4"
)

// Candidate is one media file of a video.
type Candidate struct {
	URL      string
	MimeType string
	Width    int
	Height   int
	Size     int64
}

// Playlist is one adaptive-streaming set: its own URLs in preference order
// and its segment files.
type Playlist struct {
	URLs  []string
	Files []Candidate
}

func isHTTP(u string) bool {
	return strings.HasPrefix(u, "http")
}

// SelectHLS returns the first usable playlist URL. A playlist's own URL
// wins over its files; a fragmented MP4 file maps to its sibling playlist.
func SelectHLS(playlists []Playlist) string {
	for _, pl := range playlists {
		for _, u := range pl.URLs {
			if isHTTP(u) && strings.HasSuffix(u, playlistExt) {
				return u
			}
		}
		for _, f := range pl.Files {
			if !isHTTP(f.URL) {
				continue
			}
			if strings.HasSuffix(f.URL, playlistExt) {
				return f.URL
			}
			if strings.HasSuffix(f.URL, fragmentedSuffix) {
				return strings.TrimSuffix(f.URL, fragmentedSuffix) + playlistExt
			}
		}
	}
	return ""
}

func isDirect(c Candidate) bool {
	if !isHTTP(c.URL) {
		return false
	}
	return strings.Contains(strings.ToLower(c.MimeType), "mp4") ||
		strings.HasSuffix(strings.ToLower(c.URL), ".mp4")
}

// SelectDirect picks the progressive MP4 download. Among files with a known
// height it takes the highest at or below HeightCeiling, otherwise the
// lowest above it. With no known heights it takes the largest file. Ties
// are broken by pixel count, then size, then URL, so the choice never
// depends on input order.
func SelectDirect(cands []Candidate) string {
	var withHeight, without []Candidate
	for _, c := range cands {
		if !isDirect(c) {
			continue
		}
		if c.Height > 0 {
			withHeight = append(withHeight, c)
		} else {
			without = append(without, c)
		}
	}

	if len(withHeight) > 0 {
		var under, over []Candidate
		for _, c := range withHeight {
			if c.Height <= HeightCeiling {
				under = append(under, c)
			} else {
				over = append(over, c)
			}
		}
		if len(under) > 0 {
			sort.SliceStable(under, func(i, j int) bool { return better(under[i], under[j]) })
			return under[0].URL
		}
		sort.SliceStable(over, func(i, j int) bool { return smaller(over[i], over[j]) })
		return over[0].URL
	}

	if len(without) == 0 {
		return ""
	}
	sort.SliceStable(without, func(i, j int) bool { return better(without[i], without[j]) })
	return without[0].URL
}

// better orders a before b when a has the larger (height, pixels, size),
// with equal scores falling back to ascending URL.
func better(a, b Candidate) bool {
	if a.Height != b.Height {
		return a.Height > b.Height
	}
	if pa, pb := a.Width*a.Height, b.Width*b.Height; pa != pb {
		return pa > pb
	}
	if a.Size != b.Size {
		return a.Size > b.Size
	}
	return a.URL < b.URL
}

// smaller orders a before b when a has the smaller (height, pixels, size),
// with equal scores falling back to ascending URL.
func smaller(a, b Candidate) bool {
	if a.Height != b.Height {
		return a.Height < b.Height
	}
	if pa, pb := a.Width*a.Height, b.Width*b.Height; pa != pb {
		return pa < pb
	}
	if a.Size != b.Size {
		return a.Size < b.Size
	}
	return a.URL < b.URL
}
