package peertube

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/blackmichael/peertube-nostr/internal/domain"
)

type videoList struct {
	Total int          `json:"total"`
	Data  []videoEntry `json:"data"`
}

// videoEntry is the subset of a listing entry the bridge reads.
type videoEntry struct {
	ID          json.RawMessage `json:"id"`
	UUID        string          `json:"uuid"`
	ShortUUID   string          `json:"shortUUID"`
	URL         string          `json:"url"`
	Name        string          `json:"name"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	PublishedAt string          `json:"publishedAt"`
	CreatedAt   string          `json:"createdAt"`
}

func (v videoEntry) item() domain.Item {
	id := v.UUID
	if id == "" {
		id = v.ShortUUID
	}
	if id == "" {
		id = rawID(v.ID)
	}

	link := ""
	if strings.HasPrefix(v.URL, "http") {
		link = v.URL
	}

	title := strings.TrimSpace(v.Name)
	if title == "" {
		title = strings.TrimSpace(v.Title)
	}

	ts := ParseTimestamp(v.PublishedAt)
	if ts == nil {
		ts = ParseTimestamp(v.CreatedAt)
	}

	return domain.Item{
		ID:          id,
		Link:        link,
		Title:       title,
		Summary:     strings.TrimSpace(v.Description),
		PublishedAt: ts,
	}
}

// rawID renders a JSON id that may be a number or a string.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

type videoDetail struct {
	Name               string         `json:"name"`
	Description        string         `json:"description"`
	ThumbnailPath      string         `json:"thumbnailPath"`
	PreviewPath        string         `json:"previewPath"`
	Files              []videoFile    `json:"files"`
	StreamingPlaylists []streamingSet `json:"streamingPlaylists"`
	Channel            actor          `json:"channel"`
	Account            actor          `json:"account"`
}

type videoFile struct {
	FileURL    string     `json:"fileUrl"`
	URL        string     `json:"url"`
	MimeType   string     `json:"mimeType"`
	Size       int64      `json:"size"`
	Width      int        `json:"width"`
	Height     int        `json:"height"`
	Resolution resolution `json:"resolution"`
}

type resolution struct {
	ID     int `json:"id"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type streamingSet struct {
	PlaylistURL string      `json:"playlistUrl"`
	HLSURL      string      `json:"hlsUrl"`
	URL         string      `json:"url"`
	Files       []videoFile `json:"files"`
}

type actor struct {
	Name              string `json:"name"`
	DisplayName       string `json:"displayName"`
	PreferredUsername string `json:"preferredUsername"`
	URL               string `json:"url"`
	Href              string `json:"href"`
}

func (f videoFile) candidate() Candidate {
	u := f.FileURL
	if u == "" {
		u = f.URL
	}
	h := f.Resolution.Height
	if h == 0 {
		h = f.Height
	}
	if h == 0 {
		// PeerTube reports the vertical resolution as the resolution id.
		h = f.Resolution.ID
	}
	w := f.Resolution.Width
	if w == 0 {
		w = f.Width
	}
	return Candidate{URL: u, MimeType: f.MimeType, Width: w, Height: h, Size: f.Size}
}

func (v videoDetail) enriched(base, id string) *domain.EnrichedMedia {
	var direct []Candidate
	for _, f := range v.Files {
		direct = append(direct, f.candidate())
	}
	playlists := make([]Playlist, 0, len(v.StreamingPlaylists))
	for _, sp := range v.StreamingPlaylists {
		pl := Playlist{URLs: []string{sp.PlaylistURL, sp.HLSURL, sp.URL}}
		for _, f := range sp.Files {
			c := f.candidate()
			pl.Files = append(pl.Files, c)
			direct = append(direct, c)
		}
		playlists = append(playlists, pl)
	}

	m := &domain.EnrichedMedia{
		Base:         base,
		VideoID:      id,
		DirectURL:    SelectDirect(direct),
		HLSURL:       SelectHLS(playlists),
		Instance:     base,
		Title:        strings.TrimSpace(v.Name),
		Description:  strings.TrimSpace(v.Description),
		ThumbnailURL: absolute(base, firstNonEmpty(v.ThumbnailPath, v.PreviewPath)),
	}
	m.ChannelName, m.ChannelURL = v.Channel.attribution(base, "/c/")
	m.AccountName, m.AccountURL = v.Account.attribution(base, "/a/")
	return m
}

func (a actor) attribution(base, prefix string) (name, link string) {
	name = firstNonEmpty(a.DisplayName, a.Name, a.PreferredUsername)
	link = firstNonEmpty(a.URL, a.Href)
	if link == "" && a.Name != "" {
		link = base + prefix + a.Name
	}
	return name, link
}

func absolute(base, path string) string {
	switch {
	case path == "":
		return ""
	case strings.HasPrefix(path, "http://"), strings.HasPrefix(path, "https://"):
		return path
	default:
		return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// ParseTimestamp accepts RFC 3339 / ISO 8601 (with or without zone, zone
// assumed UTC) and RFC 1123 style dates. It returns nil for anything else.
func ParseTimestamp(raw string) *time.Time {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02",
		time.RFC1123Z,
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 MST",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
