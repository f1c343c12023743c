// Package urlnorm canonicalizes and classifies the URLs the bridge compares
// and stores: instance and feed URLs, relay endpoints, watch pages and
// channel pages.
package urlnorm

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// ErrInvalidURL is returned for input that cannot be canonicalized.
	ErrInvalidURL = errors.New("invalid url")

	// ErrNoChannelHandle is returned when a channel URL has no usable path.
	ErrNoChannelHandle = errors.New("could not extract channel handle from url")
)

// Kind selects the scheme set a URL must belong to.
type Kind int

const (
	// KindHTTP accepts http and https URLs.
	KindHTTP Kind = iota
	// KindFeed accepts http and https feed URLs.
	KindFeed
	// KindRelay accepts ws and wss relay endpoints.
	KindRelay
)

func (k Kind) String() string {
	switch k {
	case KindFeed:
		return "feed"
	case KindRelay:
		return "relay"
	default:
		return "http"
	}
}

func (k Kind) allows(scheme string) bool {
	if k == KindRelay {
		return scheme == "ws" || scheme == "wss"
	}
	return scheme == "http" || scheme == "https"
}

var defaultPorts = map[string]string{
	"http":  "80",
	"ws":    "80",
	"https": "443",
	"wss":   "443",
}

// Canonicalize returns the comparison form of raw. Scheme and host are
// lower-cased, default ports, userinfo and fragment are dropped, non-root
// trailing slashes are trimmed, and the query is kept as given. The result
// is a fixed point: canonicalizing it again yields the same string.
func Canonicalize(raw string, kind Kind) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: url is empty", ErrInvalidURL)
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidURL, s)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: missing host in %s", ErrInvalidURL, s)
	}
	if !kind.allows(scheme) {
		if kind == KindRelay {
			return "", fmt.Errorf("%w: relay url must be ws or wss", ErrInvalidURL)
		}
		return "", fmt.Errorf("%w: url must be http or https", ErrInvalidURL)
	}

	port := u.Port()
	if port == defaultPorts[scheme] {
		port = ""
	}
	hostport := host
	if strings.Contains(host, ":") {
		// Hostname unescapes an IPv6 zone; put the %25 back.
		hostport = "[" + strings.ReplaceAll(host, "%", "%25") + "]"
	}
	if port != "" {
		hostport += ":" + port
	}

	path := u.EscapedPath()
	if path != "/" && path != "" {
		path = strings.TrimRight(path, "/")
	}
	if path == "" {
		path = "/"
	}

	out := scheme + "://" + hostport + path
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out, nil
}

// HTTP canonicalizes an http(s) URL.
func HTTP(raw string) (string, error) { return Canonicalize(raw, KindHTTP) }

// Feed canonicalizes a feed URL.
func Feed(raw string) (string, error) { return Canonicalize(raw, KindFeed) }

// Relay canonicalizes a ws(s) relay URL.
func Relay(raw string) (string, error) { return Canonicalize(raw, KindRelay) }

// Base returns scheme://host[:port] of raw, or "" if it does not parse.
func Base(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// WatchKey is the stored comparison form of a watch page: scheme, host,
// path and query with the fragment removed.
func WatchKey(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}
	out := u.Scheme + "://" + u.Host + u.EscapedPath()
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}

// LooksLikeKnownFeed reports whether u has the path shape of a PeerTube
// video feed. It is only used to warn operators.
func LooksLikeKnownFeed(u string) bool {
	l := strings.ToLower(u)
	return strings.Contains(l, "/feeds/") || strings.Contains(l, "feeds/videos") || strings.Contains(l, "videos.xml")
}

var watchPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/videos/watch/([A-Za-z0-9_-]+)`),
	regexp.MustCompile(`/w/([A-Za-z0-9_-]+)`),
}

// ExtractWatchID returns the instance base and video id of a watch page.
// ok is false when the path matches no known watch shape.
func ExtractWatchID(watchURL string) (base, id string, ok bool) {
	u, err := url.Parse(strings.TrimSpace(watchURL))
	if err != nil || u.Host == "" {
		return "", "", false
	}
	for _, re := range watchPatterns {
		if m := re.FindStringSubmatch(u.Path); m != nil {
			return u.Scheme + "://" + u.Host, m[1], true
		}
	}
	return "", "", false
}

var channelPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^/c/([^/]+)$`),
	regexp.MustCompile(`^/video-channels/([^/]+)$`),
	regexp.MustCompile(`^/accounts/([^/]+)$`),
}

// ExtractChannelRef returns the instance base and channel handle of a
// channel page such as https://host/c/name or
// https://host/video-channels/name/videos. Unknown shapes fall back to the
// last path segment.
func ExtractChannelRef(channelURL string) (base, handle string, err error) {
	c, err := HTTP(channelURL)
	if err != nil {
		return "", "", err
	}
	u, err := url.Parse(c)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	base = u.Scheme + "://" + u.Host

	path := strings.TrimRight(u.Path, "/")
	path = strings.TrimSuffix(path, "/videos")
	for _, re := range channelPatterns {
		if m := re.FindStringSubmatch(path); m != nil {
			return base, m[1], nil
		}
	}

	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "", "", ErrNoChannelHandle
	}
	segs := strings.Split(trimmed, "/")
	return base, segs[len(segs)-1], nil
}

// ChannelURL builds the canonical channel page for a handle.
func ChannelURL(base, handle string) string {
	return strings.TrimRight(base, "/") + "/c/" + handle
}
