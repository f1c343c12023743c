package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/blackmichael/peertube-nostr/internal/domain"
	"github.com/blackmichael/peertube-nostr/internal/runner"
	"github.com/blackmichael/peertube-nostr/internal/sqlite"
	"github.com/blackmichael/peertube-nostr/internal/urlnorm"
)

const queueLimit = 20

type statsResponse struct {
	Sources      int        `json:"sources"`
	Relays       int        `json:"relays"`
	Pending      int        `json:"pending"`
	Posted       int        `json:"posted"`
	Failed       int        `json:"failed"`
	Cancelled    int        `json:"cancelled"`
	LastPolledAt *time.Time `json:"last_polled_at,omitempty"`
	LastPostedAt *time.Time `json:"last_posted_at,omitempty"`
}

type nextPostResponse struct {
	InSeconds       int64 `json:"in_seconds"`
	IntervalSeconds int64 `json:"interval_seconds"`
	HourlySeconds   int64 `json:"hourly_seconds"`
	DailySeconds    int64 `json:"daily_seconds"`
}

type statusResponse struct {
	Runner   runner.Snapshot  `json:"runner"`
	Stats    statsResponse    `json:"stats"`
	NextPost nextPostResponse `json:"next_post"`
}

type videoResponse struct {
	ID           int64      `json:"id"`
	SourceID     int64      `json:"source_id"`
	Title        string     `json:"title"`
	WatchURL     string     `json:"watch_url"`
	ThumbnailURL string     `json:"thumbnail_url,omitempty"`
	ChannelName  string     `json:"channel_name,omitempty"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
}

type sourceResponse struct {
	ID           int64      `json:"id"`
	Enabled      bool       `json:"enabled"`
	CreatedAt    time.Time  `json:"created_at"`
	APIBase      string     `json:"api_base,omitempty"`
	APIChannel   string     `json:"api_channel,omitempty"`
	ChannelURL   string     `json:"channel_url,omitempty"`
	FeedURL      string     `json:"feed_url,omitempty"`
	LookbackDays *int       `json:"lookback_days,omitempty"`
	LastPolledAt *time.Time `json:"last_polled_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

type relayResponse struct {
	ID         int64      `json:"id"`
	URL        string     `json:"url"`
	Enabled    bool       `json:"enabled"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	LatencyMS  *int64     `json:"latency_ms,omitempty"`
}

type urlRequest struct {
	URL string `json:"url"`
}

type settingsBody struct {
	MinInterval        *int `json:"min_interval"`
	MaxPerHour         *int `json:"max_per_hour"`
	MaxPerDayPerSource *int `json:"max_per_day_per_source"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := s.store.Stats(ctx)
	if err != nil {
		s.internalError(w, "failed to read stats", err)
		return
	}

	// The daily window depends on which source publishes next.
	var sourceID int64
	pending, err := s.store.ListPending(ctx, 1)
	if err != nil {
		s.internalError(w, "failed to read queue", err)
		return
	}
	if len(pending) > 0 {
		sourceID = pending[0].SourceID
	}
	b, err := s.limiter.Breakdown(ctx, sourceID, s.now())
	if err != nil {
		s.internalError(w, "failed to compute rate limits", err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Runner: s.status.Status(),
		Stats: statsResponse{
			Sources:      st.Sources,
			Relays:       st.Relays,
			Pending:      st.Pending,
			Posted:       st.Posted,
			Failed:       st.Failed,
			Cancelled:    st.Cancelled,
			LastPolledAt: st.LastPolledAt,
			LastPostedAt: st.LastPostedAt,
		},
		NextPost: nextPostResponse{
			InSeconds:       seconds(b.Max()),
			IntervalSeconds: seconds(b.Interval),
			HourlySeconds:   seconds(b.Hourly),
			DailySeconds:    seconds(b.Daily),
		},
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	videos, err := s.store.ListPending(r.Context(), queueLimit)
	if err != nil {
		s.internalError(w, "failed to read queue", err)
		return
	}
	out := make([]videoResponse, 0, len(videos))
	for _, v := range videos {
		out = append(out, videoResponse{
			ID:           v.ID,
			SourceID:     v.SourceID,
			Title:        v.Title,
			WatchURL:     v.WatchURL,
			ThumbnailURL: v.ThumbnailURL,
			ChannelName:  v.AuthorName(),
			PublishedAt:  v.PublishedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListSources(r.Context())
	if err != nil {
		s.internalError(w, "failed to list sources", err)
		return
	}
	out := make([]sourceResponse, 0, len(sources))
	for _, src := range sources {
		out = append(out, sourceResponse{
			ID:           src.ID,
			Enabled:      src.Enabled,
			CreatedAt:    src.CreatedAt,
			APIBase:      src.APIBase,
			APIChannel:   src.APIChannel,
			ChannelURL:   src.APIChannelURL,
			FeedURL:      src.FeedURL,
			LookbackDays: src.LookbackDays,
			LastPolledAt: src.LastPolledAt,
			LastError:    src.LastError,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAddSource registers the URL as a channel, falling back to a feed
// when it is not a usable channel URL.
func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	raw, ok := decodeURL(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	resp := map[string]any{}
	id, err := s.store.AddChannelSource(ctx, raw)
	if err == nil {
		resp["kind"] = "channel"
		if urlnorm.LooksLikeKnownFeed(raw) {
			resp["warning"] = "URL looks like a feed but was added as a channel"
		}
	} else {
		chanErr := err
		id, err = s.store.AddFeedSource(ctx, raw)
		if err != nil {
			s.logger.Warn("add source rejected", "url", raw, "channel_error", chanErr, "feed_error", err)
			writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
			return
		}
		resp["kind"] = "feed"
	}

	s.logger.Info("source added", "source_id", id, "url", raw, "kind", resp["kind"])
	resp["id"] = id
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleRemoveSource(w http.ResponseWriter, r *http.Request) {
	id, ok := sourceID(w, r)
	if !ok {
		return
	}
	if err := s.store.RemoveSource(r.Context(), id); err != nil {
		s.mutationError(w, "failed to remove source", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleToggleSource(w http.ResponseWriter, r *http.Request) {
	id, ok := sourceID(w, r)
	if !ok {
		return
	}
	enabled, ok := enabledParam(w, r)
	if !ok {
		return
	}
	if err := s.store.SetSourceEnabled(r.Context(), id, enabled); err != nil {
		s.mutationError(w, "failed to toggle source", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRelays(w http.ResponseWriter, r *http.Request) {
	relays, err := s.store.ListRelays(r.Context())
	if err != nil {
		s.internalError(w, "failed to list relays", err)
		return
	}
	out := make([]relayResponse, 0, len(relays))
	for _, rl := range relays {
		out = append(out, relayResponse{
			ID:         rl.ID,
			URL:        rl.URL,
			Enabled:    rl.Enabled,
			LastUsedAt: rl.LastUsedAt,
			LastError:  rl.LastError,
			LatencyMS:  rl.LatencyMS,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddRelay(w http.ResponseWriter, r *http.Request) {
	raw, ok := decodeURL(w, r)
	if !ok {
		return
	}
	id, err := s.store.AddRelay(r.Context(), raw, true)
	if err != nil {
		if errors.Is(err, urlnorm.ErrInvalidURL) {
			writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
			return
		}
		s.internalError(w, "failed to add relay", err)
		return
	}
	s.logger.Info("relay added", "relay_id", id, "url", raw)
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleRemoveRelay(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RemoveRelay(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.mutationError(w, "failed to remove relay", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleToggleRelay(w http.ResponseWriter, r *http.Request) {
	enabled, ok := enabledParam(w, r)
	if !ok {
		return
	}
	if err := s.store.SetRelayEnabled(r.Context(), chi.URLParam(r, "id"), enabled); err != nil {
		s.mutationError(w, "failed to toggle relay", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	limits, err := s.store.PublishLimits(r.Context())
	if err != nil {
		s.internalError(w, "failed to read settings", err)
		return
	}
	interval := int(limits.MinInterval / time.Second)
	writeJSON(w, http.StatusOK, settingsBody{
		MinInterval:        &interval,
		MaxPerHour:         &limits.MaxPostsPerHour,
		MaxPerDayPerSource: &limits.MaxPostsPerDayPerSource,
	})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var body settingsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid JSON body")
		return
	}
	for _, v := range []*int{body.MinInterval, body.MaxPerHour, body.MaxPerDayPerSource} {
		if v != nil && *v < 0 {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "limits must not be negative")
			return
		}
	}

	err := s.store.SetPublishLimits(r.Context(), sqlite.LimitsUpdate{
		MinIntervalSeconds:      body.MinInterval,
		MaxPostsPerHour:         body.MaxPerHour,
		MaxPostsPerDayPerSource: body.MaxPerDayPerSource,
	})
	if err != nil {
		s.internalError(w, "failed to update settings", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRepairDB(w http.ResponseWriter, r *http.Request) {
	rep, err := s.store.RepairDB(r.Context())
	if err != nil {
		s.internalError(w, "failed to repair database", err)
		return
	}
	s.logger.Info("database repaired",
		"relays", rep.Relays,
		"sources", rep.Sources,
		"videos", rep.Videos,
		"published_backfill", rep.PublishedBackfill,
	)
	writeJSON(w, http.StatusOK, map[string]int{
		"relays":             rep.Relays,
		"sources":            rep.Sources,
		"videos":             rep.Videos,
		"published_backfill": rep.PublishedBackfill,
	})
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, "InternalError", msg)
}

func (s *Server) mutationError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, urlnorm.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
	default:
		s.internalError(w, msg, err)
	}
}

func decodeURL(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req urlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid JSON body")
		return "", false
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "url is required")
		return "", false
	}
	return req.URL, true
}

func sourceID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func enabledParam(w http.ResponseWriter, r *http.Request) (bool, bool) {
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "enabled must be true or false")
		return false, false
	}
	return enabled, true
}

func seconds(d time.Duration) int64 {
	return int64((d + time.Second - 1) / time.Second)
}
