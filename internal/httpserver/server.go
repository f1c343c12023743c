package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/blackmichael/peertube-nostr/internal/domain"
	"github.com/blackmichael/peertube-nostr/internal/ratelimit"
	"github.com/blackmichael/peertube-nostr/internal/runner"
	"github.com/blackmichael/peertube-nostr/internal/sqlite"
)

// Store is the persistence the HTTP surface reads and mutates.
type Store interface {
	Stats(ctx context.Context) (sqlite.Stats, error)
	ListPending(ctx context.Context, limit int) ([]domain.Video, error)

	ListSources(ctx context.Context) ([]domain.Source, error)
	AddChannelSource(ctx context.Context, channelURL string) (int64, error)
	AddFeedSource(ctx context.Context, feedURL string) (int64, error)
	SetSourceEnabled(ctx context.Context, id int64, enabled bool) error
	RemoveSource(ctx context.Context, id int64) error

	ListRelays(ctx context.Context) ([]domain.Relay, error)
	AddRelay(ctx context.Context, relayURL string, enabled bool) (int64, error)
	SetRelayEnabled(ctx context.Context, idOrURL string, enabled bool) error
	RemoveRelay(ctx context.Context, idOrURL string) error

	PublishLimits(ctx context.Context) (domain.PublishLimits, error)
	SetPublishLimits(ctx context.Context, u sqlite.LimitsUpdate) error
	RepairDB(ctx context.Context) (sqlite.RepairReport, error)
}

// StatusProvider reports the runner state.
type StatusProvider interface {
	Status() runner.Snapshot
}

// WaitEstimator breaks the next publish wait into its windows.
type WaitEstimator interface {
	Breakdown(ctx context.Context, sourceID int64, now time.Time) (ratelimit.Breakdown, error)
}

// Server is the HTTP server for status and operator endpoints.
type Server struct {
	store      Store
	status     StatusProvider
	limiter    WaitEstimator
	apiKey     string
	logger     *slog.Logger
	now        func() time.Time
	httpServer *http.Server
}

// NewServer creates the server. An empty apiKey leaves the operator
// endpoints open.
func NewServer(addr, apiKey string, store Store, status StatusProvider, limiter WaitEstimator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:   store,
		status:  status,
		limiter: limiter,
		apiKey:  apiKey,
		logger:  logger,
		now:     time.Now,
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return withLogging(s.logger, next) })

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Get("/status", s.handleStatus)
		r.Get("/queue", s.handleQueue)

		r.Get("/sources", s.handleListSources)
		r.Post("/sources", s.handleAddSource)
		r.Delete("/sources/{id}", s.handleRemoveSource)
		r.Patch("/sources/{id}/toggle", s.handleToggleSource)

		r.Get("/relays", s.handleListRelays)
		r.Post("/relays", s.handleAddRelay)
		r.Delete("/relays/{id}", s.handleRemoveRelay)
		r.Patch("/relays/{id}/toggle", s.handleToggleRelay)

		r.Get("/settings", s.handleGetSettings)
		r.Post("/settings", s.handleUpdateSettings)

		r.Post("/actions/repair-db", s.handleRepairDB)
	})
	return r
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized", "invalid API key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
