package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blackmichael/peertube-nostr/internal/domain"
	"github.com/blackmichael/peertube-nostr/internal/urlnorm"
)

const sourceColumns = `id, enabled, created_ts, api_base, api_channel, api_channel_url,
	rss_url, lookback_days, last_polled_ts, last_error`

// AddChannelSource registers a PeerTube channel page as a source. Adding
// an already-known channel returns the existing id.
func (s *Store) AddChannelSource(ctx context.Context, channelURL string) (int64, error) {
	raw := strings.TrimSpace(channelURL)
	base, handle, err := urlnorm.ExtractChannelRef(raw)
	if err != nil {
		return 0, err
	}
	baseNorm, err := urlnorm.HTTP(base)
	if err != nil {
		return 0, err
	}
	chanNorm, err := urlnorm.HTTP(raw)
	if err != nil {
		return 0, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sources
		(enabled, created_ts, api_base, api_base_norm, api_channel, api_channel_url, api_channel_url_norm)
		VALUES (1, ?, ?, ?, ?, ?, ?)`,
		s.nowTS(), base, baseNorm, handle, raw, chanNorm,
	)
	if err != nil {
		return 0, fmt.Errorf("insert channel source: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM sources WHERE api_base_norm = ? AND api_channel = ?`, baseNorm, handle,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("look up channel source: %w", err)
	}
	return id, nil
}

// AddFeedSource registers a feed URL as a source. Adding an already-known
// feed returns the existing id.
func (s *Store) AddFeedSource(ctx context.Context, feedURL string) (int64, error) {
	raw := strings.TrimSpace(feedURL)
	norm, err := urlnorm.Feed(raw)
	if err != nil {
		return 0, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sources (enabled, created_ts, rss_url, rss_url_norm)
		VALUES (1, ?, ?, ?)`,
		s.nowTS(), raw, norm,
	)
	if err != nil {
		return 0, fmt.Errorf("insert feed source: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM sources WHERE rss_url_norm = ?`, norm).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("look up feed source: %w", err)
	}
	return id, nil
}

// GetSource returns one source or domain.ErrNotFound.
func (s *Store) GetSource(ctx context.Context, id int64) (*domain.Source, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get source %d: %w", id, err)
	}
	return src, nil
}

// ListSources returns every source ordered by id.
func (s *Store) ListSources(ctx context.Context) ([]domain.Source, error) {
	return s.querySources(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id ASC`)
}

// EnabledSources returns enabled sources ordered by id.
func (s *Store) EnabledSources(ctx context.Context) ([]domain.Source, error) {
	return s.querySources(ctx, `SELECT `+sourceColumns+` FROM sources WHERE enabled = 1 ORDER BY id ASC`)
}

func (s *Store) querySources(ctx context.Context, query string) ([]domain.Source, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var out []domain.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, *src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSource(row scanner) (*domain.Source, error) {
	var (
		src                              domain.Source
		enabled                          int
		created                          int64
		apiBase, apiChan, apiURL, rssURL sql.NullString
		lookback                         sql.NullInt64
		polled                           sql.NullInt64
		lastErr                          sql.NullString
	)
	if err := row.Scan(&src.ID, &enabled, &created, &apiBase, &apiChan, &apiURL,
		&rssURL, &lookback, &polled, &lastErr); err != nil {
		return nil, err
	}
	src.Enabled = enabled == 1
	src.CreatedAt = time.Unix(created, 0).UTC()
	src.APIBase = apiBase.String
	src.APIChannel = apiChan.String
	src.APIChannelURL = apiURL.String
	src.FeedURL = rssURL.String
	if lookback.Valid {
		d := int(lookback.Int64)
		src.LookbackDays = &d
	}
	src.LastPolledAt = timePtr(polled)
	src.LastError = lastErr.String
	return &src, nil
}

// SetSourceFeed sets or replaces the fallback feed of a source.
func (s *Store) SetSourceFeed(ctx context.Context, id int64, feedURL string) error {
	raw := strings.TrimSpace(feedURL)
	norm, err := urlnorm.Feed(raw)
	if err != nil {
		return err
	}
	return s.updateSource(ctx, id, `UPDATE sources SET rss_url = ?, rss_url_norm = ? WHERE id = ?`, raw, norm, id)
}

// ClearSourceFeed removes the fallback feed of a source.
func (s *Store) ClearSourceFeed(ctx context.Context, id int64) error {
	return s.updateSource(ctx, id, `UPDATE sources SET rss_url = NULL, rss_url_norm = NULL WHERE id = ?`, id)
}

// SetSourceChannel sets or replaces the API channel of a source.
func (s *Store) SetSourceChannel(ctx context.Context, id int64, channelURL string) error {
	raw := strings.TrimSpace(channelURL)
	base, handle, err := urlnorm.ExtractChannelRef(raw)
	if err != nil {
		return err
	}
	baseNorm, err := urlnorm.HTTP(base)
	if err != nil {
		return err
	}
	chanNorm, err := urlnorm.HTTP(raw)
	if err != nil {
		return err
	}
	return s.updateSource(ctx, id, `
		UPDATE sources
		SET api_base = ?, api_base_norm = ?, api_channel = ?, api_channel_url = ?, api_channel_url_norm = ?
		WHERE id = ?`,
		base, baseNorm, handle, raw, chanNorm, id,
	)
}

// ClearSourceChannel removes the API channel of a source.
func (s *Store) ClearSourceChannel(ctx context.Context, id int64) error {
	return s.updateSource(ctx, id, `
		UPDATE sources
		SET api_base = NULL, api_base_norm = NULL, api_channel = NULL, api_channel_url = NULL, api_channel_url_norm = NULL
		WHERE id = ?`, id)
}

// SetSourceEnabled toggles whether a source is polled.
func (s *Store) SetSourceEnabled(ctx context.Context, id int64, enabled bool) error {
	return s.updateSource(ctx, id, `UPDATE sources SET enabled = ? WHERE id = ?`, boolInt(enabled), id)
}

// SetSourceLookback sets the first-poll lookback override. nil restores
// the global default.
func (s *Store) SetSourceLookback(ctx context.Context, id int64, days *int) error {
	var v any
	if days != nil {
		v = *days
	}
	return s.updateSource(ctx, id, `UPDATE sources SET lookback_days = ? WHERE id = ?`, v, id)
}

// RemoveSource deletes a source and, by cascade, its videos.
func (s *Store) RemoveSource(ctx context.Context, id int64) error {
	return s.updateSource(ctx, id, `DELETE FROM sources WHERE id = ?`, id)
}

// MarkSourcePolled stamps the poll time and replaces the last error.
func (s *Store) MarkSourcePolled(ctx context.Context, id int64, errText string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sources SET last_polled_ts = ?, last_error = ? WHERE id = ?`,
		s.nowTS(), truncText(errText, domain.MaxSourceErrorLen), id,
	)
	if err != nil {
		return fmt.Errorf("mark source %d polled: %w", id, err)
	}
	return nil
}

func (s *Store) updateSource(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update source %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
