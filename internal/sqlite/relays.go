package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/blackmichael/peertube-nostr/internal/domain"
	"github.com/blackmichael/peertube-nostr/internal/urlnorm"
)

// SeedDefaultRelays inserts domain.DefaultRelays when the relay table is
// empty. It reports whether anything was seeded.
func (s *Store) SeedDefaultRelays(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM relays`).Scan(&n); err != nil {
		return false, fmt.Errorf("count relays: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	for _, r := range domain.DefaultRelays {
		if _, err := s.AddRelay(ctx, r, true); err != nil {
			return false, fmt.Errorf("seed relay %s: %w", r, err)
		}
	}
	return true, nil
}

// AddRelay registers a relay. Adding a known relay returns its id and
// leaves its enabled flag alone.
func (s *Store) AddRelay(ctx context.Context, relayURL string, enabled bool) (int64, error) {
	raw := strings.TrimSpace(relayURL)
	norm, err := urlnorm.Relay(raw)
	if err != nil {
		return 0, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO relays (relay_url, relay_url_norm, enabled, created_ts)
		VALUES (?, ?, ?, ?)`,
		raw, norm, boolInt(enabled), s.nowTS(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert relay: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM relays WHERE relay_url_norm = ?`, norm).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("look up relay: %w", err)
	}
	return id, nil
}

// relayWhere resolves an operator reference that is either a numeric id or
// a relay URL.
func relayWhere(idOrURL string) (string, any, error) {
	ref := strings.TrimSpace(idOrURL)
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return "id = ?", id, nil
	}
	norm, err := urlnorm.Relay(ref)
	if err != nil {
		return "", nil, err
	}
	return "relay_url_norm = ?", norm, nil
}

// RemoveRelay deletes a relay by id or URL.
func (s *Store) RemoveRelay(ctx context.Context, idOrURL string) error {
	where, arg, err := relayWhere(idOrURL)
	if err != nil {
		return err
	}
	return s.updateRelay(ctx, idOrURL, `DELETE FROM relays WHERE `+where, arg)
}

// UpdateRelayURL replaces the URL of a relay referenced by id or URL.
func (s *Store) UpdateRelayURL(ctx context.Context, idOrURL, newURL string) error {
	where, arg, err := relayWhere(idOrURL)
	if err != nil {
		return err
	}
	raw := strings.TrimSpace(newURL)
	norm, err := urlnorm.Relay(raw)
	if err != nil {
		return err
	}
	return s.updateRelay(ctx, idOrURL,
		`UPDATE relays SET relay_url = ?, relay_url_norm = ? WHERE `+where, raw, norm, arg)
}

// SetRelayEnabled toggles a relay referenced by id or URL.
func (s *Store) SetRelayEnabled(ctx context.Context, idOrURL string, enabled bool) error {
	where, arg, err := relayWhere(idOrURL)
	if err != nil {
		return err
	}
	return s.updateRelay(ctx, idOrURL, `UPDATE relays SET enabled = ? WHERE `+where, boolInt(enabled), arg)
}

func (s *Store) updateRelay(ctx context.Context, ref, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update relay %s: %w", ref, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("relay %s: %w", ref, domain.ErrNotFound)
	}
	return nil
}

// ListRelays returns every relay ordered by id.
func (s *Store) ListRelays(ctx context.Context) ([]domain.Relay, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, relay_url, enabled, created_ts, last_used_ts, last_error, latency_ms
		FROM relays ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query relays: %w", err)
	}
	defer rows.Close()

	var out []domain.Relay
	for rows.Next() {
		var (
			r         domain.Relay
			enabled   int
			created   int64
			lastUsed  sql.NullInt64
			lastErr   sql.NullString
			latencyMS sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.URL, &enabled, &created, &lastUsed, &lastErr, &latencyMS); err != nil {
			return nil, fmt.Errorf("scan relay: %w", err)
		}
		r.Enabled = enabled == 1
		r.CreatedAt = time.Unix(created, 0).UTC()
		r.LastUsedAt = timePtr(lastUsed)
		r.LastError = lastErr.String
		if latencyMS.Valid {
			ms := latencyMS.Int64
			r.LatencyMS = &ms
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relays: %w", err)
	}
	return out, nil
}

// EnabledRelayURLs returns the canonical URLs of enabled relays in id order.
func (s *Store) EnabledRelayURLs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT relay_url FROM relays WHERE enabled = 1 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query enabled relays: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan relay url: %w", err)
		}
		if norm, err := urlnorm.Relay(u); err == nil {
			u = norm
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// MarkRelayUsed stamps last_used_ts and stores or clears the error text.
func (s *Store) MarkRelayUsed(ctx context.Context, relayURL string, relayErr error) error {
	norm, _ := urlnorm.Relay(relayURL)
	_, err := s.db.ExecContext(ctx,
		`UPDATE relays SET last_used_ts = ?, last_error = ? WHERE relay_url_norm = ? OR relay_url = ?`,
		s.nowTS(), errText(relayErr, domain.MaxRelayErrorLen), norm, relayURL,
	)
	if err != nil {
		return fmt.Errorf("mark relay %s used: %w", relayURL, err)
	}
	return nil
}

// RecordRelayProbe stores a health probe outcome. A successful probe
// records latency and clears the error; a failed one keeps the last
// measured latency.
func (s *Store) RecordRelayProbe(ctx context.Context, relayURL string, latency time.Duration, probeErr error) error {
	norm, _ := urlnorm.Relay(relayURL)
	var err error
	if probeErr != nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE relays SET last_error = ? WHERE relay_url_norm = ? OR relay_url = ?`,
			errText(probeErr, domain.MaxRelayErrorLen), norm, relayURL,
		)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE relays SET latency_ms = ?, last_error = NULL WHERE relay_url_norm = ? OR relay_url = ?`,
			latency.Milliseconds(), norm, relayURL,
		)
	}
	if err != nil {
		return fmt.Errorf("record relay %s probe: %w", relayURL, err)
	}
	return nil
}
