package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/blackmichael/peertube-nostr/internal/domain"
)

// LastPostedAt returns the most recent post time, or nil if nothing has
// been posted. sourceID 0 means all sources.
func (s *Store) LastPostedAt(ctx context.Context, sourceID int64) (*time.Time, error) {
	query, args := scoped(`SELECT MAX(posted_ts) FROM videos WHERE status = 'posted'`, sourceID)
	return s.queryTime(ctx, query, args...)
}

// CountPostedSince counts posts at or after since.
func (s *Store) CountPostedSince(ctx context.Context, since time.Time, sourceID int64) (int, error) {
	query, args := scoped(`SELECT COUNT(*) FROM videos WHERE status = 'posted' AND posted_ts >= ?`, sourceID, since.Unix())
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count posts since %d: %w", since.Unix(), err)
	}
	return n, nil
}

// OldestPostedSince returns the earliest post time at or after since.
func (s *Store) OldestPostedSince(ctx context.Context, since time.Time, sourceID int64) (*time.Time, error) {
	query, args := scoped(`SELECT MIN(posted_ts) FROM videos WHERE status = 'posted' AND posted_ts >= ?`, sourceID, since.Unix())
	return s.queryTime(ctx, query, args...)
}

func scoped(query string, sourceID int64, args ...any) (string, []any) {
	if sourceID != 0 {
		query += ` AND source_id = ?`
		args = append(args, sourceID)
	}
	return query, args
}

func (s *Store) queryTime(ctx context.Context, query string, args ...any) (*time.Time, error) {
	var ts sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&ts); err != nil {
		return nil, fmt.Errorf("query post history: %w", err)
	}
	return timePtr(ts), nil
}

// Stats summarizes the store for status displays.
type Stats struct {
	Sources      int
	Relays       int
	Pending      int
	Posted       int
	Failed       int
	Cancelled    int
	LastPolledAt *time.Time
	LastPostedAt *time.Time
}

// Stats returns row counts and the latest poll and post times.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sources`).Scan(&st.Sources); err != nil {
		return st, fmt.Errorf("count sources: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM relays`).Scan(&st.Relays); err != nil {
		return st, fmt.Errorf("count relays: %w", err)
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		return st, err
	}
	st.Pending = counts[domain.StatusPending]
	st.Posted = counts[domain.StatusPosted]
	st.Failed = counts[domain.StatusFailed]
	st.Cancelled = counts[domain.StatusCancelled]

	if st.LastPolledAt, err = s.queryTime(ctx, `SELECT MAX(last_polled_ts) FROM sources`); err != nil {
		return st, err
	}
	if st.LastPostedAt, err = s.LastPostedAt(ctx, 0); err != nil {
		return st, err
	}
	return st, nil
}
