package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blackmichael/peertube-nostr/internal/domain"
	"github.com/blackmichael/peertube-nostr/internal/urlnorm"
)

const videoColumns = `v.id, v.source_id, v.entry_key, v.watch_url, v.peertube_base, v.peertube_video_id,
	v.peertube_instance, v.channel_name, v.channel_url, v.account_name, v.account_url,
	v.title, v.summary, v.hls_url, v.direct_url, v.thumbnail_url, v.published_ts,
	v.status, v.nostr_event_id, v.error, v.first_seen_ts, v.last_attempt_ts, v.posted_ts`

// pendingOrder prefers items with a known publish time, oldest first.
const pendingOrder = `ORDER BY (v.published_ts IS NULL) ASC, v.published_ts ASC, v.first_seen_ts ASC, v.id ASC`

// VideoExists reports whether (sourceID, entryKey) is already stored.
func (s *Store) VideoExists(ctx context.Context, sourceID int64, entryKey string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM videos WHERE source_id = ? AND entry_key = ? LIMIT 1`, sourceID, entryKey,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check video exists: %w", err)
	}
	return true, nil
}

// InsertPendingIfAbsent inserts v as pending unless its (SourceID,
// EntryKey) is already present. It reports whether a row was inserted.
func (s *Store) InsertPendingIfAbsent(ctx context.Context, v *domain.Video) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO videos
		(source_id, entry_key, watch_url, watch_url_norm,
		 peertube_base, peertube_video_id,
		 peertube_instance, channel_name, channel_url, account_name, account_url,
		 title, summary, hls_url, direct_url, thumbnail_url,
		 published_ts, status, first_seen_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)`,
		v.SourceID, v.EntryKey, v.WatchURL, urlnorm.WatchKey(v.WatchURL),
		nullStr(v.Base), nullStr(v.PlatformVideoID),
		nullStr(v.Instance), nullStr(v.ChannelName), nullStr(v.ChannelURL), nullStr(v.AccountName), nullStr(v.AccountURL),
		nullStr(v.Title), nullStr(v.Summary), nullStr(v.HLSURL), nullStr(v.DirectURL), nullStr(v.ThumbnailURL),
		nullTime(v.PublishedAt), s.nowTS(),
	)
	if err != nil {
		return false, fmt.Errorf("insert video %q: %w", v.EntryKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert video %q: %w", v.EntryKey, err)
	}
	return n == 1, nil
}

// UpdatePublishedAtIfNull backfills a publish time that was unknown when
// the video was first seen.
func (s *Store) UpdatePublishedAtIfNull(ctx context.Context, sourceID int64, entryKey string, publishedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE videos SET published_ts = ?
		WHERE source_id = ? AND entry_key = ? AND published_ts IS NULL`,
		publishedAt.Unix(), sourceID, entryKey,
	)
	if err != nil {
		return false, fmt.Errorf("backfill published_ts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetVideo returns one video or domain.ErrNotFound.
func (s *Store) GetVideo(ctx context.Context, id int64) (*domain.Video, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos v WHERE v.id = ?`, id)
	v, err := scanVideo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("video %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get video %d: %w", id, err)
	}
	return v, nil
}

// NextEligiblePending returns the first pending video, in publish order,
// whose enabled source has posted fewer than maxPerDayPerSource times in the
// 24h before now. Capped sources are skipped rather than blocking the
// queue. A cap <= 0 disables the per-source check.
func (s *Store) NextEligiblePending(ctx context.Context, now time.Time, maxPerDayPerSource int) (*domain.Video, error) {
	posted := map[int64]int{}
	if maxPerDayPerSource > 0 {
		rows, err := s.db.QueryContext(ctx, `
			SELECT source_id, COUNT(*) FROM videos
			WHERE status = 'posted' AND posted_ts >= ?
			GROUP BY source_id`,
			now.Add(-24*time.Hour).Unix(),
		)
		if err != nil {
			return nil, fmt.Errorf("count posts per source: %w", err)
		}
		for rows.Next() {
			var id int64
			var n int
			if err := rows.Scan(&id, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan post count: %w", err)
			}
			posted[id] = n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate post counts: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+videoColumns+`
		FROM videos v
		JOIN sources s ON s.id = v.source_id
		WHERE v.status = 'pending' AND s.enabled = 1
		`+pendingOrder)
	if err != nil {
		return nil, fmt.Errorf("query pending videos: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending video: %w", err)
		}
		if maxPerDayPerSource > 0 && posted[v.SourceID] >= maxPerDayPerSource {
			continue
		}
		return v, nil
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending videos: %w", err)
	}
	return nil, domain.ErrNotFound
}

// ListPending returns up to limit pending videos of enabled sources in
// publish order.
func (s *Store) ListPending(ctx context.Context, limit int) ([]domain.Video, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+videoColumns+`
		FROM videos v
		JOIN sources s ON s.id = v.source_id
		WHERE v.status = 'pending' AND s.enabled = 1
		`+pendingOrder+`
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending videos: %w", err)
	}
	defer rows.Close()

	var out []domain.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending video: %w", err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending videos: %w", err)
	}
	return out, nil
}

// MarkPosted records a successful publish.
func (s *Store) MarkPosted(ctx context.Context, videoID int64, eventID string) error {
	ts := s.nowTS()
	_, err := s.db.ExecContext(ctx, `
		UPDATE videos
		SET status = 'posted', nostr_event_id = ?, posted_ts = ?, last_attempt_ts = ?, error = NULL
		WHERE id = ?`,
		eventID, ts, ts, videoID,
	)
	if err != nil {
		return fmt.Errorf("mark video %d posted: %w", videoID, err)
	}
	return nil
}

// MarkFailed records a failed publish attempt.
func (s *Store) MarkFailed(ctx context.Context, videoID int64, errText string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE videos SET status = 'failed', error = ?, last_attempt_ts = ? WHERE id = ?`,
		domain.Truncate(errText, domain.MaxVideoErrorLen), s.nowTS(), videoID,
	)
	if err != nil {
		return fmt.Errorf("mark video %d failed: %w", videoID, err)
	}
	return nil
}

// ClearPendingForSource cancels every pending video of a source.
func (s *Store) ClearPendingForSource(ctx context.Context, sourceID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE videos
		SET status = 'cancelled', error = 'cleared by resync', last_attempt_ts = ?
		WHERE source_id = ? AND status = 'pending'`,
		s.nowTS(), sourceID,
	)
	if err != nil {
		return 0, fmt.Errorf("clear pending for source %d: %w", sourceID, err)
	}
	return res.RowsAffected()
}

// RetryFailed requeues failed videos last attempted before now-olderThan
// or never attempted.
func (s *Store) RetryFailed(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.retryFailed(ctx, olderThan, 0)
}

// RetryFailedForSource is RetryFailed scoped to one source.
func (s *Store) RetryFailedForSource(ctx context.Context, sourceID int64, olderThan time.Duration) (int64, error) {
	return s.retryFailed(ctx, olderThan, sourceID)
}

func (s *Store) retryFailed(ctx context.Context, olderThan time.Duration, sourceID int64) (int64, error) {
	cutoff := s.now().Add(-olderThan).Unix()
	query := `
		UPDATE videos SET status = 'pending'
		WHERE status = 'failed' AND (last_attempt_ts IS NULL OR last_attempt_ts < ?)`
	args := []any{cutoff}
	if sourceID != 0 {
		query += ` AND source_id = ?`
		args = append(args, sourceID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry failed videos: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus returns the number of videos in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[domain.VideoStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM videos GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count videos: %w", err)
	}
	defer rows.Close()

	out := map[domain.VideoStatus]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan video count: %w", err)
		}
		out[domain.VideoStatus(st)] = n
	}
	return out, rows.Err()
}

func scanVideo(row scanner) (*domain.Video, error) {
	var (
		v                                 domain.Video
		base, vid, inst                   sql.NullString
		chName, chURL, accName, accURL    sql.NullString
		title, summary, hls, direct, thmb sql.NullString
		published                         sql.NullInt64
		status                            string
		eventID, errText                  sql.NullString
		firstSeen                         int64
		lastAttempt, postedAt             sql.NullInt64
	)
	err := row.Scan(&v.ID, &v.SourceID, &v.EntryKey, &v.WatchURL, &base, &vid,
		&inst, &chName, &chURL, &accName, &accURL,
		&title, &summary, &hls, &direct, &thmb, &published,
		&status, &eventID, &errText, &firstSeen, &lastAttempt, &postedAt)
	if err != nil {
		return nil, err
	}
	v.Base = base.String
	v.PlatformVideoID = vid.String
	v.Instance = inst.String
	v.ChannelName = chName.String
	v.ChannelURL = chURL.String
	v.AccountName = accName.String
	v.AccountURL = accURL.String
	v.Title = title.String
	v.Summary = summary.String
	v.HLSURL = hls.String
	v.DirectURL = direct.String
	v.ThumbnailURL = thmb.String
	v.PublishedAt = timePtr(published)
	v.Status = domain.VideoStatus(status)
	v.EventID = eventID.String
	v.Error = errText.String
	v.FirstSeenAt = time.Unix(firstSeen, 0).UTC()
	v.LastAttemptAt = timePtr(lastAttempt)
	v.PostedAt = timePtr(postedAt)
	return &v, nil
}
