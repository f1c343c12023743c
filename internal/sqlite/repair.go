package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/blackmichael/peertube-nostr/internal/urlnorm"
)

// RepairReport counts the rows RepairDB touched.
type RepairReport struct {
	Relays            int
	Sources           int
	Videos            int
	PublishedBackfill int
}

// RepairDB recomputes every stored comparison URL and backfills unknown
// publish times from first-seen times. Rows whose URLs no longer
// canonicalize are left unchanged. It runs in one transaction.
func (s *Store) RepairDB(ctx context.Context) (RepairReport, error) {
	var rep RepairReport

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rep, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	type urlRow struct {
		id  int64
		raw string
	}
	collect := func(query string) ([]urlRow, error) {
		rows, err := tx.QueryContext(ctx, query)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []urlRow
		for rows.Next() {
			var r urlRow
			if err := rows.Scan(&r.id, &r.raw); err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, rows.Err()
	}

	relays, err := collect(`SELECT id, relay_url FROM relays`)
	if err != nil {
		return rep, fmt.Errorf("read relays: %w", err)
	}
	for _, r := range relays {
		norm, err := urlnorm.Relay(r.raw)
		if err != nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE relays SET relay_url_norm = ? WHERE id = ?`, norm, r.id); err != nil {
			return rep, fmt.Errorf("repair relay %d: %w", r.id, err)
		}
		rep.Relays++
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, api_base, api_channel_url, rss_url FROM sources`)
	if err != nil {
		return rep, fmt.Errorf("read sources: %w", err)
	}
	type srcRow struct {
		id                  int64
		base, chanURL, feed sql.NullString
	}
	var sources []srcRow
	for rows.Next() {
		var r srcRow
		if err := rows.Scan(&r.id, &r.base, &r.chanURL, &r.feed); err != nil {
			rows.Close()
			return rep, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, r)
	}
	rows.Close()

	for _, r := range sources {
		for _, f := range []struct {
			raw    sql.NullString
			column string
			kind   urlnorm.Kind
		}{
			{r.base, "api_base_norm", urlnorm.KindHTTP},
			{r.chanURL, "api_channel_url_norm", urlnorm.KindHTTP},
			{r.feed, "rss_url_norm", urlnorm.KindFeed},
		} {
			if !f.raw.Valid || f.raw.String == "" {
				continue
			}
			norm, err := urlnorm.Canonicalize(f.raw.String, f.kind)
			if err != nil {
				continue
			}
			if _, err := tx.ExecContext(ctx, `UPDATE sources SET `+f.column+` = ? WHERE id = ?`, norm, r.id); err != nil {
				return rep, fmt.Errorf("repair source %d: %w", r.id, err)
			}
		}
		rep.Sources++
	}

	videos, err := collect(`SELECT id, watch_url FROM videos`)
	if err != nil {
		return rep, fmt.Errorf("read videos: %w", err)
	}
	for _, v := range videos {
		if _, err := tx.ExecContext(ctx, `UPDATE videos SET watch_url_norm = ? WHERE id = ?`, urlnorm.WatchKey(v.raw), v.id); err != nil {
			return rep, fmt.Errorf("repair video %d: %w", v.id, err)
		}
		rep.Videos++
	}

	res, err := tx.ExecContext(ctx, `UPDATE videos SET published_ts = first_seen_ts WHERE published_ts IS NULL`)
	if err != nil {
		return rep, fmt.Errorf("backfill published_ts: %w", err)
	}
	n, _ := res.RowsAffected()
	rep.PublishedBackfill = int(n)

	if err := tx.Commit(); err != nil {
		return rep, fmt.Errorf("commit transaction: %w", err)
	}
	return rep, nil
}
