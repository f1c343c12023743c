package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/blackmichael/peertube-nostr/internal/domain"
)

// Setting returns the stored value for key and whether it exists.
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	var v sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return v.String, v.Valid, nil
}

// SetSetting upserts a setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

func (s *Store) intSetting(ctx context.Context, key string, def int) (int, error) {
	v, ok, err := s.Setting(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("setting %s=%q: %w", key, v, err)
	}
	return n, nil
}

// PublishLimits returns the current rate-limit settings.
func (s *Store) PublishLimits(ctx context.Context) (domain.PublishLimits, error) {
	interval, err := s.intSetting(ctx, KeyMinPublishInterval, 1200)
	if err != nil {
		return domain.PublishLimits{}, err
	}
	perHour, err := s.intSetting(ctx, KeyMaxPostsPerHour, 3)
	if err != nil {
		return domain.PublishLimits{}, err
	}
	perDay, err := s.intSetting(ctx, KeyMaxPostsPerDayPerSource, 1)
	if err != nil {
		return domain.PublishLimits{}, err
	}
	return domain.PublishLimits{
		MinInterval:             time.Duration(interval) * time.Second,
		MaxPostsPerHour:         perHour,
		MaxPostsPerDayPerSource: perDay,
	}, nil
}

// LimitsUpdate carries the rate-limit fields to change. Nil fields are
// left as they are.
type LimitsUpdate struct {
	MinIntervalSeconds      *int
	MaxPostsPerHour         *int
	MaxPostsPerDayPerSource *int
}

// SetPublishLimits writes the non-nil fields of u.
func (s *Store) SetPublishLimits(ctx context.Context, u LimitsUpdate) error {
	for _, f := range []struct {
		key string
		v   *int
	}{
		{KeyMinPublishInterval, u.MinIntervalSeconds},
		{KeyMaxPostsPerHour, u.MaxPostsPerHour},
		{KeyMaxPostsPerDayPerSource, u.MaxPostsPerDayPerSource},
	} {
		if f.v == nil {
			continue
		}
		if *f.v < 0 {
			return fmt.Errorf("%s must not be negative", f.key)
		}
		if err := s.SetSetting(ctx, f.key, strconv.Itoa(*f.v)); err != nil {
			return err
		}
	}
	return nil
}
