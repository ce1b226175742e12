package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dealwatch/internal/model"
)

// SavePreference validates and upserts a user's preference together with its
// channel destinations.
func (s *SQLite) SavePreference(ctx context.Context, p *model.NotificationPreference) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.UpdatedAt = parseTime(formatTime(time.Now()))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO notification_preferences (user_id, channels, frequency, digest_time, timezone,
			quiet_enabled, quiet_start, quiet_end, category_filters, max_per_day, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
			channels = excluded.channels,
			frequency = excluded.frequency,
			digest_time = excluded.digest_time,
			timezone = excluded.timezone,
			quiet_enabled = excluded.quiet_enabled,
			quiet_start = excluded.quiet_start,
			quiet_end = excluded.quiet_end,
			category_filters = excluded.category_filters,
			max_per_day = excluded.max_per_day,
			updated_at = excluded.updated_at`,
		p.UserID, encodeList(p.Channels), string(p.Frequency), int(p.DigestTime), p.Timezone,
		boolToInt(p.QuietHours.Enabled), int(p.QuietHours.Start), int(p.QuietHours.End),
		encodeList(p.CategoryFilters), p.MaxPerDay, formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM channel_destinations WHERE user_id = ?`, p.UserID); err != nil {
		return fmt.Errorf("delete destinations: %w", err)
	}
	for ch, d := range p.Destinations {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO channel_destinations (user_id, channel, address, verified) VALUES (?, ?, ?, ?)`,
			p.UserID, string(ch), d.Address, boolToInt(d.Verified),
		)
		if err != nil {
			return fmt.Errorf("insert destination: %w", err)
		}
	}
	return tx.Commit()
}

// GetPreference returns the user's preference, or model.DefaultPreference when
// none is stored. Destinations are loaded in both cases.
func (s *SQLite) GetPreference(ctx context.Context, userID int64) (model.NotificationPreference, error) {
	p := model.DefaultPreference(userID)

	var (
		chans, freq, tz, cats string
		digestTime, qs, qe    int
		quietEnabled          int
		updated               string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT channels, frequency, digest_time, timezone, quiet_enabled, quiet_start, quiet_end,
			category_filters, max_per_day, updated_at
		 FROM notification_preferences WHERE user_id = ?`, userID,
	).Scan(&chans, &freq, &digestTime, &tz, &quietEnabled, &qs, &qe, &cats, &p.MaxPerDay, &updated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return p, fmt.Errorf("get preference: %w", err)
	default:
		if p.Channels, err = decodeList[model.Channel](chans); err != nil {
			return p, err
		}
		if p.CategoryFilters, err = decodeList[string](cats); err != nil {
			return p, err
		}
		p.Frequency = model.Frequency(freq)
		p.DigestTime = model.Clock(digestTime)
		p.Timezone = tz
		p.QuietHours = model.QuietHours{Enabled: quietEnabled == 1, Start: model.Clock(qs), End: model.Clock(qe)}
		p.UpdatedAt = parseTime(updated)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, address, verified FROM channel_destinations WHERE user_id = ?`, userID,
	)
	if err != nil {
		return p, fmt.Errorf("query destinations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	p.Destinations = make(map[model.Channel]model.Destination)
	for rows.Next() {
		var ch, addr string
		var verified int
		if err := rows.Scan(&ch, &addr, &verified); err != nil {
			return p, fmt.Errorf("scan destination: %w", err)
		}
		p.Destinations[model.Channel(ch)] = model.Destination{Address: addr, Verified: verified == 1}
	}
	return p, rows.Err()
}
