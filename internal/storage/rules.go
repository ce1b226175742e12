package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"dealwatch/internal/model"
)

const ruleColumns = `id, user_id, name, enabled, include_keywords, exclude_keywords, categories, conditions,
	channels, min_price, max_price, center_lat, center_lon, radius_km, min_score, last_triggered_at, created_at`

// CreateRule validates and inserts a new rule, populating its ID and CreatedAt.
func (s *SQLite) CreateRule(ctx context.Context, r *model.AlertRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	lat, lon := centerArgs(r.Center)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_rules (user_id, name, enabled, include_keywords, exclude_keywords, categories,
			conditions, channels, min_price, max_price, center_lat, center_lon, radius_km, min_score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.UserID, r.Name, boolToInt(r.Enabled), encodeList(r.Include), encodeList(r.Exclude),
		encodeList(r.Categories), encodeList(r.Conditions), encodeList(r.Channels),
		nullDecimal(r.MinPrice), nullDecimal(r.MaxPrice), lat, lon, nullFloat(r.RadiusKm), nullFloat(r.MinScore),
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	r.ID = id
	r.CreatedAt = parseTime(formatTime(now))
	return nil
}

// GetRule returns a single rule by its ID.
func (s *SQLite) GetRule(ctx context.Context, id int64) (*model.AlertRule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	return r, err
}

// ListRules returns all rules owned by the given user.
func (s *SQLite) ListRules(ctx context.Context, userID int64) ([]model.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE user_id = ? ORDER BY id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRules(rows)
}

// ListEnabledRules returns every enabled rule across all users.
func (s *SQLite) ListEnabledRules(ctx context.Context) ([]model.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE enabled = 1 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query enabled rules: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRules(rows)
}

// UpdateRule validates and persists changes to an existing rule.
// LastTriggeredAt is owned by TouchRuleTriggered and is not written here.
func (s *SQLite) UpdateRule(ctx context.Context, r *model.AlertRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	lat, lon := centerArgs(r.Center)
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_rules SET name = ?, enabled = ?, include_keywords = ?, exclude_keywords = ?,
			categories = ?, conditions = ?, channels = ?, min_price = ?, max_price = ?,
			center_lat = ?, center_lon = ?, radius_km = ?, min_score = ?
		 WHERE id = ?`,
		r.Name, boolToInt(r.Enabled), encodeList(r.Include), encodeList(r.Exclude),
		encodeList(r.Categories), encodeList(r.Conditions), encodeList(r.Channels),
		nullDecimal(r.MinPrice), nullDecimal(r.MaxPrice), lat, lon, nullFloat(r.RadiusKm), nullFloat(r.MinScore),
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %d: %w", r.ID, ErrNotFound)
	}
	return nil
}

// DeleteRule removes a rule by its ID. Its notification history is kept.
func (s *SQLite) DeleteRule(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

// TouchRuleTriggered moves last_triggered_at forward to at. It never moves the
// timestamp backwards, so concurrent deliveries settle on the latest one.
func (s *SQLite) TouchRuleTriggered(ctx context.Context, id int64, at time.Time) (bool, error) {
	ts := formatTime(at)
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_rules SET last_triggered_at = ?
		 WHERE id = ? AND (last_triggered_at IS NULL OR last_triggered_at < ?)`,
		ts, id, ts,
	)
	if err != nil {
		return false, fmt.Errorf("touch rule: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func centerArgs(c *model.GeoPoint) (sql.NullFloat64, sql.NullFloat64) {
	if c == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lat, Valid: true}, sql.NullFloat64{Float64: c.Lon, Valid: true}
}

func scanRule(row scannable) (*model.AlertRule, error) {
	var (
		r                                    model.AlertRule
		enabled                              int
		include, exclude, cats, conds, chans string
		minPrice, maxPrice                   decimal.NullDecimal
		lat, lon, radius, minScore           sql.NullFloat64
		lastTriggered                        sql.NullString
		created                              string
	)
	err := row.Scan(&r.ID, &r.UserID, &r.Name, &enabled, &include, &exclude, &cats, &conds, &chans,
		&minPrice, &maxPrice, &lat, &lon, &radius, &minScore, &lastTriggered, &created)
	if err != nil {
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	r.Enabled = enabled == 1
	if r.Include, err = decodeList[string](include); err != nil {
		return nil, err
	}
	if r.Exclude, err = decodeList[string](exclude); err != nil {
		return nil, err
	}
	if r.Categories, err = decodeList[string](cats); err != nil {
		return nil, err
	}
	if r.Conditions, err = decodeList[model.Condition](conds); err != nil {
		return nil, err
	}
	if r.Channels, err = decodeList[model.Channel](chans); err != nil {
		return nil, err
	}
	r.MinPrice = decimalPtr(minPrice)
	r.MaxPrice = decimalPtr(maxPrice)
	if lat.Valid && lon.Valid {
		r.Center = &model.GeoPoint{Lat: lat.Float64, Lon: lon.Float64}
	}
	r.RadiusKm = floatPtr(radius)
	r.MinScore = floatPtr(minScore)
	r.LastTriggeredAt = parseNullTime(lastTriggered)
	r.CreatedAt = parseTime(created)
	return &r, nil
}

func scanRules(rows *sql.Rows) ([]model.AlertRule, error) {
	var rules []model.AlertRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}
