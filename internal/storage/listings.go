package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dealwatch/internal/model"
)

const listingColumns = `id, source, title, category, url, price, condition, latitude, longitude,
	location_text, deal_score, first_seen_at, available, available_changed_at, evaluated_at, seq`

// nextSeq is evaluated inside the writing statement. The single connection
// serializes writers, so every write sees the previous one's seq.
const nextSeq = `(SELECT COALESCE(MAX(seq), 0) + 1 FROM listings)`

// UpsertListing inserts a listing or refreshes the mutable fields of an
// existing one. FirstSeenAt is kept from the first insert. A change of
// Available stamps available_changed_at and assigns a new seq. l.Seq is set
// to the stored value.
func (s *SQLite) UpsertListing(ctx context.Context, l *model.Listing) error {
	if l.ID == "" {
		return fmt.Errorf("listing id is required")
	}
	if l.FirstSeenAt.IsZero() {
		l.FirstSeenAt = time.Now().UTC()
	}
	var lat, lon sql.NullFloat64
	if p := l.Location.Point; p != nil {
		lat = sql.NullFloat64{Float64: p.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: p.Lon, Valid: true}
	}
	now := formatTime(time.Now())

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO listings (id, source, title, category, url, price, condition, latitude, longitude,
			location_text, deal_score, first_seen_at, available, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, `+nextSeq+`)
		 ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			category = excluded.category,
			url = excluded.url,
			price = excluded.price,
			condition = excluded.condition,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			location_text = excluded.location_text,
			deal_score = excluded.deal_score,
			available_changed_at = CASE WHEN listings.available != excluded.available
				THEN ? ELSE listings.available_changed_at END,
			seq = CASE WHEN listings.available != excluded.available
				THEN excluded.seq ELSE listings.seq END,
			available = excluded.available
		 RETURNING seq`,
		l.ID, l.Source, l.Title, l.Category, l.URL, nullDecimal(l.Price), string(l.Condition), lat, lon,
		l.Location.Text, nullFloat(l.DealScore), formatTime(l.FirstSeenAt), boolToInt(l.Available), now,
	).Scan(&l.Seq)
	if err != nil {
		return fmt.Errorf("upsert listing: %w", err)
	}
	return nil
}

// SetAvailability records an upstream availability flip and assigns the
// listing a new seq. Setting the current value again is a no-op.
func (s *SQLite) SetAvailability(ctx context.Context, id string, available bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE listings SET available = ?, available_changed_at = ?, seq = `+nextSeq+`
		 WHERE id = ? AND available != ?`,
		boolToInt(available), formatTime(at), id, boolToInt(available),
	)
	if err != nil {
		return fmt.Errorf("set availability: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetListing(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// GetListing returns a single listing by its ID.
func (s *SQLite) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = ?`, id)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	return l, err
}

// ListListingsAfter returns listings inserted, or whose availability flipped,
// after the given seq, in seq order.
func (s *SQLite) ListListingsAfter(ctx context.Context, seq int64, limit int) ([]model.Listing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE seq > ? ORDER BY seq LIMIT ?`,
		seq, limitOrAll(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query listings after: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanListings(rows)
}

// ListRecentListings returns the newest available listings, newest first.
func (s *SQLite) ListRecentListings(ctx context.Context, limit int) ([]model.Listing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE available = 1
		 ORDER BY first_seen_at DESC, id LIMIT ?`, limitOrAll(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query recent listings: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanListings(rows)
}

// MarkEvaluated stamps evaluated_at on the given listings.
func (s *SQLite) MarkEvaluated(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, formatTime(at))
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := s.db.ExecContext(ctx,
		`UPDATE listings SET evaluated_at = ? WHERE id IN (`+placeholders+`)`, args...,
	)
	if err != nil {
		return fmt.Errorf("mark evaluated: %w", err)
	}
	return nil
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func scanListing(row scannable) (*model.Listing, error) {
	var (
		l                    model.Listing
		price                decimal.NullDecimal
		condition            string
		lat, lon, score      sql.NullFloat64
		firstSeen            string
		available            int
		availChanged, evalAt sql.NullString
	)
	err := row.Scan(&l.ID, &l.Source, &l.Title, &l.Category, &l.URL, &price, &condition, &lat, &lon,
		&l.Location.Text, &score, &firstSeen, &available, &availChanged, &evalAt, &l.Seq)
	if err != nil {
		return nil, fmt.Errorf("scan listing: %w", err)
	}
	l.Price = decimalPtr(price)
	l.Condition = model.Condition(condition)
	if lat.Valid && lon.Valid {
		l.Location.Point = &model.GeoPoint{Lat: lat.Float64, Lon: lon.Float64}
	}
	l.DealScore = floatPtr(score)
	l.FirstSeenAt = parseTime(firstSeen)
	l.Available = available == 1
	l.AvailableChangedAt = parseNullTime(availChanged)
	l.EvaluatedAt = parseNullTime(evalAt)
	return &l, nil
}

func scanListings(rows *sql.Rows) ([]model.Listing, error) {
	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}
