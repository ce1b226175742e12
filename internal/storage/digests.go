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

// AddDigestItem appends a match to its digest bucket. A repeat of the same
// (rule, listing) in the same period is ignored and reported as false.
func (s *SQLite) AddDigestItem(ctx context.Context, it model.DigestItem) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO digest_items (user_id, period_key, flush_at, rule_id, rule_name, listing_id,
			title, url, price, deal_score, matched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.UserID, it.PeriodKey, formatTime(it.FlushAt), it.RuleID, it.RuleName, it.ListingID,
		it.Title, it.URL, nullDecimal(it.Price), nullFloat(it.DealScore), formatTime(it.MatchedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert digest item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListDueDigests returns buckets whose period closed at or before now and
// that have not been flushed yet.
func (s *SQLite) ListDueDigests(ctx context.Context, now time.Time) ([]model.DigestBucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.user_id, i.period_key, MIN(i.flush_at) FROM digest_items i
		 WHERE i.flush_at <= ?
		   AND NOT EXISTS (SELECT 1 FROM digests d WHERE d.user_id = i.user_id AND d.period_key = i.period_key)
		 GROUP BY i.user_id, i.period_key
		 ORDER BY MIN(i.flush_at), i.user_id`, formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("query due digests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var buckets []model.DigestBucket
	for rows.Next() {
		var b model.DigestBucket
		var flushAt string
		if err := rows.Scan(&b.UserID, &b.PeriodKey, &flushAt); err != nil {
			return nil, fmt.Errorf("scan digest bucket: %w", err)
		}
		b.FlushAt = parseTime(flushAt)
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// ListDigestItems returns every item of one bucket in match order.
func (s *SQLite) ListDigestItems(ctx context.Context, userID int64, periodKey string) ([]model.DigestItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, period_key, flush_at, rule_id, rule_name, listing_id, title, url, price, deal_score, matched_at
		 FROM digest_items WHERE user_id = ? AND period_key = ?
		 ORDER BY matched_at, rule_id, listing_id`, userID, periodKey,
	)
	if err != nil {
		return nil, fmt.Errorf("query digest items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []model.DigestItem
	for rows.Next() {
		var (
			it               model.DigestItem
			flushAt, matched string
			price            decimal.NullDecimal
			score            sql.NullFloat64
		)
		err := rows.Scan(&it.UserID, &it.PeriodKey, &flushAt, &it.RuleID, &it.RuleName, &it.ListingID,
			&it.Title, &it.URL, &price, &score, &matched)
		if err != nil {
			return nil, fmt.Errorf("scan digest item: %w", err)
		}
		it.FlushAt = parseTime(flushAt)
		it.Price = decimalPtr(price)
		it.DealScore = floatPtr(score)
		it.MatchedAt = parseTime(matched)
		items = append(items, it)
	}
	return items, rows.Err()
}

// ReserveDigest marks a period as flushed and stores its log entries under
// the daily budget, as Reserve does, in one transaction. It returns the
// number of entries stored pending. A period that was already flushed is left
// untouched.
func (s *SQLite) ReserveDigest(ctx context.Context, r DigestReservation) (DigestOutcome, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT group_id FROM digests WHERE user_id = ? AND period_key = ?`, r.UserID, r.PeriodKey,
	).Scan(&existing)
	switch {
	case err == nil:
		return DigestAlreadyFlushed, 0, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, 0, fmt.Errorf("check digest: %w", err)
	}

	groupID := ""
	if len(r.Entries) > 0 {
		groupID = r.Entries[0].GroupID
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO digests (user_id, period_key, group_id, item_count, flushed_at) VALUES (?, ?, ?, ?, ?)`,
		r.UserID, r.PeriodKey, groupID, r.ItemCount, formatTime(r.FlushedAt),
	)
	if err != nil {
		return 0, 0, fmt.Errorf("insert digest: %w", err)
	}

	reserved, err := reserveTx(ctx, tx, r.Reservation)
	if err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit digest: %w", err)
	}
	if reserved == 0 && len(r.Entries) > 0 {
		return DigestCapExceeded, 0, nil
	}
	return DigestReserved, reserved, nil
}
