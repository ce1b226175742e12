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

const logColumns = `id, group_id, user_id, rule_id, listing_id, kind, channel, subject, body, url, price,
	deal_score, status, attempts, created_at, release_at, delivered_at, failure_reason`

// ReasonCapExceeded is the failure reason recorded for cap suppressions.
const ReasonCapExceeded = "cap exceeded"

// ReasonDisabled is recorded when the user's cap is zero.
const ReasonDisabled = "notifications disabled"

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Reserve stores the reservation's entries against the user's daily budget:
// MaxPerDay minus the pending and sent entries since CapSince. The first
// entries that fit the budget are stored pending and the rest suppressed, so
// earlier channels take precedence. It returns the number stored pending. The
// count and the insert run in one transaction.
func (s *SQLite) Reserve(ctx context.Context, r Reservation) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	n, err := reserveTx(ctx, tx, r)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func reserveTx(ctx context.Context, tx execer, r Reservation) (int, error) {
	budget, reason, err := capBudget(ctx, tx, r)
	if err != nil {
		return 0, err
	}
	reserved := 0
	for i, e := range r.Entries {
		if i < budget {
			e.Status = model.StatusPending
			reserved++
		} else {
			e.Status = model.StatusSuppressed
			e.FailureReason = reason
		}
		if err := insertEntry(ctx, tx, e); err != nil {
			return 0, err
		}
	}
	return reserved, nil
}

// capBudget returns how many more entries the user may receive before the
// rolling window since CapSince holds MaxPerDay pending or sent entries, and
// the reason to record for entries beyond it.
func capBudget(ctx context.Context, tx execer, r Reservation) (int, string, error) {
	if r.MaxPerDay <= 0 {
		return 0, ReasonDisabled, nil
	}
	var used int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_log
		 WHERE user_id = ? AND status IN ('pending', 'sent')
		   AND COALESCE(delivered_at, created_at) > ?`,
		r.UserID, formatTime(r.CapSince),
	).Scan(&used)
	if err != nil {
		return 0, "", fmt.Errorf("count recent notifications: %w", err)
	}
	return max(r.MaxPerDay-used, 0), ReasonCapExceeded, nil
}

// InsertLogEntries stores entries as given.
func (s *SQLite) InsertLogEntries(ctx context.Context, entries []model.NotificationLogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		if err := insertEntry(ctx, tx, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertEntry(ctx context.Context, tx execer, e model.NotificationLogEntry) error {
	var ruleID sql.NullInt64
	if e.RuleID != 0 {
		ruleID = sql.NullInt64{Int64: e.RuleID, Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO notification_log (`+logColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.GroupID, e.UserID, ruleID, nullString(e.ListingID), string(e.Kind), string(e.Channel),
		e.Subject, e.Body, e.URL, nullDecimal(e.Price), nullFloat(e.DealScore), string(e.Status), e.Attempts,
		formatTime(e.CreatedAt), nullTime(e.ReleaseAt), nullTime(e.DeliveredAt), nullString(e.FailureReason),
	)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

// FindRecentDelivery returns the newest entry for (rule, listing) created
// after since whose status is not failed, or nil if there is none. Entries of
// excludeGroup are ignored.
func (s *SQLite) FindRecentDelivery(ctx context.Context, ruleID int64, listingID string, since time.Time, excludeGroup string) (*model.NotificationLogEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+logColumns+` FROM notification_log
		 WHERE rule_id = ? AND listing_id = ? AND created_at > ? AND status != 'failed' AND group_id != ?
		 ORDER BY created_at DESC LIMIT 1`,
		ruleID, listingID, formatTime(since), excludeGroup,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// RecordAttempt increments the attempt counter of a pending entry.
func (s *SQLite) RecordAttempt(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notification_log SET attempts = attempts + 1 WHERE id = ? AND status = 'pending'`, id,
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// FinalizeEntry moves a pending entry to a terminal status. It reports false
// when the entry was not pending, which makes finalization idempotent.
func (s *SQLite) FinalizeEntry(ctx context.Context, id string, status model.Status, at time.Time, reason string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finalize with non-terminal status %q", status)
	}
	var delivered *string
	if status == model.StatusSent {
		v := formatTime(at)
		delivered = &v
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE notification_log SET status = ?, delivered_at = ?, failure_reason = ?
		 WHERE id = ? AND status = 'pending'`,
		string(status), delivered, nullString(reason), id,
	)
	if err != nil {
		return false, fmt.Errorf("finalize entry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeferEntry moves a pending entry back to deferred until releaseAt.
func (s *SQLite) DeferEntry(ctx context.Context, id string, releaseAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notification_log SET status = 'deferred', release_at = ?
		 WHERE id = ? AND status = 'pending'`,
		formatTime(releaseAt), id,
	)
	if err != nil {
		return false, fmt.Errorf("defer entry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListDueDeferred returns deferred entries whose release time has passed,
// oldest first.
func (s *SQLite) ListDueDeferred(ctx context.Context, now time.Time) ([]model.NotificationLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+logColumns+` FROM notification_log
		 WHERE status = 'deferred' AND release_at <= ?
		 ORDER BY created_at, group_id, channel`, formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("query deferred: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// ReleaseDeferred moves the deferred entries of a group that fit the user's
// daily budget to pending, in insertion order, and suppresses the rest. It
// returns the IDs of the released entries.
func (s *SQLite) ReleaseDeferred(ctx context.Context, groupID string, r Reservation) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	budget, reason, err := capBudget(ctx, tx, r)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM notification_log WHERE group_id = ? AND status = 'deferred' ORDER BY rowid`, groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("query deferred group: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan deferred id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close deferred rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query deferred group: %w", err)
	}

	var released []string
	for i, id := range ids {
		if i < budget {
			_, err = tx.ExecContext(ctx,
				`UPDATE notification_log SET status = 'pending' WHERE id = ?`, id,
			)
			released = append(released, id)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE notification_log SET status = 'suppressed', failure_reason = ? WHERE id = ?`, reason, id,
			)
		}
		if err != nil {
			return nil, fmt.Errorf("release deferred: %w", err)
		}
	}
	return released, tx.Commit()
}

// SuppressDeferred closes every deferred entry of a group as suppressed.
func (s *SQLite) SuppressDeferred(ctx context.Context, groupID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notification_log SET status = 'suppressed', failure_reason = ?
		 WHERE group_id = ? AND status = 'deferred'`, reason, groupID,
	)
	if err != nil {
		return fmt.Errorf("suppress deferred: %w", err)
	}
	return nil
}

// ListPending returns pending entries created before the given time.
func (s *SQLite) ListPending(ctx context.Context, createdBefore time.Time) ([]model.NotificationLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+logColumns+` FROM notification_log
		 WHERE status = 'pending' AND created_at < ?
		 ORDER BY created_at, group_id, channel`, formatTime(createdBefore),
	)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// ListHistory returns the user's notification history, newest first.
func (s *SQLite) ListHistory(ctx context.Context, userID int64, limit int) ([]model.NotificationLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+logColumns+` FROM notification_log WHERE user_id = ?
		 ORDER BY created_at DESC, channel LIMIT ?`, userID, limitOrAll(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func scanEntry(row scannable) (*model.NotificationLogEntry, error) {
	var (
		e                              model.NotificationLogEntry
		ruleID                         sql.NullInt64
		listingID, reason              sql.NullString
		kind, channel, status, created string
		price                          decimal.NullDecimal
		score                          sql.NullFloat64
		releaseAt, deliveredAt         sql.NullString
	)
	err := row.Scan(&e.ID, &e.GroupID, &e.UserID, &ruleID, &listingID, &kind, &channel, &e.Subject, &e.Body,
		&e.URL, &price, &score, &status, &e.Attempts, &created, &releaseAt, &deliveredAt, &reason)
	if err != nil {
		return nil, fmt.Errorf("scan log entry: %w", err)
	}
	e.RuleID = ruleID.Int64
	e.ListingID = listingID.String
	e.Kind = model.Kind(kind)
	e.Channel = model.Channel(channel)
	e.Price = decimalPtr(price)
	e.DealScore = floatPtr(score)
	e.Status = model.Status(status)
	e.CreatedAt = parseTime(created)
	e.ReleaseAt = parseNullTime(releaseAt)
	e.DeliveredAt = parseNullTime(deliveredAt)
	e.FailureReason = reason.String
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]model.NotificationLogEntry, error) {
	var entries []model.NotificationLogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}
