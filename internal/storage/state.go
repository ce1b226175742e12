package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetHighWater returns the named scan cursor, or zero if it was never set.
func (s *SQLite) GetHighWater(ctx context.Context, name string) (int64, error) {
	var hw int64
	err := s.db.QueryRowContext(ctx, `SELECT high_water FROM scan_state WHERE name = ?`, name).Scan(&hw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get high water: %w", err)
	}
	return hw, nil
}

// AdvanceHighWater moves the named cursor to seq. The cursor only moves
// forward; a smaller seq is ignored.
func (s *SQLite) AdvanceHighWater(ctx context.Context, name string, seq int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_state (name, high_water, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET high_water = excluded.high_water, updated_at = excluded.updated_at
		 WHERE excluded.high_water > scan_state.high_water`,
		name, seq, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("advance high water: %w", err)
	}
	return nil
}
