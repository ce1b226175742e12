package policy

import (
	"context"
	"fmt"
	"slices"
	"time"

	"dealwatch/internal/metrics"
	"dealwatch/internal/model"
	"dealwatch/internal/storage"
)

// ReplayDeferred releases notifications whose quiet hours ended. Dedup and
// the daily cap are applied again at release time. It returns the number of
// notifications queued.
func (e *Engine) ReplayDeferred(ctx context.Context) (int, error) {
	now := e.now()
	entries, err := e.store.ListDueDeferred(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list deferred: %w", err)
	}

	var (
		order  []string
		groups = make(map[string][]model.NotificationLogEntry)
	)
	for _, en := range entries {
		if _, ok := groups[en.GroupID]; !ok {
			order = append(order, en.GroupID)
		}
		groups[en.GroupID] = append(groups[en.GroupID], en)
	}

	queued := 0
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return queued, err
		}
		d, err := e.release(ctx, groups[id], now)
		if err != nil {
			return queued, err
		}
		metrics.Decisions.WithLabelValues(string(d)).Inc()
		if d == Queued {
			queued++
		}
	}
	if queued > 0 {
		e.log.Info("released deferred notifications", "count", queued)
	}
	return queued, nil
}

func (e *Engine) release(ctx context.Context, entries []model.NotificationLogEntry, now time.Time) (Decision, error) {
	first := entries[0]
	defer e.lockUser(first.UserID)()

	log := e.log.With("group_id", first.GroupID, "user_id", first.UserID)

	if first.RuleID != 0 && first.ListingID != "" {
		dup, err := e.isDuplicate(ctx, first.RuleID, first.ListingID, first.Price, first.DealScore, now, first.GroupID)
		if err != nil {
			return "", err
		}
		if dup {
			if err := e.store.SuppressDeferred(ctx, first.GroupID, ReasonDuplicate); err != nil {
				return "", err
			}
			log.Info("deferred notification suppressed as duplicate")
			return Deduplicated, nil
		}
	}

	pref, err := e.store.GetPreference(ctx, first.UserID)
	if err != nil {
		return "", fmt.Errorf("load preference: %w", err)
	}
	released, err := e.store.ReleaseDeferred(ctx, first.GroupID, storage.Reservation{
		UserID:    first.UserID,
		CapSince:  now.Add(-capWindow),
		MaxPerDay: pref.MaxPerDay,
	})
	if err != nil {
		return "", err
	}
	if len(released) < len(entries) {
		log.Info("deferred channels suppressed by daily cap",
			"max_per_day", pref.MaxPerDay, "suppressed", len(entries)-len(released))
	}
	if len(released) == 0 {
		return CapExceeded, nil
	}

	n := model.Notification{
		GroupID: first.GroupID,
		UserID:  first.UserID,
		Payload: first.Payload(),
	}
	if first.RuleID != 0 {
		n.RuleIDs = []int64{first.RuleID}
	}
	for _, en := range entries {
		if !slices.Contains(released, en.ID) {
			continue
		}
		en.Status = model.StatusPending
		en.ReleaseAt = nil
		n.Entries = append(n.Entries, en)
	}
	e.enqueue(ctx, n)
	return Queued, nil
}

// RunReplay calls ReplayDeferred every interval until ctx is cancelled.
func (e *Engine) RunReplay(ctx context.Context, interval time.Duration) {
	e.replay(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.replay(ctx)
		}
	}
}

func (e *Engine) replay(ctx context.Context) {
	if _, err := e.ReplayDeferred(ctx); err != nil && ctx.Err() == nil {
		e.log.Error("replay deferred notifications", "error", err)
	}
}
