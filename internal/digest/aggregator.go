// Package digest batches matches of users with daily or weekly frequency into
// one notification per period.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"dealwatch/internal/metrics"
	"dealwatch/internal/model"
	"dealwatch/internal/storage"
)

const capWindow = 24 * time.Hour

// Queue accepts notifications for delivery.
type Queue interface {
	Enqueue(ctx context.Context, n model.Notification) error
}

// Aggregator flushes closed digest periods.
type Aggregator struct {
	store    storage.Storage
	queue    Queue
	log      *slog.Logger
	maxItems int
	now      func() time.Time
}

// New creates an Aggregator that puts at most maxItems listings in a digest.
func New(store storage.Storage, queue Queue, log *slog.Logger, maxItems int) *Aggregator {
	return &Aggregator{
		store:    store,
		queue:    queue,
		log:      log,
		maxItems: maxItems,
		now:      time.Now,
	}
}

// Run flushes due digests every interval until ctx is cancelled. Each flush
// is bounded by the interval.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	a.flush(ctx, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.flush(ctx, interval)
		}
	}
}

func (a *Aggregator) flush(ctx context.Context, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := a.Flush(ctx); err != nil && ctx.Err() == nil {
		a.log.Error("flush digests", "error", err)
	}
}

// Flush delivers every closed, unflushed period. Users inside quiet hours are
// skipped until a later flush. It returns the number of digests queued.
func (a *Aggregator) Flush(ctx context.Context) (int, error) {
	now := a.now()
	buckets, err := a.store.ListDueDigests(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due digests: %w", err)
	}

	queued := 0
	for _, b := range buckets {
		if err := ctx.Err(); err != nil {
			return queued, err
		}
		outcome, err := a.flushBucket(ctx, b, now)
		if err != nil {
			return queued, fmt.Errorf("flush digest %s for user %d: %w", b.PeriodKey, b.UserID, err)
		}
		metrics.DigestsFlushed.WithLabelValues(outcome).Inc()
		if outcome == "queued" {
			queued++
		}
	}
	return queued, nil
}

func (a *Aggregator) flushBucket(ctx context.Context, b model.DigestBucket, now time.Time) (string, error) {
	log := a.log.With("user_id", b.UserID, "period", b.PeriodKey)

	pref, err := a.store.GetPreference(ctx, b.UserID)
	if err != nil {
		return "", fmt.Errorf("load preference: %w", err)
	}
	if pref.QuietHours.Contains(now.In(pref.Location())) {
		log.Debug("digest held by quiet hours")
		return "quiet_hours", nil
	}

	items, err := a.store.ListDigestItems(ctx, b.UserID, b.PeriodKey)
	if err != nil {
		return "", fmt.Errorf("list items: %w", err)
	}
	acc := NewAccumulator(a.maxItems)
	for _, it := range items {
		acc.Add(it)
	}
	if acc.Len() == 0 {
		return "empty", nil
	}

	entries := acc.Entries()
	n := model.Notification{
		GroupID: uuid.NewString(),
		UserID:  b.UserID,
		Payload: Render(b.PeriodKey, entries, acc.Len()),
	}
	for _, ch := range pref.Channels {
		n.Entries = append(n.Entries, model.NotificationLogEntry{
			ID:        uuid.NewString(),
			GroupID:   n.GroupID,
			UserID:    b.UserID,
			Kind:      model.KindDigest,
			Channel:   ch,
			Subject:   n.Payload.Subject,
			Body:      n.Payload.Body,
			Status:    model.StatusPending,
			CreatedAt: now,
		})
	}

	outcome, reserved, err := a.store.ReserveDigest(ctx, storage.DigestReservation{
		Reservation: storage.Reservation{
			UserID:    b.UserID,
			Entries:   n.Entries,
			CapSince:  now.Add(-capWindow),
			MaxPerDay: pref.MaxPerDay,
		},
		PeriodKey: b.PeriodKey,
		ItemCount: len(entries),
		FlushedAt: now,
	})
	if err != nil {
		return "", err
	}
	switch outcome {
	case storage.DigestAlreadyFlushed:
		return "already_flushed", nil
	case storage.DigestCapExceeded:
		log.Info("digest suppressed by daily cap", "max_per_day", pref.MaxPerDay)
		return "cap_exceeded", nil
	}

	n.Entries = n.Entries[:reserved]
	if len(n.Entries) > 0 {
		if err := a.queue.Enqueue(ctx, n); err != nil {
			log.Warn("enqueue digest", "group_id", n.GroupID, "error", err)
		}
	}
	log.Info("digest flushed", "group_id", n.GroupID, "listings", len(entries), "channels", len(n.Entries))
	return "queued", nil
}
