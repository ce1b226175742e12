// Package policy decides what happens to each match: dropped, deduplicated,
// batched into a digest, deferred by quiet hours, suppressed by the daily cap
// or queued for delivery.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dealwatch/internal/digest"
	"dealwatch/internal/metrics"
	"dealwatch/internal/model"
	"dealwatch/internal/storage"
)

// Decision is the terminal policy state of a match.
type Decision string

// Policy decisions.
const (
	Filtered           Decision = "filtered"
	Deduplicated       Decision = "deduplicated"
	DigestScheduled    Decision = "digest_scheduled"
	QuietHoursDeferred Decision = "quiet_hours_deferred"
	CapExceeded        Decision = "cap_exceeded"
	Queued             Decision = "queued"
)

// ReasonDuplicate is recorded when a deferred notification turns out to be a
// repeat at release time.
const ReasonDuplicate = "duplicate"

// capWindow is the rolling window of the daily cap.
const capWindow = 24 * time.Hour

const lockStripes = 64

// Queue accepts notifications for delivery.
type Queue interface {
	Enqueue(ctx context.Context, n model.Notification) error
}

// Options tunes the policy engine.
type Options struct {
	DedupWindow time.Duration
	// PriceDropPct and ScoreRisePct are the changes, in percent of the
	// previously notified values, that let a repeat match through dedup.
	PriceDropPct float64
	ScoreRisePct float64
	WeeklyDigest time.Weekday
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		DedupWindow:  24 * time.Hour,
		PriceDropPct: 10,
		ScoreRisePct: 10,
		WeeklyDigest: time.Monday,
	}
}

// Engine applies notification policy to match events.
type Engine struct {
	store storage.Storage
	queue Queue
	log   *slog.Logger
	opts  Options
	locks [lockStripes]sync.Mutex
	now   func() time.Time
}

// New creates an Engine.
func New(store storage.Storage, queue Queue, log *slog.Logger, opts Options) *Engine {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultOptions().DedupWindow
	}
	return &Engine{
		store: store,
		queue: queue,
		log:   log,
		opts:  opts,
		now:   time.Now,
	}
}

// lockUser serializes policy work for one user. Users share stripes, which
// only costs some parallelism.
func (e *Engine) lockUser(userID int64) func() {
	mu := &e.locks[uint64(userID)%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Handle decides the fate of one match. Every decision except Filtered and
// Deduplicated leaves a durable record; an error means nothing was recorded
// and the match must be handled again.
func (e *Engine) Handle(ctx context.Context, ev model.MatchEvent) (Decision, error) {
	defer e.lockUser(ev.UserID)()

	d, err := e.decide(ctx, ev)
	if err != nil {
		return "", err
	}
	metrics.Decisions.WithLabelValues(string(d)).Inc()
	e.log.Debug("policy decision",
		"decision", d, "rule_id", ev.RuleID, "listing_id", ev.ListingID, "user_id", ev.UserID)
	return d, nil
}

func (e *Engine) decide(ctx context.Context, ev model.MatchEvent) (Decision, error) {
	pref, err := e.store.GetPreference(ctx, ev.UserID)
	if err != nil {
		return "", fmt.Errorf("load preference: %w", err)
	}
	now := e.now()

	if !pref.AllowsCategory(ev.Category) {
		return Filtered, nil
	}
	channels := pref.EffectiveChannels(ev.Channels)
	if len(channels) == 0 {
		return Filtered, nil
	}

	dup, err := e.isDuplicate(ctx, ev.RuleID, ev.ListingID, ev.Price, ev.DealScore, now, "")
	if err != nil {
		return "", err
	}
	if dup {
		return Deduplicated, nil
	}

	if pref.Frequency == model.FrequencyDaily || pref.Frequency == model.FrequencyWeekly {
		key, flushAt := digest.Period(pref, ev.MatchedAt, e.opts.WeeklyDigest)
		_, err := e.store.AddDigestItem(ctx, model.DigestItem{
			UserID:    ev.UserID,
			PeriodKey: key,
			FlushAt:   flushAt,
			RuleID:    ev.RuleID,
			RuleName:  ev.RuleName,
			ListingID: ev.ListingID,
			Title:     ev.Title,
			URL:       ev.URL,
			Price:     ev.Price,
			DealScore: ev.DealScore,
			MatchedAt: ev.MatchedAt,
		})
		if err != nil {
			return "", fmt.Errorf("add digest item: %w", err)
		}
		return DigestScheduled, nil
	}

	n := e.notification(ev, channels, now)

	if local := now.In(pref.Location()); pref.QuietHours.Contains(local) {
		release := pref.QuietHours.NextEnd(local)
		for i := range n.Entries {
			n.Entries[i].Status = model.StatusDeferred
			n.Entries[i].ReleaseAt = &release
		}
		if err := e.store.InsertLogEntries(ctx, n.Entries); err != nil {
			return "", fmt.Errorf("store deferred entries: %w", err)
		}
		return QuietHoursDeferred, nil
	}

	reserved, err := e.store.Reserve(ctx, storage.Reservation{
		UserID:    ev.UserID,
		Entries:   n.Entries,
		CapSince:  now.Add(-capWindow),
		MaxPerDay: pref.MaxPerDay,
	})
	if err != nil {
		return "", fmt.Errorf("reserve notification: %w", err)
	}
	if reserved < len(n.Entries) {
		e.log.Info("channels suppressed by daily cap",
			"user_id", ev.UserID, "rule_id", ev.RuleID, "listing_id", ev.ListingID,
			"max_per_day", pref.MaxPerDay, "suppressed", len(n.Entries)-reserved)
	}
	if reserved == 0 {
		return CapExceeded, nil
	}

	n.Entries = n.Entries[:reserved]
	e.enqueue(ctx, n)
	return Queued, nil
}

// enqueue hands n to the dispatcher. Its entries are already pending in the
// log, so a failed handoff is picked up by the dispatcher's resume.
func (e *Engine) enqueue(ctx context.Context, n model.Notification) {
	if err := e.queue.Enqueue(ctx, n); err != nil {
		e.log.Warn("enqueue notification", "group_id", n.GroupID, "user_id", n.UserID, "error", err)
	}
}

func (e *Engine) notification(ev model.MatchEvent, channels []model.Channel, now time.Time) model.Notification {
	p := Render(ev)
	n := model.Notification{
		GroupID: uuid.NewString(),
		UserID:  ev.UserID,
		RuleIDs: []int64{ev.RuleID},
		Payload: p,
	}
	for _, ch := range channels {
		n.Entries = append(n.Entries, model.NotificationLogEntry{
			ID:        uuid.NewString(),
			GroupID:   n.GroupID,
			UserID:    ev.UserID,
			RuleID:    ev.RuleID,
			ListingID: ev.ListingID,
			Kind:      model.KindImmediate,
			Channel:   ch,
			Subject:   p.Subject,
			Body:      p.Body,
			URL:       p.URL,
			Price:     ev.Price,
			DealScore: ev.DealScore,
			Status:    model.StatusPending,
			CreatedAt: now,
		})
	}
	return n
}

// isDuplicate reports whether (rule, listing) already has a non-failed entry
// inside the dedup window and neither price nor score changed materially
// since.
func (e *Engine) isDuplicate(ctx context.Context, ruleID int64, listingID string, price *decimal.Decimal, score *float64, now time.Time, excludeGroup string) (bool, error) {
	prev, err := e.store.FindRecentDelivery(ctx, ruleID, listingID, now.Add(-e.opts.DedupWindow), excludeGroup)
	if err != nil {
		return false, fmt.Errorf("find recent delivery: %w", err)
	}
	if prev == nil {
		return false, nil
	}
	return !e.materialChange(prev.Price, price, prev.DealScore, score), nil
}

func (e *Engine) materialChange(oldPrice, newPrice *decimal.Decimal, oldScore, newScore *float64) bool {
	if oldPrice != nil && newPrice != nil && oldPrice.IsPositive() {
		drop := oldPrice.Sub(*newPrice).Div(*oldPrice).Mul(decimal.NewFromInt(100))
		if drop.GreaterThanOrEqual(decimal.NewFromFloat(e.opts.PriceDropPct)) {
			return true
		}
	}
	if oldScore != nil && newScore != nil {
		if *oldScore <= 0 {
			return *newScore > *oldScore
		}
		rise := (*newScore - *oldScore) / *oldScore * 100
		if rise >= e.opts.ScoreRisePct {
			return true
		}
	}
	return false
}
