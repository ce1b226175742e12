// Package scheduler periodically scans new listings against the enabled alert
// rules and hands every match to the notification policy.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dealwatch/internal/matcher"
	"dealwatch/internal/metrics"
	"dealwatch/internal/model"
	"dealwatch/internal/policy"
	"dealwatch/internal/storage"
)

const highWaterName = "scan"

// Handler decides what happens to a match.
type Handler interface {
	Handle(ctx context.Context, ev model.MatchEvent) (policy.Decision, error)
}

// Publisher receives a copy of every match. Publishing is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev model.MatchEvent) error
}

// Result summarizes one scan run. Failed counts matches the policy could not
// decide because of a problem tied to that match, such as an unreadable
// preference row.
type Result struct {
	Listings  int
	Matches   int
	Failed    int
	Decisions map[policy.Decision]int
	HighWater int64
}

// Scheduler runs scans of listings seen since the last completed scan.
type Scheduler struct {
	store     storage.Storage
	handler   Handler
	publisher Publisher
	log       *slog.Logger
	tick      time.Duration
	timeout   time.Duration
	now       func() time.Time
	match     func(model.Listing, model.AlertRule) bool
}

// New creates a Scheduler. publisher may be nil.
func New(store storage.Storage, handler Handler, publisher Publisher, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		handler:   handler,
		publisher: publisher,
		log:       log,
		tick:      5 * time.Minute,
		timeout:   4 * time.Minute,
		now:       time.Now,
		match:     matcher.Evaluate,
	}
}

// SetTickInterval overrides the default 5-minute scan interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// SetTimeout overrides the default 4-minute limit of a single run.
func (s *Scheduler) SetTimeout(d time.Duration) {
	s.timeout = d
}

// Run scans immediately and then every tick, blocking until ctx is cancelled.
// A failed run is retried at the next tick from the same high-water mark.
func (s *Scheduler) Run(ctx context.Context) {
	s.scan(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scheduler) scan(ctx context.Context) {
	res, err := s.RunOnce(ctx)
	switch {
	case err == nil:
		if res.Matches > 0 || res.Failed > 0 {
			s.log.Info("scan finished", "listings", res.Listings, "matches", res.Matches, "failed", res.Failed)
		}
	case ctx.Err() != nil:
	case errors.Is(err, storage.ErrUnavailable):
		s.log.Error("scan aborted, retrying next interval", "error", err)
	default:
		s.log.Warn("scan incomplete", "listings", res.Listings, "matches", res.Matches, "error", err)
	}
}

// RunOnce scans every listing inserted, or whose availability changed, after
// the high-water seq. The mark advances only when no store failure occurred
// and the run finished within its timeout.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	res, err := s.runOnce(ctx)

	outcome := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	metrics.ScanDuration.WithLabelValues(outcome).Observe(metrics.Since(start))
	metrics.ListingsScanned.Add(float64(res.Listings))
	metrics.Matches.Add(float64(res.Matches))
	return res, err
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, storage.ErrUnavailable, err)
}

func (s *Scheduler) runOnce(parent context.Context) (Result, error) {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	res := Result{Decisions: make(map[policy.Decision]int)}

	hwm, err := s.store.GetHighWater(ctx, highWaterName)
	if err != nil {
		return res, unavailable("read high water", err)
	}
	res.HighWater = hwm

	listings, err := s.store.ListListingsAfter(ctx, hwm, 0)
	if err != nil {
		return res, unavailable("list listings", err)
	}
	if len(listings) == 0 {
		return res, nil
	}
	rules, err := s.store.ListEnabledRules(ctx)
	if err != nil {
		return res, unavailable("list rules", err)
	}
	idx := matcher.NewIndex(rules)

	now := s.now()
	next := hwm
	evaluated := make([]string, 0, len(listings))

	for _, l := range listings {
		if err := ctx.Err(); err != nil {
			break
		}
		if err := s.emitMatches(ctx, idx, l, now, &res); err != nil {
			if ctx.Err() != nil {
				break
			}
			return res, unavailable("hand off match", err)
		}
		res.Listings++
		evaluated = append(evaluated, l.ID)
		next = max(next, l.Seq)
	}

	// Marking is bookkeeping for completed listings and must survive a
	// timed out run.
	if err := s.store.MarkEvaluated(context.WithoutCancel(ctx), evaluated, now); err != nil {
		return res, unavailable("mark evaluated", err)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := s.store.AdvanceHighWater(ctx, highWaterName, next); err != nil {
		return res, unavailable("advance high water", err)
	}
	res.HighWater = next
	return res, nil
}

func (s *Scheduler) emitMatches(ctx context.Context, idx *matcher.Index, l model.Listing, now time.Time, res *Result) error {
	if !l.Available {
		return nil
	}
	for _, r := range idx.Candidates(l) {
		if !s.evaluate(l, r) {
			continue
		}
		ev := newEvent(l, r, now)
		d, err := s.handler.Handle(ctx, ev)
		switch {
		case err == nil:
		case ctx.Err() != nil, storage.IsUnavailable(err):
			return err
		default:
			s.log.Error("handle match", "rule_id", r.ID, "user_id", r.UserID, "listing_id", l.ID, "error", err)
			res.Failed++
			continue
		}
		res.Matches++
		res.Decisions[d]++
		if s.publisher != nil {
			if err := s.publisher.Publish(ctx, ev); err != nil {
				s.log.Warn("publish match event", "rule_id", r.ID, "listing_id", l.ID, "error", err)
			}
		}
	}
	return nil
}

// evaluate runs the matcher for one pair. A panic fails only that pair.
func (s *Scheduler) evaluate(l model.Listing, r model.AlertRule) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("rule evaluation panicked", "rule_id", r.ID, "listing_id", l.ID, "panic", p)
			ok = false
		}
	}()
	return s.match(l, r)
}

// TestRule evaluates rule, as if enabled, against the newest limit listings
// and returns the ones that match. Nothing is emitted.
func (s *Scheduler) TestRule(ctx context.Context, rule model.AlertRule, limit int) ([]model.Listing, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	rule.Enabled = true

	listings, err := s.store.ListRecentListings(ctx, limit)
	if err != nil {
		return nil, unavailable("list recent listings", err)
	}
	var matched []model.Listing
	for _, l := range listings {
		if s.evaluate(l, rule) {
			matched = append(matched, l)
		}
	}
	return matched, nil
}

func newEvent(l model.Listing, r model.AlertRule, now time.Time) model.MatchEvent {
	return model.MatchEvent{
		RuleID:    r.ID,
		RuleName:  r.Name,
		UserID:    r.UserID,
		ListingID: l.ID,
		Title:     l.Title,
		Category:  l.Category,
		URL:       l.URL,
		Price:     l.Price,
		DealScore: l.DealScore,
		Channels:  r.Channels,
		MatchedAt: now,
	}
}
