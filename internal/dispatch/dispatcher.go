// Package dispatch delivers decided notifications over their channels with
// per-channel retry, rate limiting and failure isolation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"dealwatch/internal/channel"
	"dealwatch/internal/metrics"
	"dealwatch/internal/model"
	"dealwatch/internal/storage"
)

var (
	// ErrTransient wraps provider failures that were retried.
	ErrTransient = errors.New("transient delivery error")
	// ErrPermanent wraps failures that are final on the first occurrence.
	ErrPermanent = errors.New("permanent delivery error")
)

// Options tunes the dispatcher.
type Options struct {
	Workers     int
	QueueSize   int
	RetryBase   time.Duration
	RetryMax    uint64
	SendTimeout time.Duration
	// ResumeInterval is how often pending entries that are not in flight are
	// dispatched again. Entries younger than ResumeAge are left to the
	// producer that created them.
	ResumeInterval time.Duration
	ResumeAge      time.Duration
	// Rates caps provider calls per second for each channel. A channel
	// missing from the map is not limited.
	Rates map[model.Channel]rate.Limit
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Workers:        4,
		QueueSize:      256,
		RetryBase:      2 * time.Second,
		RetryMax:       3,
		SendTimeout:    30 * time.Second,
		ResumeInterval: time.Minute,
		ResumeAge:      time.Minute,
		Rates: map[model.Channel]rate.Limit{
			model.ChannelMail: 10,
			model.ChannelChat: 20,
			model.ChannelSMS:  5,
			model.ChannelPush: 20,
		},
	}
}

// Dispatcher delivers notifications. Work is partitioned by user so that one
// user's notifications are always handled by the same worker in order.
type Dispatcher struct {
	store    storage.Storage
	senders  channel.Registry
	log      *slog.Logger
	opts     Options
	limiters map[model.Channel]*rate.Limiter
	queues   []chan model.Notification
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a Dispatcher.
func New(store storage.Storage, senders channel.Registry, log *slog.Logger, opts Options) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultOptions().RetryBase
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultOptions().SendTimeout
	}
	if opts.ResumeInterval <= 0 {
		opts.ResumeInterval = DefaultOptions().ResumeInterval
	}
	d := &Dispatcher{
		store:    store,
		senders:  senders,
		log:      log,
		opts:     opts,
		limiters: make(map[model.Channel]*rate.Limiter),
		queues:   make([]chan model.Notification, opts.Workers),
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	for ch, lim := range opts.Rates {
		burst := int(lim)
		if burst < 1 {
			burst = 1
		}
		d.limiters[ch] = rate.NewLimiter(lim, burst)
	}
	for i := range d.queues {
		d.queues[i] = make(chan model.Notification, opts.QueueSize)
	}
	return d
}

// Enqueue hands a notification to its user's worker. It blocks while that
// worker's queue is full. A group that is already queued or being delivered
// is not queued twice.
func (d *Dispatcher) Enqueue(ctx context.Context, n model.Notification) error {
	_, err := d.enqueue(ctx, n)
	return err
}

func (d *Dispatcher) enqueue(ctx context.Context, n model.Notification) (bool, error) {
	if !d.claim(n.GroupID) {
		return false, nil
	}
	q := d.queues[d.partition(n.UserID)]
	select {
	case q <- n:
		return true, nil
	case <-ctx.Done():
		d.unclaim(n.GroupID)
		return false, ctx.Err()
	}
}

func (d *Dispatcher) claim(groupID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[groupID]; ok {
		return false
	}
	d.inflight[groupID] = struct{}{}
	return true
}

func (d *Dispatcher) unclaim(groupID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, groupID)
}

func (d *Dispatcher) partition(userID int64) int {
	return int(uint64(userID) % uint64(len(d.queues)))
}

// Run starts the workers, re-dispatches entries left pending by a previous
// run, and then sweeps for pending entries every ResumeInterval. It blocks
// until ctx is cancelled. Notifications still queued at that point stay
// pending in the log.
func (d *Dispatcher) Run(ctx context.Context) error {
	started := d.now()
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range d.queues {
		g.Go(func() error {
			d.work(ctx, q)
			return nil
		})
	}
	g.Go(func() error {
		d.resume(ctx, started)

		ticker := time.NewTicker(d.opts.ResumeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				d.resume(ctx, d.now().Add(-d.opts.ResumeAge))
			}
		}
	})
	return g.Wait()
}

func (d *Dispatcher) resume(ctx context.Context, before time.Time) {
	if err := d.ResumePending(ctx, before); err != nil && ctx.Err() == nil {
		d.log.Error("resume pending deliveries", "error", err)
	}
}

func (d *Dispatcher) work(ctx context.Context, q <-chan model.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-q:
			d.Deliver(ctx, n)
			d.unclaim(n.GroupID)
		}
	}
}

// ResumePending enqueues every pending entry created before the given time,
// grouped back into their notifications. Groups already in flight are
// skipped.
func (d *Dispatcher) ResumePending(ctx context.Context, before time.Time) error {
	entries, err := d.store.ListPending(ctx, before)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	var (
		order  []string
		groups = make(map[string]*model.Notification)
	)
	for _, e := range entries {
		n, ok := groups[e.GroupID]
		if !ok {
			n = &model.Notification{GroupID: e.GroupID, UserID: e.UserID, Payload: e.Payload()}
			if e.RuleID != 0 {
				n.RuleIDs = []int64{e.RuleID}
			}
			groups[e.GroupID] = n
			order = append(order, e.GroupID)
		}
		n.Entries = append(n.Entries, e)
	}
	resumed := 0
	for _, id := range order {
		queued, err := d.enqueue(ctx, *groups[id])
		if err != nil {
			return err
		}
		if queued {
			resumed++
		}
	}
	if resumed > 0 {
		d.log.Info("resumed pending deliveries", "notifications", resumed)
	}
	return nil
}

// Deliver sends every entry of n concurrently. A failure on one channel never
// affects the others. It returns once every entry reached an outcome, or nil
// when the user's preference could not be read. Entries whose preference is
// unreadable fail; entries whose store was unreachable stay pending for the
// next sweep.
func (d *Dispatcher) Deliver(ctx context.Context, n model.Notification) []model.DeliveryResult {
	pref, err := d.preference(ctx, n.UserID)
	if err != nil {
		log := d.log.With("user_id", n.UserID, "group_id", n.GroupID)
		if storage.IsUnavailable(err) || ctx.Err() != nil {
			log.Warn("preference unavailable, delivery left pending", "error", err)
			return nil
		}
		log.Error("load preference for delivery", "error", err)
		bg := context.WithoutCancel(ctx)
		reason := fmt.Sprintf("%v: load preference: %v", ErrPermanent, err)
		for _, e := range n.Entries {
			if _, err := d.store.FinalizeEntry(bg, e.ID, model.StatusFailed, d.now(), reason); err != nil {
				log.Error("finalize failed entry", "entry_id", e.ID, "error", err)
			}
			metrics.Deliveries.WithLabelValues(string(e.Channel), string(model.StatusFailed)).Inc()
		}
		return nil
	}

	results := make([]model.DeliveryResult, len(n.Entries))
	var g errgroup.Group
	for i, e := range n.Entries {
		g.Go(func() error {
			results[i] = d.deliverEntry(ctx, pref, n, e)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// preference loads the user's preference, retrying while the store is
// unreachable.
func (d *Dispatcher) preference(ctx context.Context, userID int64) (model.NotificationPreference, error) {
	var pref model.NotificationPreference
	backoff := retry.WithMaxRetries(d.opts.RetryMax, retry.NewExponential(d.opts.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		p, err := d.store.GetPreference(ctx, userID)
		switch {
		case err == nil:
			pref = p
			return nil
		case storage.IsUnavailable(err):
			return retry.RetryableError(err)
		default:
			return err
		}
	})
	return pref, err
}

// Send delivers payload to one channel of a user without recording anything
// in the notification log.
func (d *Dispatcher) Send(ctx context.Context, userID int64, ch model.Channel, p model.Payload) model.DeliveryResult {
	pref, err := d.preference(ctx, userID)
	if err != nil {
		return model.DeliveryResult{Channel: ch, Status: model.StatusPending, Err: fmt.Errorf("load preference: %w", err)}
	}
	out := d.attempt(ctx, pref, ch, p, nil)
	return model.DeliveryResult{Channel: ch, Status: out.status, Attempts: out.attempts, Err: out.err}
}

func (d *Dispatcher) deliverEntry(ctx context.Context, pref model.NotificationPreference, n model.Notification, e model.NotificationLogEntry) model.DeliveryResult {
	bg := context.WithoutCancel(ctx)
	log := d.log.With("entry_id", e.ID, "group_id", e.GroupID, "user_id", e.UserID, "channel", e.Channel)

	out := d.attempt(ctx, pref, e.Channel, n.Payload, func() {
		if err := d.store.RecordAttempt(bg, e.ID); err != nil {
			log.Error("record attempt", "error", err)
		}
	})
	res := model.DeliveryResult{
		EntryID:  e.ID,
		Channel:  e.Channel,
		Status:   out.status,
		Attempts: e.Attempts + out.attempts,
		Err:      out.err,
	}

	now := d.now()
	switch out.status {
	case model.StatusSent:
		if ok, err := d.store.FinalizeEntry(bg, e.ID, model.StatusSent, out.startedAt, ""); err != nil {
			log.Error("finalize sent entry", "error", err)
		} else if !ok {
			log.Debug("entry already finalized")
		}
		for _, ruleID := range n.RuleIDs {
			if _, err := d.store.TouchRuleTriggered(bg, ruleID, out.startedAt); err != nil {
				log.Error("touch rule", "rule_id", ruleID, "error", err)
			}
		}
		log.Info("notification sent", "attempts", res.Attempts)
	case model.StatusFailed:
		if _, err := d.store.FinalizeEntry(bg, e.ID, model.StatusFailed, now, out.err.Error()); err != nil {
			log.Error("finalize failed entry", "error", err)
		}
		log.Warn("notification failed", "attempts", res.Attempts, "error", out.err)
	case model.StatusDeferred:
		if _, err := d.store.DeferEntry(bg, e.ID, out.releaseAt); err != nil {
			log.Error("defer entry", "error", err)
		}
		log.Info("delivery deferred by quiet hours", "release_at", out.releaseAt)
	default:
		log.Info("delivery interrupted, entry left pending", "error", out.err)
	}
	metrics.Deliveries.WithLabelValues(string(e.Channel), string(out.status)).Inc()
	return res
}

type outcome struct {
	status    model.Status
	attempts  int
	startedAt time.Time
	releaseAt time.Time
	err       error
}

// attempt runs the retry loop for one channel. The returned status is sent,
// failed, deferred, or pending when ctx ended before an outcome was reached.
// Quiet hours are checked right before each provider call, and startedAt is
// the time of that check for the last call.
func (d *Dispatcher) attempt(ctx context.Context, pref model.NotificationPreference, ch model.Channel, p model.Payload, onAttempt func()) outcome {
	dest, ok := pref.Destinations[ch]
	switch {
	case !ok || dest.Address == "":
		return outcome{status: model.StatusFailed, err: fmt.Errorf("%w: no %s destination", ErrPermanent, ch)}
	case !dest.Verified:
		return outcome{status: model.StatusFailed, err: fmt.Errorf("%w: %s destination not verified", ErrPermanent, ch)}
	}
	sender := d.senders[ch]
	if sender == nil {
		return outcome{status: model.StatusFailed, err: fmt.Errorf("%w: %s: %w", ErrPermanent, ch, channel.ErrNotConfigured)}
	}

	loc := pref.Location()
	backoff := retry.WithMaxRetries(d.opts.RetryMax, retry.NewExponential(d.opts.RetryBase))

	var out outcome
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if lim := d.limiters[ch]; lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}
		now := d.now()
		if local := now.In(loc); pref.QuietHours.Contains(local) {
			out.status = model.StatusDeferred
			out.releaseAt = pref.QuietHours.NextEnd(local)
			return nil
		}

		out.startedAt = now
		out.attempts++
		if onAttempt != nil {
			onAttempt()
		}
		res := d.call(ctx, sender, ch, dest.Address, p)
		switch {
		case res.OK:
			out.status = model.StatusSent
			return nil
		case res.Retryable:
			return retry.RetryableError(fmt.Errorf("%w: %w", ErrTransient, res.Err))
		default:
			return fmt.Errorf("%w: %w", ErrPermanent, res.Err)
		}
	})

	switch {
	case out.status == model.StatusSent || out.status == model.StatusDeferred:
		out.err = nil
	case errors.Is(err, ErrPermanent), errors.Is(err, ErrTransient):
		out.status = model.StatusFailed
		out.err = err
	case ctx.Err() != nil:
		out.status = model.StatusPending
		out.err = err
	default:
		out.status = model.StatusFailed
		out.err = err
	}
	return out
}

// call runs one provider call. It is detached from ctx cancellation so that
// an in-flight send completes, bounded by SendTimeout.
func (d *Dispatcher) call(ctx context.Context, sender channel.Sender, ch model.Channel, addr string, p model.Payload) channel.Result {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.SendTimeout)
	defer cancel()

	start := time.Now()
	res := sender.Send(sendCtx, addr, p)
	metrics.SendDuration.WithLabelValues(string(ch)).Observe(metrics.Since(start))
	if !res.OK && res.Err == nil {
		res.Err = errors.New("provider reported failure")
	}
	return res
}
