package digest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"dealwatch/internal/model"
	"dealwatch/internal/storage"
)

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingQueue struct {
	mu  sync.Mutex
	got []model.Notification
}

func (q *recordingQueue) Enqueue(_ context.Context, n model.Notification) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.got = append(q.got, n)
	return nil
}

func (q *recordingQueue) notifications() []model.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.Notification(nil), q.got...)
}

func TestPeriod(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	tests := []struct {
		name      string
		freq      model.Frequency
		tz        string
		at        time.Time
		wantKey   string
		wantFlush time.Time
	}{
		{
			name:      "daily before digest time",
			freq:      model.FrequencyDaily,
			tz:        "UTC",
			at:        time.Date(2026, 5, 4, 7, 0, 0, 0, time.UTC),
			wantKey:   "daily:2026-05-04T09:00",
			wantFlush: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
		},
		{
			name:      "daily at digest time goes to next day",
			freq:      model.FrequencyDaily,
			tz:        "UTC",
			at:        time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
			wantKey:   "daily:2026-05-05T09:00",
			wantFlush: time.Date(2026, 5, 5, 9, 0, 0, 0, time.UTC),
		},
		{
			name:      "daily in user timezone",
			freq:      model.FrequencyDaily,
			tz:        "Europe/Berlin",
			at:        time.Date(2026, 5, 4, 7, 30, 0, 0, time.UTC),
			wantKey:   "daily:2026-05-05T09:00",
			wantFlush: time.Date(2026, 5, 5, 9, 0, 0, 0, berlin),
		},
		{
			name:      "weekly slot later this week",
			freq:      model.FrequencyWeekly,
			tz:        "UTC",
			at:        time.Date(2026, 5, 6, 12, 0, 0, 0, time.UTC), // Wednesday
			wantKey:   "weekly:2026-05-11T09:00",
			wantFlush: time.Date(2026, 5, 11, 9, 0, 0, 0, time.UTC),
		},
		{
			name:      "weekly on slot day before digest time",
			freq:      model.FrequencyWeekly,
			tz:        "UTC",
			at:        time.Date(2026, 5, 11, 8, 0, 0, 0, time.UTC), // Monday
			wantKey:   "weekly:2026-05-11T09:00",
			wantFlush: time.Date(2026, 5, 11, 9, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pref := model.DefaultPreference(1)
			pref.Frequency = tt.freq
			pref.Timezone = tt.tz
			pref.DigestTime = model.NewClock(9, 0)

			key, flush := Period(pref, tt.at, time.Monday)
			if key != tt.wantKey {
				t.Errorf("key = %q, want %q", key, tt.wantKey)
			}
			if !flush.Equal(tt.wantFlush) {
				t.Errorf("flush = %v, want %v", flush, tt.wantFlush)
			}
		})
	}
}

var ruleIDs = map[string]int64{"gpu": 1, "cheap": 2}

func item(listing, rule string, score float64, minute int) model.DigestItem {
	price := decimal.NewFromInt(int64(100 + minute))
	return model.DigestItem{
		UserID:    1,
		PeriodKey: "daily:2026-05-05T09:00",
		FlushAt:   time.Date(2026, 5, 5, 9, 0, 0, 0, time.UTC),
		RuleID:    ruleIDs[rule],
		RuleName:  rule,
		ListingID: listing,
		Title:     "Item " + listing,
		URL:       "https://market.example/" + listing,
		Price:     &price,
		DealScore: &score,
		MatchedAt: time.Date(2026, 5, 4, 12, minute, 0, 0, time.UTC),
	}
}

func TestAccumulatorRanksAndMergesRules(t *testing.T) {
	acc := NewAccumulator(10)
	acc.Add(item("a", "gpu", 40, 1))
	acc.Add(item("b", "gpu", 90, 2))
	acc.Add(item("a", "cheap", 40, 3))
	acc.Add(item("c", "cheap", 65, 4))
	noScore := item("d", "cheap", 0, 5)
	noScore.DealScore = nil
	acc.Add(noScore)

	type ranked struct {
		ListingID string
		Rules     []string
	}
	var got []ranked
	for _, e := range acc.Entries() {
		got = append(got, ranked{e.ListingID, e.Rules})
	}
	want := []ranked{
		{"b", []string{"gpu"}},
		{"c", []string{"cheap"}},
		{"a", []string{"gpu", "cheap"}},
		{"d", []string{"cheap"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
	if acc.Len() != 4 {
		t.Errorf("Len = %d, want 4", acc.Len())
	}
}

func TestAccumulatorCapsToTop(t *testing.T) {
	acc := NewAccumulator(10)
	for i := range 15 {
		acc.Add(item(fmt.Sprintf("l%02d", i), "gpu", float64(i), i))
	}
	entries := acc.Entries()
	if len(entries) != 10 {
		t.Fatalf("got %d entries, want 10", len(entries))
	}
	if entries[0].ListingID != "l14" || entries[9].ListingID != "l05" {
		t.Errorf("top = %s, last = %s; want l14, l05", entries[0].ListingID, entries[9].ListingID)
	}

	p := Render("daily:2026-05-05T09:00", entries, acc.Len())
	if p.Subject != "Your daily digest: 15 deals" {
		t.Errorf("subject = %q", p.Subject)
	}
	if !strings.HasSuffix(p.Body, "...and 5 more") {
		t.Errorf("body does not mention the remaining listings:\n%s", p.Body)
	}
}

func TestRender(t *testing.T) {
	acc := NewAccumulator(10)
	acc.Add(item("a", "gpu", 87, 0))
	got := Render("weekly:2026-05-11T09:00", acc.Entries(), acc.Len())
	want := model.Payload{
		Subject: "Your weekly digest: 1 deal",
		Body:    "1. Item a for 100.00 (score 87)\n[gpu]\nhttps://market.example/a",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Render mismatch (-want +got):\n%s", diff)
	}
}

type fixture struct {
	store *storage.SQLite
	queue *recordingQueue
	agg   *Aggregator
	now   time.Time
}

func setup(t *testing.T, edit func(*model.NotificationPreference)) *fixture {
	t.Helper()
	f := &fixture{store: newTestStore(t), queue: &recordingQueue{}}

	pref := model.DefaultPreference(1)
	pref.Frequency = model.FrequencyDaily
	pref.DigestTime = model.NewClock(9, 0)
	pref.Channels = []model.Channel{model.ChannelMail, model.ChannelChat}
	if edit != nil {
		edit(&pref)
	}
	if err := f.store.SavePreference(context.Background(), &pref); err != nil {
		t.Fatalf("save preference: %v", err)
	}

	f.now = time.Date(2026, 5, 5, 9, 0, 0, 0, time.UTC)
	f.agg = New(f.store, f.queue, testLogger(), 10)
	f.agg.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) add(t *testing.T, items ...model.DigestItem) {
	t.Helper()
	for _, it := range items {
		if _, err := f.store.AddDigestItem(context.Background(), it); err != nil {
			t.Fatalf("add digest item: %v", err)
		}
	}
}

func (f *fixture) flush(t *testing.T) int {
	t.Helper()
	n, err := f.agg.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	return n
}

func TestFlushWithoutMatchesSendsNothing(t *testing.T) {
	f := setup(t, nil)
	if n := f.flush(t); n != 0 {
		t.Errorf("flushed %d digests, want 0", n)
	}
	if got := f.queue.notifications(); len(got) != 0 {
		t.Errorf("queued %d notifications, want 0", len(got))
	}
}

func TestFlushSendsOneDigestPerPeriod(t *testing.T) {
	f := setup(t, nil)
	f.add(t, item("a", "gpu", 40, 1), item("b", "gpu", 90, 2), item("a", "cheap", 40, 3))

	f.now = time.Date(2026, 5, 5, 8, 59, 0, 0, time.UTC)
	if n := f.flush(t); n != 0 {
		t.Fatalf("flushed %d digests before the period closed, want 0", n)
	}

	f.now = time.Date(2026, 5, 5, 9, 0, 0, 0, time.UTC)
	if n := f.flush(t); n != 1 {
		t.Fatalf("flushed %d digests, want 1", n)
	}
	got := f.queue.notifications()
	if len(got) != 1 {
		t.Fatalf("queued %d notifications, want 1", len(got))
	}
	var channels []model.Channel
	for _, e := range got[0].Entries {
		if e.Kind != model.KindDigest || e.GroupID != got[0].GroupID {
			t.Errorf("entry %+v is not part of the digest group", e)
		}
		channels = append(channels, e.Channel)
	}
	if diff := cmp.Diff([]model.Channel{model.ChannelMail, model.ChannelChat}, channels); diff != "" {
		t.Errorf("channels mismatch (-want +got):\n%s", diff)
	}
	if got[0].Payload.Subject != "Your daily digest: 2 deals" {
		t.Errorf("subject = %q", got[0].Payload.Subject)
	}

	f.now = f.now.Add(time.Minute)
	if n := f.flush(t); n != 0 {
		t.Errorf("second flush sent %d digests, want 0", n)
	}
	if n := len(f.queue.notifications()); n != 1 {
		t.Errorf("queued %d notifications after second flush, want 1", n)
	}
}

func TestFlushHeldDuringQuietHours(t *testing.T) {
	f := setup(t, func(p *model.NotificationPreference) {
		p.DigestTime = model.NewClock(7, 0)
		p.QuietHours = model.QuietHours{Enabled: true, Start: model.NewClock(22, 0), End: model.NewClock(8, 0)}
	})
	it := item("a", "gpu", 40, 1)
	it.PeriodKey = "daily:2026-05-05T07:00"
	it.FlushAt = time.Date(2026, 5, 5, 7, 0, 0, 0, time.UTC)
	f.add(t, it)

	f.now = time.Date(2026, 5, 5, 7, 0, 0, 0, time.UTC)
	if n := f.flush(t); n != 0 {
		t.Fatalf("flushed %d digests inside quiet hours, want 0", n)
	}
	f.now = time.Date(2026, 5, 5, 8, 0, 0, 0, time.UTC)
	if n := f.flush(t); n != 1 {
		t.Fatalf("flushed %d digests after quiet hours, want 1", n)
	}
}

func TestFlushRespectsCap(t *testing.T) {
	f := setup(t, func(p *model.NotificationPreference) { p.MaxPerDay = 0 })
	f.add(t, item("a", "gpu", 40, 1))

	if n := f.flush(t); n != 0 {
		t.Fatalf("flushed %d digests, want 0", n)
	}
	entries, err := f.store.ListHistory(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for _, e := range entries {
		if e.Status != model.StatusSuppressed || e.FailureReason != "notifications disabled" {
			t.Errorf("entry %s: status %s reason %q, want suppressed", e.Channel, e.Status, e.FailureReason)
		}
	}
	if len(entries) != 2 {
		t.Errorf("got %d history entries, want 2", len(entries))
	}
	if n := f.flush(t); n != 0 {
		t.Errorf("second flush sent %d digests, want 0", n)
	}
}
