package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	"github.com/shopspring/decimal"

	"dealwatch/internal/model"
	"dealwatch/internal/storage"
)

type mockTransport struct {
	body       string
	statusCode int
	err        error
}

func (m *mockTransport) Do(_ *http.Request) (*http.Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

func loadFixture(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path) //nolint:gosec // test-only fixture loading
	if err != nil {
		t.Fatalf("read fixture %s: %v", path, err)
	}
	return string(data)
}

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

func TestFetch(t *testing.T) {
	xml := loadFixture(t, "../../testdata/listings.xml")

	tests := []struct {
		name      string
		transport *mockTransport
		wantTitle string
		wantItems int
		wantErr   bool
	}{
		{
			name:      "successful fetch",
			transport: &mockTransport{body: xml, statusCode: 200},
			wantTitle: "Secondhand Market: Electronics",
			wantItems: 3,
		},
		{
			name:      "http error status",
			transport: &mockTransport{statusCode: 503},
			wantErr:   true,
		},
		{
			name:      "network error",
			transport: &mockTransport{err: errors.New("connection refused")},
			wantErr:   true,
		},
		{
			name:      "invalid body",
			transport: &mockTransport{body: "not a feed", statusCode: 200},
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.transport, nil, testLogger(), nil)
			feed, err := c.Fetch(context.Background(), "https://market.example/feed.xml")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Fetch() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if feed.Title != tt.wantTitle {
				t.Errorf("title = %q, want %q", feed.Title, tt.wantTitle)
			}
			if len(feed.Items) != tt.wantItems {
				t.Errorf("items = %d, want %d", len(feed.Items), tt.wantItems)
			}
		})
	}
}

func extensions(fields map[string]map[string]string) ext.Extensions {
	out := ext.Extensions{}
	for prefix, values := range fields {
		out[prefix] = map[string][]ext.Extension{}
		for name, v := range values {
			out[prefix][name] = []ext.Extension{{Name: name, Value: v}}
		}
	}
	return out
}

func TestToListing(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	price := decimal.RequireFromString("449.00")
	score := 82.5

	tests := []struct {
		name string
		item *gofeed.Item
		want model.Listing
	}{
		{
			name: "merchant fields",
			item: &gofeed.Item{
				Title:      " RTX 4070 ",
				Link:       "https://market.example/items/1001",
				GUID:       "market-1001",
				Categories: []string{"Electronics"},
				Extensions: extensions(map[string]map[string]string{
					"g":      {"price": "449.00 EUR", "condition": "used", "availability": "in stock"},
					"georss": {"point": "52.52 13.405"},
					"dw":     {"deal_score": "82.5"},
				}),
			},
			want: model.Listing{
				ID:          "market.example:market-1001",
				Source:      "market.example",
				Title:       "RTX 4070",
				Category:    "Electronics",
				URL:         "https://market.example/items/1001",
				Price:       &price,
				Condition:   model.ConditionGood,
				Location:    model.Location{Point: &model.GeoPoint{Lat: 52.52, Lon: 13.405}},
				DealScore:   &score,
				FirstSeenAt: now,
				Available:   true,
			},
		},
		{
			name: "product type and out of stock",
			item: &gofeed.Item{
				Title: "Keyboard",
				Link:  "https://market.example/items/1002",
				GUID:  "market-1002",
				Extensions: extensions(map[string]map[string]string{
					"g": {"product_type": "Computers > Accessories", "condition": "refurbished", "availability": "out of stock"},
				}),
			},
			want: model.Listing{
				ID:          "market.example:market-1002",
				Source:      "market.example",
				Title:       "Keyboard",
				Category:    "Computers",
				URL:         "https://market.example/items/1002",
				Condition:   model.ConditionLikeNew,
				FirstSeenAt: now,
			},
		},
		{
			name: "bare item",
			item: &gofeed.Item{Title: "Boxes", Link: "https://market.example/items/1003"},
			want: model.Listing{
				ID:          "market.example:" + ItemGUID(&gofeed.Item{Title: "Boxes", Link: "https://market.example/items/1003"}),
				Source:      "market.example",
				Title:       "Boxes",
				URL:         "https://market.example/items/1003",
				FirstSeenAt: now,
				Available:   true,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToListing("market.example", tt.item, now)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ToListing mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestItemGUID(t *testing.T) {
	if got := ItemGUID(&gofeed.Item{GUID: "abc"}); got != "abc" {
		t.Errorf("ItemGUID = %q, want abc", got)
	}
	a := ItemGUID(&gofeed.Item{Title: "x", Link: "https://a"})
	b := ItemGUID(&gofeed.Item{Title: "x", Link: "https://b"})
	if a == b {
		t.Error("different links produced the same hash")
	}
}

func TestCollectOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	xml := loadFixture(t, "../../testdata/listings.xml")

	c := New(&mockTransport{body: xml, statusCode: 200}, store, testLogger(), []string{"https://market.example/feed.xml"})
	first := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return first }

	n, err := c.CollectOnce(ctx)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if n != 3 {
		t.Errorf("collected %d listings, want 3", n)
	}

	l, err := store.GetListing(ctx, "market.example:market-1001")
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if l.Title != "RTX 4070 graphics card, boxed" || l.Category != "Electronics" {
		t.Errorf("listing = %q in %q", l.Title, l.Category)
	}

	// A second poll refreshes listings but keeps their first-seen time.
	c.now = func() time.Time { return first.Add(time.Hour) }
	if _, err := c.CollectOnce(ctx); err != nil {
		t.Fatalf("second collect: %v", err)
	}
	l, err = store.GetListing(ctx, "market.example:market-1001")
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if !l.FirstSeenAt.Equal(first) {
		t.Errorf("first seen = %v, want %v", l.FirstSeenAt, first)
	}
}

func TestCollectOnceContinuesAfterFailingFeed(t *testing.T) {
	store := newTestStore(t)
	c := New(&mockTransport{statusCode: 500}, store, testLogger(), []string{
		"https://a.example/feed.xml",
		"https://b.example/feed.xml",
	})
	n, err := c.CollectOnce(context.Background())
	if n != 0 || err == nil {
		t.Fatalf("CollectOnce = %d, %v; want 0 and an error", n, err)
	}
	for _, host := range []string{"a.example", "b.example"} {
		if !strings.Contains(err.Error(), host) {
			t.Errorf("error %q does not mention %s", err, host)
		}
	}
}
