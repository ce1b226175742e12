// Package ingest turns marketplace listing feeds (RSS or Atom, with Google
// Merchant and GeoRSS extensions) into normalized listings.
package ingest

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/shopspring/decimal"

	"dealwatch/internal/model"
	"dealwatch/internal/storage"
)

const maxFeedSize = 5 * 1024 * 1024

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Collector polls listing feeds and upserts their items into the store.
type Collector struct {
	client  HTTPClient
	store   storage.Storage
	log     *slog.Logger
	feeds   []string
	timeout time.Duration
	now     func() time.Time
}

// New creates a Collector for the given feed URLs.
func New(client HTTPClient, store storage.Storage, log *slog.Logger, feeds []string) *Collector {
	return &Collector{
		client:  client,
		store:   store,
		log:     log,
		feeds:   feeds,
		timeout: 30 * time.Second,
		now:     time.Now,
	}
}

// Run collects immediately and then every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	c.collect(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	n, err := c.CollectOnce(ctx)
	if err != nil && ctx.Err() == nil {
		c.log.Error("collect listings", "error", err)
	}
	if n > 0 {
		c.log.Info("collected listings", "count", n)
	}
}

// CollectOnce fetches every feed and upserts its items. A failing feed does
// not stop the others; their errors are joined.
func (c *Collector) CollectOnce(ctx context.Context) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, feedURL := range c.feeds {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := c.collectFeed(ctx, feedURL)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", feedURL, err))
		}
	}
	return total, errors.Join(errs...)
}

func (c *Collector) collectFeed(ctx context.Context, feedURL string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	feed, err := c.Fetch(ctx, feedURL)
	if err != nil {
		return 0, err
	}
	source := sourceName(feedURL)
	now := c.now()

	n := 0
	for _, item := range feed.Items {
		l := ToListing(source, item, now)
		if err := c.store.UpsertListing(ctx, &l); err != nil {
			return n, err
		}
		n++
	}
	c.log.Debug("feed collected", "source", source, "items", n)
	return n, nil
}

// Fetch downloads and parses a feed from the given URL.
func (c *Collector) Fetch(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "dealwatch/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// ItemGUID returns the GUID for a feed item.
// If the item has no GUID, a SHA-256 hash of title+link is used.
func ItemGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}

func sourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Host == "" {
		return feedURL
	}
	return u.Host
}

// ToListing maps a feed item to a listing first seen at now.
func ToListing(source string, item *gofeed.Item, now time.Time) model.Listing {
	l := model.Listing{
		ID:          source + ":" + ItemGUID(item),
		Source:      source,
		Title:       strings.TrimSpace(item.Title),
		URL:         item.Link,
		FirstSeenAt: now,
		Available:   true,
	}

	if len(item.Categories) > 0 {
		l.Category = strings.TrimSpace(item.Categories[0])
	} else if pt := extValue(item, "g", "product_type"); pt != "" {
		top, _, _ := strings.Cut(pt, ">")
		l.Category = strings.TrimSpace(top)
	}
	l.Price = parsePrice(extValue(item, "g", "price"))
	l.Condition = parseCondition(extValue(item, "g", "condition"))
	if av := extValue(item, "g", "availability"); av != "" {
		l.Available = !strings.EqualFold(av, "out of stock") && !strings.EqualFold(av, "out_of_stock")
	}
	if p := parsePoint(extValue(item, "georss", "point")); p != nil {
		l.Location.Point = p
	}
	if score, err := strconv.ParseFloat(extValue(item, "dw", "deal_score"), 64); err == nil {
		l.DealScore = &score
	}
	return l
}

func extValue(item *gofeed.Item, prefix, name string) string {
	if item.Extensions == nil {
		return ""
	}
	vals := item.Extensions[prefix][name]
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0].Value)
}

// parsePrice reads "449.00 EUR" or "449.00".
func parsePrice(s string) *decimal.Decimal {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	d, err := decimal.NewFromString(fields[0])
	if err != nil || d.IsNegative() {
		return nil
	}
	return &d
}

func parseCondition(s string) model.Condition {
	switch c := model.Condition(strings.ToLower(s)); c {
	case "used":
		return model.ConditionGood
	case "refurbished":
		return model.ConditionLikeNew
	default:
		if c.Valid() {
			return c
		}
		return model.ConditionUnknown
	}
}

// parsePoint reads a GeoRSS "lat lon" pair.
func parsePoint(s string) *model.GeoPoint {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return nil
	}
	lat, err1 := strconv.ParseFloat(fields[0], 64)
	lon, err2 := strconv.ParseFloat(fields[1], 64)
	if err1 != nil || err2 != nil {
		return nil
	}
	return &model.GeoPoint{Lat: lat, Lon: lon}
}
