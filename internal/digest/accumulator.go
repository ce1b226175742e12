package digest

import (
	"cmp"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"dealwatch/internal/model"
)

// Entry is one listing in a digest.
type Entry struct {
	ListingID string
	Title     string
	URL       string
	Price     *decimal.Decimal
	DealScore *float64
	Rules     []string
	MatchedAt time.Time
}

// Accumulator reduces the matches of one digest period to the ranked entries
// of a single digest. A listing matched by several rules appears once with
// every rule name attached.
type Accumulator struct {
	limit     int
	byListing map[string]*Entry
	order     []string
}

// NewAccumulator returns an Accumulator that keeps at most limit entries.
func NewAccumulator(limit int) *Accumulator {
	return &Accumulator{limit: limit, byListing: make(map[string]*Entry)}
}

// Add folds one match into the accumulator.
func (a *Accumulator) Add(it model.DigestItem) {
	e, ok := a.byListing[it.ListingID]
	if !ok {
		e = &Entry{
			ListingID: it.ListingID,
			Title:     it.Title,
			URL:       it.URL,
			Price:     it.Price,
			DealScore: it.DealScore,
			MatchedAt: it.MatchedAt,
		}
		a.byListing[it.ListingID] = e
		a.order = append(a.order, it.ListingID)
	} else if it.MatchedAt.After(e.MatchedAt) {
		// Keep the latest snapshot of the listing.
		e.Title, e.URL, e.Price, e.DealScore = it.Title, it.URL, it.Price, it.DealScore
	}
	if it.RuleName != "" && !slices.Contains(e.Rules, it.RuleName) {
		e.Rules = append(e.Rules, it.RuleName)
	}
}

// Len returns the number of distinct listings added.
func (a *Accumulator) Len() int {
	return len(a.order)
}

// Entries returns the listings ranked by deal score, highest first, capped at
// the accumulator's maximum. Listings without a score rank last; ties keep
// match order.
func (a *Accumulator) Entries() []Entry {
	out := make([]Entry, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.byListing[id])
	}
	slices.SortStableFunc(out, func(x, y Entry) int {
		switch {
		case x.DealScore == nil && y.DealScore == nil:
			return 0
		case x.DealScore == nil:
			return 1
		case y.DealScore == nil:
			return -1
		}
		return cmp.Compare(*y.DealScore, *x.DealScore)
	})
	if a.limit > 0 && len(out) > a.limit {
		out = out[:a.limit]
	}
	return out
}
