package matcher

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"dealwatch/internal/model"
)

func ruleIDs(rules []model.AlertRule) []int64 {
	var ids []int64
	for _, r := range rules {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestIndexCandidates(t *testing.T) {
	rules := []model.AlertRule{
		{ID: 1, Enabled: true},
		{ID: 2, Enabled: true, Categories: []string{"Computers", "computers"}},
		{ID: 3, Enabled: true, Categories: []string{"furniture"}},
		{ID: 4, Enabled: true, MaxPrice: price(100)},
		{ID: 5, Enabled: false},
		{ID: 6, Enabled: true, Categories: []string{"computers"}, MinPrice: price(1000)},
	}
	idx := NewIndex(rules)

	if diff := cmp.Diff(5, idx.Len()); diff != "" {
		t.Errorf("Len mismatch (-want +got):\n%s", diff)
	}

	tests := []struct {
		name    string
		listing model.Listing
		want    []int64
	}{
		{
			name:    "category bucket merged with wildcard in rule order",
			listing: model.Listing{Category: "COMPUTERS", Price: price(450)},
			want:    []int64{1, 2},
		},
		{
			name:    "cheap listing keeps price-bounded wildcard",
			listing: model.Listing{Category: "furniture", Price: price(50)},
			want:    []int64{1, 3, 4},
		},
		{
			name:    "no price drops price-bounded rules",
			listing: model.Listing{Category: "computers"},
			want:    []int64{1, 2},
		},
		{
			name:    "unknown category only wildcard",
			listing: model.Listing{Category: "garden", Price: price(5000)},
			want:    []int64{1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ruleIDs(idx.Candidates(tt.listing))); diff != "" {
				t.Errorf("Candidates mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// The index is an optimization and must agree with a full scan.
func TestIndexAgreesWithFullScan(t *testing.T) {
	rules := []model.AlertRule{
		{ID: 1, Enabled: true, Include: []string{"pc"}},
		{ID: 2, Enabled: true, Categories: []string{"computers"}, MaxPrice: price(500)},
		{ID: 3, Enabled: true, Categories: []string{"bikes"}},
		{ID: 4, Enabled: true, MinPrice: price(300), Exclude: []string{"broken"}},
		{ID: 5, Enabled: true, MinScore: ptr(50.0)},
	}
	listings := []model.Listing{
		{Title: "Gaming PC", Category: "computers", Price: price(450), DealScore: ptr(80.0)},
		{Title: "Road bike", Category: "Bikes", Price: price(300)},
		{Title: "broken pc", Category: "computers", Price: price(900)},
		{Title: "Lamp"},
	}
	idx := NewIndex(rules)

	for _, l := range listings {
		var full []int64
		for _, r := range rules {
			if Evaluate(l, r) {
				full = append(full, r.ID)
			}
		}
		var indexed []int64
		for _, r := range idx.Candidates(l) {
			if Evaluate(l, r) {
				indexed = append(indexed, r.ID)
			}
		}
		if diff := cmp.Diff(full, indexed); diff != "" {
			t.Errorf("listing %q: indexed matches differ from full scan (-full +indexed):\n%s", l.Title, diff)
		}
	}
}

func TestCategoryFoldingAgrees(t *testing.T) {
	rules := []model.AlertRule{
		{ID: 1, Enabled: true, Categories: []string{"\u017Ftationery"}},
		{ID: 2, Enabled: true, Categories: []string{"\u212Aitchen"}},
		{ID: 3, Enabled: true, Categories: []string{" Garden "}},
	}
	idx := NewIndex(rules)

	tests := []struct {
		category string
		want     []int64
	}{
		{category: "Stationery", want: []int64{1}},
		{category: "kitchen", want: []int64{2}},
		{category: "KITCHEN", want: []int64{2}},
		{category: "garden", want: []int64{3}},
		{category: "stationary"},
	}
	for _, tt := range tests {
		t.Run(tt.category, func(t *testing.T) {
			l := model.Listing{Title: "item", Category: tt.category}
			var got []int64
			for _, r := range idx.Candidates(l) {
				if Evaluate(l, r) {
					got = append(got, r.ID)
				}
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("matches mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
