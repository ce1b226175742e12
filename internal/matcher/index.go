package matcher

import "dealwatch/internal/model"

// Index narrows the rules worth evaluating for a listing. Candidates is always
// a superset of the rules Evaluate would accept, so using the index never
// changes match outcomes.
type Index struct {
	byCategory map[string][]int
	wildcard   []int
	rules      []model.AlertRule
}

// NewIndex builds an index over rules. Disabled rules are dropped.
func NewIndex(rules []model.AlertRule) *Index {
	idx := &Index{byCategory: make(map[string][]int)}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		pos := len(idx.rules)
		idx.rules = append(idx.rules, r)

		if len(r.Categories) == 0 {
			idx.wildcard = append(idx.wildcard, pos)
			continue
		}
		seen := make(map[string]bool, len(r.Categories))
		for _, c := range r.Categories {
			key := model.CategoryKey(c)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			idx.byCategory[key] = append(idx.byCategory[key], pos)
		}
	}
	return idx
}

// Len returns the number of indexed rules.
func (idx *Index) Len() int {
	return len(idx.rules)
}

// Candidates returns the rules that may match listing, in rule order.
func (idx *Index) Candidates(listing model.Listing) []model.AlertRule {
	positions := idx.wildcard
	if bucket := idx.byCategory[model.CategoryKey(listing.Category)]; len(bucket) > 0 {
		positions = mergeSorted(idx.wildcard, bucket)
	}

	out := make([]model.AlertRule, 0, len(positions))
	for _, p := range positions {
		r := idx.rules[p]
		if !priceMayMatch(listing, r) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func priceMayMatch(l model.Listing, r model.AlertRule) bool {
	if l.Price == nil {
		return r.MinPrice == nil && r.MaxPrice == nil
	}
	if r.MinPrice != nil && l.Price.LessThan(*r.MinPrice) {
		return false
	}
	if r.MaxPrice != nil && l.Price.GreaterThan(*r.MaxPrice) {
		return false
	}
	return true
}


func mergeSorted(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
