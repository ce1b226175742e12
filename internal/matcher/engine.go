// Package matcher implements the listing/rule matching engine.
package matcher

import (
	"strings"

	"dealwatch/internal/model"
)

// Evaluate reports whether listing satisfies rule. It has no side effects.
//
// Exclude keywords always win over include keywords. An empty include list
// matches every listing. Every optional filter that is unset passes; a filter
// that depends on listing data the listing does not carry fails.
func Evaluate(listing model.Listing, rule model.AlertRule) bool {
	if !rule.Enabled {
		return false
	}

	text := searchText(listing)

	for _, kw := range model.NormalizeKeywords(rule.Exclude) {
		if strings.Contains(text, kw) {
			return false
		}
	}

	if include := model.NormalizeKeywords(rule.Include); len(include) > 0 {
		if strings.TrimSpace(listing.Title) == "" {
			return false
		}
		matched := false
		for _, kw := range include {
			if strings.Contains(text, kw) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return matchCategory(listing, rule) &&
		matchPrice(listing, rule) &&
		matchCondition(listing, rule) &&
		matchScore(listing, rule) &&
		matchDistance(listing, rule)
}

func searchText(l model.Listing) string {
	return strings.ToLower(l.Title + " " + l.Category)
}

func matchCategory(l model.Listing, r model.AlertRule) bool {
	if len(r.Categories) == 0 {
		return true
	}
	key := model.CategoryKey(l.Category)
	if key == "" {
		return false
	}
	for _, c := range r.Categories {
		if model.CategoryKey(c) == key {
			return true
		}
	}
	return false
}

func matchPrice(l model.Listing, r model.AlertRule) bool {
	if r.MinPrice == nil && r.MaxPrice == nil {
		return true
	}
	if l.Price == nil {
		return false
	}
	if r.MinPrice != nil && l.Price.LessThan(*r.MinPrice) {
		return false
	}
	if r.MaxPrice != nil && l.Price.GreaterThan(*r.MaxPrice) {
		return false
	}
	return true
}

func matchCondition(l model.Listing, r model.AlertRule) bool {
	if len(r.Conditions) == 0 {
		return true
	}
	for _, c := range r.Conditions {
		if c == l.Condition && c != model.ConditionUnknown {
			return true
		}
	}
	return false
}

func matchScore(l model.Listing, r model.AlertRule) bool {
	if r.MinScore == nil {
		return true
	}
	if l.DealScore == nil {
		return false
	}
	return *l.DealScore >= *r.MinScore
}

func matchDistance(l model.Listing, r model.AlertRule) bool {
	if r.Center == nil || r.RadiusKm == nil {
		return true
	}
	if l.Location.Point == nil {
		return false
	}
	return Distance(*r.Center, *l.Location.Point) <= *r.RadiusKm
}
