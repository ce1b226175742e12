package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// ValidationError reports a malformed rule or preference. It is returned at
// creation time so that invalid input never reaches the matcher.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks the rule's structural invariants.
func (r AlertRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if r.UserID == 0 {
		return &ValidationError{Field: "owner", Reason: "must be set"}
	}
	if r.MinPrice != nil && r.MinPrice.IsNegative() {
		return &ValidationError{Field: "min_price", Reason: "must not be negative"}
	}
	if r.MinPrice != nil && r.MaxPrice != nil && r.MinPrice.GreaterThan(*r.MaxPrice) {
		return &ValidationError{Field: "price", Reason: fmt.Sprintf("min %s is greater than max %s", r.MinPrice, r.MaxPrice)}
	}
	if r.RadiusKm != nil {
		if r.Center == nil {
			return &ValidationError{Field: "radius", Reason: "requires a location center"}
		}
		if *r.RadiusKm <= 0 {
			return &ValidationError{Field: "radius", Reason: "must be positive"}
		}
	}
	if r.Center != nil {
		if r.Center.Lat < -90 || r.Center.Lat > 90 || r.Center.Lon < -180 || r.Center.Lon > 180 {
			return &ValidationError{Field: "center", Reason: "coordinates out of range"}
		}
	}
	for _, c := range r.Conditions {
		if !c.Valid() {
			return &ValidationError{Field: "conditions", Reason: fmt.Sprintf("unknown condition %q", c)}
		}
	}
	for _, c := range r.Channels {
		if !c.Valid() {
			return &ValidationError{Field: "channels", Reason: fmt.Sprintf("unknown channel %q", c)}
		}
	}
	return nil
}

// Validate checks the preference's invariants.
func (p NotificationPreference) Validate() error {
	switch p.Frequency {
	case FrequencyImmediate, FrequencyDaily, FrequencyWeekly:
	default:
		return &ValidationError{Field: "frequency", Reason: fmt.Sprintf("unknown frequency %q", p.Frequency)}
	}
	if p.MaxPerDay < 0 {
		return &ValidationError{Field: "max_per_day", Reason: "must not be negative"}
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return &ValidationError{Field: "timezone", Reason: err.Error()}
		}
	}
	for _, c := range []Clock{p.DigestTime, p.QuietHours.Start, p.QuietHours.End} {
		if c < 0 || c >= 24*60 {
			return &ValidationError{Field: "time of day", Reason: fmt.Sprintf("%d minutes is out of range", int(c))}
		}
	}
	for _, c := range p.Channels {
		if !c.Valid() {
			return &ValidationError{Field: "channels", Reason: fmt.Sprintf("unknown channel %q", c)}
		}
	}
	for c := range p.Destinations {
		if !c.Valid() {
			return &ValidationError{Field: "destinations", Reason: fmt.Sprintf("unknown channel %q", c)}
		}
	}
	return nil
}

// NormalizeKeywords lower-cases, trims and drops blank keywords.
func NormalizeKeywords(words []string) []string {
	var out []string
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// CategoryKey is the form categories are compared in. It trims and applies
// full Unicode case folding.
func CategoryKey(c string) string {
	return cases.Fold().String(strings.TrimSpace(c))
}

func formatKey(ruleID int64, listingID string) string {
	return strconv.FormatInt(ruleID, 10) + "|" + listingID
}
