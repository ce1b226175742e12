package policy

import (
	"fmt"
	"strings"

	"dealwatch/internal/model"
)

// Render formats a match as the payload delivered on every channel.
func Render(ev model.MatchEvent) model.Payload {
	subject := ev.Title
	if subject == "" {
		subject = "Listing " + ev.ListingID
	}
	if ev.Price != nil {
		subject += " for " + ev.Price.StringFixed(2)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", ev.RuleName)
	if ev.Category != "" {
		fmt.Fprintf(&b, "\nCategory: %s", ev.Category)
	}
	if ev.DealScore != nil {
		fmt.Fprintf(&b, "\nDeal score: %.0f", *ev.DealScore)
	}
	return model.Payload{Subject: subject, Body: b.String(), URL: ev.URL}
}
