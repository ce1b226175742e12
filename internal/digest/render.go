package digest

import (
	"fmt"
	"strings"

	"dealwatch/internal/model"
)

// Render formats a digest. total is the number of distinct listings in the
// period, which may exceed len(entries).
func Render(periodKey string, entries []Entry, total int) model.Payload {
	kind, _, _ := strings.Cut(periodKey, ":")
	noun := "deals"
	if total == 1 {
		noun = "deal"
	}
	subject := fmt.Sprintf("Your %s digest: %d %s", kind, total, noun)

	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, e.Title)
		if e.Price != nil {
			fmt.Fprintf(&b, " for %s", e.Price.StringFixed(2))
		}
		if e.DealScore != nil {
			fmt.Fprintf(&b, " (score %.0f)", *e.DealScore)
		}
		if len(e.Rules) > 0 {
			fmt.Fprintf(&b, "\n[%s]", strings.Join(e.Rules, ", "))
		}
		if e.URL != "" {
			b.WriteString("\n")
			b.WriteString(e.URL)
		}
	}
	if more := total - len(entries); more > 0 {
		fmt.Fprintf(&b, "\n\n...and %d more", more)
	}
	return model.Payload{Subject: subject, Body: b.String()}
}
