package digest

import (
	"time"

	"dealwatch/internal/model"
)

const keyLayout = "2006-01-02T15:04"

// Period returns the bucket key and the flush time of the digest period that
// a match at t belongs to. Daily periods close at the user's digest time,
// weekly periods at the digest time on the given weekday, both in the user's
// timezone. A match exactly at the closing instant goes to the next period.
func Period(pref model.NotificationPreference, t time.Time, weekly time.Weekday) (string, time.Time) {
	local := t.In(pref.Location())
	switch pref.Frequency {
	case model.FrequencyWeekly:
		at := pref.DigestTime.On(local)
		for at.Weekday() != weekly || !at.After(local) {
			at = pref.DigestTime.On(at.AddDate(0, 0, 1))
		}
		return "weekly:" + at.Format(keyLayout), at
	default:
		at := pref.DigestTime.Next(local)
		return "daily:" + at.Format(keyLayout), at
	}
}
