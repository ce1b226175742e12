package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock is a wall-clock time of day, stored as minutes since midnight.
type Clock int

// NewClock builds a Clock from hours and minutes.
func NewClock(hour, minute int) Clock {
	return Clock(hour*60 + minute)
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time of day %q, use HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return NewClock(hour, minute), nil
}

// Hour returns the hour component.
func (c Clock) Hour() int { return int(c) / 60 }

// Minute returns the minute component.
func (c Clock) Minute() int { return int(c) % 60 }

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

// On returns the instant this clock time occurs on the calendar day of t,
// in t's location.
func (c Clock) On(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour(), c.Minute(), 0, 0, t.Location())
}

// Next returns the first occurrence of this clock time strictly after t.
func (c Clock) Next(t time.Time) time.Time {
	at := c.On(t)
	if !at.After(t) {
		at = c.On(t.AddDate(0, 0, 1))
	}
	return at
}

func clockOf(t time.Time) Clock {
	return NewClock(t.Hour(), t.Minute())
}

// QuietHours is a daily window during which no immediate notification is
// delivered. The window may wrap midnight; Start == End is empty.
type QuietHours struct {
	Enabled bool
	Start   Clock
	End     Clock
}

// Contains reports whether t, already converted to the user's location,
// falls inside the window.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled || q.Start == q.End {
		return false
	}
	m := clockOf(t)
	if q.Start < q.End {
		return m >= q.Start && m < q.End
	}
	return m >= q.Start || m < q.End
}

// NextEnd returns when the window containing t closes. It is only
// meaningful when Contains(t) is true.
func (q QuietHours) NextEnd(t time.Time) time.Time {
	return q.End.Next(t)
}
