// Package model defines the domain types used across the application.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Condition describes the physical state of a listed item.
type Condition string

// Supported listing conditions.
const (
	ConditionUnknown Condition = ""
	ConditionNew     Condition = "new"
	ConditionLikeNew Condition = "like_new"
	ConditionGood    Condition = "good"
	ConditionFair    Condition = "fair"
	ConditionPoor    Condition = "poor"
)

// Valid reports whether c is one of the known conditions.
func (c Condition) Valid() bool {
	switch c {
	case ConditionNew, ConditionLikeNew, ConditionGood, ConditionFair, ConditionPoor:
		return true
	}
	return false
}

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64
	Lon float64
}

// Location is where a listing is offered. Point is nil when the marketplace
// only provides a free-text location.
type Location struct {
	Point *GeoPoint
	Text  string
}

// Listing is a normalized marketplace item produced by ingestion.
type Listing struct {
	ID                 string
	Source             string
	Title              string
	Category           string
	URL                string
	Price              *decimal.Decimal
	Condition          Condition
	Location           Location
	DealScore          *float64
	FirstSeenAt        time.Time
	Available          bool
	AvailableChangedAt *time.Time
	EvaluatedAt        *time.Time
	// Seq is assigned by the store on insert and on every availability
	// change. It only grows, so scans resume from the last seq they saw.
	Seq int64
}

// Channel is a notification delivery channel.
type Channel string

// Supported channels.
const (
	ChannelMail Channel = "mail"
	ChannelChat Channel = "chat"
	ChannelSMS  Channel = "sms"
	ChannelPush Channel = "push"
)

// AllChannels lists every supported channel in a stable order.
var AllChannels = []Channel{ChannelMail, ChannelChat, ChannelSMS, ChannelPush}

// Valid reports whether c is a supported channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelMail, ChannelChat, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

// AlertRule is a user's standing search criteria.
type AlertRule struct {
	ID              int64
	UserID          int64
	Name            string
	Enabled         bool
	Include         []string
	Exclude         []string
	Categories      []string
	MinPrice        *decimal.Decimal
	MaxPrice        *decimal.Decimal
	Conditions      []Condition
	Center          *GeoPoint
	RadiusKm        *float64
	MinScore        *float64
	Channels        []Channel
	LastTriggeredAt *time.Time
	CreatedAt       time.Time
}

// Frequency controls whether matches are delivered immediately or batched.
type Frequency string

// Supported frequencies.
const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
)

// Destination is where a channel delivers for one user.
type Destination struct {
	Address  string
	Verified bool
}

// NotificationPreference is the per-user delivery policy.
type NotificationPreference struct {
	UserID          int64
	Channels        []Channel
	Frequency       Frequency
	DigestTime      Clock
	Timezone        string
	QuietHours      QuietHours
	CategoryFilters []string
	MaxPerDay       int
	Destinations    map[Channel]Destination
	UpdatedAt       time.Time
}

// DefaultMaxPerDay is the cap applied to users without stored preferences.
const DefaultMaxPerDay = 20

// DefaultPreference returns the policy used for users that never configured one.
func DefaultPreference(userID int64) NotificationPreference {
	return NotificationPreference{
		UserID:       userID,
		Channels:     append([]Channel(nil), AllChannels...),
		Frequency:    FrequencyImmediate,
		DigestTime:   NewClock(9, 0),
		Timezone:     "UTC",
		MaxPerDay:    DefaultMaxPerDay,
		Destinations: map[Channel]Destination{},
	}
}

// Location resolves the configured timezone, falling back to UTC.
func (p NotificationPreference) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AllowsCategory applies the optional category allow-list.
func (p NotificationPreference) AllowsCategory(category string) bool {
	if len(p.CategoryFilters) == 0 {
		return true
	}
	key := CategoryKey(category)
	for _, c := range p.CategoryFilters {
		if CategoryKey(c) == key {
			return true
		}
	}
	return false
}

// EffectiveChannels intersects the rule's channels with the user's enabled
// channels. A rule without channels uses every channel the user enabled.
func (p NotificationPreference) EffectiveChannels(rule []Channel) []Channel {
	if len(rule) == 0 {
		return append([]Channel(nil), p.Channels...)
	}
	var out []Channel
	for _, c := range rule {
		for _, pc := range p.Channels {
			if c == pc {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// MatchEvent records that a listing satisfied a rule at a point in time.
type MatchEvent struct {
	RuleID    int64
	RuleName  string
	UserID    int64
	ListingID string
	Title     string
	Category  string
	URL       string
	Price     *decimal.Decimal
	DealScore *float64
	Channels  []Channel
	MatchedAt time.Time
}

// Key identifies the (rule, listing) pair for deduplication.
func (e MatchEvent) Key() string {
	return formatKey(e.RuleID, e.ListingID)
}

// Status is the lifecycle state of a notification log entry.
type Status string

// Notification log statuses. Deferred is the only non-terminal state besides
// pending.
const (
	StatusPending    Status = "pending"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusSuppressed Status = "suppressed"
	StatusDeferred   Status = "deferred"
)

// Terminal reports whether an entry in this status may no longer change.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusSuppressed
}

// Kind distinguishes per-match notifications from digests.
type Kind string

// Notification kinds.
const (
	KindImmediate Kind = "immediate"
	KindDigest    Kind = "digest"
)

// NotificationLogEntry is the durable record of one delivery on one channel.
type NotificationLogEntry struct {
	ID            string
	GroupID       string
	UserID        int64
	RuleID        int64
	ListingID     string
	Kind          Kind
	Channel       Channel
	Subject       string
	Body          string
	URL           string
	Price         *decimal.Decimal
	DealScore     *float64
	Status        Status
	Attempts      int
	CreatedAt     time.Time
	ReleaseAt     *time.Time
	DeliveredAt   *time.Time
	FailureReason string
}

// Payload is the rendered content handed to a channel provider.
type Payload struct {
	Subject string
	Body    string
	URL     string
}

// Payload returns the content the entry delivers.
func (e NotificationLogEntry) Payload() Payload {
	return Payload{Subject: e.Subject, Body: e.Body, URL: e.URL}
}

// Notification is one decided notification fanned out over channels. All
// entries share GroupID.
type Notification struct {
	GroupID string
	UserID  int64
	RuleIDs []int64
	Payload Payload
	Entries []NotificationLogEntry
}

// DeliveryResult is the outcome of delivering one entry.
type DeliveryResult struct {
	EntryID  string
	Channel  Channel
	Status   Status
	Attempts int
	Err      error
}

// DigestItem is a match held in a digest bucket keyed by (user, period).
type DigestItem struct {
	UserID    int64
	PeriodKey string
	FlushAt   time.Time
	RuleID    int64
	RuleName  string
	ListingID string
	Title     string
	URL       string
	Price     *decimal.Decimal
	DealScore *float64
	MatchedAt time.Time
}

// DigestBucket identifies a closed digest period awaiting delivery.
type DigestBucket struct {
	UserID    int64
	PeriodKey string
	FlushAt   time.Time
}
