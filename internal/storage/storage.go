// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"dealwatch/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnavailable wraps failures to reach the store. Callers that must not
// make progress without the store check for it with errors.Is.
var ErrUnavailable = errors.New("store unavailable")

// Reservation is a set of log entries competing for the user's rolling daily
// cap. Entries beyond the remaining budget are stored as suppressed instead
// of pending.
type Reservation struct {
	UserID    int64
	Entries   []model.NotificationLogEntry
	CapSince  time.Time
	MaxPerDay int
}

// DigestReservation reserves the delivery of one digest period.
type DigestReservation struct {
	Reservation
	PeriodKey string
	ItemCount int
	FlushedAt time.Time
}

// DigestOutcome reports what ReserveDigest did.
type DigestOutcome int

// Digest reservation outcomes.
const (
	DigestReserved DigestOutcome = iota
	DigestCapExceeded
	DigestAlreadyFlushed
)

// Storage is the interface for all persistence operations.
type Storage interface {
	UpsertListing(ctx context.Context, l *model.Listing) error
	SetAvailability(ctx context.Context, id string, available bool, at time.Time) error
	GetListing(ctx context.Context, id string) (*model.Listing, error)
	ListListingsAfter(ctx context.Context, seq int64, limit int) ([]model.Listing, error)
	ListRecentListings(ctx context.Context, limit int) ([]model.Listing, error)
	MarkEvaluated(ctx context.Context, ids []string, at time.Time) error

	CreateRule(ctx context.Context, r *model.AlertRule) error
	GetRule(ctx context.Context, id int64) (*model.AlertRule, error)
	ListRules(ctx context.Context, userID int64) ([]model.AlertRule, error)
	ListEnabledRules(ctx context.Context) ([]model.AlertRule, error)
	UpdateRule(ctx context.Context, r *model.AlertRule) error
	DeleteRule(ctx context.Context, id int64) error
	TouchRuleTriggered(ctx context.Context, id int64, at time.Time) (bool, error)

	SavePreference(ctx context.Context, p *model.NotificationPreference) error
	GetPreference(ctx context.Context, userID int64) (model.NotificationPreference, error)

	Reserve(ctx context.Context, r Reservation) (int, error)
	InsertLogEntries(ctx context.Context, entries []model.NotificationLogEntry) error
	FindRecentDelivery(ctx context.Context, ruleID int64, listingID string, since time.Time, excludeGroup string) (*model.NotificationLogEntry, error)
	RecordAttempt(ctx context.Context, id string) error
	FinalizeEntry(ctx context.Context, id string, status model.Status, at time.Time, reason string) (bool, error)
	DeferEntry(ctx context.Context, id string, releaseAt time.Time) (bool, error)
	ListDueDeferred(ctx context.Context, now time.Time) ([]model.NotificationLogEntry, error)
	ReleaseDeferred(ctx context.Context, groupID string, r Reservation) ([]string, error)
	SuppressDeferred(ctx context.Context, groupID, reason string) error
	ListPending(ctx context.Context, createdBefore time.Time) ([]model.NotificationLogEntry, error)
	ListHistory(ctx context.Context, userID int64, limit int) ([]model.NotificationLogEntry, error)

	AddDigestItem(ctx context.Context, item model.DigestItem) (bool, error)
	ListDueDigests(ctx context.Context, now time.Time) ([]model.DigestBucket, error)
	ListDigestItems(ctx context.Context, userID int64, periodKey string) ([]model.DigestItem, error)
	ReserveDigest(ctx context.Context, r DigestReservation) (DigestOutcome, int, error)

	GetHighWater(ctx context.Context, name string) (int64, error)
	AdvanceHighWater(ctx context.Context, name string, seq int64) error

	Close() error
}
