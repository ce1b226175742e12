// Package audit publishes match events to a Kafka topic for downstream
// consumers such as analytics.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"dealwatch/internal/model"
)

const (
	schemaVersion = 1
	writeTimeout  = 10 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes match events keyed by user id, so that one user's events
// land on the same partition in order.
type Kafka struct {
	writer messageWriter
	topic  string
	log    *slog.Logger
}

// NewKafka creates a synchronous publisher that waits for the leader's ack.
func NewKafka(brokers []string, topic string, log *slog.Logger) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("brokers cannot be empty")
	}
	if topic == "" {
		return nil, errors.New("topic cannot be empty")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: writeTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	log.Info("kafka audit publisher configured", "brokers", brokers, "topic", topic)
	return &Kafka{writer: w, topic: topic, log: log}, nil
}

// record is the wire format of a match event.
type record struct {
	SchemaVersion int      `json:"schema_version"`
	RuleID        int64    `json:"rule_id"`
	RuleName      string   `json:"rule_name"`
	UserID        int64    `json:"user_id"`
	ListingID     string   `json:"listing_id"`
	Title         string   `json:"title"`
	Category      string   `json:"category,omitempty"`
	URL           string   `json:"url,omitempty"`
	Price         *string  `json:"price,omitempty"`
	DealScore     *float64 `json:"deal_score,omitempty"`
	Channels      []string `json:"channels,omitempty"`
	MatchedAt     string   `json:"matched_at"`
}

func newRecord(ev model.MatchEvent) record {
	r := record{
		SchemaVersion: schemaVersion,
		RuleID:        ev.RuleID,
		RuleName:      ev.RuleName,
		UserID:        ev.UserID,
		ListingID:     ev.ListingID,
		Title:         ev.Title,
		Category:      ev.Category,
		URL:           ev.URL,
		DealScore:     ev.DealScore,
		MatchedAt:     ev.MatchedAt.UTC().Format(time.RFC3339),
	}
	if ev.Price != nil {
		s := ev.Price.String()
		r.Price = &s
	}
	for _, c := range ev.Channels {
		r.Channels = append(r.Channels, string(c))
	}
	return r
}

// Publish writes one match event.
func (k *Kafka) Publish(ctx context.Context, ev model.MatchEvent) error {
	payload, err := json.Marshal(newRecord(ev))
	if err != nil {
		return fmt.Errorf("marshal match event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.UserID, 10)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "schema_version", Value: []byte(strconv.Itoa(schemaVersion))},
			{Key: "match_key", Value: []byte(ev.Key())},
		},
		Time: ev.MatchedAt,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write match event to %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	k.log.Info("kafka audit publisher closed", "topic", k.topic)
	return nil
}
