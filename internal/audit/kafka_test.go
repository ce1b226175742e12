package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"dealwatch/internal/model"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewKafkaValidates(t *testing.T) {
	tests := []struct {
		name    string
		brokers []string
		topic   string
		wantErr string
	}{
		{"valid", []string{"localhost:9092"}, "dealwatch.matches", ""},
		{"no brokers", nil, "dealwatch.matches", "brokers cannot be empty"},
		{"no topic", []string{"localhost:9092"}, "", "topic cannot be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := NewKafka(tt.brokers, tt.topic, testLogger())
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				_ = k.Close()
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestPublish(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w, topic: "dealwatch.matches", log: testLogger()}

	price := decimal.RequireFromString("449.99")
	score := 82.5
	at := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	ev := model.MatchEvent{
		RuleID:    7,
		RuleName:  "cheap pc",
		UserID:    42,
		ListingID: "kl-1",
		Title:     "Gaming PC",
		Price:     &price,
		DealScore: &score,
		Channels:  []model.Channel{model.ChannelMail, model.ChannelPush},
		MatchedAt: at,
	}
	if err := k.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages, want 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "42" {
		t.Errorf("key = %q, want %q", msg.Key, "42")
	}
	if !msg.Time.Equal(at) {
		t.Errorf("time = %v, want %v", msg.Time, at)
	}
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if diff := cmp.Diff(map[string]string{"schema_version": "1", "match_key": "7|kl-1"}, headers); diff != "" {
		t.Errorf("headers mismatch (-want +got):\n%s", diff)
	}

	var got map[string]any
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]any{
		"schema_version": float64(1),
		"rule_id":        float64(7),
		"rule_name":      "cheap pc",
		"user_id":        float64(42),
		"listing_id":     "kl-1",
		"title":          "Gaming PC",
		"price":          "449.99",
		"deal_score":     82.5,
		"channels":       []any{"mail", "push"},
		"matched_at":     "2026-05-04T12:00:00Z",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestPublishWrapsWriteError(t *testing.T) {
	boom := errors.New("leader not available")
	k := &Kafka{writer: &fakeWriter{err: boom}, topic: "dealwatch.matches", log: testLogger()}
	err := k.Publish(context.Background(), model.MatchEvent{UserID: 1, MatchedAt: time.Now()})
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped %v", err, boom)
	}
}
