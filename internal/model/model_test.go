package model

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
)

func ptr[T any](v T) *T { return &v }

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    Clock
		wantErr bool
	}{
		{in: "00:00", want: 0},
		{in: "08:30", want: NewClock(8, 30)},
		{in: " 22:05 ", want: NewClock(22, 5)},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "noon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseClock(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseClock mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestQuietHoursContains(t *testing.T) {
	overnight := QuietHours{Enabled: true, Start: NewClock(22, 0), End: NewClock(8, 0)}
	daytime := QuietHours{Enabled: true, Start: NewClock(12, 0), End: NewClock(14, 0)}

	at := func(h, m int) time.Time { return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC) }

	tests := []struct {
		name string
		q    QuietHours
		t    time.Time
		want bool
	}{
		{name: "overnight late evening", q: overnight, t: at(23, 0), want: true},
		{name: "overnight early morning", q: overnight, t: at(7, 59), want: true},
		{name: "overnight end is exclusive", q: overnight, t: at(8, 0), want: false},
		{name: "overnight start is inclusive", q: overnight, t: at(22, 0), want: true},
		{name: "overnight midday", q: overnight, t: at(12, 0), want: false},
		{name: "daytime inside", q: daytime, t: at(13, 0), want: true},
		{name: "daytime outside", q: daytime, t: at(15, 0), want: false},
		{name: "disabled", q: QuietHours{Start: NewClock(0, 0), End: NewClock(23, 59)}, t: at(13, 0), want: false},
		{name: "empty window", q: QuietHours{Enabled: true, Start: NewClock(5, 0), End: NewClock(5, 0)}, t: at(5, 0), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.q.Contains(tt.t); got != tt.want {
				t.Errorf("Contains(%s) = %v, want %v", tt.t.Format("15:04"), got, tt.want)
			}
		})
	}
}

func TestQuietHoursNextEnd(t *testing.T) {
	q := QuietHours{Enabled: true, Start: NewClock(22, 0), End: NewClock(8, 0)}

	evening := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	if diff := cmp.Diff(time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC), q.NextEnd(evening)); diff != "" {
		t.Errorf("NextEnd from evening (-want +got):\n%s", diff)
	}

	morning := time.Date(2026, 3, 11, 6, 15, 0, 0, time.UTC)
	if diff := cmp.Diff(time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC), q.NextEnd(morning)); diff != "" {
		t.Errorf("NextEnd from morning (-want +got):\n%s", diff)
	}
}

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name    string
		rule    AlertRule
		wantErr bool
	}{
		{name: "minimal", rule: AlertRule{UserID: 1, Name: "pc"}},
		{
			name: "price bounds ok",
			rule: AlertRule{UserID: 1, Name: "pc", MinPrice: ptr(decimal.NewFromInt(10)), MaxPrice: ptr(decimal.NewFromInt(10))},
		},
		{
			name:    "min greater than max",
			rule:    AlertRule{UserID: 1, Name: "pc", MinPrice: ptr(decimal.NewFromInt(600)), MaxPrice: ptr(decimal.NewFromInt(500))},
			wantErr: true,
		},
		{name: "radius without center", rule: AlertRule{UserID: 1, Name: "pc", RadiusKm: ptr(10.0)}, wantErr: true},
		{
			name: "radius with center",
			rule: AlertRule{UserID: 1, Name: "pc", RadiusKm: ptr(10.0), Center: &GeoPoint{Lat: 52.5, Lon: 13.4}},
		},
		{name: "unknown channel", rule: AlertRule{UserID: 1, Name: "pc", Channels: []Channel{"fax"}}, wantErr: true},
		{name: "unknown condition", rule: AlertRule{UserID: 1, Name: "pc", Conditions: []Condition{"mint"}}, wantErr: true},
		{name: "missing name", rule: AlertRule{UserID: 1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsValidation(err) {
				t.Errorf("expected ValidationError, got %T", err)
			}
		})
	}
}

func TestPreferenceValidate(t *testing.T) {
	p := DefaultPreference(7)
	if err := p.Validate(); err != nil {
		t.Fatalf("default preference invalid: %v", err)
	}

	p.Timezone = "Mars/Olympus"
	if err := p.Validate(); !IsValidation(err) {
		t.Errorf("expected validation error for bad timezone, got %v", err)
	}

	p = DefaultPreference(7)
	p.MaxPerDay = -1
	if err := p.Validate(); !IsValidation(err) {
		t.Errorf("expected validation error for negative cap, got %v", err)
	}
}

func TestEffectiveChannels(t *testing.T) {
	p := NotificationPreference{Channels: []Channel{ChannelMail, ChannelPush}}

	if diff := cmp.Diff([]Channel{ChannelMail, ChannelPush}, p.EffectiveChannels(nil)); diff != "" {
		t.Errorf("rule without channels (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Channel{ChannelPush}, p.EffectiveChannels([]Channel{ChannelChat, ChannelPush})); diff != "" {
		t.Errorf("intersection (-want +got):\n%s", diff)
	}
}

func TestAllowsCategory(t *testing.T) {
	p := NotificationPreference{CategoryFilters: []string{" Computers", "\u017Fki"}}

	tests := []struct {
		category string
		want     bool
	}{
		{"computers", true},
		{"COMPUTERS ", true},
		{"Ski", true},
		{"bikes", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := p.AllowsCategory(tt.category); got != tt.want {
			t.Errorf("AllowsCategory(%q) = %v, want %v", tt.category, got, tt.want)
		}
	}
	if !(NotificationPreference{}).AllowsCategory("anything") {
		t.Error("empty filter list should allow every category")
	}
}
