// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath string
	LogLevel     string
	MetricsAddr  string

	ScanInterval   time.Duration
	ScanTimeout    time.Duration
	ReplayInterval time.Duration

	DigestInterval  time.Duration
	DigestMaxItems  int
	WeeklyDigestDay time.Weekday

	DedupWindow       time.Duration
	DedupPriceDropPct float64
	DedupScoreRisePct float64

	DispatchWorkers int
	SendTimeout     time.Duration
	RetryBase       time.Duration
	RetryMax        uint64
	ResumeInterval  time.Duration

	TelegramBotToken string

	MailProvider string
	MailFrom     string
	ResendAPIKey string
	AWSRegion    string

	SMSGatewayURL string
	SMSAccountSID string
	SMSAuthToken  string
	SMSFrom       string

	PushURL   string
	PushToken string

	KafkaBrokers []string
	KafkaTopic   string

	IngestFeeds    []string
	IngestInterval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DatabasePath: envOr("DATABASE_PATH", "./data/dealwatch.db"),
		LogLevel:     envOr("LOG_LEVEL", "info"),
		MetricsAddr:  os.Getenv("METRICS_ADDR"),

		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		MailProvider: strings.ToLower(os.Getenv("MAIL_PROVIDER")),
		MailFrom:     os.Getenv("MAIL_FROM"),
		ResendAPIKey: os.Getenv("RESEND_API_KEY"),
		AWSRegion:    os.Getenv("AWS_REGION"),

		SMSGatewayURL: os.Getenv("SMS_GATEWAY_URL"),
		SMSAccountSID: os.Getenv("SMS_ACCOUNT_SID"),
		SMSAuthToken:  os.Getenv("SMS_AUTH_TOKEN"),
		SMSFrom:       os.Getenv("SMS_FROM"),

		PushURL:   os.Getenv("PUSH_URL"),
		PushToken: os.Getenv("PUSH_TOKEN"),

		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   envOr("KAFKA_TOPIC", "dealwatch.matches"),

		IngestFeeds: splitList(os.Getenv("INGEST_FEEDS")),
	}

	var err error
	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"SCAN_INTERVAL", 5 * time.Minute, &cfg.ScanInterval},
		{"SCAN_TIMEOUT", 4 * time.Minute, &cfg.ScanTimeout},
		{"REPLAY_INTERVAL", time.Minute, &cfg.ReplayInterval},
		{"DIGEST_INTERVAL", time.Minute, &cfg.DigestInterval},
		{"DEDUP_WINDOW", 24 * time.Hour, &cfg.DedupWindow},
		{"SEND_TIMEOUT", 30 * time.Second, &cfg.SendTimeout},
		{"RETRY_BASE", 2 * time.Second, &cfg.RetryBase},
		{"RESUME_INTERVAL", time.Minute, &cfg.ResumeInterval},
		{"INGEST_INTERVAL", 5 * time.Minute, &cfg.IngestInterval},
	}
	for _, d := range durations {
		if *d.dest, err = durationEnv(d.key, d.def); err != nil {
			return nil, err
		}
	}

	if cfg.DigestMaxItems, err = intEnv("DIGEST_MAX_ITEMS", 10); err != nil {
		return nil, err
	}
	if cfg.DispatchWorkers, err = intEnv("DISPATCH_WORKERS", 4); err != nil {
		return nil, err
	}
	retryMax, err := intEnv("RETRY_MAX", 3)
	if err != nil {
		return nil, err
	}
	cfg.RetryMax = uint64(retryMax)

	if cfg.DedupPriceDropPct, err = percentEnv("DEDUP_PRICE_DROP_PCT", 10); err != nil {
		return nil, err
	}
	if cfg.DedupScoreRisePct, err = percentEnv("DEDUP_SCORE_RISE_PCT", 10); err != nil {
		return nil, err
	}
	if cfg.WeeklyDigestDay, err = weekdayEnv("WEEKLY_DIGEST_DAY", time.Monday); err != nil {
		return nil, err
	}

	if cfg.DigestMaxItems < 1 {
		return nil, fmt.Errorf("DIGEST_MAX_ITEMS must be at least 1")
	}
	if cfg.DispatchWorkers < 1 {
		return nil, fmt.Errorf("DISPATCH_WORKERS must be at least 1")
	}
	if cfg.ScanTimeout > cfg.ScanInterval {
		return nil, fmt.Errorf("SCAN_TIMEOUT (%s) must not exceed SCAN_INTERVAL (%s)", cfg.ScanTimeout, cfg.ScanInterval)
	}
	switch cfg.MailProvider {
	case "", "resend", "ses":
	default:
		return nil, fmt.Errorf("unknown MAIL_PROVIDER %q, use resend or ses", cfg.MailProvider)
	}
	if cfg.MailProvider == "resend" && cfg.ResendAPIKey == "" {
		return nil, fmt.Errorf("RESEND_API_KEY is required for MAIL_PROVIDER=resend")
	}
	if cfg.MailProvider != "" && cfg.MailFrom == "" {
		return nil, fmt.Errorf("MAIL_FROM is required when MAIL_PROVIDER is set")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, raw)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %d", key, n)
	}
	return n, nil
}

func percentEnv(key string, def float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if v <= 0 || v > 100 {
		return 0, fmt.Errorf("%s must be in (0, 100], got %s", key, raw)
	}
	return v, nil
}

func weekdayEnv(key string, def time.Weekday) (time.Weekday, error) {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return def, nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if raw == name || raw == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid %s %q", key, raw)
}
