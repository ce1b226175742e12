package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"dealwatch/internal/audit"
	"dealwatch/internal/channel"
	"dealwatch/internal/config"
	"dealwatch/internal/digest"
	"dealwatch/internal/dispatch"
	"dealwatch/internal/ingest"
	"dealwatch/internal/metrics"
	"dealwatch/internal/model"
	"dealwatch/internal/policy"
	"dealwatch/internal/scheduler"
	"dealwatch/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	senders, err := newSenders(ctx, cfg, log)
	if err != nil {
		log.Error("configure channels", "error", err)
		os.Exit(1)
	}

	opts := dispatch.DefaultOptions()
	opts.Workers = cfg.DispatchWorkers
	opts.RetryBase = cfg.RetryBase
	opts.RetryMax = cfg.RetryMax
	opts.SendTimeout = cfg.SendTimeout
	opts.ResumeInterval = cfg.ResumeInterval
	dispatcher := dispatch.New(store, senders, log, opts)

	engine := policy.New(store, dispatcher, log, policy.Options{
		DedupWindow:  cfg.DedupWindow,
		PriceDropPct: cfg.DedupPriceDropPct,
		ScoreRisePct: cfg.DedupScoreRisePct,
		WeeklyDigest: cfg.WeeklyDigestDay,
	})
	aggregator := digest.New(store, dispatcher, log, cfg.DigestMaxItems)

	var publisher scheduler.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		k, err := audit.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			log.Error("create audit publisher", "error", err)
			os.Exit(1)
		}
		defer func() { _ = k.Close() }()
		publisher = k
	}

	sched := scheduler.New(store, engine, publisher, log)
	sched.SetTickInterval(cfg.ScanInterval)
	sched.SetTimeout(cfg.ScanTimeout)

	log.Info("starting dealwatch", "channels", len(senders), "workers", cfg.DispatchWorkers)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error {
		sched.Run(ctx)
		return nil
	})
	g.Go(func() error {
		engine.RunReplay(ctx, cfg.ReplayInterval)
		return nil
	})
	g.Go(func() error {
		aggregator.Run(ctx, cfg.DigestInterval)
		return nil
	})
	if len(cfg.IngestFeeds) > 0 {
		collector := ingest.New(&http.Client{Timeout: 30 * time.Second}, store, log, cfg.IngestFeeds)
		g.Go(func() error {
			collector.Run(ctx, cfg.IngestInterval)
			return nil
		})
	}
	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, g, cfg.MetricsAddr, log)
	}

	if err := g.Wait(); err != nil {
		log.Error("dealwatch stopped", "error", err)
		os.Exit(1)
	}
	log.Info("dealwatch stopped")
}

// newSenders registers a provider for every channel that is configured.
func newSenders(ctx context.Context, cfg *config.Config, log *slog.Logger) (channel.Registry, error) {
	client := &http.Client{Timeout: cfg.SendTimeout}
	reg := channel.Registry{}

	var telegram channel.Sender
	if cfg.TelegramBotToken != "" {
		tg, err := channel.NewTelegram(cfg.TelegramBotToken)
		if err != nil {
			return nil, err
		}
		telegram = tg
	}
	reg[model.ChannelChat] = channel.NewChat(telegram, channel.NewWebhook(client))

	switch cfg.MailProvider {
	case "resend":
		reg[model.ChannelMail] = channel.NewMail(channel.NewResend(cfg.ResendAPIKey), cfg.MailFrom)
	case "ses":
		ses, err := channel.NewSES(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		reg[model.ChannelMail] = channel.NewMail(ses, cfg.MailFrom)
	default:
		log.Warn("mail channel disabled, MAIL_PROVIDER is not set")
	}

	if cfg.SMSGatewayURL != "" {
		reg[model.ChannelSMS] = channel.NewSMS(client, channel.SMSConfig{
			BaseURL:    cfg.SMSGatewayURL,
			AccountSID: cfg.SMSAccountSID,
			AuthToken:  cfg.SMSAuthToken,
			From:       cfg.SMSFrom,
		})
	}
	if cfg.PushURL != "" {
		reg[model.ChannelPush] = channel.NewPush(client, cfg.PushURL, cfg.PushToken)
	}
	return reg, nil
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, log *slog.Logger) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Register(reg); err != nil {
		log.Error("register metrics", "error", err)
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		log.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
