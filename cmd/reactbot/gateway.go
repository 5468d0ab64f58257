package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"reactbot/internal/analytics"
	"reactbot/internal/api"
	"reactbot/internal/broadcast"
	"reactbot/internal/bus"
	"reactbot/internal/config"
	"reactbot/internal/dispatch"
	"reactbot/internal/metrics"
	"reactbot/internal/platform"
	"reactbot/internal/policy"
	"reactbot/internal/ratelimit"
	"reactbot/internal/retry"
	"reactbot/internal/store"

	"github.com/spf13/cobra"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the reaction gateway (platforms + dispatch + API)",
		Long:  "Connects every enabled platform, dispatches reactions and serves the HTTP API. Press Ctrl+C to stop; send SIGHUP to reload the chat registry.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	closeLog, err := setupLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(store.Config{
		Path:          cfg.Storage.DBPath,
		RetryAttempts: cfg.Storage.RetryAttempts,
		RetryBackoff:  time.Duration(cfg.Storage.RetryBackoffMs) * time.Millisecond,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("outcome store: %w", err)
	}
	defer st.Close()

	registry, err := config.LoadRegistry(cfg.General.ChatsFile, cfg.Bot.Settings(), logger)
	if err != nil {
		return fmt.Errorf("chat registry: %w", err)
	}

	collector := metrics.New(metrics.Config{})
	hub := broadcast.NewHub(broadcast.Config{Buffer: cfg.Broadcast.SubscriberBuffer, Logger: logger})
	defer hub.Close()

	agg := analytics.New(analytics.Config{
		Outcomes:   st,
		Counters:   st,
		Publisher:  hub,
		Observer:   collector,
		RateWindow: time.Duration(cfg.Broadcast.RateWindowSeconds) * time.Second,
		Logger:     logger,
	})
	if err := agg.Rebuild(ctx); err != nil {
		logger.Warn("analytics rebuild failed, starting from empty counters", "err", err)
	}

	events := bus.New(bus.Config{BufferSize: cfg.Dispatch.EventBuffer, Logger: logger})
	defer events.Close()

	router := platform.NewRouter()
	if tc := cfg.Channels.Telegram; tc.Enabled && tc.Token != "" {
		router.Register(platform.NewTelegram(platform.TelegramConfig{
			Token:     tc.Token,
			AllowFrom: tc.AllowFrom,
			Stats:     func() string { return statsText(agg.Snapshot()) },
			Logger:    logger,
		}))
	}
	if dc := cfg.Channels.Discord; dc.Enabled && dc.Token != "" {
		router.Register(platform.NewDiscord(platform.DiscordConfig{
			Token:   dc.Token,
			GuildID: dc.GuildID,
			Logger:  logger,
		}))
	}
	if len(router.Names()) == 0 {
		logger.Warn("no platform enabled; the gateway will only serve the API")
	}

	evaluator := policy.New()
	pool := dispatch.New(dispatch.Config{
		Workers:   cfg.Dispatch.Workers,
		QueueSize: cfg.Dispatch.QueueSize,
		Limits: dispatch.Limits{
			ChatQuota:    cfg.RateLimit.Chat.Quota,
			ChatWindow:   cfg.RateLimit.Chat.Window(),
			GlobalQuota:  cfg.RateLimit.Global.Quota,
			GlobalWindow: cfg.RateLimit.Global.Window(),
		},
		DeniedPolicy: cfg.Dispatch.DeniedPolicy,
		Source:       registry,
		Policy:       evaluator,
		Guard:        ratelimit.New(ratelimit.Config{Store: st, Logger: logger}),
		Retry:        retry.New(retry.Config{Logger: logger}),
		Sender:       router,
		Recorder:     agg,
		Degrader:     agg,
		Observer:     collector,
		Logger:       logger,
	})
	registerGauges(collector, pool, events, hub, registry)

	pool.Start()
	go pool.Intake(ctx, events.Subscribe())

	go func() {
		for err := range router.StartAll(ctx, events) {
			logger.Error("platform stopped", "err", err)
		}
	}()

	go watchReload(ctx, cfgPath, registry)

	if cfg.Web.Enabled {
		live := broadcast.NewServer(broadcast.ServerConfig{
			Hub:           hub,
			Snapshot:      func() any { return agg.Snapshot() },
			StatsInterval: time.Duration(cfg.Broadcast.StatsIntervalSeconds) * time.Second,
			Logger:        logger,
		})
		apiCfg := api.Config{
			Registry:  registry,
			Analytics: agg,
			Policy:    evaluator,
			Publisher: hub,
			Store:     st,
			Platforms: router.Statuses,
			Queue: func() api.QueueStats {
				return api.QueueStats{Depth: pool.QueueDepth(), InFlight: pool.InFlight()}
			},
			Live:    live,
			APIKey:  cfg.Web.APIKey,
			Version: version,
			Logger:  logger,
		}
		if cfg.Metrics.Enabled {
			apiCfg.Metrics = collector.Handler()
			apiCfg.MetricsPath = cfg.Metrics.Endpoint
		}
		srv := api.New(apiCfg)
		addr := net.JoinHostPort(cfg.Web.Host, strconv.Itoa(cfg.Web.Port))
		go func() {
			if err := srv.Serve(ctx, addr); err != nil {
				logger.Error("api server error", "err", err)
			}
		}()
	}

	logger.Info("gateway started. Press Ctrl+C to stop.",
		"platforms", router.Names(), "chats", len(registry.List()), "workers", cfg.Dispatch.Workers)

	<-ctx.Done()
	logger.Info("shutting down gateway...")

	grace := time.Duration(cfg.Dispatch.ShutdownGraceSeconds) * time.Second
	discarded := pool.Stop(grace)
	logger.Info("shutdown complete", "discarded_intents", discarded, "bus_dropped", events.Dropped())
	return nil
}

func registerGauges(c *metrics.Collector, pool *dispatch.Pool, events *bus.InMemoryBus, hub *broadcast.Hub, reg *config.Registry) {
	funcs := []struct {
		counter bool
		name    string
		help    string
		fn      func() float64
	}{
		{false, "queue_depth", "Intents waiting for a worker", func() float64 { return float64(pool.QueueDepth()) }},
		{false, "event_bus_pending", "Inbound events waiting for intake", func() float64 { return float64(events.Pending()) }},
		{true, "event_bus_dropped_total", "Inbound events dropped on a full bus", func() float64 { return float64(events.Dropped()) }},
		{false, "live_subscribers", "Connected live feed subscribers", func() float64 { return float64(hub.Len()) }},
		{true, "live_evicted_total", "Live subscribers evicted for falling behind", func() float64 {
			_, evicted := hub.Stats()
			return float64(evicted)
		}},
		{false, "chats_enabled", "Chats with reactions enabled", func() float64 { return float64(reg.EnabledCount()) }},
		{false, "uptime_seconds", "Seconds since the gateway started", func() float64 { return c.Uptime().Seconds() }},
	}
	for _, f := range funcs {
		register := c.GaugeFunc
		if f.counter {
			register = c.CounterFunc
		}
		if err := register(f.name, f.help, f.fn); err != nil {
			logger.Warn("metric registration failed", "metric", f.name, "err", err)
		}
	}
}

// watchReload reloads global settings and the chat registry on SIGHUP.
func watchReload(ctx context.Context, cfgPath string, reg *config.Registry) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Error("reload config", "err", err)
				continue
			}
			reg.SetGlobalSettings(cfg.Bot.Settings())
			if err := reg.Reload(); err != nil {
				logger.Error("reload chat registry, keeping previous chats", "err", err)
				continue
			}
			logger.Info("configuration reloaded", "chats", len(reg.List()), "auto_react", cfg.Bot.AutoReact)
		}
	}
}

// statsText renders a snapshot for the bot /stats command.
func statsText(s analytics.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reactions sent: %d\n", s.TotalReactions)
	fmt.Fprintf(&b, "Rate: %.2f/s\n", s.ReactionsPerSecond)
	fmt.Fprintf(&b, "Throttled: %d  Failed: %d  Skipped: %d\n", s.ThrottledTotal, s.ErrorsTotal, s.SkippedTotal)
	fmt.Fprintf(&b, "Error rate: %.1f%%\n", s.ErrorRate*100)
	fmt.Fprintf(&b, "Active chats: %d\n", s.ActiveScopes)
	fmt.Fprintf(&b, "Uptime: %s", s.Uptime.Round(time.Second))

	type pair struct {
		emoji string
		n     int64
	}
	var top []pair
	for e, n := range s.EmojiUsage {
		top = append(top, pair{e, n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].n != top[j].n {
			return top[i].n > top[j].n
		}
		return top[i].emoji < top[j].emoji
	})
	if len(top) > 5 {
		top = top[:5]
	}
	if len(top) > 0 {
		b.WriteString("\nTop emojis:")
		for _, p := range top {
			fmt.Fprintf(&b, " %s %d", p.emoji, p.n)
		}
	}
	if s.Degraded {
		b.WriteString("\nStorage degraded: " + s.LastDegradation)
	}
	return b.String()
}
