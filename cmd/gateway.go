package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nextlevelbuilder/chatrelay/internal/agent"
	"github.com/nextlevelbuilder/chatrelay/internal/channels"
	"github.com/nextlevelbuilder/chatrelay/internal/channels/discord"
	"github.com/nextlevelbuilder/chatrelay/internal/channels/telegram"
	"github.com/nextlevelbuilder/chatrelay/internal/channels/webchat"
	"github.com/nextlevelbuilder/chatrelay/internal/channels/webhook"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/filters"
	"github.com/nextlevelbuilder/chatrelay/internal/gateway"
	"github.com/nextlevelbuilder/chatrelay/internal/identity"
	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/router"
	"github.com/nextlevelbuilder/chatrelay/internal/sessions"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
	"github.com/nextlevelbuilder/chatrelay/internal/store/pg"
	"github.com/nextlevelbuilder/chatrelay/internal/tools"
	"github.com/nextlevelbuilder/chatrelay/internal/tracing"
)

func runGateway() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	audit := store.NewStoreSink(st)
	resolver := identity.NewResolver(st, audit)
	sessionMgr := sessions.NewManager(st, audit, cfg.Sessions.GroupMarker)

	if cfg.Provider.APIKey == "" {
		slog.Error("ANTHROPIC_API_KEY is not set")
		os.Exit(1)
	}
	provider := providers.NewAnthropicProvider(cfg.Provider.APIKey, cfg.Provider.BaseURL,
		cfg.Provider.RequestTimeout.Duration)
	registry := providers.NewRegistry(provider, cfg.Provider.DefaultModel)

	toolsReg := tools.NewRegistry()
	// Network builtins validate egress against the calling agent's config;
	// the pipeline stamps the agent id onto the context before any tool runs.
	if err := tools.RegisterBuiltins(toolsReg, func(ctx context.Context) (*store.AgentConfig, error) {
		agentID := tools.AgentIDFrom(ctx)
		if agentID == "" {
			agentID = router.DefaultAgentID
		}
		return st.GetAgentConfig(ctx, agentID)
	}); err != nil {
		slog.Error("failed to register builtin tools", "error", err)
		os.Exit(1)
	}
	policy := tools.NewPolicyEngine(toolsReg, st)

	pipeline := agent.NewPipeline(
		filters.DefaultChain(cfg.Filters.MaxMessageLength),
		sessionMgr,
		policy,
		st,
		registry,
		audit,
		agent.Options{
			MaxTokens:    cfg.Provider.MaxTokens,
			ModelTimeout: cfg.Provider.RequestTimeout.Duration,
			TemplatePath: cfg.Provider.PromptTemplate,
		},
	)

	limiter := channels.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst, cfg.RateLimit.MaxKeys)
	bindings := router.NewBindingTable(cfg.Bindings)

	rtr := router.New(bindings, resolver, pipeline, limiter, audit, router.Options{
		Workers: cfg.Router.Workers,
		Delivery: router.RetryPolicy{
			MaxAttempts: cfg.Router.DeliveryAttempts,
			BaseDelay:   cfg.Router.DeliveryBackoff.Duration,
		},
		Subscribe: router.RetryPolicy{
			BaseDelay: cfg.Router.SubscribeBackoff.Duration,
			MaxDelay:  cfg.Router.SubscribeMaxWait.Duration,
		},
	})

	var adapters []channels.Adapter

	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc, err := discord.New(cfg.Channels.Discord.Token, cfg.Sessions.GroupMarker)
		if err != nil {
			slog.Error("failed to initialize discord channel", "error", err)
		} else {
			adapters = append(adapters, dc)
			slog.Info("discord channel enabled")
		}
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Channels.Telegram.Token, cfg.Sessions.GroupMarker)
		if err != nil {
			slog.Error("failed to initialize telegram channel", "error", err)
		} else {
			adapters = append(adapters, tg)
			slog.Info("telegram channel enabled")
		}
	}

	server := gateway.NewServer(cfg, pipeline, resolver, bindings, limiter)

	if cfg.Channels.Webchat.Enabled {
		wc := webchat.New(cfg.Channels.Webchat.MaxMessageLength)
		adapters = append(adapters, wc)
		server.MountWebchat(wc.Handler())
		slog.Info("webchat channel enabled")
	}

	wh := webhook.New()
	adapters = append(adapters, wh)
	server.MountWebhook(wh.Handler())

	for _, a := range adapters {
		rtr.RegisterAdapter(a)
	}
	defer func() {
		for _, a := range adapters {
			_ = a.Close()
		}
	}()

	compaction := sessions.NewCompactionEngine(st, audit, provider, cfg.Provider.DefaultModel,
		cfg.Sessions.CompactionTokens, cfg.Sessions.SummaryLineBudget)
	retention := sessions.NewRetentionJob(st, audit,
		cfg.Sessions.ArchiveAfter.Duration, cfg.Sessions.PurgeAfter.Duration)
	sweeper := sessions.NewSweeper(compaction, retention,
		cfg.Sessions.CompactionCron, cfg.Sessions.RetentionCron)
	go sweeper.Run(ctx)

	// Binding changes apply without a restart; everything else needs one.
	go func() {
		if err := config.Watch(ctx, cfgPath, func(next *config.Config) {
			bindings.Swap(next.Bindings)
			slog.Info("bindings reloaded", "count", len(next.Bindings))
		}); err != nil {
			slog.Warn("config watcher unavailable", "error", err)
		}
	}()

	go rtr.Run(ctx)

	slog.Info("chatrelay gateway starting",
		"version", Version,
		"store", cfg.Store.Driver,
		"channels", len(adapters),
		"tools", len(toolsReg.All()),
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else {
		switch cfg.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	if cfg.Driver == "postgres" {
		return pg.New(ctx, cfg.DSN)
	}
	return store.NewSQLiteStore(cfg.Path)
}
