package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jonathan/leadflow/internal/config"
	"github.com/jonathan/leadflow/internal/db"
	"github.com/jonathan/leadflow/internal/delivery"
	"github.com/jonathan/leadflow/internal/discovery"
	"github.com/jonathan/leadflow/internal/events"
	"github.com/jonathan/leadflow/internal/export"
	"github.com/jonathan/leadflow/internal/fetch"
	"github.com/jonathan/leadflow/internal/generation"
	"github.com/jonathan/leadflow/internal/llm"
	"github.com/jonathan/leadflow/internal/logging"
	"github.com/jonathan/leadflow/internal/messaging"
	"github.com/jonathan/leadflow/internal/outreach"
	"github.com/jonathan/leadflow/internal/pipeline"
	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/resilience"
	"github.com/jonathan/leadflow/internal/runstate"
	"github.com/jonathan/leadflow/internal/scoring"
	"github.com/jonathan/leadflow/internal/types"
	"github.com/jonathan/leadflow/internal/webhook"
)

// newLLMClient is swapped out in tests.
var newLLMClient = llm.NewClient

// app holds every long-lived component of one process.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	database   *db.DB
	store      runstate.Store
	bus        *events.Bus
	executor   *resilience.Executor
	reconciler *delivery.Reconciler
	dispatcher *delivery.Dispatcher
	outreach   *outreach.Service
	webhooks   *webhook.Processor
	runs       *pipeline.Orchestrator
	llm        llm.Client
}

// loadConfig reads the optional config file, applies flag and environment
// overrides, fills defaults and validates the result.
func loadConfig(v *viper.Viper) (config.Config, error) {
	cfg := &config.Config{}
	if path := v.GetString("config"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	applyOverrides(cfg, v)

	merged := cfg.MergeWithDefaults(config.Config{})
	if err := merged.Validate(); err != nil {
		return config.Config{}, err
	}
	return merged, nil
}

// applyOverrides copies every explicitly set flag or variable onto cfg.
func applyOverrides(cfg *config.Config, v *viper.Viper) {
	setString := func(key string, dst *string) {
		if s := v.GetString(key); s != "" {
			*dst = s
		}
	}
	setString("log-level", &cfg.Log.Level)
	setString("database-url", &cfg.Database.URL)
	setString("gemini-api-key", &cfg.Providers.Generation.APIKey)
	setString("webhook-secret", &cfg.Webhook.Secret)
	setString("messaging-api-key", &cfg.Providers.Messaging.APIKey)
	setString("seed-file", &cfg.Providers.Discovery.SeedFile)
	setString("export-dir", &cfg.Providers.Export.Dir)
	setString("location", &cfg.Run.Location)
	setString("niche", &cfg.Run.Niche)
	if v.GetBool("dev") {
		cfg.Log.Development = true
	}

	if n := v.GetInt("port"); n != 0 {
		cfg.Server.Port = n
	}
	if n := v.GetInt("max-entities"); n != 0 {
		cfg.Run.Limits.MaxEntities = n
	}
	if n := v.GetInt("concurrency"); n != 0 {
		cfg.Run.Concurrency = n
	}
	if f := v.GetFloat64("threshold"); f != 0 {
		cfg.Run.ScoreThreshold = f
	}
	if chans := v.GetStringSlice("channels"); len(chans) > 0 {
		cfg.Run.Outreach.Channels = parseChannels(chans)
	}
	if v.GetBool("test-mode") {
		cfg.Run.Outreach.TestMode = true
	}
}

// parseChannels accepts "email,sms" style lists as well as repeated flags.
func parseChannels(values []string) []types.Channel {
	var out []types.Channel
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				out = append(out, types.Channel(part))
			}
		}
	}
	return out
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Development)
}

// newApp wires the store, bus, executor, delivery layer, outreach service
// and orchestrator. Close releases everything it opens.
func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
			a = nil
		}
	}()

	var log events.Log
	if cfg.Database.URL != "" {
		database, err := db.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return a, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.database = database
		if err := database.Migrate(ctx); err != nil {
			return a, err
		}
		a.store = database
		log = database.EventLog()
	} else {
		logger.Warn("no database configured; run state is kept in memory")
		a.store = runstate.NewMemoryStore()
		log = events.NewMemoryLog()
	}

	providers, client, err := buildProviders(ctx, cfg, logger)
	a.llm = client
	if err != nil {
		return a, err
	}

	a.bus = events.NewBus(log, logger)
	def, perKey := cfg.ExecutorPolicies()
	a.executor = resilience.NewExecutor(def, perKey, logger)
	a.reconciler = delivery.NewReconciler(a.store, a.bus, logger)
	a.dispatcher = delivery.NewDispatcher(a.reconciler, a.executor, providers.Messenger, logger)
	a.outreach = outreach.NewService(a.store, a.reconciler, a.dispatcher, cfg.OutreachSettings(), logger)
	a.webhooks = webhook.NewProcessor(webhookVerifier(cfg.Webhook), a.reconciler, logger)

	a.runs, err = pipeline.New(pipeline.Options{
		Store:     a.store,
		Bus:       a.bus,
		Executor:  a.executor,
		Providers: providers,
		Outreach:  a.outreach,
		Logger:    logger,
	})
	if err != nil {
		return a, err
	}
	return a, nil
}

// buildProviders creates the default collaborators. The returned client is
// non-nil whenever one was opened, even on error, so it can be closed.
func buildProviders(ctx context.Context, cfg config.Config, logger *zap.Logger) (provider.Set, llm.Client, error) {
	var set provider.Set
	p := cfg.Providers

	if p.Discovery.SeedFile == "" {
		return set, nil, errors.New("a seed file is required: set providers.discovery.seed_file or --seed-file")
	}
	seed, err := discovery.LoadSeedFile(p.Discovery.SeedFile, logger)
	if err != nil {
		return set, nil, err
	}
	set.Discovery = seed

	fetcher := fetch.NewCachedFetcher(&fetch.CachedFetcherConfig{
		CacheTTL:   fetch.DefaultCacheTTL,
		FailureTTL: fetch.DefaultFailureTTL,
		Options: &fetch.Options{
			Timeout:   p.Scoring.Timeout.Std(),
			UserAgent: p.Scoring.UserAgent,
		},
	})
	set.Scorer = scoring.New(fetcher, logger)

	if p.Generation.APIKey == "" {
		return set, nil, errors.New("GEMINI_API_KEY environment variable or providers.generation.api_key is required")
	}
	llmCfg := llm.DefaultConfig()
	if p.Generation.Model != "" {
		llmCfg = llmCfg.WithModel(llm.TierStandard, p.Generation.Model)
	}
	client, err := newLLMClient(ctx, llmCfg, p.Generation.APIKey)
	if err != nil {
		return set, nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	gen, err := generation.New(client, generation.Options{
		PublishDir:     p.Generation.PublishDir,
		PreviewBaseURL: p.Generation.PreviewBaseURL,
	}, logger)
	if err != nil {
		return set, client, err
	}
	set.Generator = gen

	if p.Messaging.BaseURL == "" {
		logger.Warn("no messaging provider configured; messages are recorded, not sent")
		set.Messenger = messaging.NewDryRun(logger)
	} else {
		msgr, err := messaging.New(messaging.Config{
			BaseURL: p.Messaging.BaseURL,
			APIKey:  p.Messaging.APIKey,
			Timeout: p.Messaging.Timeout.Std(),
		}, logger)
		if err != nil {
			return set, client, err
		}
		set.Messenger = msgr
	}

	if p.Export.Dir != "" {
		exp, err := export.NewJSONExporter(p.Export.Dir, logger)
		if err != nil {
			return set, client, err
		}
		set.Exporter = exp
	}
	return set, client, nil
}

// webhookVerifier returns nil when neither a secret nor insecure mode is
// configured, which makes the processor reject every callback.
func webhookVerifier(cfg config.WebhookConfig) webhook.Verifier {
	switch {
	case cfg.Secret != "":
		return webhook.NewHMACVerifier(cfg.Secret)
	case cfg.Insecure:
		return webhook.AllowAll
	default:
		return nil
	}
}

// Close stops runs and background workers, then releases connections.
func (a *app) Close(ctx context.Context) {
	if a.runs != nil {
		if err := a.runs.Shutdown(ctx); err != nil {
			a.logger.Warn("runs did not stop in time", zap.Error(err))
		}
	}
	if a.outreach != nil {
		a.outreach.Close()
	}
	if a.reconciler != nil {
		a.reconciler.Close()
	}
	if a.llm != nil {
		_ = a.llm.Close()
	}
	if a.database != nil {
		a.database.Close()
	}
}
