// Command agentengine wires the engine together and serves its HTTP
// surface: config loading, store/queue/cache backend selection, the agent
// registry and runner, the research pipeline, webhook ingress, the worker
// pool, and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harborfield/agentengine/agent/registry"
	"github.com/harborfield/agentengine/agent/runner"
	"github.com/harborfield/agentengine/api"
	"github.com/harborfield/agentengine/followup"
	"github.com/harborfield/agentengine/llm"
	"github.com/harborfield/agentengine/memory"
	"github.com/harborfield/agentengine/orchestrator"
	"github.com/harborfield/agentengine/pkg/cache"
	configx "github.com/harborfield/agentengine/pkg/config"
	"github.com/harborfield/agentengine/pkg/limiter"
	logx "github.com/harborfield/agentengine/pkg/logger"
	openrouterx "github.com/harborfield/agentengine/pkg/openrouter"
	"github.com/harborfield/agentengine/pkg/qstash"
	"github.com/harborfield/agentengine/queue"
	"github.com/harborfield/agentengine/research"
	"github.com/harborfield/agentengine/store"
	"github.com/harborfield/agentengine/webhook"
	"github.com/harborfield/agentengine/worker"
)

// AppConfig is the top-level deployment knobs that don't belong to any one
// component: where state lives and how long shutdown may take.
type AppConfig struct {
	HTTPAddr           string        `envconfig:"HTTP_ADDR" default:":8080"`
	StoreDSN           string        `envconfig:"STORE_DSN"`                      // empty selects the in-memory store
	CacheBackend       string        `envconfig:"CACHE_BACKEND" default:"memory"` // memory | upstash
	CacheSweepInterval time.Duration `envconfig:"CACHE_SWEEP_INTERVAL" default:"1m"`
	ModelCacheTTL      time.Duration `envconfig:"MODEL_CACHE_TTL" default:"24h"`
	PageCacheTTL       time.Duration `envconfig:"PAGE_CACHE_TTL" default:"24h"`
	ResearchCacheTTL   time.Duration `envconfig:"RESEARCH_CACHE_TTL" default:"6h"`
	ShutdownGrace      time.Duration `envconfig:"SHUTDOWN_GRACE" default:"20s"`
	MailGatewayURL     string        `envconfig:"MAIL_GATEWAY_URL"`
	MailGatewayAPIKey  string        `envconfig:"MAIL_GATEWAY_API_KEY"`
	NotifyCallbackURL  string        `envconfig:"NOTIFY_CALLBACK_URL"` // empty disables outbound fan-out
	LogDebug           bool          `envconfig:"LOG_DEBUG" default:"false"`
	LogPretty          bool          `envconfig:"LOG_PRETTY" default:"false"`
}

func main() {
	appCfg := configx.MustNew[AppConfig]("")
	logx.Init(logx.Config{Debug: appCfg.LogDebug, PrettyFormat: appCfg.LogPretty})
	logger := log.Logger

	registryCfg := configx.MustNew[registry.Config]("LLM")
	if err := registryCfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid model configuration")
	}
	limiterCfg := configx.MustNew[limiter.Config]("LIMITER")
	researchCfg := configx.MustNew[research.Config]("RESEARCH")
	webhookCfg := configx.MustNew[webhook.Config]("WEBHOOK")
	workerCfg := configx.MustNew[worker.Config]("WORKER")
	apiCfg := configx.MustNew[api.Config]("API")

	checkProvider(*registryCfg, logger)

	s, q := buildBackends(*appCfg)
	c := buildCache(*appCfg)

	lim := limiter.New(*limiterCfg)
	reg, builders := registry.Build(*registryCfg)
	modelClient := llm.New(builders, c, lim, appCfg.ModelCacheTTL)
	summarizer := llm.NewSummarizer(modelClient, registryCfg.CompactionModelID())
	mem := memory.New(s, summarizer)

	agentRunner := runner.New(reg, modelClient, mem)
	agentRunner.SetTaskStore(s)
	agentRunner.SetLogger(logger.With().Str("component", "runner").Logger())

	searchProvider := research.NewBraveSearchProvider(*researchCfg)
	researcher := research.New(*researchCfg, searchProvider, lim, c, modelClient, registryCfg.SynthesisModelID(),
		research.CacheTTLs{Page: appCfg.PageCacheTTL, Research: appCfg.ResearchCacheTTL})

	orch := orchestrator.New(s, q)
	wh := webhook.New(*webhookCfg, s, q)

	mailGateway := followup.NewHTTPMailGateway(appCfg.MailGatewayURL, appCfg.MailGatewayAPIKey, 10*time.Second)
	followups := followup.New(s, orch, mailGateway, logger)
	if appCfg.NotifyCallbackURL != "" {
		qstashCfg := configx.MustNew[qstash.Config]("QSTASH")
		followups.SetNotifier(qstash.MustNew(*qstashCfg), appCfg.NotifyCallbackURL)
	}
	webhookHandlers := map[string]worker.WebhookHandler{
		string(webhook.MailPush):     followups.HandleMailPush,
		string(webhook.ScrapeDone):   followups.HandleScrapeDone,
		string(webhook.Booking):      followups.HandleBookingCreated,
		string(webhook.MonitorAlert): followups.HandleMonitorAlert,
	}

	pool := worker.New(*workerCfg, s, q, agentRunner, researcher, webhookHandlers, logger)

	apiServer := api.New(*apiCfg, orch, s, reg, pool, wh, logger)
	httpServer := &http.Server{Addr: appCfg.HTTPAddr, Handler: apiServer.Routes()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)

	go func() {
		logger.Info().Str("addr", appCfg.HTTPAddr).Msg("serving")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.ShutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}
	if !pool.Drain(shutdownCtx) {
		logger.Warn().Msg("worker pool did not drain within the grace period")
	}

	if closer, ok := s.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error().Err(err).Msg("store close error")
		}
	}
	logger.Info().Msg("shutdown complete")
}

// buildBackends selects a Postgres-backed or in-process Store/Queue pair
// depending on whether StoreDSN is set: a bare DSN switches the engine from
// single-process development mode to its durable, multi-worker-safe mode.
func buildBackends(cfg AppConfig) (store.Store, queue.Queue) {
	if cfg.StoreDSN == "" {
		log.Warn().Msg("STORE_DSN not set, using in-memory store and queue (single process only)")
		return store.NewInMemory(), queue.NewInProcess()
	}
	pg, err := store.Open(cfg.StoreDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open postgres store")
	}
	return pg, queue.NewPostgresQueue(pg.DB())
}

func buildCache(cfg AppConfig) cache.Cache {
	if cfg.CacheBackend == "upstash" {
		upstashCfg := configx.MustNew[cache.UpstashConfig]("UPSTASH")
		back, err := cache.NewUpstash(*upstashCfg)
		if err != nil {
			panic(err)
		}
		return cache.NewLayered(cache.NewInMemory(cfg.CacheSweepInterval), back, time.Minute)
	}
	return cache.NewInMemory(cfg.CacheSweepInterval)
}

// checkProvider pings the provider's model listing once at startup so a bad
// key or base URL is reported immediately instead of on the first task.
func checkProvider(cfg registry.Config, logger zerolog.Logger) {
	client := openrouterx.NewClient(openrouterx.Config{
		BaseURL:  cfg.BaseURL,
		APIKey:   cfg.APIKey,
		Model:    cfg.Model,
		SiteURL:  cfg.SiteURL,
		SiteName: cfg.SiteName,
	})
	if client == nil {
		logger.Fatal().Msg("model provider api key is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.Models.List(ctx); err != nil {
		logger.Warn().Err(err).Msg("model provider connectivity check failed")
	}
}
