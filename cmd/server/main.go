package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"metal-sentinel/internal/alert"
	"metal-sentinel/internal/bot"
	"metal-sentinel/internal/cache"
	"metal-sentinel/internal/config"
	"metal-sentinel/internal/db"
	"metal-sentinel/internal/domain"
	"metal-sentinel/internal/enrich"
	"metal-sentinel/internal/fusion"
	"metal-sentinel/internal/handler"
	"metal-sentinel/internal/job"
	"metal-sentinel/internal/repository"
	"metal-sentinel/internal/source"
	"metal-sentinel/internal/technical"
	"metal-sentinel/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
)

var (
	loadEnvFunc      = godotenv.Load
	loadConfigFunc   = config.Load
	initPostgresFunc = db.InitPostgres
	initRedisFunc    = cache.InitRedis
	initTracerFunc   = tracing.InitTracer
	newSourcesFunc   = func(tracer trace.Tracer, policy source.RetryPolicy, errlog source.ErrorLogger) []fusion.Source {
		adapters := []source.Adapter{
			source.NewMetalsLive(tracer),
			source.NewKitco(tracer),
			source.NewYahoo(tracer),
			source.NewCameco(tracer),
			source.NewTradingEconomics(tracer),
		}
		sources := make([]fusion.Source, 0, len(adapters))
		for _, a := range adapters {
			sources = append(sources, source.NewMonitored(a, policy, errlog))
		}
		return sources
	}
	startPollerFunc        = func(p *job.Poller, ctx context.Context) { go p.Start(ctx) }
	startTelegramBotFunc   = bot.StartTelegramBot
	newRouterFunc          = gin.Default
	setupSignalNotify      = signal.Notify
	waitForSignalFunc      = func(quit <-chan os.Signal) { <-quit }
	startHTTPServerFunc    = func(srv *http.Server) error { return srv.ListenAndServe() }
	shutdownHTTPServerFunc = func(srv *http.Server, ctx context.Context) error { return srv.Shutdown(ctx) }
)

// memoryHistory serves level derivation from the fusion engine's rolling
// window when no database is configured.
type memoryHistory struct {
	engine *fusion.Engine
}

func (m memoryHistory) GetPriceHistory(ctx context.Context, metal string, hours int) ([]domain.PricePoint, error) {
	points := m.engine.History(metal)
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
	out := make([]domain.PricePoint, 0, len(points))
	for _, p := range points {
		if p.Timestamp.After(cutoff) {
			out = append(out, p)
		}
	}
	return out, nil
}

// logSender stands in for Telegram when no bot is configured, so the
// pipeline still drains.
type logSender struct{}

func (logSender) Send(ctx context.Context, message string) error {
	log.Printf("ALERT (no telegram configured):\n%s", message)
	return nil
}

// switchSender lets the Telegram notifier replace the log sender after the
// pipeline is built; the bot commands need the pipeline first.
type switchSender struct {
	target alert.Sender
}

func (s *switchSender) Send(ctx context.Context, message string) error {
	return s.target.Send(ctx, message)
}

func main() {
	loadEnvFunc()

	cfg := loadConfigFunc()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Init Postgres and Redis
	os.Setenv("DATABASE_URL", cfg.DatabaseURL)
	os.Setenv("REDIS_URL", cfg.RedisURL)
	initPostgresFunc(ctx)
	defer db.ClosePostgres()
	initRedisFunc(ctx)

	// Init tracing
	tp, tracer, err := initTracerFunc(ctx)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("error shutting down tracer provider: %v", err)
		}
	}()

	// Create repositories and run migrations
	var (
		priceRepo    *repository.PriceRepository
		ledgerRepo   *repository.LedgerRepository
		levelRepo    *repository.LevelRepository
		configRepo   *repository.ConfigRepository
		calendarRepo *repository.CalendarRepository
	)
	if db.Pool != nil {
		priceRepo = repository.NewPriceRepository(db.Pool, tracer)
		ledgerRepo = repository.NewLedgerRepository(db.Pool, tracer)
		levelRepo = repository.NewLevelRepository(db.Pool, tracer)
		configRepo = repository.NewConfigRepository(db.Pool, tracer)
		calendarRepo = repository.NewCalendarRepository(db.Pool, tracer)

		migrators := []interface {
			RunMigrations(ctx context.Context) error
		}{priceRepo, ledgerRepo, levelRepo, configRepo, calendarRepo}
		for _, m := range migrators {
			if err := m.RunMigrations(ctx); err != nil {
				log.Fatalf("failed to run migrations: %v", err)
			}
		}
	}

	// Fusion engine over the monitored source adapters
	var errlog source.ErrorLogger
	var priceStore fusion.PriceStore
	if configRepo != nil {
		errlog = configRepo
	}
	if priceRepo != nil {
		priceStore = priceRepo
	}

	policy := source.RetryPolicy{
		MaxAttempts: cfg.RetryAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
	}
	sources := newSourcesFunc(tracer, policy, errlog)

	var fusionErrlog fusion.ErrorLogger
	var fusionRedis fusion.RedisClient
	if configRepo != nil {
		fusionErrlog = configRepo
	}
	if cache.Client != nil {
		fusionRedis = cache.Client
	}
	fusionEngine := fusion.NewEngine(tracer, sources, priceStore, fusionErrlog, fusionRedis, fusion.Config{
		Retention:               time.Duration(cfg.HistoryRetentionHours) * time.Hour,
		FetchTimeout:            time.Duration(cfg.FetchTimeoutSecs) * time.Second,
		SuspiciousChangePercent: cfg.SuspiciousChangePercent,
		SanityBands:             cfg.SanityBands,
		Tiers:                   cfg.AlertTiers,
	})

	// Technical engine reads durable history when available, the in-memory
	// window otherwise.
	var history technical.HistoryStore = memoryHistory{engine: fusionEngine}
	var levelStore technical.LevelStore
	if priceRepo != nil {
		history = priceRepo
	}
	if levelRepo != nil {
		levelStore = levelRepo
	}
	technicalEngine := technical.NewEngine(tracer, history, levelStore, technical.Config{
		HistoryHours:     cfg.HistoryStorageHours,
		ProximityPercent: cfg.ProximityPercent,
		TouchTolerance:   cfg.TouchTolerancePercent,
	})

	// Enrichment needs both an API key and the counter store
	var enricher alert.Enricher
	if cfg.OpenAIAPIKey != "" && ledgerRepo != nil {
		var enrichRedis enrich.RedisClient
		if cache.Client != nil {
			enrichRedis = cache.Client
		}
		enricher = enrich.NewEnricher(
			tracer,
			enrich.NewOpenAIClient(cfg.OpenAIAPIKey),
			ledgerRepo,
			enrichRedis,
			cfg.OpenAIModel,
			cfg.MaxLLMCallsPerDay,
			time.Duration(cfg.LLMCallTimeoutSecs)*time.Second,
		)
	}

	// Alert pipeline
	formatter := bot.NewMessageFormatter()
	rules := alert.NewRules(formatter, cfg.WhaleThresholdUSD)

	var ledger alert.Ledger
	var cfgStore alert.ConfigStore
	var alertErrlog alert.ErrorLogger
	if ledgerRepo != nil {
		ledger = ledgerRepo
	}
	if configRepo != nil {
		cfgStore = configRepo
		alertErrlog = configRepo
	}

	sender := &switchSender{target: logSender{}}
	pipeline := alert.NewPipeline(tracer, ledger, cfgStore, enricher, sender, alertErrlog,
		cfg.MaxAlertsPerHour, cfg.LLMCriticalReserve)
	if err := pipeline.LoadSettings(ctx); err != nil {
		log.Printf("Warning: could not load alert settings: %v", err)
	}

	// Start Telegram bot; its notifier replaces the log sender when configured
	os.Setenv("TELEGRAM_BOT_TOKEN", cfg.TelegramBotToken)
	if cfg.TelegramChatID != 0 {
		os.Setenv("TELEGRAM_CHAT_ID", strconv.FormatInt(cfg.TelegramChatID, 10))
	}
	if notifier := startTelegramBotFunc(fusionEngine, technicalEngine, pipeline); notifier != nil {
		sender.target = notifier
	}

	// Background loops
	var calendar job.EventCalendar
	var historyPruner, ledgerPruner job.HistoryPruner
	var errorPruner job.ErrorPruner
	if calendarRepo != nil {
		calendar = calendarRepo
	}
	if priceRepo != nil {
		historyPruner = priceRepo
	}
	if ledgerRepo != nil {
		ledgerPruner = ledgerRepo
	}
	if configRepo != nil {
		errorPruner = configRepo
	}
	poller := job.NewPoller(tracer, fusionEngine, technicalEngine, rules, pipeline, calendar,
		historyPruner, ledgerPruner, errorPruner,
		cfg.PricePollSecs, cfg.TechnicalPollMins, cfg.CalendarPollMins, cfg.HistoryStorageHours)
	startPollerFunc(poller, ctx)

	// HTTP API
	var historyStore handler.HistoryStore
	var levelReadStore handler.LevelStore
	var errorReader handler.ErrorReader
	if priceRepo != nil {
		historyStore = priceRepo
	}
	if levelRepo != nil {
		levelReadStore = levelRepo
	}
	if configRepo != nil {
		errorReader = configRepo
	}
	h := handler.New(tracer, fusionEngine, technicalEngine, historyStore, levelReadStore, errorReader)

	r := newRouterFunc()
	r.Use(otelgin.Middleware("metal-sentinel"))
	h.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    ":8080",
		Handler: r,
	}

	go func() {
		if err := startHTTPServerFunc(srv); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	setupSignalNotify(quit, syscall.SIGINT, syscall.SIGTERM)
	waitForSignalFunc(quit)
	log.Println("Shutting down server...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := shutdownHTTPServerFunc(srv, shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exiting")
}
