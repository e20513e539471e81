package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/config"
	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/boddenberg/clinic-frontline-go/internal/handler"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/cache"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/client"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/media"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/memory"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/observability"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/resilience"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/supabase"
	"github.com/boddenberg/clinic-frontline-go/internal/port"
	"github.com/boddenberg/clinic-frontline-go/internal/service"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const eventBacklog = 500

// stores groups the persistence ports picked at startup.
type stores struct {
	conversations port.ConversationStore
	messages      port.MessageStore
	patients      port.PatientStore
	appointments  port.AppointmentStore
	learning      port.LearningStore
	rules         port.RuleStore
	dedup         port.DedupStore
}

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("use_supabase", cfg.UseSupabase),
		zap.Bool("redis_dedup", cfg.RedisAddr != ""),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("dedup_window", cfg.DedupWindow),
		zap.Duration("inactivity_tick", cfg.InactivityTick),
		zap.Duration("inactivity_timeout", cfg.InactivityTimeout),
		zap.Float64("confidence_threshold", cfg.ConfidenceThreshold),
		zap.Bool("low_confidence_handoff", cfg.LowConfidenceHandoff),
		zap.Int("max_concurrency", cfg.MaxConcurrency),
	)

	// --- Tracing ---
	shutdownTracer, err := observability.InitTracer(cfg.OTLPEndpoint, "clinic-frontline")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	checks := map[string]handler.Pinger{}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Storage ---
	st := stores{}
	if cfg.UseSupabase && cfg.SupabaseURL != "" {
		logger.Info("using Supabase as data backend", zap.String("supabase_url", cfg.SupabaseURL))
		sb := supabase.NewClient(
			httpClient,
			cfg.SupabaseURL,
			cfg.SupabaseAnonKey,
			cfg.SupabaseServiceKey,
			resilience.NewCircuitBreaker("supabase"),
			resilienceCfg,
			logger,
		)
		checks["supabase"] = sb
		st = stores{
			conversations: supabase.NewConversationStore(sb),
			messages:      supabase.NewMessageStore(sb),
			patients:      supabase.NewPatientStore(sb),
			appointments:  supabase.NewAppointmentStore(sb),
			learning:      supabase.NewLearningStore(sb),
			rules:         supabase.NewRuleStore(sb),
			dedup:         supabase.NewDedupStore(sb),
		}
	} else {
		logger.Warn("Supabase not configured, using in-memory stores")
		dedup := memory.NewDedupStore(cfg.DedupWindow)
		defer dedup.Close()
		st = stores{
			conversations: memory.NewConversationStore(),
			messages:      memory.NewMessageStore(),
			patients:      memory.NewPatientStore(),
			appointments:  memory.NewAppointmentStore(),
			learning:      memory.NewLearningStore(),
			rules:         memory.NewRuleStore(),
			dedup:         dedup,
		}
	}

	if cfg.RedisAddr != "" {
		rd, err := cache.NewRedisDedup(ctx, cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rd.Close()
		checks["redis"] = rd
		st.dedup = rd
		logger.Info("using Redis for deduplication", zap.String("redis_addr", cfg.RedisAddr))
	}

	// --- Rules ---
	seed, err := config.LoadRuleSeed(cfg.RulesFile)
	if err != nil {
		logger.Fatal("failed to load rules file", zap.String("path", cfg.RulesFile), zap.Error(err))
	}
	if cfg.RulesFile != "" {
		rules := memory.NewRuleStore()
		rules.Load(seed.ResponseRules, seed.ProcedureRules, seed.InsuranceRules)
		st.rules = rules
		logger.Info("rules loaded from file",
			zap.String("path", cfg.RulesFile),
			zap.Int("response_rules", len(seed.ResponseRules)),
			zap.Int("queue_routes", len(seed.QueueRoutes)),
		)
	}
	ruleCache := cache.New[[]domain.ResponseRule](cfg.CacheTTL)
	defer ruleCache.Close()

	// --- Clients ---
	graph := client.NewGraphClient(httpClient, client.GraphConfig{
		BaseURL:               cfg.GraphAPIURL,
		WhatsAppToken:         cfg.WhatsAppAccessToken,
		WhatsAppPhoneNumberID: cfg.WhatsAppPhoneNumberID,
		InstagramToken:        cfg.InstagramAccessToken,
	}, resilience.NewCircuitBreaker("graph-api"), resilienceCfg)
	assistant := client.NewAssistantClient(httpClient, cfg.AssistantAPIURL, resilience.NewCircuitBreaker("assistant"), resilienceCfg)

	mediaStore, err := media.NewDiskStore(cfg.MediaDir, cfg.MediaBaseURL)
	if err != nil {
		logger.Fatal("failed to prepare media dir", zap.String("dir", cfg.MediaDir), zap.Error(err))
	}

	// --- Services ---
	clock := port.SystemClock{}
	events := memory.NewEventLog(eventBacklog, logger)
	machine := service.NewStateMachine(st.conversations, st.messages, events, clock, cfg.SessionTTL, metrics, logger)

	processor := service.NewProcessor(service.ProcessorDeps{
		Conversations: st.conversations,
		Messages:      st.messages,
		Patients:      st.patients,
		Learning:      st.learning,
		Assistant:     assistant,
		Sender:        graph,
		Fetcher:       graph,
		Media:         mediaStore,
		Events:        events,
		Clock:         clock,
		Dedup:         service.NewDeduplicator(st.dedup, st.messages, clock, metrics, logger),
		Contexts:      service.NewContextBuilder(st.conversations, st.messages, st.patients, st.appointments, st.learning, clock, logger),
		Router:        service.NewIntentRouter(cfg.ConfidenceThreshold, seed.QueueRoutes),
		Rules:         service.NewRuleResolver(st.rules, ruleCache, metrics, logger),
		Machine:       machine,
		Memory:        service.NewMemoryKeeper(st.patients, clock, logger),
	}, service.ProcessorConfig{
		DedupWindow:          cfg.DedupWindow,
		AssistantTimeout:     cfg.AssistantTimeout,
		SessionTTL:           cfg.SessionTTL,
		LowConfidenceHandoff: cfg.LowConfidenceHandoff,
	}, metrics, logger)

	dispatcher := service.NewDispatcher(cfg.MaxConcurrency, metrics, logger)
	monitor := service.NewInactivityMonitor(st.conversations, machine, clock, cfg.InactivityTick, cfg.InactivityTimeout, metrics, logger)

	// --- Router ---
	router := handler.NewRouter(handler.Deps{
		Processor:            processor,
		Dispatcher:           dispatcher,
		Machine:              machine,
		Monitor:              monitor,
		Auth:                 service.NewOperatorAuth(cfg.JWTSecret, cfg.JWTTokenTTL),
		Conversations:        st.conversations,
		Messages:             st.messages,
		Events:               events,
		WhatsAppVerifyToken:  cfg.WhatsAppVerifyToken,
		InstagramVerifyToken: cfg.InstagramVerifyToken,
		MediaDir:             mediaStore.Dir(),
		Checks:               checks,
	}, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		monitor.Start(gctx)
		monitor.Wait()
		return nil
	})

	// --- Graceful shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server forced shutdown: %w", err))
		}
		monitor.Stop()
		if err := dispatcher.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher drain: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Error("shutdown with errors", zap.Error(err))
		return
	}
	logger.Info("server stopped")
}
