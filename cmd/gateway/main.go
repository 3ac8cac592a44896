package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/CR-AudioViz-AI/javari-ai-sub006/config"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/auth"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/credit"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/entitlement"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/executor"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/metering"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/provider"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/provider/claude"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/provider/gemini"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/provider/mistral"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/provider/openai"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/proxy"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/seeder"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/internal/telemetry"
	"github.com/CR-AudioViz-AI/javari-ai-sub006/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("javari-core", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb)

	// 6. Init entitlement gate (Redis-backed cache, shared across instances)
	entStore := entitlement.NewPostgresStore(pool)
	entCache := entitlement.NewRedisCache(rdb, cfg.EntitlementCacheTTL)
	gate := entitlement.NewGate(entStore, entCache, cfg.UpgradeBaseURL)

	// 7. Init credit ledger
	creditStore := credit.NewPostgresStore(pool)
	pricing := credit.NewPricing(cfg.CreditsPerUSD, cfg.CreditMargin)
	ledger := credit.NewLedger(creditStore, pricing, cfg.FailOpenBalance, cfg.CreditFloor)

	// 8. Init metering (async writer, drained on shutdown)
	meterStore := metering.NewPostgresStore(pool)
	meter := metering.NewRecorder(meterStore, cfg.MeterQueueSize)
	defer meter.Close()

	// 9. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 10. Init providers (only the ones with keys configured join the ring)
	var providers []provider.Provider
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, openai.New(cfg.OpenAIAPIKey))
	}
	if cfg.AnthropicAPIKey != "" {
		providers = append(providers, claude.New(cfg.AnthropicAPIKey))
	}
	if cfg.GeminiAPIKey != "" {
		providers = append(providers, gemini.New(cfg.GeminiAPIKey))
	}
	if cfg.MistralAPIKey != "" {
		providers = append(providers, mistral.New(cfg.MistralAPIKey))
	}
	if len(providers) == 0 {
		log.Fatal("no provider API keys configured")
	}

	health := func(providerName, model string, success bool, latencyMs int64, err error) {
		if !success {
			log.Printf("[Health] %s %s failed after %dms: %v", providerName, model, latencyMs, err)
		}
	}
	exec := executor.New(providers, health)

	// 11. Init pipeline handler
	tracer := otel.GetTracerProvider().Tracer("javari-core")
	handler := proxy.NewHandler(exec, gate, ledger, meter, limiter, tracer)

	// 12. Seed dev account if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAPIKey(ctx, authStore)
		seeder.SeedTestAccount(ctx, ledger, gate)
	}

	// 13. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"javari-core"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", handler.HandleComplete)
		r.Post("/v1/chat/completions/stream", handler.HandleCompleteStream)
		r.Post("/v1/agents/run", handler.HandleAgentsRun)
		r.Get("/v1/credits/balance", handler.HandleBalance)
		r.Get("/v1/usage/daily", handler.HandleDailyUsage)
		r.Get("/v1/usage/billing-summary", handler.HandleBillingSummary)
	})

	// 14. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Javari core starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
