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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/botguard/botguard/internal/admission"
	"github.com/botguard/botguard/internal/auth"
	"github.com/botguard/botguard/internal/filter"
	"github.com/botguard/botguard/internal/handlers"
	"github.com/botguard/botguard/internal/llm"
	"github.com/botguard/botguard/internal/ratelimit"
	"github.com/botguard/botguard/internal/shared/config"
	"github.com/botguard/botguard/internal/shared/database"
	"github.com/botguard/botguard/internal/shared/redis"
	"github.com/botguard/botguard/internal/tokens"
	"github.com/botguard/botguard/internal/usage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Starting botguard on port %s (env: %s)", cfg.Port, cfg.Env)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Counter store: Redis when configured, in-memory otherwise
	var counters ratelimit.Store
	if cfg.RedisURL != "" {
		redisClient, err := redis.New(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		counters = redisClient
		log.Println("✓ Connected to Redis counter store")
	} else {
		counters = ratelimit.NewMemoryStore()
		log.Println("⚠ REDIS_URL not set, using in-memory counters (single instance only)")
	}

	// Usage ledger store: Postgres when configured, in-memory otherwise
	var ledgerStore usage.Store
	if cfg.DatabaseURL != "" {
		db, err := database.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		ledgerStore = db
		log.Println("✓ Connected to PostgreSQL usage ledger")
	} else {
		ledgerStore = usage.NewMemoryStore()
		log.Println("⚠ DATABASE_URL not set, usage ledger is in-memory")
	}

	ledger := usage.NewLedger(ledgerStore, cfg.ModelRateTable, cfg.FallbackModelRate)

	resolver := auth.NewResolver(auth.Options{
		Defaults: auth.Limits{
			MessagesPerMinute: cfg.BaseMessagesPerMinute,
			TokensPerHour:     cfg.BaseTokensPerHour,
		},
		PremiumMultiplier: cfg.PremiumMultiplier,
		AuthorizedRoles:   cfg.AuthorizedRoles,
		BlockedUsers:      cfg.BlockedUsers,
	})

	policies := make(auth.StaticPolicies, len(cfg.GuildPolicies))
	for guildID, policy := range cfg.GuildPolicies {
		policies[guildID] = auth.GuildConfig{
			BlockedUsers:          policy.BlockedUsers,
			RequireAuthorizedRole: policy.RequireAuthorizedRole,
			BaseLimits: auth.Limits{
				MessagesPerMinute: policy.MessagesPerMinute,
				TokensPerHour:     policy.TokensPerHour,
			},
		}
	}

	contentFilter := filter.New(filter.Config{
		BlockedTerms:              cfg.BlockedTerms,
		MaxMessageLength:          cfg.MaxMessageLength,
		CapsRatioThreshold:        cfg.CapsRatioThreshold,
		CapsMinLength:             cfg.CapsMinLength,
		SpecialCharRatioThreshold: cfg.SpecialCharRatioThreshold,
	})

	pipeline := admission.NewPipeline(admission.Params{
		Resolver:    resolver,
		Policies:    policies,
		Filter:      contentFilter,
		Limiter:     ratelimit.NewLimiter(counters, !cfg.FailClosedOnStoreError),
		Ledger:      ledger,
		Estimator:   tokens.NewEstimator(),
		Client:      llm.NewOpenAIClient(cfg.OpenAIAPIKey),
		Model:       cfg.OpenAIModel,
		MaxTokens:   cfg.OpenAIMaxTokens,
		Temperature: float32(cfg.OpenAITemperature),
	})
	log.Println("✓ Initialized admission pipeline")

	handler := handlers.NewHandler(pipeline, ledger)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Metrics
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/v1", func(r chi.Router) {
		r.Post("/admit", handler.HandleAdmit)
		r.Get("/usage/{guildID}/{userID}", handler.HandleUsage)
	})

	// HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("🚀 Server listening on http://localhost:%s", cfg.Port)
		log.Println("   POST /v1/admit                      - Admit a chat message")
		log.Println("   GET  /v1/usage/{guildID}/{userID}   - Usage summary")
		log.Println("   GET  /health                        - Health check")
		log.Println("   GET  /metrics                       - Prometheus metrics")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
