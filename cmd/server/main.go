package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sehha/claimsbridge/internal/api"
	"github.com/sehha/claimsbridge/internal/breaker"
	"github.com/sehha/claimsbridge/internal/cache"
	"github.com/sehha/claimsbridge/internal/catalogue"
	"github.com/sehha/claimsbridge/internal/config"
	"github.com/sehha/claimsbridge/internal/metrics"
	"github.com/sehha/claimsbridge/internal/middleware"
	"github.com/sehha/claimsbridge/internal/normalizer"
	"github.com/sehha/claimsbridge/internal/nphies"
	"github.com/sehha/claimsbridge/internal/pipeline"
	"github.com/sehha/claimsbridge/internal/pricing"
	"github.com/sehha/claimsbridge/internal/signer"
	"github.com/sehha/claimsbridge/internal/webhooks"
)

func main() {
	log.Println("🔥 Starting NPHIES claims bridge...")

	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ config: %v", err)
	}

	// ===== Storage =====

	store, err := catalogue.Open(cfg.DB.DSN(), cfg.DB.PoolMin, cfg.DB.PoolMax)
	if err != nil {
		log.Fatalf("❌ postgres: %v", err)
	}

	var shared cache.SharedTier
	if cfg.Cache.RedisAddr != "" {
		tier, err := cache.NewRedisTier(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			log.Printf("⚠️ redis unavailable, running local-only cache: %v", err)
		} else {
			shared = tier
		}
	}
	sharedBudget := time.Duration(cfg.Cache.SharedBudgetMs) * time.Millisecond
	twoTier := cache.New(cache.NewLocal(cfg.Cache.LocalEntriesMax), shared, sharedBudget)

	m := metrics.New()

	// ===== Pipeline components =====

	var suggester normalizer.Suggester
	var aiGuard *breaker.Breaker
	if cfg.AI.Enabled {
		suggester = normalizer.NewHTTPSuggester(cfg.AI.Endpoint, cfg.AI.TokenRef,
			time.Duration(cfg.AI.TimeoutMs)*time.Millisecond)
		aiGuard = breaker.New(breaker.ForAI(
			cfg.AI.BreakerFailures,
			time.Duration(cfg.AI.BreakerWindowS)*time.Second,
			time.Duration(cfg.AI.BreakerCooldownS)*time.Second,
		))
	}
	norm := normalizer.New(store, twoTier, suggester, aiGuard, normalizer.Config{
		AIEnabled: cfg.AI.Enabled,
		TTLDB:     time.Duration(cfg.Cache.TTLSBSSeconds) * time.Second,
		TTLAI:     time.Duration(cfg.Cache.TTLAISeconds) * time.Second,
	}, m)

	pricer := pricing.New(store, twoTier, time.Duration(cfg.Cache.TTLTierSeconds)*time.Second)

	keySource, err := signer.NewKeySource(cfg.Signer.KeySource, cfg.Signer.KeyDir)
	if err != nil {
		log.Fatalf("❌ signer: %v", err)
	}
	bundleSigner := signer.New(store, keySource, cfg.Signer.CertCacheMax)

	gateway := nphies.New(nphies.Config{
		BaseURL:        cfg.NPHIES.BaseURL,
		Token:          cfg.NPHIES.TokenRef,
		ConnectTimeout: time.Duration(cfg.NPHIES.ConnectTimeoutMs) * time.Millisecond,
		RequestTimeout: time.Duration(cfg.NPHIES.RequestTimeoutMs) * time.Millisecond,
		RetriesMax:     cfg.NPHIES.RetriesMax,
		BackoffBase:    time.Duration(cfg.NPHIES.BackoffBaseMs) * time.Millisecond,
		BackoffCap:     time.Duration(cfg.NPHIES.BackoffCapMs) * time.Millisecond,
		PoolMax:        cfg.NPHIES.PoolMax,
	}, store, m)

	// ===== Webhooks =====

	registry := webhooks.NewRegistry()
	for _, target := range cfg.Webhooks.Subscribers {
		events := make([]webhooks.EventType, 0, len(target.Events))
		for _, evt := range target.Events {
			events = append(events, webhooks.EventType(evt))
		}
		if err := registry.Register(&webhooks.Subscription{URL: target.URL, Secret: target.Secret, Events: events}); err != nil {
			log.Printf("⚠️ webhook subscriber skipped: %v", err)
		}
	}
	dispatcher := webhooks.NewDispatcher(registry, cfg.Webhooks.Workers)

	// ===== Orchestrator and API =====

	deadlines := pipeline.Deadlines{
		Normalize: time.Duration(cfg.Pipeline.StageDeadlines.Normalize) * time.Millisecond,
		Price:     time.Duration(cfg.Pipeline.StageDeadlines.Price) * time.Millisecond,
		Sign:      time.Duration(cfg.Pipeline.StageDeadlines.Sign) * time.Millisecond,
		Submit:    time.Duration(cfg.Pipeline.StageDeadlines.Submit) * time.Millisecond,
	}
	orchestrator := pipeline.New(store, norm, pricer, bundleSigner, gateway,
		deadlines, cfg.Pipeline.InflightMax, dispatcher, m)

	limiter := middleware.NewRateLimiter(middleware.Config{
		Window: time.Duration(cfg.RateLimit.WindowS) * time.Second,
		MaxPerKey: map[string]int{
			middleware.RouteClaim:  cfg.Limits.ClaimRPM,
			middleware.RouteStatus: cfg.Limits.StatusRPM,
		},
		TrackedKeysMax: cfg.RateLimit.TrackedKeysMax,
		Cleanup:        time.Duration(cfg.RateLimit.CleanupS) * time.Second,
	}, m)

	server := api.NewServer(orchestrator, limiter, store, dispatcher, api.Config{
		MaxBodyBytes: int64(cfg.Limits.RequestBodyBytes),
		DepthMax:     cfg.Limits.DepthMax,
	})

	// ===== Run until shutdown =====

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.ListenAndServe(ctx, ":"+cfg.Server.Port); err != nil {
		log.Printf("❌ server: %v", err)
	}

	// Teardown mirrors construction order in reverse.
	log.Println("⏳ draining...")
	dispatcher.Shutdown()
	limiter.Stop()
	if err := twoTier.Close(); err != nil {
		log.Printf("⚠️ cache close: %v", err)
	}
	if err := store.Close(); err != nil {
		log.Printf("⚠️ store close: %v", err)
	}
	log.Println("✅ shutdown complete")
}
