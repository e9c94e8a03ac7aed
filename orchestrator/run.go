// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"researchmesh/core/config"
	"researchmesh/core/credentials"
	"researchmesh/core/notify"
	"researchmesh/core/providers"
	"researchmesh/core/providers/exa"
	"researchmesh/core/providers/firecrawl"
	"researchmesh/core/providers/jina"
	"researchmesh/core/providers/openrouter"
	"researchmesh/core/providers/serpapi"
	"researchmesh/core/providers/tavily"
	"researchmesh/core/ratelimit"
	"researchmesh/core/shared/logger"
)

// Run assembles and starts the research core service. Components are
// selected by configuration: Postgres repositories when DATABASE_URL is
// set (in-memory otherwise), Redis quota counters when REDIS_URL is set.
func Run() {
	runLog := logger.New("orchestrator")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	ctx := context.Background()

	masterKey, err := resolveMasterKey(ctx, cfg)
	if err != nil {
		log.Fatalf("master key resolution failed: %v", err)
	}
	cipher, err := credentials.NewCipher(masterKey, "")
	if err != nil {
		log.Fatalf("cipher init failed: %v", err)
	}

	var credRepo credentials.CredentialRepository
	var wfRepo WorkflowRepository
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database open failed: %v", err)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("database ping failed: %v", err)
		}

		pgCreds := credentials.NewPostgresRepository(db)
		if err := pgCreds.InitSchema(ctx); err != nil {
			log.Fatalf("schema init failed: %v", err)
		}
		pgWorkflows := NewPostgresWorkflowRepository(db)
		if err := pgWorkflows.InitSchema(ctx); err != nil {
			log.Fatalf("schema init failed: %v", err)
		}
		credRepo, wfRepo = pgCreds, pgWorkflows
		runLog.Info("", "", "Using PostgreSQL persistence", nil)
	} else {
		credRepo = credentials.NewMemoryRepository()
		wfRepo = NewMemoryWorkflowRepository()
		runLog.Warn("", "", "DATABASE_URL not set, using in-memory persistence", nil)
	}

	store := credentials.NewStore(credRepo, cipher)

	var limiter ratelimit.Limiter
	var alerts alertSource
	if cfg.RedisURL != "" {
		redisLimiter, err := ratelimit.NewRedisLimiter(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis limiter init failed: %v", err)
		}
		limiter, alerts = redisLimiter, redisLimiter
		runLog.Info("", "", "Using Redis quota counters", nil)
	} else {
		memLimiter := ratelimit.NewMemoryLimiter()
		limiter, alerts = memLimiter, memLimiter
		runLog.Warn("", "", "REDIS_URL not set, quota counters are process-local", nil)
	}

	registry := providers.NewRegistry()
	for _, adapter := range []providers.Adapter{
		openrouter.New(openrouter.Config{Timeout: cfg.RequestTimeout}),
		serpapi.New(serpapi.Config{Timeout: cfg.RequestTimeout}),
		jina.New(jina.Config{Timeout: cfg.RequestTimeout}),
		firecrawl.New(firecrawl.Config{Timeout: cfg.RequestTimeout}),
		tavily.New(tavily.Config{Timeout: cfg.RequestTimeout}),
		exa.New(exa.Config{Timeout: cfg.RequestTimeout}),
	} {
		if err := registry.Register(adapter); err != nil {
			log.Fatalf("adapter registration failed: %v", err)
		}
	}

	router := NewRouter(registry, store, limiter, RouterOptions{
		MaxRetriesPerProvider: cfg.MaxRetriesPerProvider,
		BackoffBase:           cfg.RetryBackoffBase,
		RequestTimeout:        cfg.RequestTimeout,
		ProviderRPS:           cfg.ProviderRPS,
		PreferenceOverride:    preferenceOverrides(cfg),
	})

	var notifier notify.Notifier = notify.NewLogNotifier()
	if url := os.Getenv("NOTIFY_WEBHOOK_URL"); url != "" {
		notifier = notify.Multi{notify.NewLogNotifier(), notify.NewWebhookNotifier(url)}
	}

	engine := NewEngine(router, wfRepo, notifier, EngineOptions{
		ConcurrencyCapPerStep: cfg.ConcurrencyCapPerStep,
		MinSourceCount:        cfg.MinSourceCount,
		DefaultBudgetLimit:    cfg.DefaultBudgetLimit,
	})

	server := NewServer(engine, store, alerts)

	r := mux.NewRouter()
	server.Routes(r)
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      c.Handler(r),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	runLog.Info("", "", "Research core listening", map[string]interface{}{
		"addr": cfg.ListenAddr,
	})
	log.Fatal(httpServer.ListenAndServe())
}

// resolveMasterKey obtains the encryption passphrase through the
// configured secret backend, preferring an explicit MASTER_KEY value.
func resolveMasterKey(ctx context.Context, cfg config.Config) (string, error) {
	if cfg.MasterKey != "" {
		return cfg.MasterKey, nil
	}

	sources := []credentials.SecretSource{credentials.NewEnvSecretSource()}
	if cfg.SecretsBackend == "aws" {
		aws, err := credentials.NewAWSSecretSource(ctx, credentials.AWSSecretSourceOptions{
			Region: cfg.AWSRegion,
		})
		if err != nil {
			return "", err
		}
		sources = append([]credentials.SecretSource{aws}, sources...)
	}

	ref := os.Getenv("MASTER_KEY_REF")
	if ref == "" {
		ref = "MASTER_KEY"
	}
	return credentials.NewChainSecretSource(sources...).GetSecret(ctx, ref)
}

func preferenceOverrides(cfg config.Config) map[providers.Capability][]string {
	out := make(map[providers.Capability][]string)
	for _, capability := range []providers.Capability{
		providers.CapabilityWebSearch,
		providers.CapabilityContentExtract,
		providers.CapabilityLLMComplete,
	} {
		if order := cfg.PreferenceOrder(string(capability)); len(order) > 0 {
			out[capability] = order
		}
	}
	return out
}
