// Copyright 2025 AegisGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command gateway assembles and runs the AegisGate LLM governance
// gateway: one process serving the governed chat/embeddings endpoints,
// health, metrics, and the governance reads.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"aegisgate/gateway/audit"
	"aegisgate/gateway/budget"
	"aegisgate/gateway/feature"
	"aegisgate/gateway/gateway"
	"aegisgate/gateway/gateway/circuitbreaker"
	"aegisgate/gateway/kpi"
	"aegisgate/gateway/llm"
	"aegisgate/gateway/llm/anthropic"
	"aegisgate/gateway/llm/mock"
	"aegisgate/gateway/llm/ollama"
	"aegisgate/gateway/llm/openai"
	"aegisgate/gateway/pipeline"
	"aegisgate/gateway/pricing"
	"aegisgate/gateway/security"
	"aegisgate/gateway/shared/logger"
	"aegisgate/gateway/store"
	"aegisgate/gateway/trace"
)

func main() {
	cfg := gateway.LoadConfig()
	log := logger.New("main")

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Error("", "", "database unreachable at startup",
			map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	rdb := openRedis(cfg.RedisURL, log)
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	table := pricing.NewTable()
	if cfg.PricingFile != "" {
		loaded, err := pricing.LoadTable(cfg.PricingFile)
		if err != nil {
			log.Warn("", "", "pricing file rejected, using built-in rates",
				map[string]interface{}{"error": err.Error(), "path": cfg.PricingFile})
		} else {
			table = loaded
		}
	}

	auditQueue, err := audit.NewQueue(audit.Mode(cfg.AuditMode), 0, 0,
		st.DB(), cfg.AuditFallbackPath, logger.New("audit"))
	if err != nil {
		log.Error("", "", "audit queue init failed",
			map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	tracer := trace.NewTracer(trace.Config{DB: st.DB(), Logger: logger.New("trace")})

	dbBreaker := circuitbreaker.New(circuitbreaker.Config{Name: "db"})
	cacheBreaker := circuitbreaker.New(circuitbreaker.Config{Name: "cache"})
	providerBreaker := circuitbreaker.New(circuitbreaker.Config{Name: "provider"})

	auth := gateway.NewAuthenticator(gateway.AuthConfig{
		Source:       st,
		Redis:        rdb,
		TTL:          cfg.CredentialCacheTTL,
		Logger:       logger.New("auth"),
		DBBreaker:    dbBreaker,
		CacheBreaker: cacheBreaker,
	})

	dispatcher := llm.NewDispatcher(cfg.Environment,
		mock.New(),
		ollama.New(ollama.Config{BaseURL: cfg.OllamaBaseURL}),
		openai.New(openai.Config{BaseURL: cfg.OpenAIBaseURL}),
		anthropic.New(anthropic.Config{BaseURL: cfg.AnthropicBaseURL}),
	)

	checker := budget.NewChecker(table)
	repo := gateway.BreakerRepository(st, dbBreaker)

	pipeCfg := pipeline.Config{
		Repo:       repo,
		Tracer:     tracer,
		Auditor:    auditQueue,
		Guard:      security.NewGuard(),
		Checker:    checker,
		Dispatcher: dispatcher,
		Limiter:    feature.NewRateLimiter(rdb, logger.New("ratelimit")),
		Logger:     logger.New("pipeline"),
	}
	if cfg.EncryptionKeyHex != "" {
		enc, err := gateway.NewAESEncryptor(cfg.EncryptionKeyHex)
		if err != nil {
			log.Error("", "", "API_KEY_ENCRYPTION_KEY is not usable",
				map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
		pipeCfg.Encryptor = enc
	}
	orch := pipeline.New(pipeCfg)

	srv := gateway.NewServer(cfg, gateway.Deps{
		Logger:          log,
		Auth:            auth,
		Pipeline:        orch,
		Dispatcher:      dispatcher,
		Checker:         checker,
		Repo:            repo,
		Usage:           st,
		Tracer:          tracer,
		KPIs:            kpi.New(st.DB(), logger.New("kpi"), 0),
		Audit:           audit.NewReader(st.DB()),
		DB:              st.DB(),
		Redis:           rdb,
		DBBreaker:       dbBreaker,
		CacheBreaker:    cacheBreaker,
		ProviderBreaker: providerBreaker,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := srv.Run(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := tracer.Shutdown(drainCtx); err != nil {
		log.Warn("", "", "tracer drain incomplete", map[string]interface{}{"error": err.Error()})
	}
	if err := auditQueue.Shutdown(drainCtx); err != nil {
		log.Warn("", "", "audit drain incomplete", map[string]interface{}{"error": err.Error()})
	}

	if runErr != nil {
		log.Error("", "", "gateway exited with error",
			map[string]interface{}{"error": runErr.Error()})
		os.Exit(1)
	}
}

// openRedis dials the cache. Failures are not fatal: the credential cache
// falls back to memory, rate limiting fails open, and the client keeps
// probing so a recovered redis is picked up without a restart.
func openRedis(url string, log *logger.Logger) *redis.Client {
	var client *redis.Client
	if strings.Contains(url, "://") {
		opts, err := redis.ParseURL(url)
		if err != nil {
			log.Warn("", "", "REDIS_URL is not parseable, cache disabled",
				map[string]interface{}{"error": err.Error()})
			return nil
		}
		client = redis.NewClient(opts)
	} else {
		client = redis.NewClient(&redis.Options{Addr: url})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("", "", "redis unreachable, starting degraded",
			map[string]interface{}{"error": err.Error()})
	}
	return client
}
