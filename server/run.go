// Copyright 2025 AxonFlow
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

package server

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"axonflow/llm-gateway/gateway"
	"axonflow/llm-gateway/gateway/auditlog"
	"axonflow/llm-gateway/gateway/cache"
	"axonflow/llm-gateway/gateway/config"
	"axonflow/llm-gateway/gateway/ratelimit"
	"axonflow/llm-gateway/gateway/secrets"
)

// Run wires all gateway components from configuration and blocks until
// shutdown. It is the exported entry point for the gateway service.
//
// Optional infrastructure degrades rather than aborts startup: without
// Redis the cache and rate limiter run on their in-process fallbacks,
// and without PostgreSQL credentials are anonymous and audit recording
// is disabled.
func Run(configPath string) {
	log.Println("Starting LLM Gateway...")

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Credential resolution: AWS Secrets Manager when enabled, plain
	// environment variables otherwise.
	var resolver gateway.CredentialResolver
	if cfg.Secrets.Enabled {
		r, err := secrets.New(ctx, secrets.Options{Region: cfg.Secrets.Region})
		if err != nil {
			log.Fatalf("Failed to initialize secrets resolver: %v", err)
		}
		resolver = r
	} else {
		resolver = gateway.NewEnvCredentials()
	}

	var db *sql.DB
	if cfg.Postgres.URL != "" {
		db, err = sql.Open("postgres", cfg.Postgres.URL)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Printf("Warning: database unreachable at startup: %v", err)
		}
		defer db.Close()
	} else {
		log.Println("No DATABASE_URL configured; credentials and audit recording disabled")
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("Warning: redis unreachable at startup: %v", err)
		}
		defer rdb.Close()
	} else {
		log.Println("No redis configured; cache and rate limits run in-process only")
	}

	var registryOpts []gateway.RegistryOption
	if db != nil {
		registryOpts = append(registryOpts, gateway.WithProviderSource(gateway.NewPostgresProviderSource(db)))
	}
	registry := gateway.NewRegistry(resolver, registryOpts...)
	if providers := cfg.GatewayProviders(); providers != nil {
		registry.SetProviders(providers)
	}
	if db != nil {
		if err := registry.Reload(ctx); err != nil {
			log.Printf("Warning: provider reload failed, serving configured providers: %v", err)
		}
		registry.StartPeriodicReload(ctx, 5*time.Minute)
	}

	fallback := gateway.NewFallback(registry)

	failureMode := ratelimit.FailOpen
	if cfg.RateLimit.FailureMode == "closed" {
		failureMode = ratelimit.FailClosed
	}

	gwOpts := []gateway.GatewayOption{
		gateway.WithCacheTTL(cfg.CacheTTL()),
	}

	var cacheManager *cache.Manager
	if cfg.Cache.Enabled {
		cacheOpts := []cache.Option{
			cache.WithLocalCapacity(cfg.Cache.LocalSize),
			cache.WithDefaultTTL(cfg.CacheTTL()),
		}
		if rdb != nil {
			cacheOpts = append(cacheOpts, cache.WithRedis(rdb))
		}
		cacheManager = cache.NewManager(cacheOpts...)
		cacheManager.StartSweeper(ctx, time.Minute)
		gwOpts = append(gwOpts, gateway.WithCache(cacheManager))
	}

	if rdb != nil {
		limiter := ratelimit.NewLimiter(rdb, ratelimit.WithFailureMode(failureMode))
		gwOpts = append(gwOpts, gateway.WithRateLimiter(limiterAdapter{limiter: limiter}))
	}

	if db != nil {
		store := ratelimit.NewCredentialStore(db, ratelimit.WithCredentialFailureMode(failureMode))
		gwOpts = append(gwOpts,
			gateway.WithCredentialVerifier(credentialAdapter{store: store}),
			gateway.WithAuditRecorder(auditAdapter{recorder: auditlog.NewRecorder(db)}),
		)
	}

	gw := gateway.NewGateway(registry, fallback, gwOpts...)

	srv := New(cfg, gw, cacheManager)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Gateway stopped")
}
