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

// Package server exposes the gateway over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"axonflow/llm-gateway/gateway"
	"axonflow/llm-gateway/gateway/cache"
	"axonflow/llm-gateway/gateway/config"
	"axonflow/llm-gateway/shared/logger"
)

// Server is the HTTP front of the gateway.
type Server struct {
	gw    *gateway.Gateway
	cache *cache.Manager
	cfg   *config.Config
	log   *logger.Logger
	http  *http.Server
}

// New creates the HTTP server. The cache manager may be nil when
// caching is disabled; the stats endpoint then reports empty counters.
func New(cfg *config.Config, gw *gateway.Gateway, cacheManager *cache.Manager) *Server {
	s := &Server{
		gw:    gw,
		cache: cacheManager,
		cfg:   cfg,
		log:   logger.New("server"),
	}

	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      c.Handler(s.Router()),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
	}

	return s
}

// Router builds the route table. Exposed separately so tests can drive
// the handlers through httptest without a listener.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)

	// Health and observability
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	// Chat
	r.HandleFunc("/api/v1/chat", s.chatHandler).Methods("POST")

	// Provider management
	r.HandleFunc("/api/v1/providers", s.listProvidersHandler).Methods("GET")
	r.HandleFunc("/api/v1/providers/health", s.providersHealthHandler).Methods("GET")

	// Cache introspection
	r.HandleFunc("/api/v1/cache/stats", s.cacheStatsHandler).Methods("GET")

	return r
}

// Start runs the listener and blocks until the context is canceled or
// the listener fails.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("", "", "Gateway listening", map[string]interface{}{"addr": s.http.Addr})
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
