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

package gateway

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"axonflow/llm-gateway/gateway/metrics"
)

// DefaultCacheTTL is how long successful responses stay cached.
const DefaultCacheTTL = time.Hour

// ResponseCache is the subset of the cache manager the gateway uses.
type ResponseCache interface {
	Lookup(ctx context.Context, model string, messages []Message) (*ChatResponse, bool)
	Store(ctx context.Context, model string, messages []Message, resp *ChatResponse, ttl time.Duration)
}

// CredentialIdentity is the verified caller behind a raw API key.
type CredentialIdentity struct {
	ID            string
	KeyHash       string
	RequestLimit  int
	WindowSeconds int
}

// CredentialVerifier resolves a raw API key to an identity. Rejections
// are returned as *Error with the appropriate authentication code.
type CredentialVerifier interface {
	Verify(ctx context.Context, raw string) (CredentialIdentity, error)
}

// RateLimiter enforces per-credential request quotas. A rejection is
// returned as *Error with CodeRateLimitExceeded.
type RateLimiter interface {
	CheckLimit(ctx context.Context, credentialHash string, limit, windowSeconds int) error
}

// AuditRecord is one gateway outcome handed to the audit sink.
type AuditRecord struct {
	RequestID     string
	CredentialID  string
	Provider      string
	Model         string
	Usage         Usage
	CostUSD       float64
	DurationMs    int64
	Status        string
	ErrorMessage  string
	FallbackChain []string
}

// Outcome statuses written to the audit trail.
const (
	OutcomeCached   = "cached"
	OutcomeSuccess  = "success"
	OutcomeFallback = "fallback"
	OutcomeError    = "error"
)

// AuditRecorder persists gateway outcomes. Implementations must be
// fail-soft: recording problems never surface to the caller.
type AuditRecorder interface {
	Write(ctx context.Context, rec AuditRecord)
}

// Gateway is the unified entry point: one call that authenticates,
// rate-limits, caches, routes across providers with fallback, prices
// the result and records the outcome.
type Gateway struct {
	registry    *Registry
	fallback    *Fallback
	cache       ResponseCache
	limiter     RateLimiter
	credentials CredentialVerifier
	audit       AuditRecorder
	cacheTTL    time.Duration
	logger      *log.Logger
	newID       func() string
}

// GatewayOption configures the gateway.
type GatewayOption func(*Gateway)

// WithCache attaches a response cache. Without one, UseCache is a no-op.
func WithCache(c ResponseCache) GatewayOption {
	return func(g *Gateway) { g.cache = c }
}

// WithRateLimiter attaches a rate limiter. Without one, no quota is
// enforced.
func WithRateLimiter(l RateLimiter) GatewayOption {
	return func(g *Gateway) { g.limiter = l }
}

// WithCredentialVerifier attaches credential verification. Without one,
// all callers are anonymous.
func WithCredentialVerifier(v CredentialVerifier) GatewayOption {
	return func(g *Gateway) { g.credentials = v }
}

// WithAuditRecorder attaches the audit sink.
func WithAuditRecorder(a AuditRecorder) GatewayOption {
	return func(g *Gateway) { g.audit = a }
}

// WithCacheTTL overrides the cache lifetime for stored responses.
func WithCacheTTL(ttl time.Duration) GatewayOption {
	return func(g *Gateway) { g.cacheTTL = ttl }
}

// WithGatewayLogger overrides the logger.
func WithGatewayLogger(l *log.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway creates the unified gateway over a provider registry and
// a fallback executor.
func NewGateway(registry *Registry, fallback *Fallback, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		registry: registry,
		fallback: fallback,
		cacheTTL: DefaultCacheTTL,
		logger:   log.New(os.Stdout, "[GATEWAY] ", log.LstdFlags),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Chat runs the full pipeline for one request: verify the credential,
// validate the request, enforce the quota, consult the cache, execute
// across providers with fallback, price the usage, populate the cache
// and record the outcome. Every path, including failures, produces
// exactly one audit record and one log line.
func (g *Gateway) Chat(ctx context.Context, req *ChatRequest, opts ChatOptions) (*ChatResult, error) {
	start := time.Now()
	requestID := g.newID()

	var identity CredentialIdentity
	if g.credentials != nil && opts.Credential != "" {
		var err error
		identity, err = g.credentials.Verify(ctx, opts.Credential)
		if err != nil {
			return nil, g.fail(ctx, requestID, identity, req, start, nil, err)
		}
	}

	// Validation runs before the quota check so a structurally invalid
	// request never consumes a slot of the caller's fixed window.
	if err := req.Validate(); err != nil {
		return nil, g.fail(ctx, requestID, identity, req, start, nil, err)
	}

	if g.limiter != nil && identity.KeyHash != "" {
		if err := g.limiter.CheckLimit(ctx, identity.KeyHash, identity.RequestLimit, identity.WindowSeconds); err != nil {
			metrics.RateLimited.Inc()
			return nil, g.fail(ctx, requestID, identity, req, start, nil, err)
		}
	}

	if opts.UseCache && g.cache != nil {
		if resp, ok := g.cache.Lookup(ctx, req.Model, req.Messages); ok {
			metrics.CacheHits.Inc()
			return g.finish(ctx, requestID, identity, req, start, resp, Provider{}, nil, true), nil
		}
		metrics.CacheMisses.Inc()
	}

	resp, provider, attempts, err := g.fallback.Execute(ctx, req, ExecuteOptions{
		TaskClass:         opts.TaskClass,
		CostOptimize:      opts.CostOptimize,
		PreferredProvider: opts.PreferredProvider,
	})
	if err != nil {
		return nil, g.fail(ctx, requestID, identity, req, start, attempts, err)
	}

	if opts.UseCache && g.cache != nil {
		g.cache.Store(ctx, req.Model, req.Messages, resp, g.cacheTTL)
	}

	return g.finish(ctx, requestID, identity, req, start, resp, provider, attempts, false), nil
}

// finish assembles the successful result, records metrics and the
// audit row, and logs the outcome.
func (g *Gateway) finish(ctx context.Context, requestID string, identity CredentialIdentity, req *ChatRequest, start time.Time, resp *ChatResponse, provider Provider, attempts []Attempt, cached bool) *ChatResult {
	duration := time.Since(start)

	result := &ChatResult{
		RequestID:     requestID,
		Content:       resp.Content,
		Role:          resp.Role,
		FinishReason:  resp.FinishReason,
		Model:         resp.Model,
		Provider:      provider.ID,
		Usage:         resp.Usage,
		Cached:        cached,
		FallbackChain: chainOf(attempts),
		AttemptCount:  len(attempts),
		Duration:      duration,
	}
	if result.Model == "" {
		result.Model = req.Model
	}

	status := OutcomeSuccess
	switch {
	case cached:
		status = OutcomeCached
	case len(attempts) > 1:
		status = OutcomeFallback
		result.Cost = g.registry.Cost(result.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	default:
		result.Cost = g.registry.Cost(result.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}

	metrics.RequestsTotal.WithLabelValues(status).Inc()
	if provider.ID != "" {
		metrics.RequestDuration.WithLabelValues(provider.ID).Observe(float64(duration.Milliseconds()))
		metrics.CostUSD.WithLabelValues(provider.ID, result.Model).Add(result.Cost)
	}
	if len(attempts) > 0 {
		metrics.FallbackDepth.Observe(float64(len(attempts)))
	}
	for _, a := range attempts {
		outcome := "error"
		if a.OK {
			outcome = "success"
		}
		metrics.ProviderCalls.WithLabelValues(a.Provider, outcome).Inc()
	}

	g.record(ctx, AuditRecord{
		RequestID:     requestID,
		CredentialID:  identity.ID,
		Provider:      provider.ID,
		Model:         result.Model,
		Usage:         resp.Usage,
		CostUSD:       result.Cost,
		DurationMs:    duration.Milliseconds(),
		Status:        status,
		FallbackChain: result.FallbackChain,
	})

	g.logger.Printf("request=%s status=%s provider=%s model=%s tokens=%d cost=%.6f attempts=%d duration=%dms",
		requestID, status, orDash(provider.ID), result.Model, resp.Usage.TotalTokens,
		result.Cost, len(attempts), duration.Milliseconds())

	return result
}

// fail records a terminal failure and returns the classified error.
func (g *Gateway) fail(ctx context.Context, requestID string, identity CredentialIdentity, req *ChatRequest, start time.Time, attempts []Attempt, err error) error {
	duration := time.Since(start)
	gwErr := AsError(err)

	metrics.RequestsTotal.WithLabelValues(OutcomeError).Inc()
	for _, a := range attempts {
		metrics.ProviderCalls.WithLabelValues(a.Provider, "error").Inc()
	}

	model := ""
	if req != nil {
		model = req.Model
	}
	g.record(ctx, AuditRecord{
		RequestID:     requestID,
		CredentialID:  identity.ID,
		Model:         model,
		DurationMs:    duration.Milliseconds(),
		Status:        OutcomeError,
		ErrorMessage:  gwErr.Error(),
		FallbackChain: chainOf(attempts),
	})

	g.logger.Printf("request=%s status=error code=%s model=%s attempts=%d duration=%dms: %s",
		requestID, gwErr.Code, orDash(model), len(attempts), duration.Milliseconds(), gwErr.Message)

	return gwErr
}

func (g *Gateway) record(ctx context.Context, rec AuditRecord) {
	if g.audit == nil {
		return
	}
	g.audit.Write(ctx, rec)
}

// TestAllProviders probes every registered provider independently.
func (g *Gateway) TestAllProviders(ctx context.Context) []ProviderProbe {
	return g.fallback.TestAllProviders(ctx)
}

// Registry exposes the provider registry for management surfaces.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

func chainOf(attempts []Attempt) []string {
	if len(attempts) == 0 {
		return nil
	}
	chain := make([]string, 0, len(attempts))
	for _, a := range attempts {
		chain = append(chain, a.Provider)
	}
	return chain
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
