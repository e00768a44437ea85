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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================
// Test doubles
// ============================================================

type fakeCache struct {
	entries map[string]*ChatResponse
	lookups int
	stores  int
	lastTTL time.Duration
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]*ChatResponse)}
}

func (c *fakeCache) Lookup(_ context.Context, model string, messages []Message) (*ChatResponse, bool) {
	c.lookups++
	resp, ok := c.entries[cacheKeyFor(model, messages)]
	return resp, ok
}

func (c *fakeCache) Store(_ context.Context, model string, messages []Message, resp *ChatResponse, ttl time.Duration) {
	c.stores++
	c.lastTTL = ttl
	c.entries[cacheKeyFor(model, messages)] = resp
}

func cacheKeyFor(model string, messages []Message) string {
	key := model
	for _, m := range messages {
		key += "|" + string(m.Role) + ":" + m.Content
	}
	return key
}

type fakeVerifier struct {
	identity CredentialIdentity
	err      error
	calls    int
	lastRaw  string
}

func (v *fakeVerifier) Verify(_ context.Context, raw string) (CredentialIdentity, error) {
	v.calls++
	v.lastRaw = raw
	if v.err != nil {
		return CredentialIdentity{}, v.err
	}
	return v.identity, nil
}

type fakeLimiter struct {
	err       error
	calls     int
	lastHash  string
	lastLimit int
}

func (l *fakeLimiter) CheckLimit(_ context.Context, hash string, limit, windowSeconds int) error {
	l.calls++
	l.lastHash = hash
	l.lastLimit = limit
	return l.err
}

type fakeAudit struct {
	records []AuditRecord
}

func (a *fakeAudit) Write(_ context.Context, rec AuditRecord) {
	a.records = append(a.records, rec)
}

func newTestGateway(client HTTPClient, opts ...GatewayOption) *Gateway {
	r := NewRegistry(allCredentials(), WithRegistryLogger(quietLogger()))
	f := NewFallback(r, WithHTTPClient(client), WithFallbackLogger(quietLogger()))
	opts = append(opts, WithGatewayLogger(quietLogger()))
	return NewGateway(r, f, opts...)
}

// ============================================================
// Pipeline outcomes
// ============================================================

func TestGateway_Chat_Success(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{
		{status: 200, body: openAIBody},
	}}
	audit := &fakeAudit{}
	g := newTestGateway(client, WithAuditRecorder(audit))

	result, err := g.Chat(context.Background(), chatReq(), ChatOptions{})
	require.NoError(t, err)

	assert.NotEmpty(t, result.RequestID)
	assert.Equal(t, "pong", result.Content)
	assert.Equal(t, "openai", result.Provider)
	assert.Equal(t, "gpt-4o-mini", result.Model)
	assert.Equal(t, 12, result.Usage.TotalTokens)
	assert.False(t, result.Cached)
	assert.Equal(t, 1, result.AttemptCount)

	// 10 prompt + 2 completion tokens at gpt-4o-mini pricing.
	assert.InDelta(t, 10.0/1e6*0.15+2.0/1e6*0.60, result.Cost, 1e-12)

	require.Len(t, audit.records, 1)
	rec := audit.records[0]
	assert.Equal(t, OutcomeSuccess, rec.Status)
	assert.Equal(t, result.RequestID, rec.RequestID)
	assert.Equal(t, "openai", rec.Provider)
	assert.Equal(t, result.Cost, rec.CostUSD)
}

func TestGateway_Chat_FallbackStatus(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{
		{status: 500, body: "boom"},
		{status: 200, body: anthropicBody},
	}}
	audit := &fakeAudit{}
	g := newTestGateway(client, WithAuditRecorder(audit))

	result, err := g.Chat(context.Background(), chatReq(), ChatOptions{})
	require.NoError(t, err)

	assert.Equal(t, "anthropic", result.Provider)
	assert.Equal(t, 2, result.AttemptCount)
	assert.Equal(t, []string{"openai", "anthropic"}, result.FallbackChain)

	require.Len(t, audit.records, 1)
	assert.Equal(t, OutcomeFallback, audit.records[0].Status)
	assert.Equal(t, []string{"openai", "anthropic"}, audit.records[0].FallbackChain)
}

func TestGateway_Chat_CacheHit(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{
		{status: 200, body: openAIBody},
	}}
	cache := newFakeCache()
	audit := &fakeAudit{}
	g := newTestGateway(client, WithCache(cache), WithAuditRecorder(audit))

	// First call misses, executes upstream and populates the cache.
	first, err := g.Chat(context.Background(), chatReq(), ChatOptions{UseCache: true})
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, cache.stores)
	assert.Equal(t, DefaultCacheTTL, cache.lastTTL)

	// Second identical call is served from cache without upstream I/O.
	second, err := g.Chat(context.Background(), chatReq(), ChatOptions{UseCache: true})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "pong", second.Content)
	assert.Zero(t, second.Cost, "cached responses incur no cost")
	assert.Zero(t, second.AttemptCount)
	assert.Len(t, client.requests, 1)

	require.Len(t, audit.records, 2)
	assert.Equal(t, OutcomeSuccess, audit.records[0].Status)
	assert.Equal(t, OutcomeCached, audit.records[1].Status)
}

func TestGateway_Chat_CacheDisabledSkipsLookup(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{
		{status: 200, body: openAIBody},
	}}
	cache := newFakeCache()
	g := newTestGateway(client, WithCache(cache))

	_, err := g.Chat(context.Background(), chatReq(), ChatOptions{UseCache: false})
	require.NoError(t, err)
	assert.Zero(t, cache.lookups)
	assert.Zero(t, cache.stores)
}

func TestGateway_Chat_ValidationFailureIsAudited(t *testing.T) {
	audit := &fakeAudit{}
	g := newTestGateway(&scriptedClient{}, WithAuditRecorder(audit))

	_, err := g.Chat(context.Background(), &ChatRequest{}, ChatOptions{})
	require.Error(t, err)

	gwErr := AsError(err)
	assert.Equal(t, CodeInvalidRequest, gwErr.Code)

	require.Len(t, audit.records, 1)
	assert.Equal(t, OutcomeError, audit.records[0].Status)
	assert.Contains(t, audit.records[0].ErrorMessage, "INVALID_REQUEST")
}

func TestGateway_Chat_AllProvidersFailedIsAudited(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{
		{status: 500, body: "a"},
		{status: 500, body: "b"},
		{status: 500, body: "c"},
	}}
	audit := &fakeAudit{}
	g := newTestGateway(client, WithAuditRecorder(audit))

	_, err := g.Chat(context.Background(), chatReq(), ChatOptions{})
	require.Error(t, err)
	assert.Equal(t, CodeAllProvidersFailed, AsError(err).Code)

	require.Len(t, audit.records, 1)
	rec := audit.records[0]
	assert.Equal(t, OutcomeError, rec.Status)
	assert.Equal(t, []string{"openai", "anthropic", "google"}, rec.FallbackChain)
}

// ============================================================
// Credentials and quotas
// ============================================================

func TestGateway_Chat_CredentialVerified(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{
		{status: 200, body: openAIBody},
	}}
	verifier := &fakeVerifier{identity: CredentialIdentity{
		ID: "cred-1", KeyHash: "hash-1", RequestLimit: 100, WindowSeconds: 60,
	}}
	limiter := &fakeLimiter{}
	audit := &fakeAudit{}
	g := newTestGateway(client,
		WithCredentialVerifier(verifier),
		WithRateLimiter(limiter),
		WithAuditRecorder(audit))

	_, err := g.Chat(context.Background(), chatReq(), ChatOptions{Credential: "axg_raw"})
	require.NoError(t, err)

	assert.Equal(t, 1, verifier.calls)
	assert.Equal(t, "axg_raw", verifier.lastRaw)

	// The limiter keys on the hash, never the raw credential.
	assert.Equal(t, 1, limiter.calls)
	assert.Equal(t, "hash-1", limiter.lastHash)
	assert.Equal(t, 100, limiter.lastLimit)

	require.Len(t, audit.records, 1)
	assert.Equal(t, "cred-1", audit.records[0].CredentialID)
}

func TestGateway_Chat_InvalidCredentialRejected(t *testing.T) {
	verifier := &fakeVerifier{err: NewError(CodeInvalidAPIKey, "unknown API key")}
	limiter := &fakeLimiter{}
	audit := &fakeAudit{}
	g := newTestGateway(&scriptedClient{},
		WithCredentialVerifier(verifier),
		WithRateLimiter(limiter),
		WithAuditRecorder(audit))

	_, err := g.Chat(context.Background(), chatReq(), ChatOptions{Credential: "bogus"})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidAPIKey, AsError(err).Code)

	// Rejected before the limiter and before any upstream call.
	assert.Zero(t, limiter.calls)
	require.Len(t, audit.records, 1)
	assert.Equal(t, OutcomeError, audit.records[0].Status)
}

func TestGateway_Chat_RateLimitRejected(t *testing.T) {
	limiter := &fakeLimiter{err: NewError(CodeRateLimitExceeded, "rate limit exceeded")}
	verifier := &fakeVerifier{identity: CredentialIdentity{ID: "cred-1", KeyHash: "hash-1"}}
	audit := &fakeAudit{}
	client := &scriptedClient{}
	g := newTestGateway(client,
		WithCredentialVerifier(verifier),
		WithRateLimiter(limiter),
		WithAuditRecorder(audit))

	_, err := g.Chat(context.Background(), chatReq(), ChatOptions{Credential: "axg_raw"})
	require.Error(t, err)
	assert.Equal(t, CodeRateLimitExceeded, AsError(err).Code)
	assert.Empty(t, client.requests)

	require.Len(t, audit.records, 1)
	assert.Equal(t, "cred-1", audit.records[0].CredentialID)
}

func TestGateway_Chat_InvalidRequestConsumesNoQuota(t *testing.T) {
	verifier := &fakeVerifier{identity: CredentialIdentity{
		ID: "cred-1", KeyHash: "hash-1", RequestLimit: 100, WindowSeconds: 60,
	}}
	limiter := &fakeLimiter{}
	g := newTestGateway(&scriptedClient{},
		WithCredentialVerifier(verifier),
		WithRateLimiter(limiter))

	_, err := g.Chat(context.Background(), &ChatRequest{}, ChatOptions{Credential: "axg_raw"})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidRequest, AsError(err).Code)

	// The malformed request is rejected before the limiter increments
	// the caller's window.
	assert.Zero(t, limiter.calls)
}

func TestGateway_Chat_AnonymousSkipsLimiter(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{
		{status: 200, body: openAIBody},
	}}
	limiter := &fakeLimiter{err: NewError(CodeRateLimitExceeded, "would reject")}
	g := newTestGateway(client, WithRateLimiter(limiter))

	// No credential, no verifier: the limiter has no key to count.
	_, err := g.Chat(context.Background(), chatReq(), ChatOptions{})
	require.NoError(t, err)
	assert.Zero(t, limiter.calls)
}

func TestGateway_Chat_CostOptimizePassedThrough(t *testing.T) {
	googleBody := `{"candidates":[{"content":{"parts":[{"text":"pong"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":2,"totalTokenCount":12}}`
	client := &scriptedClient{responses: []scriptedResponse{
		{status: 200, body: googleBody},
	}}
	g := newTestGateway(client)

	result, err := g.Chat(context.Background(), chatReq(),
		ChatOptions{CostOptimize: true, TaskClass: TaskChat})
	require.NoError(t, err)

	assert.Equal(t, "google", result.Provider)
	assert.Equal(t, "gemini-2.0-flash", result.Model)
}

func TestGateway_Registry(t *testing.T) {
	g := newTestGateway(&scriptedClient{})
	require.NotNil(t, g.Registry())
	assert.Len(t, g.Registry().ListAvailable(), 3)
}
