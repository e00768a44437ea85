// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

// HTTPClient abstracts the outbound HTTP client so tests can substitute
// a fake transport.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultAttemptTimeout bounds a single provider attempt.
const DefaultAttemptTimeout = 60 * time.Second

// Fallback orchestrates sequential attempts over an ordered candidate
// list: stop on success, abort on a non-retryable client error, advance
// on anything else, and fail with the aggregated error once exhausted.
// Attempts are strictly sequential; trying two providers concurrently
// would double-bill on transient errors.
type Fallback struct {
	registry *Registry
	client   HTTPClient
	timeout  time.Duration
	logger   *log.Logger
}

// FallbackOption configures the fallback manager.
type FallbackOption func(*Fallback)

// WithHTTPClient sets the outbound HTTP client.
func WithHTTPClient(c HTTPClient) FallbackOption {
	return func(f *Fallback) { f.client = c }
}

// WithAttemptTimeout sets the per-attempt timeout.
func WithAttemptTimeout(d time.Duration) FallbackOption {
	return func(f *Fallback) { f.timeout = d }
}

// WithFallbackLogger sets a custom logger.
func WithFallbackLogger(l *log.Logger) FallbackOption {
	return func(f *Fallback) { f.logger = l }
}

// NewFallback creates a fallback manager over the registry.
func NewFallback(registry *Registry, opts ...FallbackOption) *Fallback {
	f := &Fallback{
		registry: registry,
		timeout:  DefaultAttemptTimeout,
		logger:   log.New(os.Stdout, "[GW_FALLBACK] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: f.timeout}
	}
	return f
}

// ExecuteOptions selects the candidate ordering policy for one request.
type ExecuteOptions struct {
	TaskClass         TaskClass
	CostOptimize      bool
	PreferredProvider string
}

// Execute runs the fallback loop for one request. It returns the
// decoded response, the provider that produced it, and the full attempt
// trail. The trail is also populated on error.
func (f *Fallback) Execute(ctx context.Context, req *ChatRequest, opts ExecuteOptions) (*ChatResponse, Provider, []Attempt, error) {
	req, candidates := f.buildCandidates(req, opts)
	if len(candidates) == 0 {
		return nil, Provider{}, nil, NewError(CodeNoProviders, "no available providers")
	}

	attempts := make([]Attempt, 0, len(candidates))
	var reasons []string

	for _, p := range candidates {
		resp, attempt, err := f.attempt(ctx, p, req)
		attempts = append(attempts, attempt)
		if err == nil {
			return resp, p, attempts, nil
		}

		ge := AsError(err)
		reasons = append(reasons, fmt.Sprintf("%s: %s", p.ID, ge.Message))
		if !ge.Retryable {
			// A 4xx from upstream is a property of the request itself;
			// the remaining candidates would reject it the same way.
			f.logger.Printf("Provider %s returned non-retryable error, aborting chain: %v", p.ID, ge)
			return nil, Provider{}, attempts, ge
		}
		f.logger.Printf("Provider %s failed (retryable), trying next: %v", p.ID, ge)
	}

	err := NewError(CodeAllProvidersFailed,
		fmt.Sprintf("all %d provider(s) failed", len(candidates))).
		WithDetail("reasons", reasons)
	return nil, Provider{}, attempts, err
}

// buildCandidates assembles the ordered candidate list. Cost
// optimization takes precedence and overrides the request model (on a
// clone); otherwise a resolvable preferred provider goes first. The
// remaining available providers follow in priority order.
func (f *Fallback) buildCandidates(req *ChatRequest, opts ExecuteOptions) (*ChatRequest, []Provider) {
	available := f.registry.ListAvailable()

	var head []Provider
	placed := make(map[string]bool)

	if opts.CostOptimize {
		pt, model := f.registry.CheapestModelFor(opts.TaskClass)
		for _, p := range available {
			if p.Type == pt {
				req = req.Clone()
				req.Model = model
				head = append(head, p)
				placed[p.ID] = true
				break
			}
		}
	} else if opts.PreferredProvider != "" {
		if p, ok := f.registry.Get(opts.PreferredProvider); ok && p.Enabled {
			for _, a := range available {
				if a.ID == p.ID {
					head = append(head, p)
					placed[p.ID] = true
					break
				}
			}
		}
	}

	candidates := head
	for _, p := range available {
		if !placed[p.ID] {
			candidates = append(candidates, p)
		}
	}
	return req, candidates
}

// attempt performs one provider call: resolve credential, encode, POST,
// decode. The returned Attempt is recorded in the chain regardless of
// outcome.
func (f *Fallback) attempt(ctx context.Context, p Provider, req *ChatRequest) (*ChatResponse, Attempt, error) {
	start := time.Now()
	attempt := Attempt{Provider: p.ID}

	fail := func(err *Error) (*ChatResponse, Attempt, error) {
		attempt.Latency = time.Since(start)
		attempt.Error = err.Message
		if v, ok := err.Details["upstream_status"].(int); ok {
			attempt.StatusCode = v
		}
		return nil, attempt, err
	}

	credential, err := f.registry.CredentialFor(ctx, p)
	if err != nil {
		// Missing credential fails this candidate only.
		e := NewError(CodeProviderError, "credential not configured").WithProvider(p.ID)
		e.Retryable = true
		return fail(e)
	}

	body, err := EncodeRequest(p.Type, req)
	if err != nil {
		return fail(AsError(err).WithProvider(p.ID))
	}

	attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost,
		Endpoint(p, req, credential), bytes.NewReader(body))
	if err != nil {
		return fail(WrapError(CodeProviderError, "failed to build request", err).WithProvider(p.ID))
	}
	for k, v := range Headers(p.Type, credential) {
		httpReq.Header.Set(k, v)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() != nil {
			e := NewError(CodeTimeout, fmt.Sprintf("provider timed out after %v", f.timeout)).WithProvider(p.ID)
			return fail(e)
		}
		e := WrapError(CodeProviderError, "connection failed", err).WithProvider(p.ID)
		e.Retryable = true
		return fail(e)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		e := WrapError(CodeProviderError, "failed to read response", err).WithProvider(p.ID)
		e.Retryable = true
		return fail(e)
	}

	if resp.StatusCode != http.StatusOK {
		return fail(upstreamError(p.ID, resp.StatusCode, string(respBody)))
	}

	decoded, err := DecodeResponse(p.Type, respBody)
	if err != nil {
		e := AsError(err).WithProvider(p.ID)
		e.Retryable = true
		return fail(e)
	}
	if decoded.Model == "" {
		decoded.Model = req.Model
	}

	attempt.OK = true
	attempt.StatusCode = resp.StatusCode
	attempt.Latency = time.Since(start)
	return decoded, attempt, nil
}

// ProviderProbe is the health-check result for one provider.
type ProviderProbe struct {
	Provider string        `json:"provider"`
	Type     ProviderType  `json:"type"`
	Healthy  bool          `json:"healthy"`
	Latency  time.Duration `json:"latency"`
	Error    string        `json:"error,omitempty"`
}

// TestAllProviders probes every configured, credentialed provider
// independently with a minimal canned request. Probes are not chained:
// one provider's failure says nothing about the others.
func (f *Fallback) TestAllProviders(ctx context.Context) []ProviderProbe {
	providers := f.registry.ListAvailable()
	probes := make([]ProviderProbe, 0, len(providers))

	for _, p := range providers {
		probe := ProviderProbe{Provider: p.ID, Type: p.Type}
		req := &ChatRequest{
			Messages:  []Message{{Role: RoleUser, Content: "ping"}},
			MaxTokens: 8,
		}
		if err := req.Validate(); err == nil {
			if p.Type == ProviderTypeGoogle {
				req.Model = "gemini-2.0-flash"
			} else if p.Type == ProviderTypeAnthropic {
				req.Model = "claude-3-5-haiku-20241022"
			}
			start := time.Now()
			_, _, err := f.attempt(ctx, p, req)
			probe.Latency = time.Since(start)
			probe.Healthy = err == nil
			if err != nil {
				probe.Error = AsError(err).Message
			}
		}
		probes = append(probes, probe)
	}
	return probes
}
