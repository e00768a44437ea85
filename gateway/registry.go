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
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"time"
)

// CredentialResolver resolves a provider's API key. Implementations must
// never log the resolved value.
type CredentialResolver interface {
	// Resolve returns the raw API key for the provider.
	Resolve(ctx context.Context, p Provider) (string, error)

	// Available reports whether a credential is configured for the
	// provider without resolving it.
	Available(p Provider) bool
}

// ProviderSource loads provider definitions and pricing from a backing
// store (Postgres in production). Registry treats source failures as
// non-fatal and falls back to the built-in defaults.
type ProviderSource interface {
	LoadProviders(ctx context.Context) ([]Provider, error)
}

// registryTable is one immutable snapshot of the provider set and its
// pricing index. Reload builds a fresh table and swaps the pointer so
// in-flight requests never observe a half-updated view.
type registryTable struct {
	providers []Provider           // sorted by priority descending
	byID      map[string]*Provider
	byType    map[ProviderType][]*Provider
	pricing   map[string]ModelPricing // canonical pricing key -> price
}

// Registry answers which providers are available, in what order and at
// what cost. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	table  *registryTable
	source ProviderSource
	creds  CredentialResolver
	logger *log.Logger
}

// RegistryOption configures the registry during creation.
type RegistryOption func(*Registry)

// WithProviderSource sets the backing store for provider definitions.
func WithProviderSource(src ProviderSource) RegistryOption {
	return func(r *Registry) { r.source = src }
}

// WithRegistryLogger sets a custom logger.
func WithRegistryLogger(l *log.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a registry holding the built-in default provider
// table. Call Reload to load from the configured source.
func NewRegistry(creds CredentialResolver, opts ...RegistryOption) *Registry {
	r := &Registry{
		creds:  creds,
		logger: log.New(os.Stdout, "[GW_REGISTRY] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.table = buildTable(DefaultProviders())
	return r
}

// Reload loads providers from the source and atomically swaps the
// table. A source failure degrades capability but is never fatal: the
// current table stays in place and the error is logged.
func (r *Registry) Reload(ctx context.Context) error {
	if r.source == nil {
		return nil
	}
	providers, err := r.source.LoadProviders(ctx)
	if err != nil {
		r.logger.Printf("Warning: provider reload failed, keeping current table: %v", err)
		return err
	}
	if len(providers) == 0 {
		r.logger.Printf("Warning: provider source returned no providers, keeping current table")
		return nil
	}
	table := buildTable(providers)
	r.mu.Lock()
	r.table = table
	r.mu.Unlock()
	r.logger.Printf("Reloaded %d provider(s)", len(providers))
	return nil
}

// SetProviders replaces the table with an explicit provider list.
// Used by tests and by static configuration.
func (r *Registry) SetProviders(providers []Provider) {
	table := buildTable(providers)
	r.mu.Lock()
	r.table = table
	r.mu.Unlock()
}

// StartPeriodicReload starts a background goroutine that reloads the
// table from the source on a fixed interval.
func (r *Registry) StartPeriodicReload(ctx context.Context, interval time.Duration) {
	if r.source == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = r.Reload(ctx)
			}
		}
	}()
}

func (r *Registry) snapshot() *registryTable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table
}

// ListAvailable returns enabled providers whose credential is
// configured, sorted by priority descending.
func (r *Registry) ListAvailable() []Provider {
	t := r.snapshot()
	out := make([]Provider, 0, len(t.providers))
	for _, p := range t.providers {
		if p.Enabled && r.creds.Available(p) {
			out = append(out, p)
		}
	}
	return out
}

// ByType returns the providers of one family, priority descending.
func (r *Registry) ByType(pt ProviderType) []Provider {
	t := r.snapshot()
	out := make([]Provider, 0, len(t.byType[pt]))
	for _, p := range t.byType[pt] {
		out = append(out, *p)
	}
	return out
}

// Get returns the provider with the given id.
func (r *Registry) Get(id string) (Provider, bool) {
	t := r.snapshot()
	p, ok := t.byID[id]
	if !ok {
		return Provider{}, false
	}
	return *p, true
}

// modelCandidate is one entry in a task class's ranked candidate list.
type modelCandidate struct {
	providerType ProviderType
	model        string
}

// taskCandidates ranks models per task class. Order is a preference
// hint only; CheapestModelFor picks the lowest-priced credentialed
// candidate regardless of rank.
var taskCandidates = map[TaskClass][]modelCandidate{
	TaskChat: {
		{ProviderTypeOpenAI, "gpt-4o-mini"},
		{ProviderTypeAnthropic, "claude-3-5-haiku-20241022"},
		{ProviderTypeGoogle, "gemini-2.0-flash"},
	},
	TaskCode: {
		{ProviderTypeAnthropic, "claude-3-5-sonnet-20241022"},
		{ProviderTypeOpenAI, "gpt-4o"},
		{ProviderTypeGoogle, "gemini-1.5-pro"},
	},
	TaskAnalysis: {
		{ProviderTypeOpenAI, "gpt-4o"},
		{ProviderTypeAnthropic, "claude-3-5-sonnet-20241022"},
		{ProviderTypeGoogle, "gemini-1.5-pro"},
	},
	TaskSearch: {
		{ProviderTypeGoogle, "gemini-2.0-flash"},
		{ProviderTypeOpenAI, "gpt-4o-mini"},
		{ProviderTypeAnthropic, "claude-3-5-haiku-20241022"},
	},
}

// CheapestModelFor returns the lowest-cost model among the task class's
// candidates whose provider family is available and priced. Falls back
// to the default model when no candidate qualifies.
func (r *Registry) CheapestModelFor(task TaskClass) (ProviderType, string) {
	candidates, ok := taskCandidates[task]
	if !ok {
		candidates = taskCandidates[TaskChat]
	}
	t := r.snapshot()

	available := make(map[ProviderType]bool)
	for _, p := range r.ListAvailable() {
		available[p.Type] = true
	}

	bestType := ProviderTypeOpenAI
	bestModel := DefaultModel
	bestPrice := -1.0
	for _, c := range candidates {
		if !available[c.providerType] {
			continue
		}
		pricing, ok := t.pricing[canonicalPricingKey(c.model)]
		if !ok {
			continue
		}
		// Combined per-1M price is a coarse but stable ranking.
		price := pricing.Input + pricing.Output
		if bestPrice < 0 || price < bestPrice {
			bestPrice = price
			bestType = c.providerType
			bestModel = c.model
		}
	}
	return bestType, bestModel
}

// Cost computes the USD cost of a completion. Unknown models cost 0 and
// log a warning; cost is advisory and never fails a request.
func (r *Registry) Cost(model string, promptTokens, completionTokens int) float64 {
	t := r.snapshot()
	pricing, ok := t.pricing[canonicalPricingKey(model)]
	if !ok {
		r.logger.Printf("Warning: no pricing entry for model %q, recording zero cost", model)
		return 0
	}
	return float64(promptTokens)/1e6*pricing.Input +
		float64(completionTokens)/1e6*pricing.Output
}

// CredentialFor resolves the API key for a provider.
func (r *Registry) CredentialFor(ctx context.Context, p Provider) (string, error) {
	return r.creds.Resolve(ctx, p)
}

func buildTable(providers []Provider) *registryTable {
	t := &registryTable{
		byID:    make(map[string]*Provider, len(providers)),
		byType:  make(map[ProviderType][]*Provider),
		pricing: make(map[string]ModelPricing),
	}
	t.providers = make([]Provider, len(providers))
	copy(t.providers, providers)
	sort.SliceStable(t.providers, func(i, j int) bool {
		return t.providers[i].Priority > t.providers[j].Priority
	})
	for i := range t.providers {
		p := &t.providers[i]
		t.byID[p.ID] = p
		t.byType[p.Type] = append(t.byType[p.Type], p)
		for model, pricing := range p.Pricing {
			t.pricing[canonicalPricingKey(model)] = pricing
		}
	}
	// Defaults cover pricing for models no configured provider lists.
	for model, pricing := range defaultPricing {
		key := canonicalPricingKey(model)
		if _, ok := t.pricing[key]; !ok {
			t.pricing[key] = pricing
		}
	}
	return t
}

// pricingAliases maps model-name variants to one canonical pricing key.
// An explicit table avoids the order-dependent false matches that
// substring normalization produces as new model names appear.
var pricingAliases = map[string]string{
	"gpt-4o-2024-08-06":          "gpt-4o",
	"gpt-4o-2024-11-20":          "gpt-4o",
	"gpt-4o-mini-2024-07-18":     "gpt-4o-mini",
	"claude-3-5-sonnet-latest":   "claude-3-5-sonnet-20241022",
	"claude-3-5-haiku-latest":    "claude-3-5-haiku-20241022",
	"gemini-2.0-flash-001":       "gemini-2.0-flash",
	"gemini-1.5-pro-002":         "gemini-1.5-pro",
	"gemini-1.5-flash-002":       "gemini-1.5-flash",
}

func canonicalPricingKey(model string) string {
	if canonical, ok := pricingAliases[model]; ok {
		return canonical
	}
	return model
}

// defaultPricing is the built-in price table, USD per 1M tokens.
var defaultPricing = map[string]ModelPricing{
	"gpt-4o":                     {Input: 2.50, Output: 10.00},
	"gpt-4o-mini":                {Input: 0.15, Output: 0.60},
	"claude-3-5-sonnet-20241022": {Input: 3.00, Output: 15.00},
	"claude-3-5-haiku-20241022":  {Input: 0.80, Output: 4.00},
	"gemini-1.5-pro":             {Input: 1.25, Output: 5.00},
	"gemini-1.5-flash":           {Input: 0.075, Output: 0.30},
	"gemini-2.0-flash":           {Input: 0.10, Output: 0.40},
}

// DefaultEndpoint returns the built-in completions URL for a provider
// family. Configuration entries that omit the endpoint fall back to it.
func DefaultEndpoint(pt ProviderType) string {
	switch pt {
	case ProviderTypeOpenAI:
		return "https://api.openai.com/v1/chat/completions"
	case ProviderTypeAnthropic:
		return "https://api.anthropic.com/v1/messages"
	case ProviderTypeGoogle:
		return "https://generativelanguage.googleapis.com/v1beta/models/{model}:generateContent"
	}
	return ""
}

// DefaultProviders is the built-in provider table used when no backing
// store is configured or the store is unreachable at load time.
func DefaultProviders() []Provider {
	return []Provider{
		{
			ID:            "openai",
			Name:          "OpenAI",
			Type:          ProviderTypeOpenAI,
			Endpoint:      DefaultEndpoint(ProviderTypeOpenAI),
			Priority:      100,
			Enabled:       true,
			CredentialEnv: "OPENAI_API_KEY",
		},
		{
			ID:            "anthropic",
			Name:          "Anthropic",
			Type:          ProviderTypeAnthropic,
			Endpoint:      DefaultEndpoint(ProviderTypeAnthropic),
			Priority:      90,
			Enabled:       true,
			CredentialEnv: "ANTHROPIC_API_KEY",
		},
		{
			ID:            "google",
			Name:          "Google Gemini",
			Type:          ProviderTypeGoogle,
			Endpoint:      DefaultEndpoint(ProviderTypeGoogle),
			Priority:      80,
			Enabled:       true,
			CredentialEnv: "GEMINI_API_KEY",
		},
	}
}
