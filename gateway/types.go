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

// Package gateway implements the unified AI gateway request pipeline:
// provider registry, request/response transformation, fallback
// orchestration, response caching and rate limiting. The package defines
// the canonical, provider-agnostic request and response shapes used by
// every component.
package gateway

import (
	"fmt"
	"strings"
	"time"
)

// ProviderType identifies the wire format a provider speaks. The set is
// closed: every transformer switch over ProviderType must handle exactly
// these three values.
type ProviderType string

const (
	// ProviderTypeOpenAI covers OpenAI and OpenAI-compatible endpoints.
	ProviderTypeOpenAI ProviderType = "openai"

	// ProviderTypeAnthropic covers Anthropic's Messages API shape.
	ProviderTypeAnthropic ProviderType = "anthropic"

	// ProviderTypeGoogle covers the Gemini generateContent shape.
	ProviderTypeGoogle ProviderType = "google"
)

// Valid reports whether t is one of the supported provider types.
func (t ProviderType) Valid() bool {
	switch t {
	case ProviderTypeOpenAI, ProviderTypeAnthropic, ProviderTypeGoogle:
		return true
	}
	return false
}

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a recognized role.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single turn in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the canonical, provider-agnostic completion request.
// It is constructed once per inbound call and treated as immutable by
// every pipeline stage; stages that need a variant (e.g. a model
// override) copy it first.
type ChatRequest struct {
	Messages []Message `json:"messages"`
	Model    string    `json:"model,omitempty"`

	// Temperature of exactly TemperatureUnset selects the default; 0 is
	// a valid explicit value for deterministic output.
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Stream      bool    `json:"stream,omitempty"`
}

// Defaults applied by Validate when fields are unset.
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1024

	// TemperatureUnset marks a request whose caller did not specify a
	// temperature. Needed because 0 is itself meaningful.
	TemperatureUnset = -1.0
)

// Validate checks the request shape and fills defaults for model,
// temperature and max tokens. It returns an INVALID_REQUEST error for a
// structurally invalid request; no network call may be made after a
// validation failure.
func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return NewError(CodeInvalidRequest, "messages must not be empty")
	}
	for i, m := range r.Messages {
		if !m.Role.Valid() {
			return NewError(CodeInvalidRequest,
				fmt.Sprintf("message %d has invalid role %q", i, m.Role))
		}
		if strings.TrimSpace(m.Content) == "" {
			return NewError(CodeInvalidRequest,
				fmt.Sprintf("message %d has empty content", i))
		}
	}
	if r.Temperature == TemperatureUnset {
		r.Temperature = DefaultTemperature
	} else if r.Temperature < 0 || r.Temperature > 2 {
		return NewError(CodeInvalidRequest,
			fmt.Sprintf("temperature %.2f outside [0,2]", r.Temperature))
	}
	if r.Model == "" {
		r.Model = DefaultModel
	}
	if r.MaxTokens <= 0 {
		r.MaxTokens = DefaultMaxTokens
	}
	return nil
}

// Clone returns a deep copy of the request. Pipeline stages that rewrite
// the model (cost optimization) operate on a clone so the caller's
// request is never mutated.
func (r *ChatRequest) Clone() *ChatRequest {
	cp := *r
	cp.Messages = make([]Message, len(r.Messages))
	copy(cp.Messages, r.Messages)
	return &cp
}

// Usage tracks token consumption for billing and monitoring.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the canonical completion result produced by the
// transformer's decode step.
type ChatResponse struct {
	Content      string `json:"content"`
	Role         Role   `json:"role"`
	FinishReason string `json:"finish_reason,omitempty"`
	Model        string `json:"model,omitempty"`
	Usage        Usage  `json:"usage"`
}

// TaskClass groups requests for cost-optimized model selection.
type TaskClass string

const (
	TaskChat     TaskClass = "chat"
	TaskCode     TaskClass = "code"
	TaskAnalysis TaskClass = "analysis"
	TaskSearch   TaskClass = "search"
)

// ModelPricing is the USD price per one million tokens.
type ModelPricing struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// Provider describes one configured upstream completion backend.
// Provider values are immutable once published by the registry; a
// reload swaps the whole table rather than mutating entries in place.
type Provider struct {
	// ID uniquely identifies this provider instance (e.g. "openai-primary").
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable display name.
	Name string `json:"name" yaml:"name"`

	// Type selects the wire format.
	Type ProviderType `json:"type" yaml:"type"`

	// Endpoint is the URL template for completions. A "{model}"
	// placeholder is substituted with the request model.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Priority orders candidates; higher is tried first.
	Priority int `json:"priority" yaml:"priority"`

	// Enabled removes the provider from routing when false.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// CredentialEnv names the environment variable holding the API key.
	CredentialEnv string `json:"credential_env,omitempty" yaml:"credential_env,omitempty"`

	// SecretARN optionally points at an AWS Secrets Manager secret
	// holding the API key. Takes precedence over CredentialEnv.
	SecretARN string `json:"secret_arn,omitempty" yaml:"secret_arn,omitempty"`

	// Pricing maps model ids served by this provider to their price.
	Pricing map[string]ModelPricing `json:"pricing,omitempty" yaml:"pricing,omitempty"`
}

// Attempt records one provider try during fallback orchestration. The
// ordered attempt list is surfaced to callers as the fallback chain.
type Attempt struct {
	Provider   string        `json:"provider"`
	OK         bool          `json:"ok"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Latency    time.Duration `json:"latency"`
}

// ChatOptions carries per-call routing and policy options.
type ChatOptions struct {
	// Credential is the raw API key presented by the caller. Empty means
	// anonymous (no rate limiting applied).
	Credential string

	// TaskClass selects the candidate list for cost optimization.
	TaskClass TaskClass

	// CostOptimize routes to the cheapest credentialed model for the
	// task class and overrides the request model accordingly.
	CostOptimize bool

	// UseCache consults and populates the response cache.
	UseCache bool

	// PreferredProvider places the named provider first in the
	// candidate order when resolvable.
	PreferredProvider string
}

// ChatResult is the full outcome of one gateway call.
type ChatResult struct {
	RequestID     string        `json:"request_id"`
	Content       string        `json:"content"`
	Role          Role          `json:"role"`
	FinishReason  string        `json:"finish_reason,omitempty"`
	Model         string        `json:"model"`
	Provider      string        `json:"provider,omitempty"`
	Usage         Usage         `json:"usage"`
	Cost          float64       `json:"cost"`
	Cached        bool          `json:"cached"`
	FallbackChain []string      `json:"fallback_chain,omitempty"`
	AttemptCount  int           `json:"attempt_count"`
	Duration      time.Duration `json:"duration"`
}
