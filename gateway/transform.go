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
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// The transformer is a set of pure functions translating the canonical
// request into each provider family's wire shape and back. No state, no
// I/O; the same input always produces the same output.

// Wire shapes.

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	// Temperature is always emitted: 0 is a deliberate setting, not an
	// absent one, and dropping it would let the provider default win.
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Stream      bool    `json:"stream,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
	MaxTokens   int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type googleRequest struct {
	Contents         []googleContent         `json:"contents"`
	GenerationConfig *googleGenerationConfig `json:"generationConfig,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text string `json:"text"`
}

type googleGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type googleResponse struct {
	Candidates []struct {
		Content      googleContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// EncodeRequest translates the canonical request into the provider
// family's wire shape and returns the JSON body.
func EncodeRequest(pt ProviderType, req *ChatRequest) ([]byte, error) {
	switch pt {
	case ProviderTypeOpenAI:
		return encodeOpenAI(req)
	case ProviderTypeAnthropic:
		return encodeAnthropic(req)
	case ProviderTypeGoogle:
		return encodeGoogle(req)
	default:
		return nil, NewError(CodeInvalidRequest, fmt.Sprintf("unsupported provider type %q", pt))
	}
}

func encodeOpenAI(req *ChatRequest) ([]byte, error) {
	wire := openAIRequest{
		Model:       req.Model,
		Messages:    make([]openAIMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		wire.Messages = append(wire.Messages, openAIMessage{Role: string(m.Role), Content: m.Content})
	}
	return json.Marshal(wire)
}

// encodeAnthropic splits system-role messages into the dedicated system
// field; only user/assistant turns remain in the messages array.
func encodeAnthropic(req *ChatRequest) ([]byte, error) {
	wire := anthropicRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	var system []string
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		wire.Messages = append(wire.Messages, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}
	wire.System = strings.Join(system, "\n\n")
	return json.Marshal(wire)
}

// encodeGoogle flattens the whole conversation into a single user
// content with one part per message. System content is prefixed with a
// "Context:" marker; temperature and max tokens move into the nested
// generationConfig object.
func encodeGoogle(req *ChatRequest) ([]byte, error) {
	parts := make([]googlePart, 0, len(req.Messages))
	for _, m := range req.Messages {
		text := m.Content
		if m.Role == RoleSystem {
			text = "Context: " + text
		}
		parts = append(parts, googlePart{Text: text})
	}
	wire := googleRequest{
		Contents: []googleContent{{Role: "user", Parts: parts}},
		GenerationConfig: &googleGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}
	return json.Marshal(wire)
}

// DecodeResponse translates a provider wire response back into the
// canonical shape. An empty choice or candidate list is a provider
// error ("no response from model"), never a malformed canonical value.
func DecodeResponse(pt ProviderType, body []byte) (*ChatResponse, error) {
	switch pt {
	case ProviderTypeOpenAI:
		return decodeOpenAI(body)
	case ProviderTypeAnthropic:
		return decodeAnthropic(body)
	case ProviderTypeGoogle:
		return decodeGoogle(body)
	default:
		return nil, NewError(CodeProviderError, fmt.Sprintf("unsupported provider type %q", pt))
	}
}

func decodeOpenAI(body []byte) (*ChatResponse, error) {
	var wire openAIResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, WrapError(CodeProviderError, "malformed upstream response", err)
	}
	if len(wire.Choices) == 0 {
		return nil, NewError(CodeProviderError, "no response from model")
	}
	choice := wire.Choices[0]
	return &ChatResponse{
		Content:      choice.Message.Content,
		Role:         RoleAssistant,
		FinishReason: choice.FinishReason,
		Model:        wire.Model,
		Usage: Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		},
	}, nil
}

func decodeAnthropic(body []byte) (*ChatResponse, error) {
	var wire anthropicResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, WrapError(CodeProviderError, "malformed upstream response", err)
	}
	if len(wire.Content) == 0 {
		return nil, NewError(CodeProviderError, "no response from model")
	}
	var sb strings.Builder
	for _, block := range wire.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	// Anthropic reports no combined total; sum defensively.
	return &ChatResponse{
		Content:      sb.String(),
		Role:         RoleAssistant,
		FinishReason: wire.StopReason,
		Model:        wire.Model,
		Usage: Usage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		},
	}, nil
}

func decodeGoogle(body []byte) (*ChatResponse, error) {
	var wire googleResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, WrapError(CodeProviderError, "malformed upstream response", err)
	}
	if len(wire.Candidates) == 0 {
		return nil, NewError(CodeProviderError, "no response from model")
	}
	var sb strings.Builder
	for _, part := range wire.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return &ChatResponse{
		Content:      sb.String(),
		Role:         RoleAssistant,
		FinishReason: wire.Candidates[0].FinishReason,
		Usage: Usage{
			PromptTokens:     wire.UsageMetadata.PromptTokenCount,
			CompletionTokens: wire.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      wire.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

// AnthropicAPIVersion is sent with every Anthropic-compatible request.
const AnthropicAPIVersion = "2023-06-01"

// Headers returns the authentication headers for the provider family.
// Google-compatible providers carry the credential in the URL instead.
func Headers(pt ProviderType, credential string) map[string]string {
	h := map[string]string{"Content-Type": "application/json"}
	switch pt {
	case ProviderTypeOpenAI:
		h["Authorization"] = "Bearer " + credential
	case ProviderTypeAnthropic:
		h["x-api-key"] = credential
		h["anthropic-version"] = AnthropicAPIVersion
	case ProviderTypeGoogle:
		// Credential travels as a query parameter, see Endpoint.
	}
	return h
}

// Endpoint builds the request URL, substituting the {model} placeholder
// and appending the query-string credential for the Google family.
// Callers must log only RedactEndpoint's output, never the raw URL.
func Endpoint(p Provider, req *ChatRequest, credential string) string {
	u := strings.ReplaceAll(p.Endpoint, "{model}", req.Model)
	if p.Type == ProviderTypeGoogle {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "key=" + url.QueryEscape(credential)
	}
	return u
}

// RedactEndpoint strips any query string so credential-bearing URLs are
// safe to log.
func RedactEndpoint(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i] + "?[redacted]"
	}
	return endpoint
}
