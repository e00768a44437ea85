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
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a machine-readable gateway error classification.
type ErrorCode string

// Error codes surfaced to callers, each with an HTTP-equivalent status.
const (
	// CodeInvalidRequest indicates a structurally invalid request (400).
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"

	// CodeInvalidAPIKey indicates an unknown credential (401).
	CodeInvalidAPIKey ErrorCode = "INVALID_API_KEY"

	// CodeKeyDisabled indicates a deactivated credential (403).
	CodeKeyDisabled ErrorCode = "KEY_DISABLED"

	// CodeKeyExpired indicates a credential past its expiry (403).
	CodeKeyExpired ErrorCode = "KEY_EXPIRED"

	// CodeRateLimitExceeded indicates the fixed-window quota is spent (429).
	CodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// CodeNoProviders indicates an empty candidate list (503).
	CodeNoProviders ErrorCode = "NO_PROVIDERS"

	// CodeAllProvidersFailed indicates every candidate was exhausted (503).
	CodeAllProvidersFailed ErrorCode = "ALL_PROVIDERS_FAILED"

	// CodeProviderError indicates an upstream failure ( bubbled 4xx/5xx).
	CodeProviderError ErrorCode = "PROVIDER_ERROR"

	// CodeTimeout indicates a provider attempt exceeded its deadline (504).
	CodeTimeout ErrorCode = "TIMEOUT"
)

// httpStatusFor maps codes to their HTTP-equivalent status.
var httpStatusFor = map[ErrorCode]int{
	CodeInvalidRequest:     http.StatusBadRequest,
	CodeInvalidAPIKey:      http.StatusUnauthorized,
	CodeKeyDisabled:        http.StatusForbidden,
	CodeKeyExpired:         http.StatusForbidden,
	CodeRateLimitExceeded:  http.StatusTooManyRequests,
	CodeNoProviders:        http.StatusServiceUnavailable,
	CodeAllProvidersFailed: http.StatusServiceUnavailable,
	CodeProviderError:      http.StatusInternalServerError,
	CodeTimeout:            http.StatusGatewayTimeout,
}

// Error is the classified error type returned by every gateway
// operation. API keys must never appear in Message or in any wrapped
// cause that reaches a log line.
type Error struct {
	Code       ErrorCode      `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"http_status"`
	Provider   string         `json:"provider,omitempty"`
	Retryable  bool           `json:"retryable"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Code, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// NewError creates a classified gateway error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatusFor[code],
		Retryable:  retryableCode(code),
	}
}

// WrapError creates a classified error with an underlying cause.
func WrapError(code ErrorCode, message string, cause error) *Error {
	e := NewError(code, message)
	e.Cause = cause
	return e
}

// WithProvider attributes the error to a provider and returns it.
func (e *Error) WithProvider(id string) *Error {
	e.Provider = id
	return e
}

// WithDetail attaches a machine-readable detail field and returns it.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func retryableCode(code ErrorCode) bool {
	switch code {
	case CodeProviderError, CodeTimeout:
		return true
	}
	return false
}

// AsError extracts a *Error from err, wrapping unclassified errors as
// PROVIDER_ERROR so callers always observe a classified result.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return WrapError(CodeProviderError, err.Error(), err)
}

// upstreamError classifies a non-2xx upstream status. 4xx responses are
// a property of the request itself and abort the fallback chain; 5xx
// and transport failures advance to the next candidate.
func upstreamError(provider string, status int, body string) *Error {
	e := NewError(CodeProviderError, fmt.Sprintf("upstream status %d: %s", status, truncate(body, 200)))
	e.Provider = provider
	e.HTTPStatus = http.StatusBadGateway
	e.Retryable = status >= 500
	if status >= 400 && status < 500 {
		e.Retryable = false
	}
	return e.WithDetail("upstream_status", status)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
