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

package ratelimit

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"axonflow/llm-gateway/gateway"
)

const (
	// KeyPrefix starts every issued credential, making leaked keys
	// recognizable in scanners.
	KeyPrefix = "axg_"

	// DefaultRequestLimit is the anonymous/default quota.
	DefaultRequestLimit = 60

	// DefaultWindowSeconds is the default quota window.
	DefaultWindowSeconds = 60
)

// CredentialInfo is the verified identity behind a raw API key. Only
// the hash of the raw key is ever stored or logged.
type CredentialInfo struct {
	ID            string     `json:"id"`
	Owner         string     `json:"owner"`
	KeyHash       string     `json:"-"`
	KeyPrefix     string     `json:"key_prefix"`
	RequestLimit  int        `json:"request_limit"`
	WindowSeconds int        `json:"window_seconds"`
	Enabled       bool       `json:"enabled"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// IssuedCredential is returned exactly once from GenerateCredential;
// the raw key cannot be recovered afterwards.
type IssuedCredential struct {
	RawKey        string     `json:"raw_key"`
	ID            string     `json:"id"`
	KeyPrefix     string     `json:"key_prefix"`
	RequestLimit  int        `json:"request_limit"`
	WindowSeconds int        `json:"window_seconds"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// GenerateOptions customizes an issued credential.
type GenerateOptions struct {
	RequestLimit  int
	WindowSeconds int
	ExpiresAt     *time.Time
}

// CredentialStore verifies and issues API credentials against a
// PostgreSQL table.
type CredentialStore struct {
	db          *sql.DB
	failureMode FailureMode
	now         func() time.Time
}

// CredentialStoreOption configures the store.
type CredentialStoreOption func(*CredentialStore)

// WithCredentialFailureMode selects fail-open or fail-closed when the
// database is unreachable during verification.
func WithCredentialFailureMode(m FailureMode) CredentialStoreOption {
	return func(s *CredentialStore) { s.failureMode = m }
}

// WithCredentialClock overrides the time source, for tests.
func WithCredentialClock(now func() time.Time) CredentialStoreOption {
	return func(s *CredentialStore) { s.now = now }
}

// NewCredentialStore creates a Postgres-backed credential store.
func NewCredentialStore(db *sql.DB, opts ...CredentialStoreOption) *CredentialStore {
	s := &CredentialStore{db: db, failureMode: FailOpen, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HashCredential returns the hex SHA-256 of a raw key. The hash is the
// only representation of a key that may be stored or logged.
func HashCredential(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// AnonymousCredential is the permissive identity used when the
// credential store is unreachable and the store is fail-open.
func AnonymousCredential(keyHash string) *CredentialInfo {
	return &CredentialInfo{
		ID:            "anonymous",
		Owner:         "anonymous",
		KeyHash:       keyHash,
		RequestLimit:  DefaultRequestLimit,
		WindowSeconds: DefaultWindowSeconds,
		Enabled:       true,
	}
}

// VerifyCredential looks up the raw key by hash and classifies the
// outcome: unknown, disabled or expired keys are rejected with the
// corresponding gateway error code. A database outage fails open with
// the anonymous credential unless the store is fail-closed.
func (s *CredentialStore) VerifyCredential(ctx context.Context, raw string) (*CredentialInfo, error) {
	keyHash := HashCredential(raw)

	var info CredentialInfo
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner, key_prefix, request_limit, window_seconds, enabled, expires_at
		FROM gateway_credentials
		WHERE key_hash = $1
	`, keyHash).Scan(&info.ID, &info.Owner, &info.KeyPrefix,
		&info.RequestLimit, &info.WindowSeconds, &info.Enabled, &expiresAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, gateway.NewError(gateway.CodeInvalidAPIKey, "unknown API key")
	case err != nil:
		if s.failureMode == FailClosed {
			return nil, gateway.NewError(gateway.CodeInvalidAPIKey,
				"credential store unavailable and verification is fail-closed")
		}
		return AnonymousCredential(keyHash), nil
	}

	info.KeyHash = keyHash
	if expiresAt.Valid {
		t := expiresAt.Time
		info.ExpiresAt = &t
	}
	if !info.Enabled {
		return nil, gateway.NewError(gateway.CodeKeyDisabled, "API key is disabled")
	}
	if info.ExpiresAt != nil && s.now().After(*info.ExpiresAt) {
		return nil, gateway.NewError(gateway.CodeKeyExpired, "API key has expired")
	}
	return &info, nil
}

// GenerateCredential issues a new opaque key for the owner. The raw
// value is returned exactly once; only its hash is persisted.
func (s *CredentialStore) GenerateCredential(ctx context.Context, owner string, opts GenerateOptions) (*IssuedCredential, error) {
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	raw := KeyPrefix + hex.EncodeToString(buf)
	prefix := raw[:len(KeyPrefix)+8]

	limit := opts.RequestLimit
	if limit <= 0 {
		limit = DefaultRequestLimit
	}
	window := opts.WindowSeconds
	if window <= 0 {
		window = DefaultWindowSeconds
	}

	id := uuid.NewString()
	var expiresAt sql.NullTime
	if opts.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: *opts.ExpiresAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_credentials (
			id, owner, key_hash, key_prefix, request_limit, window_seconds, enabled, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
	`, id, owner, HashCredential(raw), prefix, limit, window, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to persist credential: %w", err)
	}

	return &IssuedCredential{
		RawKey:        raw,
		ID:            id,
		KeyPrefix:     prefix,
		RequestLimit:  limit,
		WindowSeconds: window,
		ExpiresAt:     opts.ExpiresAt,
	}, nil
}
