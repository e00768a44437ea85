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

// Package ratelimit enforces per-credential request quotas with a
// fixed-window counter in Redis and verifies API credentials against
// PostgreSQL. Both backends degrade gracefully: a Redis outage falls
// back to an in-process sliding window, a Postgres outage to a
// permissive anonymous credential (configurable, see FailureMode).
//
// The in-process fallback is local to one gateway instance and is not
// a correct limit across multiple concurrently running instances.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"axonflow/llm-gateway/gateway"
)

// FailureMode selects behavior when a backing store is unreachable.
type FailureMode string

const (
	// FailOpen permits traffic with reduced guarantees on store outage.
	FailOpen FailureMode = "open"

	// FailClosed rejects traffic on store outage.
	FailClosed FailureMode = "closed"
)

// DefaultStoreTimeout bounds every Redis operation on the limit path.
const DefaultStoreTimeout = 2 * time.Second

// Result reports the outcome of a quota check.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// localWindow holds one credential's request timestamps for the
// in-process fallback, along with the window it was last checked with.
type localWindow struct {
	times  []time.Time
	window time.Duration
}

// Limiter enforces fixed-window request quotas.
type Limiter struct {
	rdb          *redis.Client
	storeTimeout time.Duration
	failureMode  FailureMode
	logger       *log.Logger
	now          func() time.Time

	// In-process sliding-window fallback, keyed by credential hash.
	mu        sync.Mutex
	recent    map[string]*localWindow
	lastPrune time.Time
}

// localPruneInterval caps how often the fallback map is swept for
// credentials that stopped sending traffic.
const localPruneInterval = time.Minute

// LimiterOption configures the limiter.
type LimiterOption func(*Limiter)

// WithStoreTimeout bounds shared-store operations.
func WithStoreTimeout(d time.Duration) LimiterOption {
	return func(l *Limiter) { l.storeTimeout = d }
}

// WithFailureMode selects fail-open or fail-closed on store outage.
func WithFailureMode(m FailureMode) LimiterOption {
	return func(l *Limiter) { l.failureMode = m }
}

// WithLogger sets a custom logger.
func WithLogger(lg *log.Logger) LimiterOption {
	return func(l *Limiter) { l.logger = lg }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a limiter over the given Redis client. A nil
// client runs the in-process fallback only.
func NewLimiter(rdb *redis.Client, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		rdb:          rdb,
		storeTimeout: DefaultStoreTimeout,
		failureMode:  FailOpen,
		recent:       make(map[string]*localWindow),
		logger:       log.New(os.Stdout, "[GW_RATELIMIT] ", log.LstdFlags),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckLimit atomically counts this request against the credential's
// fixed window and returns RATE_LIMIT_EXCEEDED once the post-increment
// count passes the limit. The counter increment happens at the store,
// never as a client-side read-modify-write.
func (l *Limiter) CheckLimit(ctx context.Context, credentialHash string, limit, windowSeconds int) (*Result, error) {
	if limit <= 0 || windowSeconds <= 0 {
		return nil, fmt.Errorf("limit and window must be positive")
	}

	now := l.now()
	windowStart := now.Unix() - now.Unix()%int64(windowSeconds)
	reset := time.Unix(windowStart+int64(windowSeconds), 0)

	if l.rdb != nil {
		opCtx, cancel := context.WithTimeout(ctx, l.storeTimeout)
		defer cancel()

		key := fmt.Sprintf("gateway:rl:%s:%d", credentialHash, windowStart)
		pipe := l.rdb.Pipeline()
		incr := pipe.Incr(opCtx, key)
		pipe.Expire(opCtx, key, time.Duration(windowSeconds)*time.Second)
		if _, err := pipe.Exec(opCtx); err != nil {
			l.logger.Printf("Warning: rate-limit store unreachable, using local window: %v", err)
			return l.checkLocal(credentialHash, limit, windowSeconds, now, reset)
		}

		current := int(incr.Val())
		if current > limit {
			return nil, limitExceeded(limit, windowSeconds, current, reset)
		}
		return &Result{Allowed: true, Remaining: limit - current, Reset: reset}, nil
	}

	return l.checkLocal(credentialHash, limit, windowSeconds, now, reset)
}

// checkLocal is the best-effort in-process sliding window used when the
// shared store is unreachable.
func (l *Limiter) checkLocal(credentialHash string, limit, windowSeconds int, now time.Time, reset time.Time) (*Result, error) {
	if l.failureMode == FailClosed && l.rdb != nil {
		return nil, gateway.NewError(gateway.CodeRateLimitExceeded,
			"rate-limit store unavailable and limiter is fail-closed")
	}

	window := time.Duration(windowSeconds) * time.Second
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)

	w := l.recent[credentialHash]
	if w == nil {
		w = &localWindow{}
		l.recent[credentialHash] = w
	}
	w.window = window

	kept := w.times[:0]
	for _, ts := range w.times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.times = kept
	if len(w.times) >= limit {
		return nil, limitExceeded(limit, windowSeconds, len(w.times)+1, reset)
	}
	w.times = append(w.times, now)
	return &Result{Allowed: true, Remaining: limit - len(w.times), Reset: reset}, nil
}

// pruneLocked drops credentials whose newest timestamp has aged out of
// their own window. Without it, hashes that stop sending traffic would
// stay in the fallback map for the life of the process.
func (l *Limiter) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < localPruneInterval {
		return
	}
	l.lastPrune = now
	for hash, w := range l.recent {
		if len(w.times) == 0 || !w.times[len(w.times)-1].Add(w.window).After(now) {
			delete(l.recent, hash)
		}
	}
}

func limitExceeded(limit, windowSeconds, current int, reset time.Time) *gateway.Error {
	return gateway.NewError(gateway.CodeRateLimitExceeded,
		fmt.Sprintf("rate limit of %d requests per %ds exceeded", limit, windowSeconds)).
		WithDetail("limit", limit).
		WithDetail("window", windowSeconds).
		WithDetail("current", current).
		WithDetail("reset", reset.Unix())
}
