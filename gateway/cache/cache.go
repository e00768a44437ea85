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

// Package cache implements the content-addressable response cache. The
// shared store is Redis; a bounded in-process index serves as a
// fallback when Redis is unreachable. Entries are keyed by a hash of
// (model, message sequence) and expire by TTL.
//
// The local index evicts in insertion order (FIFO), not access order.
// This is deliberately simpler than LRU and documented as such.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"axonflow/llm-gateway/gateway"
)

const (
	// DefaultTTL is the default entry lifetime.
	DefaultTTL = 1 * time.Hour

	// DefaultLocalCapacity bounds the in-process index.
	DefaultLocalCapacity = 1024

	// DefaultStoreTimeout bounds every Redis operation so a degraded
	// shared store cannot stall the request path.
	DefaultStoreTimeout = 2 * time.Second

	keyPrefix    = "gateway:cache:"
	statsHashKey = "gateway:cache:stats"
)

// Entry is one cached response with its bookkeeping.
type Entry struct {
	Key        string               `json:"key"`
	Response   gateway.ChatResponse `json:"response"`
	TokenCount int                  `json:"token_count"`
	CreatedAt  time.Time            `json:"created_at"`
	LastAccess time.Time            `json:"last_access"`
	HitCount   int                  `json:"hit_count"`
	TTL        time.Duration        `json:"ttl"`
}

// Stats summarizes cache activity for observability.
type Stats struct {
	LocalEntries int   `json:"local_entries"`
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	TokensSaved  int64 `json:"tokens_saved"`
}

type localEntry struct {
	entry     Entry
	expiresAt time.Time
}

// Manager owns all cache entries. Callers never mutate entries
// directly; hit counts and access times are updated internally.
type Manager struct {
	rdb          *redis.Client
	defaultTTL   time.Duration
	storeTimeout time.Duration
	capacity     int
	logger       *log.Logger

	mu    sync.Mutex
	local map[string]*localEntry
	order []string // insertion order, oldest first

	hits, misses, tokensSaved int64
}

// Option configures the cache manager.
type Option func(*Manager)

// WithRedis sets the shared store client. Without it the cache runs on
// the local index alone.
func WithRedis(rdb *redis.Client) Option {
	return func(m *Manager) { m.rdb = rdb }
}

// WithDefaultTTL sets the default entry lifetime.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.defaultTTL = ttl }
}

// WithLocalCapacity bounds the in-process index.
func WithLocalCapacity(n int) Option {
	return func(m *Manager) { m.capacity = n }
}

// WithStoreTimeout bounds shared-store operations.
func WithStoreTimeout(d time.Duration) Option {
	return func(m *Manager) { m.storeTimeout = d }
}

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a cache manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		defaultTTL:   DefaultTTL,
		storeTimeout: DefaultStoreTimeout,
		capacity:     DefaultLocalCapacity,
		local:        make(map[string]*localEntry),
		logger:       log.New(os.Stdout, "[GW_CACHE] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Key returns the deterministic content hash for (model, messages).
// Any difference in message order, role or content changes the key.
func Key(model string, messages []gateway.Message) string {
	h := sha256.New()
	h.Write([]byte(model))
	for _, msg := range messages {
		// Length-prefixed fields keep the serialization unambiguous.
		fmt.Fprintf(h, "|%d:%s|%d:%s", len(msg.Role), msg.Role, len(msg.Content), msg.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached entry for (model, messages) if present. The
// shared store is consulted first; the local index serves as fallback
// when the store is unreachable.
func (m *Manager) Get(ctx context.Context, model string, messages []gateway.Message) (*Entry, bool) {
	key := Key(model, messages)

	if m.rdb != nil {
		opCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
		defer cancel()

		raw, err := m.rdb.Get(opCtx, keyPrefix+key).Result()
		switch {
		case err == nil:
			var entry Entry
			if jsonErr := json.Unmarshal([]byte(raw), &entry); jsonErr == nil {
				entry.HitCount++
				entry.LastAccess = time.Now()
				m.writeBack(opCtx, key, &entry)
				m.recordHit(ctx, entry.TokenCount)
				return &entry, true
			}
			m.logger.Printf("Warning: discarding undecodable cache entry %s", key[:12])
		case err == redis.Nil:
			// Shared store answered authoritatively: miss.
			m.recordMiss()
			return nil, false
		default:
			m.logger.Printf("Warning: cache store unreachable, using local index: %v", err)
		}
	}

	return m.getLocal(ctx, key)
}

// writeBack persists the bumped hit count and access time so per-entry
// bookkeeping survives across gateway instances. Best-effort: the hit
// was already served, a write failure costs only the counter. XX plus
// KeepTTL updates the value without resurrecting an expired entry or
// extending its lifetime.
func (m *Manager) writeBack(ctx context.Context, key string, entry *Entry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := m.rdb.SetXX(ctx, keyPrefix+key, raw, redis.KeepTTL).Err(); err != nil {
		m.logger.Printf("Warning: cache hit-count write-back failed: %v", err)
	}
}

func (m *Manager) getLocal(ctx context.Context, key string) (*Entry, bool) {
	m.mu.Lock()
	le, ok := m.local[key]
	if ok && time.Now().After(le.expiresAt) {
		delete(m.local, key)
		ok = false
	}
	if !ok {
		m.mu.Unlock()
		m.recordMiss()
		return nil, false
	}
	le.entry.HitCount++
	le.entry.LastAccess = time.Now()
	entry := le.entry
	m.mu.Unlock()

	m.recordHit(ctx, entry.TokenCount)
	return &entry, true
}

// Set stores a response under the content key, writing to the shared
// store with the TTL and updating the local index. Writes are
// idempotent: concurrent writers of the same key produce equivalent
// values, so last-write-wins needs no locking at the store level.
func (m *Manager) Set(ctx context.Context, model string, messages []gateway.Message, resp *gateway.ChatResponse, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	key := Key(model, messages)
	entry := Entry{
		Key:        key,
		Response:   *resp,
		TokenCount: resp.Usage.TotalTokens,
		CreatedAt:  time.Now(),
		LastAccess: time.Now(),
		TTL:        ttl,
	}

	if m.rdb != nil {
		raw, err := json.Marshal(entry)
		if err == nil {
			opCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
			defer cancel()
			if err := m.rdb.Set(opCtx, keyPrefix+key, raw, ttl).Err(); err != nil {
				m.logger.Printf("Warning: cache store write failed: %v", err)
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.local[key]; !exists {
		if len(m.order) >= m.capacity {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.local, oldest)
		}
		m.order = append(m.order, key)
	}
	m.local[key] = &localEntry{entry: entry, expiresAt: time.Now().Add(ttl)}
}

// Lookup returns the cached response for (model, messages) if present.
// It is the shape the gateway consumes; Get exposes the full entry.
func (m *Manager) Lookup(ctx context.Context, model string, messages []gateway.Message) (*gateway.ChatResponse, bool) {
	entry, ok := m.Get(ctx, model, messages)
	if !ok {
		return nil, false
	}
	resp := entry.Response
	return &resp, true
}

// Store writes a response under the content key. It is Set under the
// name the gateway consumes.
func (m *Manager) Store(ctx context.Context, model string, messages []gateway.Message, resp *gateway.ChatResponse, ttl time.Duration) {
	m.Set(ctx, model, messages, resp, ttl)
}

// Stats returns cache counters. A degraded shared store yields the
// in-process counters instead of an error; Stats never fails.
func (m *Manager) Stats(ctx context.Context) Stats {
	m.mu.Lock()
	stats := Stats{
		LocalEntries: len(m.local),
		Hits:         m.hits,
		Misses:       m.misses,
		TokensSaved:  m.tokensSaved,
	}
	m.mu.Unlock()

	if m.rdb == nil {
		return stats
	}
	opCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	shared, err := m.rdb.HGetAll(opCtx, statsHashKey).Result()
	if err != nil {
		return stats
	}
	if v, err := strconv.ParseInt(shared["hits"], 10, 64); err == nil {
		stats.Hits = v
	}
	if v, err := strconv.ParseInt(shared["tokens_saved"], 10, 64); err == nil {
		stats.TokensSaved = v
	}
	return stats
}

// SweepExpired drops expired entries from the local index. Shared-store
// entries expire natively via Redis TTLs.
func (m *Manager) SweepExpired() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	kept := m.order[:0]
	for _, key := range m.order {
		le, ok := m.local[key]
		if !ok {
			continue
		}
		if now.After(le.expiresAt) {
			delete(m.local, key)
			removed++
			continue
		}
		kept = append(kept, key)
	}
	m.order = kept
	return removed
}

// StartSweeper runs SweepExpired on a fixed interval until ctx is done.
// The sweep runs independently of request traffic.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.SweepExpired(); n > 0 {
					m.logger.Printf("Swept %d expired cache entries", n)
				}
			}
		}
	}()
}

func (m *Manager) recordHit(ctx context.Context, tokens int) {
	m.mu.Lock()
	m.hits++
	m.tokensSaved += int64(tokens)
	m.mu.Unlock()

	if m.rdb == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	pipe := m.rdb.Pipeline()
	pipe.HIncrBy(opCtx, statsHashKey, "hits", 1)
	pipe.HIncrBy(opCtx, statsHashKey, "tokens_saved", int64(tokens))
	if _, err := pipe.Exec(opCtx); err != nil {
		// Analytics are best-effort.
		m.logger.Printf("Warning: cache stats update failed: %v", err)
	}
}

func (m *Manager) recordMiss() {
	m.mu.Lock()
	m.misses++
	m.mu.Unlock()
}
