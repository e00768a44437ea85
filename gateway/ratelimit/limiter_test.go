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
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/llm-gateway/gateway"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func redisLimiter(t *testing.T, opts ...LimiterOption) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	opts = append([]LimiterOption{WithLogger(testLogger())}, opts...)
	return NewLimiter(rdb, opts...), mr
}

func TestLimiter_AllowsUnderLimit(t *testing.T) {
	l, _ := redisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := l.CheckLimit(ctx, "hash-1", 5, 60)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 5-i-1, res.Remaining)
	}
}

func TestLimiter_RejectsOverLimit(t *testing.T) {
	l, _ := redisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.CheckLimit(ctx, "hash-1", 3, 60)
		require.NoError(t, err)
	}

	_, err := l.CheckLimit(ctx, "hash-1", 3, 60)
	require.Error(t, err)

	var gwErr *gateway.Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, gateway.CodeRateLimitExceeded, gwErr.Code)
	assert.Equal(t, 3, gwErr.Details["limit"])
	assert.Equal(t, 60, gwErr.Details["window"])
	assert.Equal(t, 4, gwErr.Details["current"])
	assert.NotNil(t, gwErr.Details["reset"])
}

func TestLimiter_IsolatesCredentials(t *testing.T) {
	l, _ := redisLimiter(t)
	ctx := context.Background()

	_, err := l.CheckLimit(ctx, "hash-1", 1, 60)
	require.NoError(t, err)
	_, err = l.CheckLimit(ctx, "hash-1", 1, 60)
	require.Error(t, err)

	// A different credential has its own window.
	res, err := l.CheckLimit(ctx, "hash-2", 1, 60)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLimiter_WindowRollover(t *testing.T) {
	current := time.Unix(1_700_000_000, 0)
	l, _ := redisLimiter(t, WithClock(func() time.Time { return current }))
	ctx := context.Background()

	_, err := l.CheckLimit(ctx, "hash-1", 1, 60)
	require.NoError(t, err)
	_, err = l.CheckLimit(ctx, "hash-1", 1, 60)
	require.Error(t, err)

	// The next fixed window starts with a fresh counter.
	current = current.Add(61 * time.Second)
	res, err := l.CheckLimit(ctx, "hash-1", 1, 60)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLimiter_ResetIsWindowEnd(t *testing.T) {
	// 1_700_000_030 is 50s into its 60s fixed window, so the window
	// resets at 1_700_000_040.
	current := time.Unix(1_700_000_030, 0)
	l, _ := redisLimiter(t, WithClock(func() time.Time { return current }))

	res, err := l.CheckLimit(context.Background(), "hash-1", 10, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_040), res.Reset.Unix())
}

func TestLimiter_InvalidParameters(t *testing.T) {
	l := NewLimiter(nil, WithLogger(testLogger()))

	_, err := l.CheckLimit(context.Background(), "hash-1", 0, 60)
	assert.Error(t, err)
	_, err = l.CheckLimit(context.Background(), "hash-1", 10, 0)
	assert.Error(t, err)
}

// ============================================================
// Degradation
// ============================================================

func TestLimiter_FailOpenFallsBackToLocalWindow(t *testing.T) {
	l, mr := redisLimiter(t, WithFailureMode(FailOpen))
	ctx := context.Background()
	mr.Close()

	// The local sliding window still enforces the limit.
	for i := 0; i < 2; i++ {
		res, err := l.CheckLimit(ctx, "hash-1", 2, 60)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	_, err := l.CheckLimit(ctx, "hash-1", 2, 60)
	require.Error(t, err)

	var gwErr *gateway.Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, gateway.CodeRateLimitExceeded, gwErr.Code)
}

func TestLimiter_FailClosedRejectsOnOutage(t *testing.T) {
	l, mr := redisLimiter(t, WithFailureMode(FailClosed))
	ctx := context.Background()
	mr.Close()

	_, err := l.CheckLimit(ctx, "hash-1", 100, 60)
	require.Error(t, err)

	var gwErr *gateway.Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, gateway.CodeRateLimitExceeded, gwErr.Code)
	assert.Contains(t, gwErr.Message, "fail-closed")
}

func TestLimiter_NilRedisUsesLocalWindowEvenFailClosed(t *testing.T) {
	// Without a configured store there is nothing to fail closed
	// against; the local window is the intended limiter.
	l := NewLimiter(nil, WithFailureMode(FailClosed), WithLogger(testLogger()))
	ctx := context.Background()

	res, err := l.CheckLimit(ctx, "hash-1", 1, 60)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	_, err = l.CheckLimit(ctx, "hash-1", 1, 60)
	assert.Error(t, err)
}

func TestLimiter_LocalWindowPrunesIdleCredentials(t *testing.T) {
	current := time.Unix(1_700_000_000, 0)
	l := NewLimiter(nil, WithClock(func() time.Time { return current }), WithLogger(testLogger()))
	ctx := context.Background()

	_, err := l.CheckLimit(ctx, "hash-idle", 5, 60)
	require.NoError(t, err)

	// Once the idle credential's only request has aged out of its
	// window, traffic from any other credential sweeps it away.
	current = current.Add(2 * time.Minute)
	_, err = l.CheckLimit(ctx, "hash-active", 5, 60)
	require.NoError(t, err)

	l.mu.Lock()
	_, idleKept := l.recent["hash-idle"]
	_, activeKept := l.recent["hash-active"]
	l.mu.Unlock()
	assert.False(t, idleKept, "idle credential must be swept")
	assert.True(t, activeKept)
}

func TestLimiter_LocalWindowSlides(t *testing.T) {
	current := time.Unix(1_700_000_000, 0)
	l := NewLimiter(nil, WithClock(func() time.Time { return current }), WithLogger(testLogger()))
	ctx := context.Background()

	_, err := l.CheckLimit(ctx, "hash-1", 1, 60)
	require.NoError(t, err)
	_, err = l.CheckLimit(ctx, "hash-1", 1, 60)
	require.Error(t, err)

	// Once the first request ages out of the window, capacity returns.
	current = current.Add(61 * time.Second)
	res, err := l.CheckLimit(ctx, "hash-1", 1, 60)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
