package gate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(client), mr
}

func TestReserveLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, dup, err := store.Reserve(ctx, "prof-1", "sig-1")
	require.NoError(t, err)
	assert.False(t, dup)

	res, dup, err := store.Reserve(ctx, "prof-1", "sig-1")
	require.NoError(t, err)
	require.True(t, dup)
	assert.Equal(t, "pending", res.Outcome)
	assert.Empty(t, res.ChainID)

	require.NoError(t, store.Bind(ctx, "prof-1", "sig-1", "chain-1"))
	res, dup, err = store.Reserve(ctx, "prof-1", "sig-1")
	require.NoError(t, err)
	require.True(t, dup)
	assert.Equal(t, "chain-1", res.ChainID)
	assert.Equal(t, "pending", res.Outcome)

	require.NoError(t, store.RecordOutcome(ctx, "prof-1", "sig-1", "chain-1", "executed"))
	res, dup, err = store.Reserve(ctx, "prof-1", "sig-1")
	require.NoError(t, err)
	require.True(t, dup)
	assert.Equal(t, "executed", res.Outcome)

	// Different profile may reuse the signal id
	_, dup, err = store.Reserve(ctx, "prof-2", "sig-1")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestReserveExpiresAfterRetention(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, dup, err := store.Reserve(ctx, "prof-1", "sig-1")
	require.NoError(t, err)
	require.False(t, dup)

	mr.FastForward(IdempotencyTTL + time.Minute)

	_, dup, err = store.Reserve(ctx, "prof-1", "sig-1")
	require.NoError(t, err)
	assert.False(t, dup, "evicted keys free the signal id")
}

func TestBindKeepsRetentionWindow(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.Reserve(ctx, "prof-1", "sig-1")
	require.NoError(t, err)

	mr.FastForward(12 * time.Hour)
	require.NoError(t, store.Bind(ctx, "prof-1", "sig-1", "chain-1"))

	// Binding must not restart the 24h clock
	mr.FastForward(13 * time.Hour)
	_, dup, err := store.Reserve(ctx, "prof-1", "sig-1")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestIncrWindowCountsPerMinute(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for want := int64(1); want <= 3; want++ {
		count, err := store.IncrWindow(ctx, "prof-1", "trend", now)
		require.NoError(t, err)
		assert.Equal(t, want, count)
	}

	// Another producer has its own window
	count, err := store.IncrWindow(ctx, "prof-1", "breakout", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// The next minute starts fresh
	count, err = store.IncrWindow(ctx, "prof-1", "trend", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Spent windows evict after the TTL
	mr.FastForward(3 * time.Minute)
	count, err = store.IncrWindow(ctx, "prof-1", "trend", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
