package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewFromClient(client, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestGetSetDel(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))
	v, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", v)

	require.NoError(t, store.Del(ctx, "k"))
	_, found, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestProgressRoundTrip(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	_, _, found, err := store.GetProgress(ctx, "exp-1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SetProgress(ctx, "exp-1", 40, 500))
	done, total, found, err := store.GetProgress(ctx, "exp-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 40, done)
	assert.Equal(t, 500, total)

	// Progress expires after a day
	ttl := mr.TTL("experiment:exp-1:progress")
	assert.Equal(t, 24*time.Hour, ttl)
}

func TestCancelFlag(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	assert.False(t, store.CancelRequested(ctx, "exp-1"))
	require.NoError(t, store.RequestCancel(ctx, "exp-1"))
	assert.True(t, store.CancelRequested(ctx, "exp-1"))
	assert.Equal(t, time.Hour, mr.TTL("experiment:exp-1:cancel"))

	require.NoError(t, store.ClearCancel(ctx, "exp-1"))
	assert.False(t, store.CancelRequested(ctx, "exp-1"))
}

func TestAuthCache(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	_, found, _, err := store.AuthCacheGet(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.AuthCacheSet(ctx, "abc", `{"project_id":"p1"}`))
	payload, found, negative, err := store.AuthCacheGet(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, negative)
	assert.Equal(t, `{"project_id":"p1"}`, payload)
	assert.Equal(t, 5*time.Minute, mr.TTL("firewall:auth:abc"))

	require.NoError(t, store.AuthCacheSetNegative(ctx, "bad"))
	_, found, negative, err = store.AuthCacheGet(ctx, "bad")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, negative)

	require.NoError(t, store.InvalidateAuth(ctx, "abc"))
	_, found, _, err = store.AuthCacheGet(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRulesAndScopeCaches(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.RulesCacheSet(ctx, "p1", `[{"id":"r1"}]`))
	raw, found, err := store.RulesCacheGet(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `[{"id":"r1"}]`, raw)

	require.NoError(t, store.ScopeCacheSet(ctx, "p1", `{"business_scope":"bank"}`))
	_, found, err = store.ScopeCacheGet(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, store.InvalidateProject(ctx, "p1"))
	_, found, err = store.RulesCacheGet(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = store.ScopeCacheGet(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAllowRateWithinLimit(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, _ := store.AllowRate(ctx, "p1", 5)
		assert.True(t, ok, "request %d should pass", i)
	}
	ok, retryAfter := store.AllowRate(ctx, "p1", 5)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, retryAfter, time.Second)
	assert.LessOrEqual(t, retryAfter, time.Minute)
}

func TestAllowRateIsolatedPerProject(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _ := store.AllowRate(ctx, "p1", 3)
		assert.True(t, ok)
	}
	ok, _ := store.AllowRate(ctx, "p1", 3)
	assert.False(t, ok)
	ok, _ = store.AllowRate(ctx, "p2", 3)
	assert.True(t, ok)
}

func TestAllowRateRecordsEveryRequest(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	// Back-to-back requests can land on the same nanosecond; each one
	// must still count as its own sorted-set member.
	for i := 0; i < 4; i++ {
		ok, _ := store.AllowRate(ctx, "p1", 10)
		require.True(t, ok)
	}
	members, err := mr.ZMembers("firewall:rate:p1")
	require.NoError(t, err)
	assert.Len(t, members, 4)
}

func TestAllowRateFailsOpenWhenRedisDown(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	mr.Close()
	ok, _ := store.AllowRate(ctx, "p1", 1)
	assert.True(t, ok)
}
