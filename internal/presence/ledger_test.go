package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a real server when LIVECHAT_TEST_REDIS_ADDR is set.
func newTestRedisLedger(t *testing.T) *RedisLedger {
	t.Helper()
	addr := os.Getenv("LIVECHAT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LIVECHAT_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	l := NewRedisLedger(client, time.Minute)
	l.prefix = "livechat:test:" + uuid.NewString() + ":"
	return l
}

func TestRedisLedger_AddRemoveCount(t *testing.T) {
	l := newTestRedisLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Add(ctx, agentA, "h1"))
	require.NoError(t, l.Add(ctx, agentA, "h2"))
	n, err := l.Count(ctx, agentA)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, l.Remove(ctx, agentA, "h1"))
	n, err = l.Count(ctx, agentA)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisLedger_ExpiredHandlesDropOut(t *testing.T) {
	l := newTestRedisLedger(t)
	ctx := context.Background()

	start := time.Now()
	l.now = func() time.Time { return start }
	require.NoError(t, l.Add(ctx, agentA, "crashed"))

	l.now = func() time.Time { return start.Add(2 * time.Minute) }
	h := NewChannelHandle(agentA, 1)
	require.NoError(t, l.Refresh(ctx, []Handle{h}))

	n, err := l.Count(ctx, agentA)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisLedger_KeyIncludesRoleAndBusiness(t *testing.T) {
	l := NewRedisLedger(nil, 0)
	assert.Equal(t, "livechat:presence:agent:biz:a1", l.key(agentA))
	assert.Equal(t, 90*time.Second, l.ttl)
}
