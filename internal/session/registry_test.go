package session

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 使用测试用Redis客户端（需要真实Redis实例）
func setupTestRedis(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // 使用测试专用数据库
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}
	client.FlushDB(ctx)
	t.Cleanup(func() {
		client.FlushDB(ctx)
		client.Close()
	})
	return client
}

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	_, ok, err := r.Load(ctx, "dev-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Save(ctx, Record{DeviceID: "dev-1", Blocked: true}))
	rec, ok, _ := r.Load(ctx, "dev-1")
	assert.True(t, ok)
	assert.True(t, rec.Blocked)

	require.NoError(t, r.Delete(ctx, "dev-1"))
	_, ok, _ = r.Load(ctx, "dev-1")
	assert.False(t, ok)
}

func TestRedisRegistry(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	r := NewRedisRegistry(client, "test-instance", time.Hour)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, r.Save(ctx, Record{DeviceID: "dev-1", SessionID: "s1", LastSeen: now}))
	require.NoError(t, r.Save(ctx, Record{DeviceID: "dev-2", Blocked: true, BlockedReason: "checkpoint", BlockedAt: now}))

	rec, ok, err := r.Load(ctx, "dev-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "test-instance", rec.InstanceID)
	assert.True(t, rec.LastSeen.Equal(now))

	ttl, err := client.TTL(ctx, keyDevicePrefix+"dev-1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)

	require.NoError(t, r.Cleanup(ctx))
	_, ok, _ = r.Load(ctx, "dev-1")
	assert.False(t, ok, "未阻断的会话被清理")
	rec, ok, _ = r.Load(ctx, "dev-2")
	assert.True(t, ok, "阻断记录保留")
	assert.Equal(t, "checkpoint", rec.BlockedReason)
}
