package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketValidate(t *testing.T) {
	_, err := Bucket{Capacity: 0, Window: time.Minute}.validate()
	require.Error(t, err)
	_, err = Bucket{Capacity: 3, Window: 0}.validate()
	require.Error(t, err)

	b, err := Bucket{Capacity: 30, Window: time.Minute, Keyspace: " "}.validate()
	require.NoError(t, err)
	assert.Equal(t, DefaultKeyspace, b.Keyspace)
	assert.Equal(t, "imageverse:ratelimit:anonymous", b.key(""))
	assert.InDelta(t, 30.0/60000.0, b.perMilli(), 1e-12)
}

func TestBucketTake(t *testing.T) {
	b := Bucket{Capacity: 2, Window: 2048 * time.Millisecond}
	s := state{tokens: 2, lastMS: 0}

	s, d := b.take(s, 0, 2)
	assert.True(t, d.Allowed)
	assert.EqualValues(t, 0, d.Remaining)

	s, d = b.take(s, 256, 1)
	assert.False(t, d.Allowed)
	assert.Equal(t, 768*time.Millisecond, d.RetryAfter)

	_, d = b.take(s, 5000, 1)
	assert.True(t, d.Allowed)
	assert.EqualValues(t, 1, d.Remaining, "refill stops at capacity")
}

func TestMemoryAllowN(t *testing.T) {
	m, err := NewMemory(Bucket{Capacity: 3, Window: 3072 * time.Millisecond})
	require.NoError(t, err)
	now := time.UnixMilli(1_000_000)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	d, err := m.AllowN(ctx, "alice", 10)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "cost is clamped to capacity")

	d, err = m.AllowN(ctx, "alice", 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 1024*time.Millisecond, d.RetryAfter)

	d, err = m.AllowN(ctx, "bob", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "subjects have their own buckets")

	now = now.Add(1024 * time.Millisecond)
	d, err = m.AllowN(ctx, "alice", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryHonoursContext(t *testing.T) {
	m, err := NewMemory(Bucket{Capacity: 1, Window: time.Second})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.AllowN(ctx, "x", 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewRedisValidates(t *testing.T) {
	_, err := NewRedis(nil, Bucket{Capacity: 1, Window: time.Second})
	require.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	_, err = NewRedis(client, Bucket{Capacity: 1})
	require.Error(t, err)
	l, err := NewRedis(client, Bucket{Capacity: 1, Window: time.Second})
	require.NoError(t, err)
	assert.Equal(t, DefaultKeyspace, l.bucket.Keyspace)
}
