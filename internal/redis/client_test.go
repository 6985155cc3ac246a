package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(&Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(nil)
	assert.Error(t, err)

	_, err = NewClient(&Config{Address: "127.0.0.1:1"})
	assert.Error(t, err)

	client, _ := setupTestRedis(t)
	assert.Equal(t, 10, client.config.PoolSize)
	assert.NoError(t, client.Health(context.Background()))
}

func TestClient_KeyValue(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k", "v", time.Minute))
	got, err := client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	ttl, err := client.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	mr.FastForward(2 * time.Minute)
	_, err = client.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNil)

	require.NoError(t, client.Set(ctx, "b", []byte("bytes"), 0))
	require.NoError(t, client.Delete(ctx, "b"))
	_, err = client.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrNil)

	assert.Error(t, client.Set(ctx, "bad", 42, 0))
	assert.NotNil(t, client.GoRedis())
}
