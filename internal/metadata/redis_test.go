package metadata

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cthulhu-proxy/cthulhu/internal/config"
)

// setupTestRedis creates a mock Redis server for testing
func setupTestRedis(t *testing.T) (*RedisIndex, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	idx := NewRedisIndex(client, "test")

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return idx, mr
}

func TestRedisIndexContract(t *testing.T) {
	runIndexContract(t, func(t *testing.T) Index {
		idx, _ := setupTestRedis(t)
		return idx
	})
}

func TestRedisIndex_KeyLayout(t *testing.T) {
	idx, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, idx.Insert(ctx, FileRef{Namespace: "abc123", Fingerprint: "fp", ObjectID: "obj-1"}))

	assert.True(t, mr.Exists("test:refs:abc123"))
	assert.Equal(t, "obj-1", mr.HGet("test:refs:abc123", "fp"))

	require.NoError(t, idx.DeleteAll(ctx, "abc123"))
	assert.False(t, mr.Exists("test:refs:abc123"))
}

func TestRedisIndex_LookupSurfacesConnectionErrors(t *testing.T) {
	idx, mr := setupTestRedis(t)
	mr.Close()

	_, found, err := idx.Lookup(context.Background(), "abc", "fp")
	assert.Error(t, err)
	assert.False(t, found)
}

func TestRedisIndex_DefaultPrefix(t *testing.T) {
	idx := NewRedisIndex(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "")
	defer idx.Close()
	assert.Equal(t, "cthulhu:refs:abc", idx.key("abc"))
	assert.Equal(t, "redis", idx.Backend())
}

func TestOpenRedisBackend(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := &config.Config{Metadata: config.MetadataConfig{
		Backend:        config.MetadataBackendRedis,
		RedisAddr:      mr.Addr(),
		RedisKeyPrefix: "cthulhu",
	}}
	idx, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer idx.Close()
	assert.Equal(t, "redis", idx.Backend())
}

func TestOpenRedisBackendUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	cfg := &config.Config{Metadata: config.MetadataConfig{
		Backend:   config.MetadataBackendRedis,
		RedisAddr: addr,
	}}
	_, err = Open(context.Background(), cfg)
	assert.Error(t, err)
}
