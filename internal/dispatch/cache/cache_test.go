package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/shared/redis"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func TestCache_Backends(t *testing.T) {
	backends := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"redis": func(t *testing.T) Store {
			s, _ := newRedisStore(t)
			return s
		},
	}

	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			logger, _ := test.NewNullLogger()
			c := New(newStore(t), logger)

			_, ok := c.Get(ctx, "abc", "v1")
			assert.False(t, ok)

			entry := Entry{Value: "a dog on a beach", Origin: OriginRemote, Confidence: 0.95, Provider: "mock"}
			require.NoError(t, c.Put(ctx, "abc", "v1", entry))

			got, ok := c.Get(ctx, "abc", "v1")
			require.True(t, ok)
			assert.Equal(t, entry.Value, got.Value)
			assert.Equal(t, OriginRemote, got.Origin)
			assert.Equal(t, 0.95, got.Confidence)
			assert.False(t, got.StoredAt.IsZero())

			_, ok = c.Get(ctx, "abc", "v2")
			assert.False(t, ok, "a new model version is a different key")

			// last writer wins
			require.NoError(t, c.Put(ctx, "abc", "v1", Entry{Value: "second", Origin: OriginLocal}))
			got, _ = c.Get(ctx, "abc", "v1")
			assert.Equal(t, "second", got.Value)

			assert.Equal(t, int64(2), c.Hits())
			assert.Equal(t, int64(2), c.Misses())

			n, err := c.Purge(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
			_, ok = c.Get(ctx, "abc", "v1")
			assert.False(t, ok)
		})
	}
}

func TestCache_RedisFailureIsAMiss(t *testing.T) {
	store, mr := newRedisStore(t)
	logger, hook := test.NewNullLogger()
	c := New(store, logger)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "abc", "v1", Entry{Value: "x"}))
	mr.Close()

	_, ok := c.Get(ctx, "abc", "v1")
	assert.False(t, ok)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Cache lookup failed, treating as miss", hook.LastEntry().Message)
}

func TestCache_CorruptRedisValue(t *testing.T) {
	store, mr := newRedisStore(t)
	require.NoError(t, mr.Set(Key("abc", "v1"), "{not json"))

	_, err := store.Get(context.Background(), Key("abc", "v1"))
	assert.ErrorContains(t, err, "failed to deserialize")
}

func TestKey(t *testing.T) {
	assert.Equal(t, "caption:7:blip-v1:deadbeef", Key("deadbeef", "blip-v1"))
	assert.NotEqual(t, Key("h", "v1"), Key("h", "v2"))
	assert.NotEqual(t, Key("x:y", "v"), Key("y", "v:x"))
}

func TestCache_SeparatorInIdentityDoesNotCollide(t *testing.T) {
	c := New(NewMemoryStore(), nil)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "x:y", "v", Entry{Value: "first", Origin: OriginLocal}))

	_, ok := c.Get(ctx, "y", "v:x")
	assert.False(t, ok)

	got, ok := c.Get(ctx, "x:y", "v")
	require.True(t, ok)
	assert.Equal(t, "first", got.Value)
}

func TestNew_DefaultsToMemory(t *testing.T) {
	c := New(nil, nil)
	_, isMemory := c.store.(*MemoryStore)
	assert.True(t, isMemory)
}
