package review

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhentan/cosigner/internal/idgen"
	"github.com/zhentan/cosigner/internal/notify"
)

func TestRedisHandleStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping redis test")
	}
	ctx := context.Background()
	rdb, err := DialRedis(ctx, url)
	require.NoError(t, err)
	defer func() { _ = rdb.Close() }()

	store := NewRedisHandleStore(rdb, "test:"+idgen.New()+":", time.Minute)
	h := notify.Handle{Channel: "telegram", Ref: "42:77"}

	_, ok, err := store.Get(ctx, "tx_1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "tx_1", h))
	got, ok, err := store.Get(ctx, "tx_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, h, got)

	require.NoError(t, store.Delete(ctx, "tx_1"))
	_, ok, err = store.Get(ctx, "tx_1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryHandleStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryHandleStore()
	require.NoError(t, store.Put(ctx, "tx_1", notify.Handle{Channel: "log", Ref: "1"}))
	got, ok, err := store.Get(ctx, "tx_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", got.Ref)
	require.NoError(t, store.Delete(ctx, "tx_1"))
	_, ok, _ = store.Get(ctx, "tx_1")
	assert.False(t, ok)
}
