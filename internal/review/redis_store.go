package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zhentan/cosigner/internal/notify"
)

// DefaultHandleTTL bounds how long a review message stays editable.
const DefaultHandleTTL = 30 * 24 * time.Hour

// RedisHandleStore shares review handles across replicas, so a callback
// landing on another instance can still edit the original message.
type RedisHandleStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisHandleStore stores handles under "<prefix>review:handle:<txID>".
func NewRedisHandleStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisHandleStore {
	if ttl <= 0 {
		ttl = DefaultHandleTTL
	}
	return &RedisHandleStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

// DialRedis parses a redis:// URL and pings the server.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("review: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("review: ping redis: %w", err)
	}
	return rdb, nil
}

func (r *RedisHandleStore) key(txID string) string {
	return r.prefix + "review:handle:" + txID
}

func (r *RedisHandleStore) Put(ctx context.Context, txID string, h notify.Handle) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.key(txID), raw, r.ttl).Err()
}

func (r *RedisHandleStore) Get(ctx context.Context, txID string) (notify.Handle, bool, error) {
	raw, err := r.rdb.Get(ctx, r.key(txID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return notify.Handle{}, false, nil
	}
	if err != nil {
		return notify.Handle{}, false, err
	}
	var h notify.Handle
	if err := json.Unmarshal(raw, &h); err != nil {
		return notify.Handle{}, false, fmt.Errorf("review: decode handle: %w", err)
	}
	return h, true, nil
}

func (r *RedisHandleStore) Delete(ctx context.Context, txID string) error {
	return r.rdb.Del(ctx, r.key(txID)).Err()
}

var (
	_ HandleStore = (*MemoryHandleStore)(nil)
	_ HandleStore = (*RedisHandleStore)(nil)
)
