package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	recentKey      = "attendance:recent"
	userLockPrefix = "attendance:lock:user:"
)

// ErrLockBusy is returned when another writer holds the name lock.
var ErrLockBusy = errors.New("name lock busy")

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCache caches the recent-records list and serializes find-or-create
// per user name across kiosks.
type RedisCache struct {
	client  *redis.Client
	ttl     time.Duration
	lockTTL time.Duration
}

// NewRedisCache creates a cache with the given list TTL.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisCache{client: client, ttl: ttl, lockTTL: 5 * time.Second}
}

// GetRecent returns the cached list and whether it was present.
func (c *RedisCache) GetRecent(ctx context.Context) ([]Record, bool) {
	raw, err := c.client.Get(ctx, recentKey).Bytes()
	if err != nil {
		return nil, false
	}
	var recs []Record
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, false
	}
	return recs, true
}

// SetRecent stores the list.
func (c *RedisCache) SetRecent(ctx context.Context, recs []Record) error {
	raw, err := json.Marshal(recs)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, recentKey, raw, c.ttl).Err()
}

// InvalidateRecent drops the cached list.
func (c *RedisCache) InvalidateRecent(ctx context.Context) error {
	return c.client.Del(ctx, recentKey).Err()
}

// LockName takes the per-name lock. The returned func releases it only if
// this caller still owns it.
func (c *RedisCache) LockName(ctx context.Context, name string) (func(), error) {
	key := userLockPrefix + name
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, key, token, c.lockTTL).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockBusy
	}
	return func() {
		// release with a fresh context so a cancelled request still unlocks
		relCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = unlockScript.Run(relCtx, c.client, []string{key}, token).Err()
	}, nil
}
