package leader

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisLockTTL = 2 * time.Minute

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// RedisClient is the part of redis.UniversalClient the locker uses.
type RedisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// RedisLocker uses SET NX PX with a random token. While a handle is held a
// watchdog pushes the expiry out every ttl/3, so the TTL only bounds how long
// a crashed holder blocks others.
type RedisLocker struct {
	client    RedisClient
	keyPrefix string
	ttl       time.Duration
}

func NewRedisLocker(client RedisClient, keyPrefix string, ttl time.Duration) (*RedisLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("leader: redis client is required")
	}
	if keyPrefix == "" {
		keyPrefix = "lock:"
	}
	if ttl <= 0 {
		ttl = defaultRedisLockTTL
	}
	return &RedisLocker{client: client, keyPrefix: keyPrefix, ttl: ttl}, nil
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (Handle, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, fmt.Errorf("leader: lock key is required")
	}
	lockKey := l.keyPrefix + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("leader: redis set nx: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	handle := &redisHandle{
		client: l.client,
		key:    lockKey,
		token:  token,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go handle.watch(l.ttl)
	return handle, true, nil
}

type redisHandle struct {
	client   redis.Scripter
	key      string
	token    string
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// watch extends the key until Release or until the token no longer matches.
// Failed extensions are retried on the next tick.
func (h *redisHandle) watch(ttl time.Duration) {
	defer close(h.done)
	interval := ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			extended, err := extendScript.Run(ctx, h.client, []string{h.key}, h.token, ttl.Milliseconds()).Int64()
			cancel()
			if err == nil && extended == 0 {
				return
			}
		}
	}
}

// Release stops the watchdog and deletes the key only while it still
// carries this handle's token.
func (h *redisHandle) Release(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
	deleted, err := releaseScript.Run(ctx, h.client, []string{h.key}, h.token).Int64()
	if err != nil {
		return fmt.Errorf("leader: redis release: %w", err)
	}
	if deleted == 0 {
		return ErrNotHeld
	}
	return nil
}
