package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes container writes across service instances with
// SET NX PX leases. The TTL bounds how long a crashed holder blocks others.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	prefix string
	log    *log.Logger
}

func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *log.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisLocker{client: client, ttl: ttl, retry: 5 * time.Millisecond, prefix: "lock:container:", log: logger}
}

func (r *RedisLocker) Lock(ctx context.Context, ids []domain.ContainerID) (func(), error) {
	token := uuid.NewString()
	keys := lockKeys(ids)
	held := make([]string, 0, len(keys))
	for _, id := range keys {
		key := r.prefix + string(id)
		if err := r.acquire(ctx, key, token); err != nil {
			r.release(held, token)
			return nil, fmt.Errorf("%w: container %s: %v", domain.ErrBusy, id, err)
		}
		held = append(held, key)
	}
	var once sync.Once
	return func() { once.Do(func() { r.release(held, token) }) }, nil
}

func (r *RedisLocker) acquire(ctx context.Context, key, token string) error {
	wait := r.retry
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if wait < 100*time.Millisecond {
			wait *= 2
		}
	}
}

// release runs detached from the request context so a cancelled request
// still frees its keys.
func (r *RedisLocker) release(keys []string, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := len(keys) - 1; i >= 0; i-- {
		if err := releaseScript.Run(ctx, r.client, []string{keys[i]}, token).Err(); err != nil {
			r.log.WithError(err).WithField("key", keys[i]).Warn("release container lock")
		}
	}
}
