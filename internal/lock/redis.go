// redis.go implements the Redis-backed locker for multi-instance deployments.
// A lock is a SETNX key with a TTL safety net (a crashed holder's lock decays
// instead of wedging the upload forever); unlock deletes the key only if the
// stored token still belongs to this holder, so an expired-and-reacquired
// lock is never released by its previous owner.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/upload-registry/upload-registry/internal/config"
	"github.com/upload-registry/upload-registry/internal/tus"
)

const lockKeyPrefix = "upload-registry:lock:"

// unlockScript deletes the lock key only when its value is the caller's
// token. Runs atomically server-side.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a tus.Locker backed by a shared Redis instance.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker connects to Redis per the configuration and verifies the
// connection with a ping.
func NewRedisLocker(cfg *config.RedisConfig) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl}, nil
}

// Close releases the underlying Redis connection pool.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

func (l *RedisLocker) NewLock(id string) (tus.Lock, error) {
	return &redisLock{
		locker: l,
		key:    lockKeyPrefix + id,
		token:  uuid.NewString(),
	}, nil
}

type redisLock struct {
	locker *RedisLocker
	key    string
	token  string
}

func (r *redisLock) Lock() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := r.locker.client.SetNX(ctx, r.key, r.token, r.locker.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquiring redis lock %s: %w", r.key, err)
	}
	if !ok {
		return tus.ErrUploadLocked
	}
	return nil
}

func (r *redisLock) Unlock() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := unlockScript.Run(ctx, r.locker.client, []string{r.key}, r.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("releasing redis lock %s: %w", r.key, err)
	}
	return nil
}
