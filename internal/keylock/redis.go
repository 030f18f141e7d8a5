package keylock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	// DefaultLockTTL bounds how long a crashed holder can block a key.
	DefaultLockTTL = 30 * time.Second
	// DefaultRetryInterval is the pause between acquisition attempts.
	DefaultRetryInterval = 25 * time.Millisecond
	// LockKeyPrefix namespaces lock keys.
	LockKeyPrefix = "paybridge:lock:"
)

// releaseScript deletes the key only if it still holds our token, so a
// holder whose lease expired cannot release someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the key's expiry only while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisOptions configures a Redis locker.
type RedisOptions struct {
	TTL           time.Duration
	RetryInterval time.Duration
	Logger        *slog.Logger
}

// Redis is a Locker shared by every process that talks to the same Redis.
// A held lease is extended in the background until the unlock func runs.
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

// NewRedis builds a Redis locker on rdb.
func NewRedis(rdb *redis.Client, opts RedisOptions) *Redis {
	if opts.TTL <= 0 {
		opts.TTL = DefaultLockTTL
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Redis{
		rdb:    rdb,
		ttl:    opts.TTL,
		retry:  opts.RetryInterval,
		logger: opts.Logger.With("component", "keylock"),
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := LockKeyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		acquired, err := r.rdb.SetNX(ctx, lockKey, token, r.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if acquired {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.renew(lockKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			r.release(key, lockKey, token)
		})
	}, nil
}

// renew keeps the lease alive every ttl/3 until stop is closed or the token
// is no longer ours.
func (r *Redis) renew(lockKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := r.ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := renewScript.Run(ctx, r.rdb, []string{lockKey}, token, r.ttl.Milliseconds()).Int()
		cancel()
		if err != nil && !errors.Is(err, redis.Nil) {
			r.logger.Warn("failed to extend lock", "key", lockKey, "error", err)
			continue
		}
		if n == 0 {
			r.logger.Error("lock lost while held", "key", lockKey, "ttl", r.ttl)
			return
		}
	}
}

func (r *Redis) release(key, lockKey, token string) {
	// Release with a fresh context so a cancelled caller still frees the key.
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := releaseScript.Run(releaseCtx, r.rdb, []string{lockKey}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.logger.Error("failed to release lock", "key", key, "error", err)
		return
	}
	if n == 0 {
		r.logger.Warn("lock expired before release", "key", key, "ttl", r.ttl)
	}
}
