package locker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/power-ledger/logging"
)

// ErrNotObtained is returned when the lock stays taken until ctx or the
// retry budget runs out.
var ErrNotObtained = errors.New("locker: lock not obtained")

// Redis is a distributed keyed lock. The lock expires after TTL even if the
// holder dies, so TTL must exceed the longest write it protects.
type Redis struct {
	client *redislock.Client
	ttl    time.Duration
	retry  time.Duration
	prefix string
	log    *logging.Logger
}

// NewRedis wraps an existing go-redis client.
func NewRedis(rdb redis.UniversalClient, ttl time.Duration, log *logging.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Redis{
		client: redislock.New(rdb),
		ttl:    ttl,
		retry:  100 * time.Millisecond,
		prefix: "power-ledger:lock:",
		log:    log.WithComponent("locker"),
	}
}

// Dial connects to addr and checks the connection before returning.
func Dial(ctx context.Context, addr string, ttl time.Duration, log *logging.Logger) (*Redis, *redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedis(rdb, ttl, log), rdb, nil
}

// Lock obtains key, retrying linearly until ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	lock, err := r.client.Obtain(ctx, r.prefix+key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.retry),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	return func() {
		// Release with a fresh context: the caller's may already be canceled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.log.WithFields(logrus.Fields{"key": key}).Warn("failed to release redis lock: " + err.Error())
		}
	}, nil
}
