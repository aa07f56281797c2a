package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig tunes the distributed lock.
type RedisConfig struct {
	Prefix     string
	TTL        time.Duration
	Wait       time.Duration
	RetryDelay time.Duration
}

// RedisLocker implements Locker with SET NX PX so several API replicas
// serialise on the same session.
type RedisLocker struct {
	client *redis.Client
	cfg    RedisConfig
	logger zerolog.Logger
}

// NewRedisLocker constructs a Redis backed locker.
func NewRedisLocker(client *redis.Client, cfg RedisConfig, logger zerolog.Logger) *RedisLocker {
	if cfg.Prefix == "" {
		cfg.Prefix = "proctor:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 25 * time.Millisecond
	}

	return &RedisLocker{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "redis_locker").Logger(),
	}
}

// Acquire polls until the key is set by this caller or the wait budget runs out.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Unlock, error) {
	fullKey := l.cfg.Prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(l.cfg.Wait)

	for {
		ok, err := l.client.SetNX(ctx, fullKey, token, l.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.cfg.RetryDelay):
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{fullKey}, token).Err(); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("failed to release lock")
		}
	}, nil
}
