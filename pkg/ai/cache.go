package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CachedEmbedder memoises vectors in Redis keyed by a hash of the input.
// Cache failures degrade to calling the wrapped embedder.
type CachedEmbedder struct {
	next   Embedder
	redis  *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedEmbedder wraps next with a Redis cache. A nil client disables caching.
func NewCachedEmbedder(next Embedder, client *redis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) *CachedEmbedder {
	if prefix == "" {
		prefix = "proctor:embedding:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedEmbedder{
		next:   next,
		redis:  client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With().Str("component", "embedding_cache").Logger(),
	}
}

// Embed returns the cached vector or fetches and stores a fresh one.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if c.redis == nil {
		return c.next.Embed(ctx, text)
	}

	key := c.key(text)
	if cached, err := c.redis.Get(ctx, key).Bytes(); err == nil {
		var vector []float64
		if err := json.Unmarshal(cached, &vector); err == nil && len(vector) > 0 {
			return vector, nil
		}
		c.logger.Warn().Str("key", key).Msg("discarding malformed cached embedding")
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn().Err(err).Msg("embedding cache read failed")
	}

	vector, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(vector); err == nil {
		if err := c.redis.Set(ctx, key, payload, c.ttl).Err(); err != nil {
			c.logger.Warn().Err(err).Msg("embedding cache write failed")
		}
	}

	return vector, nil
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.prefix + hex.EncodeToString(sum[:])
}
