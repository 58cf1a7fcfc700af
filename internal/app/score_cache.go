package app

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/transfa/packet-service/internal/eligibility"
)

const (
	// DefaultScoreCacheTTL is how long a cached score, or its absence, is reused.
	DefaultScoreCacheTTL = 5 * time.Minute
	noScoreMarker        = "none"
)

// RedisScoreCache caches directory scores in Redis. Lookup failures are not
// cached.
type RedisScoreCache struct {
	source eligibility.ScoreSource
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisScoreCache wraps source with a cache keyed under prefix.
func NewRedisScoreCache(source eligibility.ScoreSource, client redis.UniversalClient, prefix string, ttl time.Duration) *RedisScoreCache {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "packets"
	}
	if ttl <= 0 {
		ttl = DefaultScoreCacheTTL
	}
	return &RedisScoreCache{source: source, client: client, prefix: trimmedPrefix + ":score", ttl: ttl}
}

func (c *RedisScoreCache) ScoreOf(ctx context.Context, identityID string) (float64, bool, error) {
	key := c.prefix + ":" + identityID

	cached, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if cached == noScoreMarker {
			return 0, false, nil
		}
		if score, parseErr := strconv.ParseFloat(cached, 64); parseErr == nil {
			return score, true, nil
		}
	case !errors.Is(err, redis.Nil):
		log.Printf("level=warn component=score_cache msg=\"cache read failed; falling through to directory\" identity_id=%s err=%v", identityID, err)
	}

	score, ok, err := c.source.ScoreOf(ctx, identityID)
	if err != nil {
		return 0, false, err
	}

	value := noScoreMarker
	if ok {
		value = strconv.FormatFloat(score, 'g', -1, 64)
	}
	if setErr := c.client.Set(ctx, key, value, c.ttl).Err(); setErr != nil {
		log.Printf("level=warn component=score_cache msg=\"cache write failed\" identity_id=%s err=%v", identityID, setErr)
	}
	return score, ok, nil
}
