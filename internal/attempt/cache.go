package attempt

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/config"
	"github.com/stemsi/proctord/internal/proctor"
)

// Cached remembers resolved attempt ids in Redis so a reconnecting client
// does not hit the attempt service for the lookup again.
type Cached struct {
	next proctor.AttemptService
	rdb  *redis.Client
	ttl  time.Duration
	log  zerolog.Logger
}

// NewCached wraps next. Cache failures are logged and bypassed.
func NewCached(next proctor.AttemptService, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *Cached {
	return &Cached{next: next, rdb: rdb, ttl: ttl, log: log}
}

func (c *Cached) CreateAttempt(ctx context.Context, mockName, userID, testScheduledID string) (string, error) {
	id, err := c.next.CreateAttempt(ctx, mockName, userID, testScheduledID)
	if err != nil {
		return "", err
	}
	c.store(ctx, userID, testScheduledID, id)
	return id, nil
}

func (c *Cached) SubmitAttempt(ctx context.Context, attemptID, userID string) error {
	return c.next.SubmitAttempt(ctx, attemptID, userID)
}

func (c *Cached) GetAttemptID(ctx context.Context, userID, testScheduledID string) (string, error) {
	key := config.CacheKey.AttemptIDKey(testScheduledID, userID)
	id, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil && id != "":
		return id, nil
	case err != nil && !errors.Is(err, redis.Nil):
		c.log.Warn().Err(err).Str("key", key).Msg("attempt id cache read failed")
	}

	id, err = c.next.GetAttemptID(ctx, userID, testScheduledID)
	if err != nil {
		return "", err
	}
	c.store(ctx, userID, testScheduledID, id)
	return id, nil
}

func (c *Cached) Ping(ctx context.Context) error {
	return c.next.Ping(ctx)
}

func (c *Cached) store(ctx context.Context, userID, testScheduledID, id string) {
	key := config.CacheKey.AttemptIDKey(testScheduledID, userID)
	if err := c.rdb.Set(ctx, key, id, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("attempt id cache write failed")
	}
}

var _ proctor.AttemptService = (*Cached)(nil)
