package exho

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"log/slog"
	"time"
)

const (
	cooldownKeyPrefix     = "exho:cooldown"
	cooldownRedisMaxRetry = 3
)

// Cooldown accepts at most one message per user per window
type Cooldown struct {
	limiter *limiter.Limiter
	window  time.Duration
	logger  *slog.Logger
}

// NewCooldown returns a Cooldown backed by redis if rc is set, or
// in-memory otherwise. A window <= 0 disables the cooldown.
func NewCooldown(window time.Duration, rc *redis.Client, logger *slog.Logger) (*Cooldown, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cooldown{window: window, logger: logger}
	if window <= 0 {
		return c, nil
	}

	var store limiter.Store
	if rc != nil {
		s, err := sredis.NewStoreWithOptions(
			rc,
			limiter.StoreOptions{
				Prefix:   cooldownKeyPrefix,
				MaxRetry: cooldownRedisMaxRetry,
			},
		)
		if err != nil {
			return nil, fmt.Errorf("error creating cooldown store: %w", err)
		}
		store = s
	} else {
		store = memory.NewStoreWithOptions(
			limiter.StoreOptions{
				Prefix:          cooldownKeyPrefix,
				CleanUpInterval: max(window*10, time.Minute),
			},
		)
	}

	c.limiter = limiter.New(store, limiter.Rate{Period: window, Limit: 1})
	return c, nil
}

// Allow records a message from userID, and reports whether it's
// outside the user's cooldown. Limiter errors never block a message.
func (c *Cooldown) Allow(ctx context.Context, userID string) bool {
	if c == nil || c.limiter == nil {
		return true
	}
	lctx, err := c.limiter.Get(ctx, userID)
	if err != nil {
		contextLoggerOr(ctx, c.logger).WarnContext(
			ctx,
			"cooldown check failed, allowing message",
			"user_id", userID,
			tint.Err(err),
		)
		return true
	}
	return !lctx.Reached
}
