package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const blockKeyPrefix = "relay:block:"

// SharedBlocklist mirrors address blocks into Redis so that a block issued
// by one relay instance is honored by every instance behind the same
// load balancer. Redis failures degrade to local-only blocking; they are
// logged and never fatal.
type SharedBlocklist struct {
	rdc *redis.Client
}

func NewSharedBlocklist(rdc *redis.Client) *SharedBlocklist {
	return &SharedBlocklist{rdc: rdc}
}

// Block records addr as blocked for the given duration. Expiry is handled
// by the key TTL, matching the local limiter's self-expiring blocks.
func (b *SharedBlocklist) Block(ctx context.Context, addr, reason string, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return b.rdc.SetEx(ctx, blockKeyPrefix+addr, reason, duration).Err()
}

// IsBlocked reports whether another instance has blocked addr. The second
// return value carries the recorded reason when blocked.
func (b *SharedBlocklist) IsBlocked(ctx context.Context, addr string) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	reason, err := b.rdc.Get(ctx, blockKeyPrefix+addr).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			zap.L().Warn("ratelimit.shared_lookup", zap.Error(err))
		}
		return false, ""
	}
	return true, reason
}
