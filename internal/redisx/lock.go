package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SweepLock is a best-effort leader lock around scheduled sweeps so that
// multiple instances do not run the same pass at once. Every sweep step is
// individually idempotent, so losing the lock mid-pass is safe.
type SweepLock struct {
	Redis *redis.Client
	Kind  string
	TTL   time.Duration
}

func (l *SweepLock) key() string { return fmt.Sprintf(KeySweepLock, l.Kind) }

// TryAcquire returns true when this instance holds the lock for the pass.
// A nil client disables locking (single-instance and test setups).
func (l *SweepLock) TryAcquire(ctx context.Context) (bool, error) {
	if l == nil || l.Redis == nil {
		return true, nil
	}
	ttl := l.TTL
	if ttl <= 0 {
		ttl = TTLSweepLock
	}
	return l.Redis.SetNX(ctx, l.key(), "1", ttl).Result()
}

func (l *SweepLock) Release(ctx context.Context) {
	if l == nil || l.Redis == nil {
		return
	}
	_ = l.Redis.Del(ctx, l.key()).Err()
}
