package ratelimit

import (
	"context"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/voltgrid/voltra/internal/config"
)

const autoRechargeScanLock = "autorecharge:scan"

// ScanLocker serializes the auto-recharge scan across instances. Without
// redis configured it degrades to a no-op and every instance scans.
type ScanLocker struct {
	locker *Locker
}

func NewScanLocker(cfg config.Config) *ScanLocker {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
	return &ScanLocker{locker: NewLocker(client)}
}

func (s *ScanLocker) Enabled() bool {
	return s != nil && s.locker != nil
}

func (s *ScanLocker) TryAcquire(ctx context.Context, ttl time.Duration) (string, bool, error) {
	if !s.Enabled() {
		return "", true, nil
	}
	return s.locker.TryLock(ctx, autoRechargeScanLock, ttl)
}

func (s *ScanLocker) Release(ctx context.Context, token string) error {
	if !s.Enabled() || token == "" {
		return nil
	}
	return s.locker.Release(ctx, autoRechargeScanLock, token)
}
