package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/voltgrid/voltra/internal/config"
)

const keyRechargeUser = "recharge:submit:user:%s"

// RechargeLimiter throttles manual recharge submissions per user, keeping
// brute-force token guessing off the pool tables. A nil limiter allows
// everything.
type RechargeLimiter struct {
	enabled bool

	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewRechargeLimiter(cfg config.Config) (*RechargeLimiter, error) {
	if !cfg.RechargeRateLimitEnabled {
		return nil, nil
	}

	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("recharge rate limit requires a redis addr")
	}
	if cfg.RechargeRate <= 0 || cfg.RechargeBurst <= 0 {
		return nil, errors.New("recharge rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})

	return &RechargeLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    cfg.RechargeRate,
		burst:   cfg.RechargeBurst,
	}, nil
}

func (l *RechargeLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *RechargeLimiter) Allow(ctx context.Context, userID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyRechargeUser, strings.TrimSpace(userID)), l.rate, l.burst)
}
