package gateway

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter 控制请求速率，避免触发聚合器 / RPC 限流。
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// NewTokenBucketLimiter 令牌桶限流；rate<=0 或 burst<=0 时取 1。
func NewTokenBucketLimiter(r float64, burst int) *rate.Limiter {
	if r <= 0 {
		r = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(r), burst)
}

func waitLimiter(ctx context.Context, l RateLimiter) error {
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}
