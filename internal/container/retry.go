package container

import (
	"context"
	"gzctf_core/internal/config"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
)

func backoffFrom(cfg config.RetryConfig) wait.Backoff {
	steps := cfg.Attempts
	if steps < 1 {
		steps = 1
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return wait.Backoff{
		Steps:    steps,
		Duration: interval,
		Factor:   2.0,
		Jitter:   0.1,
		Cap:      10 * time.Second,
	}
}

// withRetry 只重试瞬时错误，ctx 结束后立即放弃
func withRetry(ctx context.Context, backoff wait.Backoff, transient func(error) bool, fn func() error) error {
	return retry.OnError(backoff, func(err error) bool {
		return ctx.Err() == nil && transient(err)
	}, fn)
}
