// Package retry provides bounded exponential-backoff retries for transient
// processor failures.
package retry

import (
	"context"
	"time"

	"github.com/BaSui01/grantflow/types"
	goretry "github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// RetryPolicy 定义重试策略配置
type RetryPolicy struct {
	MaxRetries   int           // 最大重试次数（0 表示不重试）
	InitialDelay time.Duration // 初始延迟时间
	MaxDelay     time.Duration // 单次延迟上限
	Jitter       time.Duration // 随机抖动幅度，0 不抖动
	// Retryable 判断错误是否可重试，默认 types.IsTransient
	Retryable func(error) bool
	// OnRetry 每次重试前回调，attempt 从 1 开始
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryPolicy 返回默认的重试策略
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Jitter:       100 * time.Millisecond,
	}
}

// Func 被重试的函数；attempt 从 0 开始
type Func func(ctx context.Context, attempt int) error

// Retryer 重试器接口
type Retryer interface {
	// Do 执行 fn，可重试错误按策略退避重试；返回最后一次的错误
	Do(ctx context.Context, fn Func) error
}

// backoffRetryer 基于 go-retry 指数退避的实现
type backoffRetryer struct {
	policy RetryPolicy
	logger *zap.Logger
}

// NewBackoffRetryer 创建指数退避重试器
func NewBackoffRetryer(policy RetryPolicy, logger *zap.Logger) Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 500 * time.Millisecond
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	if policy.Retryable == nil {
		policy.Retryable = types.IsTransient
	}
	return &backoffRetryer{policy: policy, logger: logger}
}

func (r *backoffRetryer) backoff() goretry.Backoff {
	b := goretry.NewExponential(r.policy.InitialDelay)
	b = goretry.WithCappedDuration(r.policy.MaxDelay, b)
	if r.policy.Jitter > 0 {
		b = goretry.WithJitter(r.policy.Jitter, b)
	}
	return goretry.WithMaxRetries(uint64(r.policy.MaxRetries), b)
}

func (r *backoffRetryer) Do(ctx context.Context, fn Func) error {
	attempt := 0
	var lastErr error

	inner := r.backoff()
	b := goretry.BackoffFunc(func() (time.Duration, bool) {
		delay, stop := inner.Next()
		if stop {
			return 0, true
		}
		r.logger.Debug("retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", r.policy.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		if r.policy.OnRetry != nil {
			r.policy.OnRetry(attempt, lastErr, delay)
		}
		return delay, false
	})

	err := goretry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx, attempt)
		attempt++
		if err == nil {
			return nil
		}
		lastErr = err
		// 调用方自己的 context 结束后不再重试
		if ctx.Err() != nil || !r.policy.Retryable(err) {
			return err
		}
		return goretry.RetryableError(err)
	})

	if err != nil && attempt > 1 && r.policy.Retryable(err) {
		r.logger.Warn("retries exhausted",
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
	}
	return err
}
