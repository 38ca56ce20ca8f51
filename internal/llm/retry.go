// internal/llm/retry.go
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Corphon/StoryGenerator/internal/utils"
	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy 是生成客户端的显式重试配置
type RetryPolicy struct {
	MaxAttempts     uint          // 包含首次调用在内的最大尝试次数
	InitialInterval time.Duration // 第一次重试前的等待
	MaxInterval     time.Duration // 单次等待上限（抖动前）
	Multiplier      float64       // 指数因子
	Jitter          float64       // 随机化因子，0 表示不抖动
	MaxElapsed      time.Duration // 总耗时上限，0 表示不限
}

// DefaultRetryPolicy 返回默认重试策略
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          0.5,
		MaxElapsed:      2 * time.Minute,
	}
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	return b
}

// RetryObserver 在每次等待重试前被调用，attempt 为刚失败的尝试序号
type RetryObserver func(attempt uint, err error, wait time.Duration)

type retryObserverKey struct{}

// WithRetryObserver 把重试观察者挂到上下文上
func WithRetryObserver(ctx context.Context, observer RetryObserver) context.Context {
	return context.WithValue(ctx, retryObserverKey{}, observer)
}

func retryObserverFrom(ctx context.Context) RetryObserver {
	observer, _ := ctx.Value(retryObserverKey{}).(RetryObserver)
	return observer
}

// RetryingGenerator 在底层生成器外包一层指数退避重试
type RetryingGenerator struct {
	next   TextGenerator
	policy RetryPolicy
	logger *utils.Logger
}

// NewRetryingGenerator 创建重试生成器
func NewRetryingGenerator(next TextGenerator, policy RetryPolicy) *RetryingGenerator {
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 1
	}
	return &RetryingGenerator{
		next:   next,
		policy: policy,
		logger: utils.GetLogger(),
	}
}

// Policy 返回当前使用的重试策略
func (g *RetryingGenerator) Policy() RetryPolicy {
	return g.policy
}

// Generate 调用底层生成器，仅对可重试错误重试
func (g *RetryingGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	var attempt uint
	observer := retryObserverFrom(ctx)

	operation := func() (string, error) {
		attempt++
		text, err := g.next.Generate(ctx, prompt)
		if err == nil {
			return text, nil
		}
		if !IsTransient(err) {
			return "", backoff.Permanent(err)
		}

		var genErr *GenerationError
		if errors.As(err, &genErr) && genErr.RetryAfter > 0 {
			return "", errors.Join(err, &backoff.RetryAfterError{Duration: genErr.RetryAfter})
		}
		return "", err
	}

	notify := func(err error, wait time.Duration) {
		g.logger.Warn("生成失败，准备重试", map[string]interface{}{
			"attempt": attempt,
			"wait":    wait.String(),
			"error":   err,
		})
		if observer != nil {
			observer(attempt, err, wait)
		}
	}

	text, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(g.policy.newBackOff()),
		backoff.WithMaxTries(g.policy.MaxAttempts),
		backoff.WithMaxElapsedTime(g.policy.MaxElapsed),
		backoff.WithNotify(notify),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		if IsTransient(err) {
			return "", fmt.Errorf("尝试 %d 次后仍失败: %w", attempt, err)
		}
		return "", err
	}
	return text, nil
}
