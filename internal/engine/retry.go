package engine

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newRetryPolicy 构建失败重试策略：从 initial 开始指数退避，最多 maxRetries 次。
// 策略不是并发安全的，调用方需持有引擎锁。
func newRetryPolicy(initial time.Duration, maxRetries int) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxInterval = 30 * time.Second
	exp.MaxElapsedTime = 0
	if maxRetries < 0 {
		maxRetries = 0
	}
	policy := backoff.WithMaxRetries(exp, uint64(maxRetries))
	policy.Reset()
	return policy
}
