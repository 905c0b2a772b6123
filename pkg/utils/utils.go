package utils

import (
	"context"
	"fmt"
	"time"
)

// RetryContext 尝试执行 fn，如果失败则重试，最多 retries 次
// delay 是两次重试之间的间隔，backoff=true 表示指数退避，等待可被 ctx 取消
// permanent 返回 true 的错误不再重试，原样返回
func RetryContext(ctx context.Context, retries int, delay time.Duration, backoff bool,
	permanent func(error) bool, fn func(ctx context.Context) error) error {
	if retries < 1 {
		retries = 1
	}
	var err error
	for i := 0; i < retries; i++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if permanent != nil && permanent(err) {
			return err
		}

		if i < retries-1 { // 最后一次就不用 sleep 了
			sleep := delay
			if backoff {
				sleep = delay * time.Duration(1<<i) // 1x,2x,4x,8x...
			}
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry canceled after %d attempts: %w", i+1, ctx.Err())
			case <-timer.C:
			}
		}
	}
	return fmt.Errorf("after %d attempts, last error: %w", retries, err)
}
