package syncer

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/hitoshi/glucosync/internal/model"
)

// RetryConfig はティック内リトライの設定。
type RetryConfig struct {
	// MaxAttempts は初回を含む最大試行回数。
	MaxAttempts int
	// InitialBackoff は指数バックオフの初回遅延。
	InitialBackoff time.Duration
	// MaxBackoff は指数バックオフの上限。
	MaxBackoff time.Duration
}

// DefaultRetryConfig は既定のリトライ設定を返す。
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// CalculateBackoff はリトライ回数に基づく遅延をジッタ付きで計算する。
// 初回initial、2倍ずつ増加、上限max。ジッタは遅延の半分を基準に
// 一様乱数で加算し、リトライの同期を崩す。
func CalculateBackoff(attempt int, initial, max time.Duration) time.Duration {
	delay := initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}

	// full jitter: [delay/2, delay)
	half := delay / 2
	if delay-half <= 0 {
		return delay
	}
	return half + rand.N(delay-half)
}

// retryWithBackoff はopをリトライ対象エラーに限って再試行する。
// InvalidCredentialsやMalformedResponseのような非リトライ対象は即座に返す。
// 待機はティックデッドライン（ctx）に従い、デッドライン超過で中断される。
// 再帰ではなく有界ループであり、試行回数は必ずMaxAttemptsで打ち切られる。
func retryWithBackoff(ctx context.Context, cfg RetryConfig, op func() error) error {
	var err error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := CalculateBackoff(attempt-1, cfg.InitialBackoff, cfg.MaxBackoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err = op()
		if err == nil {
			return nil
		}
		if !model.IsRetryable(err) {
			return err
		}
	}
	return err
}
