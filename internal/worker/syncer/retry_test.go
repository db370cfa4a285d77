package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/glucosync/internal/model"
)

func TestCalculateBackoff_GrowsExponentiallyWithinBounds(t *testing.T) {
	initial := time.Second
	max := 30 * time.Second

	prev := time.Duration(0)
	for attempt := 0; attempt < 5; attempt++ {
		delay := CalculateBackoff(attempt, initial, max)

		// ジッタ込みでも [base/2, base] の範囲に収まること
		base := initial << attempt
		if base > max {
			base = max
		}
		if delay < base/2 || delay > base {
			t.Errorf("attempt %d: バックオフがジッタ範囲外です: got %v, base %v", attempt, delay, base)
		}
		if delay <= prev/2 {
			t.Errorf("attempt %d: バックオフが増加していません: got %v, prev %v", attempt, delay, prev)
		}
		prev = delay
	}
}

func TestCalculateBackoff_CapsAtMax(t *testing.T) {
	max := 5 * time.Second
	delay := CalculateBackoff(10, time.Second, max)
	if delay > max {
		t.Errorf("バックオフが上限を超えています: got %v, max %v", delay, max)
	}
}

func TestRetryWithBackoff_RetriesTransientErrors(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	transient := model.NewFetchError(model.FetchErrNetworkTimeout, "libre", errors.New("timeout"))

	calls := 0
	err := retryWithBackoff(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return transient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("リトライ後に成功するはずが失敗しました: %v", err)
	}
	if calls != 3 {
		t.Errorf("試行回数が期待値と異なります: got %d, want 3", calls)
	}
}

func TestRetryWithBackoff_ExhaustsAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	transient := model.NewFetchError(model.FetchErrRateLimited, "libre", errors.New("429"))

	calls := 0
	err := retryWithBackoff(context.Background(), cfg, func() error {
		calls++
		return transient
	})
	if err == nil {
		t.Fatal("試行上限に達した後はエラーを返すべきです")
	}
	if calls != 3 {
		t.Errorf("試行回数が期待値と異なります: got %d, want 3", calls)
	}
	if !model.IsFetchErrorKind(err, model.FetchErrRateLimited) {
		t.Errorf("元のエラー分類が失われています: %v", err)
	}
}

func TestRetryWithBackoff_DoesNotRetryNonRetryable(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	permanent := model.NewAuthError(model.AuthErrInvalidCredentials, "libre", errors.New("bad password"))

	calls := 0
	err := retryWithBackoff(context.Background(), cfg, func() error {
		calls++
		return permanent
	})
	if err == nil {
		t.Fatal("恒久エラーはそのまま返すべきです")
	}
	if calls != 1 {
		t.Errorf("恒久エラーがリトライされました: calls=%d, want 1", calls)
	}
}

func TestRetryWithBackoff_StopsOnContextCancel(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 10, InitialBackoff: 50 * time.Millisecond, MaxBackoff: time.Second}
	transient := model.NewFetchError(model.FetchErrNetworkTimeout, "libre", errors.New("timeout"))

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := retryWithBackoff(ctx, cfg, func() error {
		calls++
		return transient
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("キャンセル時はcontext.Canceledを返すべきです: %v", err)
	}
	if calls >= 10 {
		t.Errorf("キャンセル後もリトライが継続しました: calls=%d", calls)
	}
}
