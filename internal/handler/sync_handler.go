package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"
)

// SyncRunner は同期ティックの手動トリガーのインターフェース。
type SyncRunner interface {
	// RunOnce は1ティック分の同期を実行する。重複呼び出しに対して安全であること。
	RunOnce(ctx context.Context) error
}

// SyncHandler は同期の手動トリガーのHTTPハンドラー。
// スケジューラを持つワーカープロセスの内部APIとして公開され、
// 外向きのPOST /sync/runはSyncForwarder経由でここへ届く。
type SyncHandler struct {
	runner SyncRunner
	logger *slog.Logger
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(runner SyncRunner, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{
		runner: runner,
		logger: logger,
	}
}

// TriggerSync は同期ティックをバックグラウンドで起動し、202を返す。
// POST /sync/run
// 実行中のティックと重なっても、ユーザー単位の実行権ガードにより
// 同一ユーザーのパイプラインが重複することはない。
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	go func() {
		// リクエストのライフサイクルから切り離して実行する
		if err := h.runner.RunOnce(context.Background()); err != nil {
			h.logger.Error("手動トリガーの同期ティックに失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "accepted",
	})
}
