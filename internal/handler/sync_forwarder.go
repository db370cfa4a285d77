package handler

import (
	"io"
	"log/slog"
	"net/http"
	"time"
)

// SyncForwarder は手動同期トリガーをワーカープロセスへ転送するHTTPハンドラー。
// スケジューラと実行権ガードはワーカープロセス内に1つだけ存在するため、
// APIプロセスは自前でティックを実行せず、ワーカーの内部APIへ委譲する。
type SyncForwarder struct {
	workerBaseURL string
	client        *http.Client
	logger        *slog.Logger
}

// NewSyncForwarder はSyncForwarderを生成する。
func NewSyncForwarder(workerBaseURL string, logger *slog.Logger) *SyncForwarder {
	return &SyncForwarder{
		workerBaseURL: workerBaseURL,
		client:        &http.Client{Timeout: 10 * time.Second},
		logger:        logger,
	}
}

// TriggerSync はワーカーの /sync/run へPOSTを転送し、ステータスとボディを中継する。
// POST /sync/run
// ワーカーに到達できない場合は502を返す。
func (f *SyncForwarder) TriggerSync(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, f.workerBaseURL+"/sync/run", nil)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Error("ワーカーへの同期トリガー転送に失敗しました",
			slog.String("worker_base_url", f.workerBaseURL),
			slog.String("error", err.Error()),
		)
		writeErrorResponse(w, http.StatusBadGateway, "WORKER_UNREACHABLE", "同期ワーカーに接続できません。")
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		f.logger.Error("ワーカー応答の中継に失敗しました", slog.String("error", err.Error()))
	}
}
