// Package handler は同期サービスの運用APIのHTTPハンドラーを提供する。
// このAPIは運用者向けであり、測定データの一般公開用インターフェースではない。
package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/hitoshi/glucosync/internal/repository"
)

// StatusHandler はユーザーごとの同期状態を公開するHTTPハンドラー。
type StatusHandler struct {
	progress       repository.ProgressRepository
	readings       repository.ReadingRepository
	staleThreshold time.Duration
	now            func() time.Time
}

// NewStatusHandler はStatusHandlerを生成する。
// staleThresholdが0以下の場合はデフォルト値15分を使用する。
func NewStatusHandler(progress repository.ProgressRepository, readings repository.ReadingRepository, staleThreshold time.Duration) *StatusHandler {
	if staleThreshold <= 0 {
		staleThreshold = 15 * time.Minute
	}
	return &StatusHandler{
		progress:       progress,
		readings:       readings,
		staleThreshold: staleThreshold,
		now:            time.Now,
	}
}

// statusResponse はGET /users/{userID}/statusのレスポンス。
type statusResponse struct {
	UserID        string     `json:"user_id"`
	Source        string     `json:"source"`
	HighWaterMark *time.Time `json:"high_water_mark,omitempty"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Stale         bool       `json:"stale"`
	ReadingCount  int        `json:"reading_count"`
}

// GetStatus はユーザーの同期状態を返す。
// GET /users/{userID}/status?source=libre
// 進捗レコードが存在しない場合は404を返す。
// staleはlast_synced_atが閾値より古い（または未同期の）場合にtrueになる。
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	source := r.URL.Query().Get("source")
	if source == "" {
		source = "libre"
	}

	prog, err := h.progress.Find(r.Context(), userID, source)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if prog == nil {
		writeErrorResponse(w, http.StatusNotFound, "PROGRESS_NOT_FOUND", "同期進捗が見つかりません。")
		return
	}

	count, err := h.readings.CountByUser(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := statusResponse{
		UserID:       prog.UserID,
		Source:       prog.Source,
		LastError:    prog.LastError,
		Stale:        true,
		ReadingCount: count,
	}
	if !prog.HighWaterMark.IsZero() {
		resp.HighWaterMark = &prog.HighWaterMark
	}
	if prog.LastSyncedAt != nil {
		resp.LastSyncedAt = prog.LastSyncedAt
		resp.Stale = h.now().Sub(*prog.LastSyncedAt) > h.staleThreshold
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// readingResponse はGET /users/{userID}/readingsのレスポンス要素。
type readingResponse struct {
	ID         string    `json:"id"`
	RecordedAt time.Time `json:"recorded_at"`
	ValueMgdl  float64   `json:"value_mgdl"`
	Trend      string    `json:"trend"`
	Source     string    `json:"source"`
}

// ListReadings はユーザーの測定をRecordedAt降順で返す。
// GET /users/{userID}/readings?limit=100
func (h *StatusHandler) ListReadings(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			writeErrorResponse(w, http.StatusBadRequest, "INVALID_LIMIT", "limitは1から1000の整数で指定してください。")
			return
		}
		limit = parsed
	}

	readings, err := h.readings.ListRecent(r.Context(), userID, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]readingResponse, 0, len(readings))
	for _, reading := range readings {
		resp = append(resp, readingResponse{
			ID:         reading.ID,
			RecordedAt: reading.RecordedAt,
			ValueMgdl:  reading.ValueMgdl,
			Trend:      string(reading.Trend),
			Source:     reading.Source,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"user_id":  userID,
		"readings": resp,
	})
}
