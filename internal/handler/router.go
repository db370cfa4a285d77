package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/hitoshi/glucosync/internal/middleware"
	"github.com/hitoshi/glucosync/internal/repository"
)

// HealthChecker はDB疎通確認のインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// SourceLister は登録済みソース名の列挙のインターフェース。source.Registryが満たす。
type SourceLister interface {
	Names() []string
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	HealthChecker HealthChecker
	SourceLister  SourceLister

	// SyncTrigger はPOST /sync/runのハンドラー。ワーカープロセスでは
	// SyncHandler.TriggerSync、APIプロセスではSyncForwarder.TriggerSyncを渡す。
	SyncTrigger http.HandlerFunc

	Progress repository.ProgressRepository
	Readings repository.ReadingRepository

	// Users/Secrets はユーザー登録エンドポイント用。nilの場合POST /usersは公開されない。
	Users   repository.SyncUserRepository
	Secrets CredentialSaver

	// StaleThreshold はstatusのstale判定閾値。0の場合はデフォルト15分。
	StaleThreshold time.Duration

	// MetricsHandler は/metricsで公開するハンドラー。
	MetricsHandler http.Handler

	Logger *slog.Logger
}

// NewRouter は運用APIのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RecoveryMiddleware → LoggingMiddleware
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	statusHandler := NewStatusHandler(deps.Progress, deps.Readings, deps.StaleThreshold)

	// ヘルスチェック（DB疎通込み）
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 3*time.Second)
		defer cancel()

		if err := deps.HealthChecker.PingContext(ctx); err != nil {
			writeErrorResponse(w, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "データベースに接続できません。")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	// Prometheusメトリクス
	r.Handle("/metrics", deps.MetricsHandler)

	// 登録済みCGMソースの一覧
	r.Get("/sources", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"sources": deps.SourceLister.Names(),
		})
	})

	// 同期トリガーと状態参照
	r.Post("/sync/run", deps.SyncTrigger)
	if deps.Users != nil && deps.Secrets != nil {
		userHandler := NewUserHandler(deps.Users, deps.Secrets, deps.Logger)
		r.Post("/users", userHandler.ProvisionUser)
	}
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/status", statusHandler.GetStatus)
		r.Get("/readings", statusHandler.ListReadings)
	})

	return r
}

// errorResponse は統一エラーフォーマット。
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(errorResponse{
		Code:    code,
		Message: message,
	})
}

// handleServiceError はリポジトリ層から返されたエラーを500に変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeErrorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR", "内部エラーが発生しました。")
}
