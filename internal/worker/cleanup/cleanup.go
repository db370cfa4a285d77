// Package cleanup は古い測定データの保持期間管理ジョブを提供する。
// 同期パイプライン自体は測定を削除しないが、運用上のデータ保持方針として
// 保持期間（デフォルト365日）を超過した測定を日次バッチで削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// RetentionJob は保持期間を超過した測定の自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type RetentionJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int // 測定の保持日数（デフォルト: 365）
}

// NewRetentionJob は新しいRetentionJobを生成する。
// デフォルトの保持日数は365日。
func NewRetentionJob(db Executor, logger *slog.Logger) *RetentionJob {
	return &RetentionJob{
		db:            db,
		logger:        logger,
		RetentionDays: 365,
	}
}

// Run は保持期間を超過した測定を削除する。
// recorded_atがRetentionDays日前より古い測定をDELETEする。
// 削除基準はrecorded_atであり、取得時刻（fetched_at）ではない。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *RetentionJob) Run(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)

	query := `DELETE FROM glucose_readings WHERE recorded_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("測定クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("測定クリーンアップの実行に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("測定クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
