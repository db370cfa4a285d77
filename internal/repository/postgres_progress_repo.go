package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/glucosync/internal/model"
)

// PostgresProgressRepo はPostgreSQLを使用した同期進捗リポジトリ。
type PostgresProgressRepo struct {
	db *sql.DB
}

// NewPostgresProgressRepo はPostgresProgressRepoを生成する。
func NewPostgresProgressRepo(db *sql.DB) *PostgresProgressRepo {
	return &PostgresProgressRepo{db: db}
}

// Find は(userID, source)の進捗を取得する。見つからない場合はnilを返す。
func (r *PostgresProgressRepo) Find(ctx context.Context, userID, source string) (*model.SyncProgress, error) {
	progress := &model.SyncProgress{}
	var highWaterMark, lastSyncedAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, source, high_water_mark, last_synced_at, last_error, updated_at
		 FROM sync_progress
		 WHERE user_id = $1 AND source = $2`,
		userID, source,
	).Scan(
		&progress.UserID, &progress.Source, &highWaterMark,
		&lastSyncedAt, &progress.LastError, &progress.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("同期進捗の取得に失敗しました: %w", err)
	}

	if highWaterMark.Valid {
		progress.HighWaterMark = highWaterMark.Time
	}
	if lastSyncedAt.Valid {
		progress.LastSyncedAt = &lastSyncedAt.Time
	}

	return progress, nil
}

// Advance はhighWaterMarkを前進させ、last_synced_atを更新し、last_errorをクリアする。
// GREATESTはNULLを無視するため、後退しないことをSQL側で保証できる。
// highWaterMarkがゼロ値（未コミット）の場合はNULLIFによりマークに触れない。
func (r *PostgresProgressRepo) Advance(ctx context.Context, userID, source string, highWaterMark, syncedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_progress (user_id, source, high_water_mark, last_synced_at, last_error, updated_at)
		 VALUES ($1, $2, NULLIF($3, '0001-01-01 00:00:00+00'::timestamptz), $4, '', now())
		 ON CONFLICT (user_id, source) DO UPDATE SET
		     high_water_mark = GREATEST(sync_progress.high_water_mark, EXCLUDED.high_water_mark),
		     last_synced_at  = EXCLUDED.last_synced_at,
		     last_error      = '',
		     updated_at      = now()`,
		userID, source, highWaterMark, syncedAt,
	)
	if err != nil {
		return fmt.Errorf("同期進捗の前進に失敗しました: %w", err)
	}
	return nil
}

// RecordFailure はユーザー単位の失敗を記録する。high_water_markには触れない。
func (r *PostgresProgressRepo) RecordFailure(ctx context.Context, userID, source, errMsg string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_progress (user_id, source, high_water_mark, last_synced_at, last_error, updated_at)
		 VALUES ($1, $2, NULL, NULL, $3, now())
		 ON CONFLICT (user_id, source) DO UPDATE SET
		     last_error = EXCLUDED.last_error,
		     updated_at = now()`,
		userID, source, errMsg,
	)
	if err != nil {
		return fmt.Errorf("同期失敗の記録に失敗しました: %w", err)
	}
	return nil
}
