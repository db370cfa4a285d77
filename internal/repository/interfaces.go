// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/glucosync/internal/model"
)

// ReadingRepository は血糖値測定の永続化インターフェース（Persistence Gateway）。
type ReadingRepository interface {
	// Upsert は測定を冪等にUPSERTする。
	// 冪等性キー(user_id, recorded_at, source)の衝突はno-opとして
	// UpsertDuplicateに分類され、決してエラーにならない。
	// 接続レベルのエラーは1回だけリトライした後に表面化する。
	Upsert(ctx context.Context, reading *model.GlucoseReading) (model.UpsertResult, error)

	// ListRecent はユーザーの測定をRecordedAt降順で取得する。下流の読み取り用。
	ListRecent(ctx context.Context, userID string, limit int) ([]*model.GlucoseReading, error)

	// CountByUser はユーザーの測定件数を返す。
	CountByUser(ctx context.Context, userID string) (int, error)
}

// ProgressRepository は同期進捗の永続化インターフェース。
type ProgressRepository interface {
	// Find は(userID, source)の進捗を取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, userID, source string) (*model.SyncProgress, error)

	// Advance はhighWaterMarkを前進させる。
	// SQL側でGREATESTにより単調性を保証するため、古い値を渡しても後退しない。
	// 同時にlast_synced_atを更新し、last_errorをクリアする。
	Advance(ctx context.Context, userID, source string, highWaterMark, syncedAt time.Time) error

	// RecordFailure はユーザー単位の失敗を記録する。highWaterMarkには触れない。
	RecordFailure(ctx context.Context, userID, source, errMsg string) error
}

// SyncUserRepository は同期対象ユーザーの永続化インターフェース。
type SyncUserRepository interface {
	// ListActive はactiveな同期対象ユーザーを取得する。
	ListActive(ctx context.Context) ([]*model.SyncUser, error)

	// Upsert は同期対象ユーザーを登録または更新する。
	Upsert(ctx context.Context, user *model.SyncUser) error
}
