package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/glucosync/internal/model"
)

// PostgresReadingRepo はPostgreSQLを使用した測定リポジトリ。
type PostgresReadingRepo struct {
	db *sql.DB
}

// NewPostgresReadingRepo はPostgresReadingRepoを生成する。
func NewPostgresReadingRepo(db *sql.DB) *PostgresReadingRepo {
	return &PostgresReadingRepo{db: db}
}

// Upsert は測定を冪等にUPSERTする。
// ON CONFLICT DO NOTHINGにより冪等性キーの衝突はno-opとなり、
// 影響行数が0の場合にUpsertDuplicateとして分類する。
// 接続レベルのエラーは1回だけリトライする。
func (r *PostgresReadingRepo) Upsert(ctx context.Context, reading *model.GlucoseReading) (model.UpsertResult, error) {
	result, err := r.upsertOnce(ctx, reading)
	if err == nil {
		return result, nil
	}

	// 接続断など一過性の失敗に備えた単発リトライ。制約衝突はエラーにならないためここには来ない
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}

	result, retryErr := r.upsertOnce(ctx, reading)
	if retryErr != nil {
		return 0, fmt.Errorf("測定のUPSERTに失敗しました: %w", retryErr)
	}
	return result, nil
}

func (r *PostgresReadingRepo) upsertOnce(ctx context.Context, reading *model.GlucoseReading) (model.UpsertResult, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO glucose_readings
		     (id, user_id, source, recorded_at, value_mgdl, trend, raw, fetched_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (user_id, recorded_at, source) DO NOTHING`,
		reading.ID, reading.UserID, reading.Source, reading.RecordedAt,
		reading.ValueMgdl, string(reading.Trend), nullableBytes(reading.Raw),
		reading.FetchedAt, reading.CreatedAt,
	)
	if err != nil {
		return 0, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return model.UpsertDuplicate, nil
	}
	return model.UpsertInserted, nil
}

// ListRecent はユーザーの測定をRecordedAt降順で取得する。
func (r *PostgresReadingRepo) ListRecent(ctx context.Context, userID string, limit int) ([]*model.GlucoseReading, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, source, recorded_at, value_mgdl, trend, raw, fetched_at, created_at
		 FROM glucose_readings
		 WHERE user_id = $1
		 ORDER BY recorded_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("測定一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var readings []*model.GlucoseReading
	for rows.Next() {
		reading := &model.GlucoseReading{}
		var trend string
		var raw []byte
		if err := rows.Scan(
			&reading.ID, &reading.UserID, &reading.Source, &reading.RecordedAt,
			&reading.ValueMgdl, &trend, &raw, &reading.FetchedAt, &reading.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("測定行のスキャンに失敗しました: %w", err)
		}
		reading.Trend = model.Trend(trend)
		reading.Raw = raw
		readings = append(readings, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("測定一覧の読み取りに失敗しました: %w", err)
	}

	return readings, nil
}

// CountByUser はユーザーの測定件数を返す。
func (r *PostgresReadingRepo) CountByUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM glucose_readings WHERE user_id = $1`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("測定件数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// nullableBytes は空のバイト列をNULLとして保存する。
func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
