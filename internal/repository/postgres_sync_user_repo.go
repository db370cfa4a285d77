package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/glucosync/internal/model"
)

// PostgresSyncUserRepo はPostgreSQLを使用した同期対象ユーザーリポジトリ。
type PostgresSyncUserRepo struct {
	db *sql.DB
}

// NewPostgresSyncUserRepo はPostgresSyncUserRepoを生成する。
func NewPostgresSyncUserRepo(db *sql.DB) *PostgresSyncUserRepo {
	return &PostgresSyncUserRepo{db: db}
}

// ListActive はactiveな同期対象ユーザーを取得する。
func (r *PostgresSyncUserRepo) ListActive(ctx context.Context) ([]*model.SyncUser, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, source, active, created_at, updated_at
		 FROM sync_users
		 WHERE active = TRUE
		 ORDER BY user_id, source`,
	)
	if err != nil {
		return nil, fmt.Errorf("同期対象ユーザーの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var users []*model.SyncUser
	for rows.Next() {
		user := &model.SyncUser{}
		if err := rows.Scan(&user.UserID, &user.Source, &user.Active, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ユーザー行のスキャンに失敗しました: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("同期対象ユーザーの読み取りに失敗しました: %w", err)
	}

	return users, nil
}

// Upsert は同期対象ユーザーを登録または更新する。
func (r *PostgresSyncUserRepo) Upsert(ctx context.Context, user *model.SyncUser) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_users (user_id, source, active, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())
		 ON CONFLICT (user_id, source) DO UPDATE SET
		     active     = EXCLUDED.active,
		     updated_at = now()`,
		user.UserID, user.Source, user.Active,
	)
	if err != nil {
		return fmt.Errorf("同期対象ユーザーの登録に失敗しました: %w", err)
	}
	return nil
}
