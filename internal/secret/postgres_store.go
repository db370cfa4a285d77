package secret

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/glucosync/internal/model"
)

// PostgresStore はPostgreSQLを使用したシークレットストアの参照実装。
// 本番では外部のボールトに差し替えられることを想定し、
// CredentialProviderインターフェースの背後に隠れる。
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetCredentials は(userID, source)の資格情報を取得する。
// 存在しない場合はmodel.ErrCredentialsNotFoundを返す。
func (s *PostgresStore) GetCredentials(ctx context.Context, userID, source string) (*model.Credentials, error) {
	creds := &model.Credentials{}

	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, source, username, password
		 FROM source_credentials
		 WHERE user_id = $1 AND source = $2`,
		userID, source,
	).Scan(&creds.UserID, &creds.Source, &creds.Username, &creds.Password)

	if err == sql.ErrNoRows {
		return nil, model.ErrCredentialsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("資格情報の取得に失敗しました: %w", err)
	}

	return creds, nil
}

// SaveCredentials は資格情報を登録または更新する。プロビジョニング用。
func (s *PostgresStore) SaveCredentials(ctx context.Context, creds *model.Credentials) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_credentials (user_id, source, username, password, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, now(), now())
		 ON CONFLICT (user_id, source) DO UPDATE SET
		     username   = EXCLUDED.username,
		     password   = EXCLUDED.password,
		     updated_at = now()`,
		creds.UserID, creds.Source, creds.Username, creds.Password,
	)
	if err != nil {
		return fmt.Errorf("資格情報の保存に失敗しました: %w", err)
	}
	return nil
}
