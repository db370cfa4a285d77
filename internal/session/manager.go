// Package session はベンダーAPIセッションのライフサイクルを管理する。
// (userID, source)ごとにセッションをメモリ上でキャッシュし、
// 有効期限の余裕幅を考慮した事前リフレッシュを行う。
// セッションは耐久ストレージには永続化しない。
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/glucosync/internal/model"
	"github.com/hitoshi/glucosync/internal/secret"
	"github.com/hitoshi/glucosync/internal/source"
)

// Config はManagerの設定。
type Config struct {
	ExpiryMargin    time.Duration // 有効期限手前のリフレッシュ余裕幅
	LoginRatePerSec float64       // ログインエンドポイント全体の秒間呼び出し上限
	LoginRateBurst  int
}

// key はセッションキャッシュのキー。
type key struct {
	userID string
	source string
}

// entry は(userID, source)ごとのキャッシュエントリ。
// エントリ単位のロックによりログインをsingle-flightにする。
// 重複したティックが同一ユーザーで重なっても、ログインは1回しか走らない。
type entry struct {
	mu      sync.Mutex
	session *model.AuthSession
}

// Manager はセッションキャッシュとログインのライフサイクルを所有する。
// 状態遷移: Unauthenticated → Authenticating → Authenticated(expiresAt)
// → (expiresAt - margin 到達で) → Authenticating。
// フェッチで認可拒否を受けた場合はInvalidateによりUnauthenticatedに戻る。
type Manager struct {
	secrets      secret.CredentialProvider
	logger       *slog.Logger
	config       Config
	loginLimiter *rate.Limiter

	mu      sync.Mutex
	entries map[key]*entry

	now func() time.Time // テスト用に差し替え可能
}

// NewManager はManagerの新しいインスタンスを生成する。
func NewManager(secrets secret.CredentialProvider, logger *slog.Logger, config Config) *Manager {
	if config.ExpiryMargin <= 0 {
		config.ExpiryMargin = 60 * time.Second
	}
	if config.LoginRatePerSec <= 0 {
		config.LoginRatePerSec = 1.0
	}
	if config.LoginRateBurst <= 0 {
		config.LoginRateBurst = 5
	}

	return &Manager{
		secrets:      secrets,
		logger:       logger,
		config:       config,
		loginLimiter: rate.NewLimiter(rate.Limit(config.LoginRatePerSec), config.LoginRateBurst),
		entries:      make(map[key]*entry),
		now:          time.Now,
	}
}

// GetSession は有効なセッションを返す。
// 余裕幅内で有効なキャッシュ済みセッションがあれば再ログインせずに再利用し、
// ログインエンドポイントの呼び出し量を抑える。無効または余裕幅を切った
// セッションは資格情報を取得し直して再認証する。
func (m *Manager) GetSession(ctx context.Context, adapter source.Adapter, userID string) (*model.AuthSession, error) {
	e := m.entry(userID, adapter.Name())

	// single-flight: 同一ユーザーの並行呼び出しはここで直列化される
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.ValidWithin(m.now(), m.config.ExpiryMargin) {
		return e.session, nil
	}

	return m.authenticateLocked(ctx, adapter, userID, e)
}

// Invalidate はキャッシュ済みセッションを破棄する。
// フェッチで認可拒否（Unauthorized）を受けた際に呼ばれ、
// 状態をAuthenticatedからUnauthenticatedへ直接遷移させる。
func (m *Manager) Invalidate(userID, sourceName string) {
	e := m.entry(userID, sourceName)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session = nil
}

// authenticateLocked は資格情報を取得して再認証する。e.muを保持した状態で呼ぶこと。
func (m *Manager) authenticateLocked(ctx context.Context, adapter source.Adapter, userID string, e *entry) (*model.AuthSession, error) {
	e.session = nil

	creds, err := m.secrets.GetCredentials(ctx, userID, adapter.Name())
	if err != nil {
		return nil, fmt.Errorf("資格情報の取得に失敗しました (user=%s, source=%s): %w", userID, adapter.Name(), err)
	}

	// ログインエンドポイントの呼び出し量をプロセス全体で抑制する
	if err := m.loginLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("ログインのレート制限待機が中断されました: %w", err)
	}

	start := m.now()
	session, err := adapter.Authenticate(ctx, creds)
	if err != nil {
		m.logger.Warn("認証に失敗しました",
			slog.String("user_id", userID),
			slog.String("source", adapter.Name()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	e.session = session

	m.logger.Info("セッションを更新しました",
		slog.String("user_id", userID),
		slog.String("source", adapter.Name()),
		slog.Time("expires_at", session.ExpiresAt),
		slog.Float64("duration_ms", float64(m.now().Sub(start).Milliseconds())),
	)

	return session, nil
}

// entry は(userID, source)のキャッシュエントリを取得または生成する。
func (m *Manager) entry(userID, sourceName string) *entry {
	k := key{userID: userID, source: sourceName}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[k]
	if !ok {
		e = &entry{}
		m.entries[k] = e
	}
	return e
}
