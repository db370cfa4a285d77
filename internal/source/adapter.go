// Package source はCGMソースアダプタのケーパビリティを定義する。
// ベンダー固有の挙動（欠損する有効期限、非公開のトレンドコード等）は
// 各アダプタの内部に閉じ込め、Orchestrator以降はこのインターフェース
// のみに依存する。新しいCGMソースの追加はアダプタの追加であり、
// Orchestratorには手を入れない。
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/glucosync/internal/model"
)

// Adapter はCGMソースへの認証と測定取得のインターフェース。
type Adapter interface {
	// Name はアダプタのソース識別子を返す（例: "libre"）。
	Name() string

	// Authenticate は資格情報でログインしセッションを取得する。
	// 失敗はmodel.AuthErrorとして分類される。
	Authenticate(ctx context.Context, creds *model.Credentials) (*model.AuthSession, error)

	// FetchReadings はセッションを使用して測定を取得する。
	// sinceがゼロ値の場合はベンダーの既定ウィンドウ全体を返す。
	// ベンダーAPIがサーバー側フィルタを尊重する保証はないため、
	// 呼び出し元は結果を必ずsinceで再フィルタすること。
	// 失敗はmodel.FetchErrorとして分類される。
	FetchReadings(ctx context.Context, session *model.AuthSession, since time.Time) ([]model.RawReading, error)
}

// Registry はソース名からアダプタを引くレジストリ。
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register はアダプタを登録する。同名の登録は上書きされる。
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get はソース名のアダプタを取得する。
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("未登録のソースです: %s", name)
	}
	return a, nil
}

// Names は登録済みソース名の一覧をソート済みで返す。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
