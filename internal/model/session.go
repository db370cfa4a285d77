// Package model はドメインモデルを定義する。
package model

import "time"

// AuthSession はベンダーAPIに対する認証済みセッションを表す。
// Auth Session Managerがメモリ上でのみ保持し、耐久ストレージには永続化しない。
type AuthSession struct {
	UserID      string
	Source      string
	BearerToken string    // 不透明なトークン。中身は解釈しない
	ExpiresAt   time.Time // プロバイダーのヒントがない場合は取得時刻+1時間で保守的に見積もる
}

// ValidWithin はセッションがmargin分の余裕を持って有効かを返す。
// 有効期限の手前margin以内に入ったセッションは失効扱いとし、
// フェッチ前に事前リフレッシュさせる。
func (s *AuthSession) ValidWithin(now time.Time, margin time.Duration) bool {
	if s == nil || s.BearerToken == "" {
		return false
	}
	return now.Add(margin).Before(s.ExpiresAt)
}

// Credentials はベンダーAPIのログインに使用するユーザーの資格情報を表す。
// Credential Provider（シークレットストア）から取得する。
type Credentials struct {
	UserID   string
	Source   string
	Username string
	Password string
}
