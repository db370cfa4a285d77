// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// AuthErrorKind は認証エラーの分類。リトライ方針の判定に使用する。
type AuthErrorKind string

const (
	// AuthErrInvalidCredentials は資格情報の誤り。リトライせず運用者/ユーザーに表面化する。
	AuthErrInvalidCredentials AuthErrorKind = "invalid_credentials"
	// AuthErrProviderUnavailable はプロバイダー側の障害。バックオフ付きでリトライする。
	AuthErrProviderUnavailable AuthErrorKind = "provider_unavailable"
	// AuthErrTokenExpired はトークン失効。リフレッシュを引き起こすのみで表面化しない。
	AuthErrTokenExpired AuthErrorKind = "token_expired"
)

// AuthError はベンダーAPIの認証失敗を表す。
type AuthError struct {
	Kind   AuthErrorKind
	Source string
	Err    error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("認証エラー [%s] (%s): %v", e.Kind, e.Source, e.Err)
	}
	return fmt.Sprintf("認証エラー [%s] (%s)", e.Kind, e.Source)
}

// Unwrap はラップされた原因エラーを返す。
func (e *AuthError) Unwrap() error { return e.Err }

// NewAuthError はAuthErrorを生成する。
func NewAuthError(kind AuthErrorKind, source string, err error) *AuthError {
	return &AuthError{Kind: kind, Source: source, Err: err}
}

// FetchErrorKind はフェッチエラーの分類。リトライ方針の判定に使用する。
type FetchErrorKind string

const (
	// FetchErrNetworkTimeout はネットワークタイムアウト。指数バックオフでリトライする。
	FetchErrNetworkTimeout FetchErrorKind = "network_timeout"
	// FetchErrRateLimited はレート制限応答。指数バックオフでリトライする。
	FetchErrRateLimited FetchErrorKind = "rate_limited"
	// FetchErrMalformedResponse は不正なレスポンス。該当測定のみスキップし、バッチ全体は失敗させない。
	FetchErrMalformedResponse FetchErrorKind = "malformed_response"
	// FetchErrUnauthorized は認可拒否。1回だけ再認証してリトライする。
	FetchErrUnauthorized FetchErrorKind = "unauthorized"
)

// FetchError はベンダーAPIからの測定取得失敗を表す。
type FetchError struct {
	Kind   FetchErrorKind
	Source string
	Err    error
}

// Error はerrorインターフェースを実装する。
func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("フェッチエラー [%s] (%s): %v", e.Kind, e.Source, e.Err)
	}
	return fmt.Sprintf("フェッチエラー [%s] (%s)", e.Kind, e.Source)
}

// Unwrap はラップされた原因エラーを返す。
func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError はFetchErrorを生成する。
func NewFetchError(kind FetchErrorKind, source string, err error) *FetchError {
	return &FetchError{Kind: kind, Source: source, Err: err}
}

// ErrCredentialsNotFound はシークレットストアに資格情報が存在しないことを表す。
var ErrCredentialsNotFound = errors.New("資格情報が見つかりません")

// IsAuthErrorKind はerrが指定種別のAuthErrorかを判定する。
func IsAuthErrorKind(err error, kind AuthErrorKind) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.Kind == kind
}

// IsFetchErrorKind はerrが指定種別のFetchErrorかを判定する。
func IsFetchErrorKind(err error, kind FetchErrorKind) bool {
	var fetchErr *FetchError
	return errors.As(err, &fetchErr) && fetchErr.Kind == kind
}

// IsRetryable はエラーがティック内リトライの対象かを判定する。
// ProviderUnavailable、NetworkTimeout、RateLimitedのみがリトライ対象。
// InvalidCredentialsとMalformedResponseはリトライしても解決しない。
func IsRetryable(err error) bool {
	return IsAuthErrorKind(err, AuthErrProviderUnavailable) ||
		IsFetchErrorKind(err, FetchErrNetworkTimeout) ||
		IsFetchErrorKind(err, FetchErrRateLimited)
}
