package model

import (
	"testing"
	"time"
)

func TestAuthSession_ValidWithin(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	margin := 60 * time.Second

	tests := []struct {
		name    string
		session *AuthSession
		want    bool
	}{
		{
			name:    "nilセッションは無効",
			session: nil,
			want:    false,
		},
		{
			name:    "トークンが空なら無効",
			session: &AuthSession{ExpiresAt: now.Add(time.Hour)},
			want:    false,
		},
		{
			name:    "余裕を持って有効期限内なら有効",
			session: &AuthSession{BearerToken: "t", ExpiresAt: now.Add(time.Hour)},
			want:    true,
		},
		{
			name:    "余裕幅の内側に入ったら失効扱い",
			session: &AuthSession{BearerToken: "t", ExpiresAt: now.Add(30 * time.Second)},
			want:    false,
		},
		{
			name:    "ちょうど余裕幅の境界では失効扱い",
			session: &AuthSession{BearerToken: "t", ExpiresAt: now.Add(margin)},
			want:    false,
		},
		{
			name:    "期限切れは無効",
			session: &AuthSession{BearerToken: "t", ExpiresAt: now.Add(-time.Minute)},
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.session.ValidWithin(now, margin); got != tt.want {
				t.Errorf("ValidWithin() = %v, want %v", got, tt.want)
			}
		})
	}
}
