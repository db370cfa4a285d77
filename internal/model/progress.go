// Package model はドメインモデルを定義する。
package model

import "time"

// SyncProgress は(UserID, Source)ごとの同期進捗を表す。
// HighWaterMarkはコミットに成功した測定の最大RecordedAtであり、
// 永続化の成功後にのみ前進する。投機的に進めてはならない。
type SyncProgress struct {
	UserID        string
	Source        string
	HighWaterMark time.Time  // ゼロ値は未同期を表す
	LastSyncedAt  *time.Time // 最後に同期が成功した時刻。鮮度表示に使用する
	LastError     string     // 直近のユーザー単位の失敗。成功時にクリアされる
	UpdatedAt     time.Time
}

// SyncUser は同期対象のユーザーとソースの組を表す。
// Orchestratorはactiveなユーザーのみをティックの作業対象とする。
type SyncUser struct {
	UserID    string
	Source    string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
