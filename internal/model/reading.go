// Package model はドメインモデルを定義する。
package model

import "time"

// Trend は血糖値の変化傾向を表す正規化済みの列挙型。
// ベンダー固有のトレンドコードはTrend Normalizerでこの型に変換される。
type Trend string

const (
	// TrendRisingRapidly は急上昇を表す。
	TrendRisingRapidly Trend = "rising_rapidly"
	// TrendRising は上昇を表す。
	TrendRising Trend = "rising"
	// TrendStable は安定を表す。
	TrendStable Trend = "stable"
	// TrendFalling は下降を表す。
	TrendFalling Trend = "falling"
	// TrendFallingRapidly は急下降を表す。
	TrendFallingRapidly Trend = "falling_rapidly"
	// TrendUnknown は未知または欠損したトレンドコードを表す。
	TrendUnknown Trend = "unknown"
)

// GlucoseReading は正規化済みの血糖値測定を表す。
// (UserID, RecordedAt, Source) が冪等性キーであり、
// 一度永続化された後は更新も削除もされない。
type GlucoseReading struct {
	ID         string
	UserID     string
	Source     string
	RecordedAt time.Time // 測定元の時計による測定時刻（UTC）
	ValueMgdl  float64   // mg/dL単位の正の値（永続化の正準単位）
	Trend      Trend
	Raw        []byte // ベンダーの元ペイロード。監査用にそのまま保持し、再パースしない
	FetchedAt  time.Time
	CreatedAt  time.Time
}

// RawReading はSource Adapterがベンダーから取得した未正規化の測定を表す。
// 値はアダプタ境界でmg/dLに変換済み。TrendCodeはベンダー固有のコード。
type RawReading struct {
	RecordedAt time.Time
	ValueMgdl  float64
	TrendCode  string
	Raw        []byte // ベンダーのレスポンスエントリをそのまま保持
}

// UpsertResult はGlucoseReadingのUPSERT結果の分類。
type UpsertResult int

const (
	// UpsertInserted は新規行が挿入されたことを表す。
	UpsertInserted UpsertResult = iota
	// UpsertDuplicate は冪等性キーの衝突によりno-opだったことを表す。
	// 重複は正常系であり、エラーとして扱われない。
	UpsertDuplicate
)
