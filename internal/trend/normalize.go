// Package trend はベンダー固有のトレンドコードを正規化する。
// ベンダーのフォーマット変更の影響をこのパッケージに閉じ込め、
// Orchestrator以降をベンダー非依存に保つ。
package trend

import (
	"strings"
	"sync"

	"github.com/hitoshi/glucosync/internal/model"
)

// CodeTable はベンダーコードから正規化トレンドへの対応表。
type CodeTable map[string]model.Trend

// libreCodes はLibreLinkUp APIのtrendArrowコード対応表。
// 1が急下降、5が急上昇。公式ドキュメントは存在しないため実測に基づく。
var libreCodes = CodeTable{
	"1": model.TrendFallingRapidly,
	"2": model.TrendFalling,
	"3": model.TrendStable,
	"4": model.TrendRising,
	"5": model.TrendRisingRapidly,
}

var (
	mu     sync.RWMutex
	tables = map[string]CodeTable{
		"libre": libreCodes,
	}
)

// Register はソースのコード対応表を登録する。
// 新しいCGMソースのアダプタを追加する際に使用する。
// 既存の登録は上書きされる。
func Register(source string, table CodeTable) {
	mu.Lock()
	defer mu.Unlock()
	tables[source] = table
}

// Normalize はベンダーコードを正規化トレンドに変換する。
// 全域関数であり決して失敗しない。未知のソース、未知のコード、
// 空のコードはすべてTrendUnknownに写像される。
func Normalize(source, code string) model.Trend {
	code = strings.TrimSpace(code)
	if code == "" {
		return model.TrendUnknown
	}

	mu.RLock()
	table, ok := tables[source]
	mu.RUnlock()
	if !ok {
		return model.TrendUnknown
	}

	if t, ok := table[code]; ok {
		return t
	}
	return model.TrendUnknown
}
