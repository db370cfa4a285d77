// Package libre はLibreLinkUp API向けのSource Adapterを提供する。
// LibreLinkUpは非公式・非公開のAPIであり、ここでのリクエスト/レスポンス
// 形式は実測に基づく。ベンダー固有の癖（有効期限の欠損、未記載の
// トレンドコード等）はすべてこのパッケージに閉じ込める。
package libre

import "github.com/goccy/go-json"

// loginRequest はログインエンドポイントへのリクエストボディ。
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// loginResponse はログインエンドポイントのレスポンス。
// statusが0以外の場合は認証失敗を表す（2: 資格情報誤り）。
type loginResponse struct {
	Status int `json:"status"`
	Data   struct {
		AuthTicket struct {
			Token    string `json:"token"`
			Expires  int64  `json:"expires"`  // UNIX秒。0の場合は有効期限ヒントなし
			Duration int64  `json:"duration"` // セッション寿命（ミリ秒）。expires欠損時のフォールバック
		} `json:"authTicket"`
	} `json:"data"`
}

// connectionsResponse は接続一覧エンドポイントのレスポンス。
// LibreLinkUpではフォロー対象（患者）ごとに1エントリが返る。
type connectionsResponse struct {
	Status int `json:"status"`
	Data   []struct {
		PatientID string `json:"patientId"`
	} `json:"data"`
}

// graphResponse はグラフエンドポイントのレスポンス。
// graphDataには要求ウィンドウ外の過去エントリが混在しうるため、
// 呼び出し元でのクライアント側フィルタが前提となる。
// エントリは後段の監査用にRawMessageのまま保持し、個別にパースする。
type graphResponse struct {
	Status int `json:"status"`
	Data   struct {
		GraphData []json.RawMessage `json:"graphData"`
	} `json:"data"`
}

// graphEntry はgraphDataの1エントリをパースした検証対象の候補構造体。
// 欠損しうるフィールドは明示的にオプショナルとして扱い、
// バリデーション後にのみ下流に渡す。
type graphEntry struct {
	FactoryTimestamp string  `json:"FactoryTimestamp" validate:"required"`
	ValueInMgPerDl   float64 `json:"ValueInMgPerDl" validate:"gte=0"`
	Value            float64 `json:"Value" validate:"gte=0"`
	GlucoseUnits     int     `json:"GlucoseUnits"`
	TrendArrow       int     `json:"TrendArrow"`
}
