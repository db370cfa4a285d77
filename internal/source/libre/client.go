package libre

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/hitoshi/glucosync/internal/model"
)

const (
	// sourceName はこのアダプタのソース識別子。
	sourceName = "libre"

	// factoryTimestampLayout はFactoryTimestampのフォーマット（UTC）。
	factoryTimestampLayout = "1/2/2006 3:04:05 PM"

	// mmolToMgdl はmmol/Lからmg/dLへの換算係数。
	mmolToMgdl = 18.0182

	// glucoseUnitsMmol はGlucoseUnitsフィールドのmmol/L表記。
	glucoseUnitsMmol = 0
)

// Config はLibreクライアントの設定。
type Config struct {
	BaseURL     string
	DefaultTTL  time.Duration // ログイン応答に有効期限ヒントがない場合のセッション寿命
	MaxBodySize int64
}

// Client はLibreLinkUp APIのSource Adapter実装。
// source.Adapterインターフェースを実装する。
// 全リクエストをサーキットブレーカー経由で実行し、プロバイダー障害時は
// fast-failしてProviderUnavailableに分類する。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	config     Config
	breaker    *gobreaker.CircuitBreaker[[]byte]
	validate   *validator.Validate
}

// NewClient はClientの新しいインスタンスを生成する。
// httpClientにはsecurity.OutboundGuardServiceが生成する防護付きクライアントを
// 渡すことを想定している（テストではhttptest用クライアントを渡す）。
func NewClient(httpClient *http.Client, logger *slog.Logger, config Config) *Client {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = time.Hour
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = 5242880
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name: "libre-api",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// 連続5回の失敗でオープンに遷移する
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 60 * time.Second,
	})

	return &Client{
		httpClient: httpClient,
		logger:     logger,
		config:     config,
		breaker:    breaker,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Name はソース識別子を返す。
func (c *Client) Name() string {
	return sourceName
}

// Authenticate は資格情報でログインしセッションを取得する。
// LibreLinkUpのstatusフィールドが0以外の場合は資格情報誤りとして扱う。
// 有効期限ヒントはexpires（UNIX秒）を優先し、欠けている場合はduration
// （ミリ秒）にフォールバックする。どちらも無い場合はDefaultTTLで保守的に見積もる。
func (c *Client) Authenticate(ctx context.Context, creds *model.Credentials) (*model.AuthSession, error) {
	reqBody, err := json.Marshal(loginRequest{
		Email:    creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return nil, model.NewAuthError(model.AuthErrProviderUnavailable, sourceName,
			fmt.Errorf("リクエストボディの生成に失敗しました: %w", err))
	}

	body, status, err := c.doRequest(ctx, http.MethodPost, c.config.BaseURL+"/llu/auth/login", "", reqBody)
	if err != nil {
		return nil, model.NewAuthError(model.AuthErrProviderUnavailable, sourceName, err)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, model.NewAuthError(model.AuthErrInvalidCredentials, sourceName,
			fmt.Errorf("ログインエンドポイントがステータス %d を返しました", status))
	case status == http.StatusTooManyRequests:
		return nil, model.NewAuthError(model.AuthErrProviderUnavailable, sourceName,
			fmt.Errorf("ログインエンドポイントがレート制限を返しました"))
	case status != http.StatusOK:
		return nil, model.NewAuthError(model.AuthErrProviderUnavailable, sourceName,
			fmt.Errorf("ログインエンドポイントがステータス %d を返しました", status))
	}

	var resp loginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, model.NewAuthError(model.AuthErrProviderUnavailable, sourceName,
			fmt.Errorf("ログインレスポンスのパースに失敗しました: %w", err))
	}

	// status != 0 はHTTP 200でも認証失敗（LibreLinkUpの癖）
	if resp.Status != 0 {
		return nil, model.NewAuthError(model.AuthErrInvalidCredentials, sourceName,
			fmt.Errorf("ログインレスポンスのstatusが %d", resp.Status))
	}
	if resp.Data.AuthTicket.Token == "" {
		return nil, model.NewAuthError(model.AuthErrProviderUnavailable, sourceName,
			fmt.Errorf("ログインレスポンスにトークンが含まれていません"))
	}

	now := time.Now()
	expiresAt := now.Add(c.config.DefaultTTL)
	switch {
	case resp.Data.AuthTicket.Expires > 0:
		expiresAt = time.Unix(resp.Data.AuthTicket.Expires, 0)
	case resp.Data.AuthTicket.Duration > 0:
		expiresAt = now.Add(time.Duration(resp.Data.AuthTicket.Duration) * time.Millisecond)
	}

	c.logger.Info("ログインに成功しました",
		slog.String("source", sourceName),
		slog.String("user_id", creds.UserID),
		slog.Time("expires_at", expiresAt),
	)

	return &model.AuthSession{
		UserID:      creds.UserID,
		Source:      sourceName,
		BearerToken: resp.Data.AuthTicket.Token,
		ExpiresAt:   expiresAt,
	}, nil
}

// FetchReadings はセッションを使用して測定を取得する。
// 接続一覧から患者IDを解決し、グラフエンドポイントから測定を取得する。
// LibreLinkUpはsinceによるサーバー側フィルタを提供しないため、
// ベンダーの既定ウィンドウ（約12時間）全体が返る。呼び出し元で
// 必ずsinceによる再フィルタを行うこと。
// 個々のエントリのパース・検証失敗はスキップしてログに残し、
// バッチ全体は失敗させない。
func (c *Client) FetchReadings(ctx context.Context, session *model.AuthSession, since time.Time) ([]model.RawReading, error) {
	patientID, err := c.resolvePatientID(ctx, session)
	if err != nil {
		return nil, err
	}

	graphURL := fmt.Sprintf("%s/llu/connections/%s/graph", c.config.BaseURL, patientID)
	body, status, err := c.doRequest(ctx, http.MethodGet, graphURL, session.BearerToken, nil)
	if err != nil {
		return nil, c.classifyFetchTransportError(err)
	}
	if fetchErr := classifyFetchStatus(status); fetchErr != nil {
		return nil, fetchErr
	}

	var resp graphResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, model.NewFetchError(model.FetchErrMalformedResponse, sourceName,
			fmt.Errorf("グラフレスポンスのパースに失敗しました: %w", err))
	}

	readings := make([]model.RawReading, 0, len(resp.Data.GraphData))
	skipped := 0
	for _, raw := range resp.Data.GraphData {
		reading, err := c.parseEntry(raw)
		if err != nil {
			skipped++
			c.logger.Warn("不正な測定エントリをスキップしました",
				slog.String("source", sourceName),
				slog.String("user_id", session.UserID),
				slog.String("error", err.Error()),
			)
			continue
		}
		readings = append(readings, *reading)
	}

	c.logger.Info("測定の取得が完了しました",
		slog.String("source", sourceName),
		slog.String("user_id", session.UserID),
		slog.Int("fetched", len(readings)),
		slog.Int("skipped", skipped),
	)

	return readings, nil
}

// resolvePatientID は接続一覧エンドポイントから患者IDを解決する。
// LibreLinkUpのフォローアカウントは複数接続を持ちうるが、
// この同期では先頭の接続を対象とする。
func (c *Client) resolvePatientID(ctx context.Context, session *model.AuthSession) (string, error) {
	body, status, err := c.doRequest(ctx, http.MethodGet, c.config.BaseURL+"/llu/connections", session.BearerToken, nil)
	if err != nil {
		return "", c.classifyFetchTransportError(err)
	}
	if fetchErr := classifyFetchStatus(status); fetchErr != nil {
		return "", fetchErr
	}

	var resp connectionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", model.NewFetchError(model.FetchErrMalformedResponse, sourceName,
			fmt.Errorf("接続一覧レスポンスのパースに失敗しました: %w", err))
	}
	if len(resp.Data) == 0 || resp.Data[0].PatientID == "" {
		return "", model.NewFetchError(model.FetchErrMalformedResponse, sourceName,
			fmt.Errorf("接続一覧に患者IDが含まれていません"))
	}

	return resp.Data[0].PatientID, nil
}

// parseEntry はgraphDataの1エントリを検証付きでRawReadingに変換する。
// 元のJSONバイト列は監査用にそのまま保持し、下流では再パースしない。
func (c *Client) parseEntry(raw json.RawMessage) (*model.RawReading, error) {
	var entry graphEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("エントリのパースに失敗: %w", err)
	}
	if err := c.validate.Struct(&entry); err != nil {
		return nil, fmt.Errorf("エントリの検証に失敗: %w", err)
	}

	recordedAt, err := time.Parse(factoryTimestampLayout, entry.FactoryTimestamp)
	if err != nil {
		return nil, fmt.Errorf("タイムスタンプのパースに失敗 (%q): %w", entry.FactoryTimestamp, err)
	}

	// 値の決定: ValueInMgPerDlを優先し、欠損時はValueを単位に応じて換算する
	valueMgdl := entry.ValueInMgPerDl
	if valueMgdl == 0 {
		valueMgdl = entry.Value
		if entry.GlucoseUnits == glucoseUnitsMmol {
			valueMgdl = entry.Value * mmolToMgdl
		}
	}
	if valueMgdl <= 0 {
		return nil, fmt.Errorf("血糖値が正の値ではありません: %v", valueMgdl)
	}

	return &model.RawReading{
		RecordedAt: recordedAt.UTC(),
		ValueMgdl:  valueMgdl,
		TrendCode:  strconv.Itoa(entry.TrendArrow),
		Raw:        append([]byte(nil), raw...),
	}, nil
}

// doRequest はサーキットブレーカー経由でHTTPリクエストを実行し、
// レスポンスボディとステータスコードを返す。
// LibreLinkUpが要求するproduct/versionヘッダーを常に付与する。
func (c *Client) doRequest(ctx context.Context, method, url, token string, reqBody []byte) ([]byte, int, error) {
	var status int

	body, err := c.breaker.Execute(func() ([]byte, error) {
		var bodyReader io.Reader
		if reqBody != nil {
			bodyReader = bytes.NewReader(reqBody)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("リクエストの作成に失敗しました: %w", err)
		}

		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")
		// 非公式APIの必須ヘッダー。欠けると空レスポンスが返る
		req.Header.Set("product", "llu.android")
		req.Header.Set("version", "4.7.0")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		status = resp.StatusCode

		data, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodySize))
		if err != nil {
			return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
		}

		// 5xxはブレーカーの失敗としてカウントさせる
		if resp.StatusCode >= 500 {
			return data, fmt.Errorf("ベンダーAPIがステータス %d を返しました", resp.StatusCode)
		}

		return data, nil
	})
	if err != nil {
		// ブレーカーオープン時もステータス0で返し、呼び出し元で分類させる
		return nil, status, err
	}

	return body, status, nil
}

// classifyFetchTransportError はトランスポート層のエラーをFetchErrorに分類する。
// サーキットブレーカーのオープンとタイムアウト・接続断はいずれも
// リトライ対象のNetworkTimeoutとして扱う。
func (c *Client) classifyFetchTransportError(err error) error {
	return model.NewFetchError(model.FetchErrNetworkTimeout, sourceName, err)
}

// classifyFetchStatus はHTTPステータスをFetchErrorに分類する。正常時はnilを返す。
func classifyFetchStatus(status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.NewFetchError(model.FetchErrUnauthorized, sourceName,
			fmt.Errorf("ベンダーAPIがステータス %d を返しました", status))
	case status == http.StatusTooManyRequests:
		return model.NewFetchError(model.FetchErrRateLimited, sourceName,
			fmt.Errorf("ベンダーAPIがレート制限を返しました"))
	default:
		return model.NewFetchError(model.FetchErrNetworkTimeout, sourceName,
			fmt.Errorf("ベンダーAPIがステータス %d を返しました", status))
	}
}
