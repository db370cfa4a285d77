// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Sync
	SyncInterval      time.Duration // ティックの名目間隔
	SyncTickDeadline  time.Duration // ティックのハードデッドライン。名目間隔より厳密に短いこと
	SyncMaxConcurrent int           // ユーザー単位パイプラインの最大並列数
	LookbackCap       time.Duration // 長期停止後のバックログ取得上限

	// Session
	SessionDefaultTTL   time.Duration // プロバイダーが有効期限を返さない場合の既定値
	SessionExpiryMargin time.Duration // 事前リフレッシュの余裕幅

	// Fetch
	FetchTimeout time.Duration
	FetchMaxSize int64

	// Retry
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration

	// Login throttle（ログインエンドポイント全体の呼び出し上限）
	LoginRatePerSec float64
	LoginRateBurst  int

	// Retention
	RetentionDays int // 測定値の保持日数。これより古い行は日次ジョブで削除される

	// Libre
	LibreBaseURL string

	// Server
	ServerPort    string // APIプロセスの待ち受けポート
	WorkerPort    string // ワーカープロセスの内部API待ち受けポート
	WorkerBaseURL string // APIプロセスから見たワーカーのベースURL
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあればローカル開発用に先に読み込む（無ければ無視）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	// .envはローカル開発の利便のためのもので、存在しなくてもよい
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("required environment variable is not set: DATABASE_URL")
	}

	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", 5*time.Minute)
	cfg.SyncTickDeadline = getEnvDuration("SYNC_TICK_DEADLINE", 4*time.Minute)
	cfg.SyncMaxConcurrent = getEnvInt("SYNC_MAX_CONCURRENT", 10)
	cfg.LookbackCap = getEnvDuration("SYNC_LOOKBACK_CAP", 24*time.Hour)

	cfg.SessionDefaultTTL = getEnvDuration("SESSION_DEFAULT_TTL", time.Hour)
	cfg.SessionExpiryMargin = getEnvDuration("SESSION_EXPIRY_MARGIN", 60*time.Second)

	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 15*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)

	cfg.RetryMaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", 3)
	cfg.RetryInitialBackoff = getEnvDuration("RETRY_INITIAL_BACKOFF", time.Second)
	cfg.RetryMaxBackoff = getEnvDuration("RETRY_MAX_BACKOFF", 30*time.Second)

	cfg.LoginRatePerSec = getEnvFloat("LOGIN_RATE_PER_SEC", 1.0)
	cfg.LoginRateBurst = getEnvInt("LOGIN_RATE_BURST", 5)

	cfg.RetentionDays = getEnvInt("RETENTION_DAYS", 365)

	cfg.LibreBaseURL = getEnvString("LIBRE_BASE_URL", "https://api.libreview.io")

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.WorkerPort = getEnvString("WORKER_PORT", "8081")
	cfg.WorkerBaseURL = getEnvString("WORKER_BASE_URL", "http://worker:8081")

	// デッドラインが名目間隔以上だとティックが重なり続けるため起動時に弾く
	if cfg.SyncTickDeadline >= cfg.SyncInterval {
		return nil, fmt.Errorf("SYNC_TICK_DEADLINE (%s) must be shorter than SYNC_INTERVAL (%s)",
			cfg.SyncTickDeadline, cfg.SyncInterval)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
