// Package app はアプリケーションの起動と依存関係のワイヤリングを提供する。
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/glucosync/internal/config"
	"github.com/hitoshi/glucosync/internal/database"
	"github.com/hitoshi/glucosync/internal/handler"
	"github.com/hitoshi/glucosync/internal/logger"
	"github.com/hitoshi/glucosync/internal/metrics"
	"github.com/hitoshi/glucosync/internal/repository"
	"github.com/hitoshi/glucosync/internal/secret"
	"github.com/hitoshi/glucosync/internal/security"
	"github.com/hitoshi/glucosync/internal/session"
	"github.com/hitoshi/glucosync/internal/source"
	"github.com/hitoshi/glucosync/internal/source/libre"
	"github.com/hitoshi/glucosync/internal/worker/cleanup"
	"github.com/hitoshi/glucosync/internal/worker/syncer"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// pipeline は同期パイプラインの依存関係一式。ワーカープロセス専用。
type pipeline struct {
	orchestrator *syncer.Orchestrator
	registry     *source.Registry
	collector    *metrics.Collector
	progressRepo repository.ProgressRepository
	readingRepo  repository.ReadingRepository
}

// buildRegistry はCGMソースアダプタのレジストリをワイヤリングする。
// 外向きHTTPの防護とLibreアダプタの初期化を含む。
func buildRegistry(cfg *config.Config) (*source.Registry, error) {
	guard := security.NewOutboundGuard()
	if err := guard.ValidateEndpoint(cfg.LibreBaseURL); err != nil {
		return nil, fmt.Errorf("invalid LIBRE_BASE_URL: %w", err)
	}
	libreClient := libre.NewClient(
		guard.NewSafeClient(cfg.FetchTimeout),
		slog.Default(),
		libre.Config{
			BaseURL:     cfg.LibreBaseURL,
			DefaultTTL:  cfg.SessionDefaultTTL,
			MaxBodySize: cfg.FetchMaxSize,
		},
	)

	registry := source.NewRegistry()
	registry.Register(libreClient)
	return registry, nil
}

// buildPipeline は同期パイプラインの全依存関係をワイヤリングする。
// Orchestratorを生成するのはワーカープロセスのここだけで、
// プロセス内の実行権ガードが全ティック（スケジューラと手動トリガー）を一元管理する。
func buildPipeline(cfg *config.Config, db *sql.DB, reg *prometheus.Registry) (*pipeline, error) {
	// 1. リポジトリの初期化
	userRepo := repository.NewPostgresSyncUserRepo(db)
	readingRepo := repository.NewPostgresReadingRepo(db)
	progressRepo := repository.NewPostgresProgressRepo(db)
	secretStore := secret.NewPostgresStore(db)

	// 2. メトリクスの初期化
	collector := metrics.NewCollector(reg)

	// 3. ソースレジストリの初期化
	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	// 4. セッションマネージャの初期化
	sessions := session.NewManager(secretStore, slog.Default(), session.Config{
		ExpiryMargin:    cfg.SessionExpiryMargin,
		LoginRatePerSec: cfg.LoginRatePerSec,
		LoginRateBurst:  cfg.LoginRateBurst,
	})

	// 5. Orchestratorの初期化
	orchestrator := syncer.NewOrchestrator(
		userRepo, readingRepo, progressRepo, sessions, registry,
		collector, slog.Default(),
		syncer.Config{
			TickDeadline:   cfg.SyncTickDeadline,
			MaxConcurrency: cfg.SyncMaxConcurrent,
			LookbackCap:    cfg.LookbackCap,
			Retry: syncer.RetryConfig{
				MaxAttempts:    cfg.RetryMaxAttempts,
				InitialBackoff: cfg.RetryInitialBackoff,
				MaxBackoff:     cfg.RetryMaxBackoff,
			},
		},
	)

	return &pipeline{
		orchestrator: orchestrator,
		registry:     registry,
		collector:    collector,
		progressRepo: progressRepo,
		readingRepo:  readingRepo,
	}, nil
}

// runServe は運用APIサーバーモードで起動する。
// APIプロセスはDB参照とユーザー登録のみを担い、ベンダーAPIへの外部通信は行わない。
// 手動同期トリガーとメトリクスはワーカープロセスの内部APIへ転送する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. 参照系リポジトリとソースレジストリのワイヤリング
	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	progressRepo := repository.NewPostgresProgressRepo(db)
	readingRepo := repository.NewPostgresReadingRepo(db)
	userRepo := repository.NewPostgresSyncUserRepo(db)
	secretStore := secret.NewPostgresStore(db)

	// 3. ワーカー内部APIへの転送（同期トリガーとメトリクス）
	forwarder := handler.NewSyncForwarder(cfg.WorkerBaseURL, slog.Default())
	workerURL, err := url.Parse(cfg.WorkerBaseURL)
	if err != nil {
		return fmt.Errorf("invalid WORKER_BASE_URL: %w", err)
	}
	metricsProxy := httputil.NewSingleHostReverseProxy(workerURL)

	// 4. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		HealthChecker:  db,
		SourceLister:   registry,
		SyncTrigger:    forwarder.TriggerSync,
		Progress:       progressRepo,
		Readings:       readingRepo,
		Users:          userRepo,
		Secrets:        secretStore,
		StaleThreshold: 3 * cfg.SyncInterval,
		MetricsHandler: metricsProxy,
		Logger:         slog.Default(),
	})

	// 5. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker は同期ワーカーモードで起動する。
// DB接続を開き、同期スケジューラと保持期間管理ジョブを起動する。
// あわせて手動トリガーとメトリクス用の内部APIをWORKER_PORTで公開する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. パイプラインのワイヤリング
	reg := prometheus.NewRegistry()
	p, err := buildPipeline(cfg, db, reg)
	if err != nil {
		return err
	}

	// 3. 保持期間管理ジョブの初期化
	retentionJob := cleanup.NewRetentionJob(db, slog.Default())
	retentionJob.RetentionDays = cfg.RetentionDays

	// 4. 内部APIの構築（手動トリガーとメトリクス）
	// スケジューラと同一プロセスのOrchestratorをトリガーするため、
	// ユーザー単位の実行権ガードが手動トリガーとティックの重複実行を防ぐ。
	syncHandler := handler.NewSyncHandler(p.orchestrator, slog.Default())
	internalRouter := handler.NewRouter(&handler.RouterDeps{
		HealthChecker:  db,
		SourceLister:   p.registry,
		SyncTrigger:    syncHandler.TriggerSync,
		Progress:       p.progressRepo,
		Readings:       p.readingRepo,
		StaleThreshold: 3 * cfg.SyncInterval,
		MetricsHandler: metrics.Handler(reg),
		Logger:         slog.Default(),
	})
	internalServer := &http.Server{
		Addr:         ":" + cfg.WorkerPort,
		Handler:      internalRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := internalServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("internal server shutdown failed", slog.String("error", err.Error()))
		}

		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Int("max_concurrent", cfg.SyncMaxConcurrent),
		slog.Int("retention_days", cfg.RetentionDays),
		slog.String("internal_addr", internalServer.Addr),
	)

	go func() {
		if err := internalServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("internal server listen error", slog.String("error", err.Error()))
		}
	}()

	// 保持期間管理ジョブを日次でバックグラウンド実行
	go func() {
		// 起動直後に1回実行
		if err := retentionJob.Run(ctx); err != nil {
			slog.Error("retention job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := retentionJob.Run(ctx); err != nil {
					slog.Error("retention job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// 同期スケジューラをメインgoroutineで実行（ブロッキング）
	p.orchestrator.Start(ctx, cfg.SyncInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
