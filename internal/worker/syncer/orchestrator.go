// Package syncer は血糖値データのバックグラウンド同期処理を提供する。
// スケジューラ、ユーザー単位パイプライン、リトライ/バックオフ戦略を含む。
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/glucosync/internal/metrics"
	"github.com/hitoshi/glucosync/internal/model"
	"github.com/hitoshi/glucosync/internal/repository"
	"github.com/hitoshi/glucosync/internal/source"
	"github.com/hitoshi/glucosync/internal/trend"
)

// SessionManager はセッション取得と破棄のインターフェース。
type SessionManager interface {
	// GetSession は有効なセッションを返す。必要に応じて再認証する。
	GetSession(ctx context.Context, adapter source.Adapter, userID string) (*model.AuthSession, error)
	// Invalidate はキャッシュ済みセッションを破棄する。
	Invalidate(userID, sourceName string)
}

// TrendNormalizer はベンダーコードを正規化する関数型。
// 既定はtrend.Normalize。全域関数であることが前提。
type TrendNormalizer func(sourceName, code string) model.Trend

// Config はOrchestratorの設定。
type Config struct {
	TickDeadline   time.Duration // ティックのハードデッドライン。名目間隔より短いこと
	MaxConcurrency int           // ユーザー単位パイプラインの最大並列数
	LookbackCap    time.Duration // 長期停止後のバックログ取得上限
	Retry          RetryConfig
	// Normalize はトレンド正規化関数。nilの場合はtrend.Normalizeを使用する。
	// コード体系の異なるソースを追加する場合はここで差し替える。
	Normalize TrendNormalizer
}

// Orchestrator は同期ティックを駆動する。
// ティックごとにactiveユーザーを列挙し、ユーザーごとに独立した
// パイプライン（セッション取得→フェッチ→正規化→UPSERT→進捗前進）を
// 有界の並列数で実行する。あるユーザーの失敗は他のユーザーの進捗を
// 決して妨げない。
type Orchestrator struct {
	users     repository.SyncUserRepository
	readings  repository.ReadingRepository
	progress  repository.ProgressRepository
	sessions  SessionManager
	registry  *source.Registry
	normalize TrendNormalizer
	collector metrics.SyncCollector
	logger    *slog.Logger
	config    Config

	// inflight は実行中の(userID, source)を追跡する。
	// 重複したティック起動が同一ユーザーで重ならないことを保証する。
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	now func() time.Time // テスト用に差し替え可能
}

// NewOrchestrator はOrchestratorの新しいインスタンスを生成する。
// MaxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewOrchestrator(
	users repository.SyncUserRepository,
	readings repository.ReadingRepository,
	progress repository.ProgressRepository,
	sessions SessionManager,
	registry *source.Registry,
	collector metrics.SyncCollector,
	logger *slog.Logger,
	config Config,
) *Orchestrator {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 10
	}
	if config.LookbackCap <= 0 {
		config.LookbackCap = 24 * time.Hour
	}
	if config.TickDeadline <= 0 {
		config.TickDeadline = 4 * time.Minute
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = DefaultRetryConfig()
	}
	normalize := config.Normalize
	if normalize == nil {
		normalize = trend.Normalize
	}

	return &Orchestrator{
		users:     users,
		readings:  readings,
		progress:  progress,
		sessions:  sessions,
		registry:  registry,
		normalize: normalize,
		collector: collector,
		logger:    logger,
		config:    config,
		inflight:  make(map[string]struct{}),
		now:       time.Now,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
// 起動はあくまで名目ケイデンスであり、RunOnceはティックの欠落・重複・
// バーストのいずれに対しても正しく動作する。
func (o *Orchestrator) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", o.config.MaxConcurrency),
	)

	// 起動直後に1回実行
	if err := o.RunOnce(ctx); err != nil {
		o.logger.Error("同期ティックの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := o.RunOnce(ctx); err != nil {
				o.logger.Error("同期ティックの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は1ティック分の同期を実行する。
// activeユーザーを取得し、semaphoreパターンで並列数を制御しながら
// ユーザーごとのパイプラインを実行する。ティック全体にハードデッドラインを
// 課し、超過分のユーザーは放棄される（各UPSERTは単独で原子的なため、
// 放棄によって行が中途半端に書かれることはない）。
// 外部トリガーからの重複呼び出しに対しても安全。
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	start := o.now()

	ctx, cancel := context.WithTimeout(ctx, o.config.TickDeadline)
	defer cancel()

	users, err := o.users.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("同期対象ユーザーの取得に失敗しました: %w", err)
	}

	if len(users) == 0 {
		o.logger.Info("同期対象のユーザーはいません")
		return nil
	}

	o.logger.Info("同期ティックを開始します",
		slog.Int("user_count", len(users)),
	)

	sem := make(chan struct{}, o.config.MaxConcurrency)
	var wg sync.WaitGroup

	for _, user := range users {
		// 同一ユーザーのパイプラインが既に実行中ならこのティックではスキップする。
		// 重複ログインとhighWaterMarkの順序乱れを防ぐ
		if !o.tryAcquire(user.UserID, user.Source) {
			o.logger.Warn("前回のパイプラインが実行中のためスキップします",
				slog.String("user_id", user.UserID),
				slog.String("source", user.Source),
			)
			continue
		}

		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(u *model.SyncUser) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放
			defer o.release(u.UserID, u.Source)

			o.syncUser(ctx, u)
		}(user)
	}

	wg.Wait()

	duration := o.now().Sub(start)
	o.collector.RecordTickDuration(duration)
	o.logger.Info("同期ティックが完了しました",
		slog.Int("user_count", len(users)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// syncUser は1ユーザー分のパイプラインを実行し、失敗を記録する。
// 失敗はこのユーザーの境界に封じ込め、呼び出し元には伝播させない。
func (o *Orchestrator) syncUser(ctx context.Context, user *model.SyncUser) {
	err := o.runPipeline(ctx, user)
	if err == nil {
		o.collector.RecordSyncSuccess(user.Source)
		return
	}

	o.collector.RecordSyncFailure(user.Source, failureReason(err))
	o.logger.Error("ユーザーの同期に失敗しました",
		slog.String("user_id", user.UserID),
		slog.String("source", user.Source),
		slog.String("error", err.Error()),
	)

	// デッドライン超過後でも失敗の記録は行う。highWaterMarkには触れない
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if recordErr := o.progress.RecordFailure(recordCtx, user.UserID, user.Source, err.Error()); recordErr != nil {
		o.logger.Error("同期失敗の記録に失敗しました",
			slog.String("user_id", user.UserID),
			slog.String("error", recordErr.Error()),
		)
	}
}

// runPipeline はセッション取得→フェッチ→正規化→UPSERT→進捗前進を実行する。
func (o *Orchestrator) runPipeline(ctx context.Context, user *model.SyncUser) error {
	adapter, err := o.registry.Get(user.Source)
	if err != nil {
		return err
	}

	// 1. セッション取得（一過性の失敗はバックオフ付きでリトライ）
	var session *model.AuthSession
	err = retryWithBackoff(ctx, o.config.Retry, func() error {
		s, err := o.sessions.GetSession(ctx, adapter, user.UserID)
		if err == nil {
			session = s
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}

	// 2. フェッチ下限の決定: max(highWaterMark, now - lookbackCap)。
	// lookbackCapにより長期停止後のバックログ処理量を上限付きにする
	prog, err := o.progress.Find(ctx, user.UserID, user.Source)
	if err != nil {
		return err
	}
	var highWaterMark time.Time
	if prog != nil {
		highWaterMark = prog.HighWaterMark
	}

	now := o.now()
	since := now.Add(-o.config.LookbackCap)
	if highWaterMark.After(since) {
		since = highWaterMark
	}

	// 3. フェッチ（認可拒否時は1回だけ再認証してリトライ）
	fetchStart := o.now()
	raws, err := o.fetchWithReauth(ctx, adapter, user, session, since)
	o.collector.RecordFetchLatency(o.now().Sub(fetchStart))
	if err != nil {
		return err
	}

	// 4. クライアント側フィルタ + 正規化。
	// ベンダーAPIがサーバー側フィルタを尊重する保証はないため必ず再フィルタする
	candidates := o.buildCandidates(user, raws, since, now)

	// 5. RecordedAt昇順でUPSERTし、コミットに成功したものだけを追跡する
	inserted, duplicate, maxCommitted, upsertErr := o.persist(ctx, user, candidates)
	o.collector.RecordReadingsUpserted(inserted, duplicate)

	// 6. highWaterMarkは実際にコミットされた分までしか前進させない。
	// 途中で永続化が失敗しても、着地した分が反映され、次ティックで
	// 未コミットの残りだけが正確に再試行される
	newMark := highWaterMark
	if maxCommitted.After(newMark) {
		newMark = maxCommitted
	}

	if upsertErr != nil {
		if maxCommitted.After(highWaterMark) {
			advCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if advErr := o.progress.Advance(advCtx, user.UserID, user.Source, maxCommitted, now); advErr != nil {
				o.logger.Error("部分進捗の前進に失敗しました",
					slog.String("user_id", user.UserID),
					slog.String("error", advErr.Error()),
				)
			}
		}
		return upsertErr
	}

	if err := o.progress.Advance(ctx, user.UserID, user.Source, newMark, now); err != nil {
		return err
	}

	o.logger.Info("ユーザーの同期が完了しました",
		slog.String("user_id", user.UserID),
		slog.String("source", user.Source),
		slog.Int("fetched", len(raws)),
		slog.Int("inserted", inserted),
		slog.Int("duplicate", duplicate),
		slog.Time("high_water_mark", newMark),
	)

	return nil
}

// fetchWithReauth は測定を取得する。一過性の失敗はバックオフ付きでリトライし、
// 認可拒否を受けた場合はセッションを破棄して1回だけ再認証・再試行する。
// 再試行も失敗した場合はこのティックでは諦める（highWaterMarkは触れない）。
func (o *Orchestrator) fetchWithReauth(
	ctx context.Context,
	adapter source.Adapter,
	user *model.SyncUser,
	session *model.AuthSession,
	since time.Time,
) ([]model.RawReading, error) {
	var raws []model.RawReading
	err := retryWithBackoff(ctx, o.config.Retry, func() error {
		r, err := adapter.FetchReadings(ctx, session, since)
		if err == nil {
			raws = r
		}
		return err
	})
	if err == nil {
		return raws, nil
	}
	if !model.IsFetchErrorKind(err, model.FetchErrUnauthorized) {
		return nil, err
	}

	// Authenticated → Unauthenticated へ直接遷移し、同一ティック内で1回だけ再試行
	o.sessions.Invalidate(user.UserID, user.Source)
	o.collector.RecordAuthRefresh(user.Source)

	session, err = o.sessions.GetSession(ctx, adapter, user.UserID)
	if err != nil {
		return nil, fmt.Errorf("再認証に失敗しました: %w", err)
	}

	raws, err = adapter.FetchReadings(ctx, session, since)
	if err != nil {
		return nil, fmt.Errorf("再認証後のフェッチに失敗しました: %w", err)
	}
	return raws, nil
}

// buildCandidates はsinceより厳密に後の測定だけを残し、正規化して
// RecordedAt昇順のGlucoseReading候補列を構築する。
func (o *Orchestrator) buildCandidates(user *model.SyncUser, raws []model.RawReading, since, now time.Time) []*model.GlucoseReading {
	candidates := make([]*model.GlucoseReading, 0, len(raws))
	for _, raw := range raws {
		if !raw.RecordedAt.After(since) {
			continue
		}
		if raw.ValueMgdl <= 0 {
			o.collector.RecordSkippedReading(user.Source)
			o.logger.Warn("値が不正な測定をスキップしました",
				slog.String("user_id", user.UserID),
				slog.String("source", user.Source),
				slog.Time("recorded_at", raw.RecordedAt),
			)
			continue
		}

		candidates = append(candidates, &model.GlucoseReading{
			ID:         uuid.New().String(),
			UserID:     user.UserID,
			Source:     user.Source,
			RecordedAt: raw.RecordedAt,
			ValueMgdl:  raw.ValueMgdl,
			Trend:      o.normalize(user.Source, raw.TrendCode),
			Raw:        raw.Raw,
			FetchedAt:  now,
			CreatedAt:  now,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].RecordedAt.Before(candidates[j].RecordedAt)
	})

	return candidates
}

// persist は候補をRecordedAt昇順でUPSERTする。
// 失敗した時点で中断し、そこまでにコミットされた最大RecordedAtを返す。
// 重複はno-opの正常系として数える。
func (o *Orchestrator) persist(ctx context.Context, user *model.SyncUser, candidates []*model.GlucoseReading) (inserted, duplicate int, maxCommitted time.Time, err error) {
	for _, candidate := range candidates {
		result, upsertErr := o.readings.Upsert(ctx, candidate)
		if upsertErr != nil {
			return inserted, duplicate, maxCommitted, fmt.Errorf("測定の永続化に失敗しました: %w", upsertErr)
		}

		switch result {
		case model.UpsertInserted:
			inserted++
		case model.UpsertDuplicate:
			duplicate++
		}
		if candidate.RecordedAt.After(maxCommitted) {
			maxCommitted = candidate.RecordedAt
		}
	}
	return inserted, duplicate, maxCommitted, nil
}

// tryAcquire は(userID, source)の実行権を取得する。既に実行中ならfalseを返す。
func (o *Orchestrator) tryAcquire(userID, sourceName string) bool {
	k := userID + "/" + sourceName
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	if _, running := o.inflight[k]; running {
		return false
	}
	o.inflight[k] = struct{}{}
	return true
}

// release は(userID, source)の実行権を解放する。
func (o *Orchestrator) release(userID, sourceName string) {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	delete(o.inflight, userID+"/"+sourceName)
}

// failureReason はエラーをメトリクス用の失敗理由ラベルに分類する。
func failureReason(err error) string {
	switch {
	case model.IsAuthErrorKind(err, model.AuthErrInvalidCredentials):
		return "invalid_credentials"
	case model.IsAuthErrorKind(err, model.AuthErrProviderUnavailable):
		return "provider_unavailable"
	case model.IsFetchErrorKind(err, model.FetchErrUnauthorized):
		return "unauthorized"
	case model.IsFetchErrorKind(err, model.FetchErrRateLimited):
		return "rate_limited"
	case model.IsFetchErrorKind(err, model.FetchErrNetworkTimeout):
		return "network_timeout"
	case model.IsFetchErrorKind(err, model.FetchErrMalformedResponse):
		return "malformed_response"
	default:
		return "other"
	}
}
