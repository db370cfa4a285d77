// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SyncCollector はメトリクス収集のインターフェース。
// OrchestratorやSession Managerから利用する。
type SyncCollector interface {
	RecordSyncSuccess(source string)
	RecordSyncFailure(source string, reason string)
	RecordReadingsUpserted(inserted, duplicate int)
	RecordSkippedReading(source string)
	RecordAuthRefresh(source string)
	RecordFetchLatency(duration time.Duration)
	RecordTickDuration(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncSuccess   *prometheus.CounterVec
	syncFail      *prometheus.CounterVec
	inserted      prometheus.Counter
	duplicate     prometheus.Counter
	skipped       *prometheus.CounterVec
	authRefresh   *prometheus.CounterVec
	fetchLatency  prometheus.Histogram
	tickDuration  prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glucosync_sync_success_total",
			Help: "ユーザー単位同期成功の合計数",
		}, []string{"source"}),
		syncFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glucosync_sync_fail_total",
			Help: "ユーザー単位同期失敗の合計数（失敗理由別）",
		}, []string{"source", "reason"}),
		inserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glucosync_readings_inserted_total",
			Help: "新規挿入された測定の合計数",
		}),
		duplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glucosync_readings_duplicate_total",
			Help: "冪等性キー衝突によりno-opとなった測定の合計数",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glucosync_readings_skipped_total",
			Help: "不正なためスキップされた測定の合計数",
		}, []string{"source"}),
		authRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glucosync_auth_refresh_total",
			Help: "セッション再認証の合計数",
		}, []string{"source"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "glucosync_fetch_latency_seconds",
			Help:    "ベンダーAPIフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "glucosync_tick_duration_seconds",
			Help:    "同期ティック全体の所要時間（秒）",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 240},
		}),
	}

	reg.MustRegister(
		c.syncSuccess,
		c.syncFail,
		c.inserted,
		c.duplicate,
		c.skipped,
		c.authRefresh,
		c.fetchLatency,
		c.tickDuration,
	)

	return c
}

// RecordSyncSuccess はユーザー単位の同期成功を記録する。
func (c *Collector) RecordSyncSuccess(source string) {
	c.syncSuccess.WithLabelValues(source).Inc()
}

// RecordSyncFailure はユーザー単位の同期失敗を記録する。
func (c *Collector) RecordSyncFailure(source string, reason string) {
	c.syncFail.WithLabelValues(source, reason).Inc()
}

// RecordReadingsUpserted はUPSERT結果の件数を記録する。
func (c *Collector) RecordReadingsUpserted(inserted, duplicate int) {
	c.inserted.Add(float64(inserted))
	c.duplicate.Add(float64(duplicate))
}

// RecordSkippedReading はスキップされた測定を記録する。
func (c *Collector) RecordSkippedReading(source string) {
	c.skipped.WithLabelValues(source).Inc()
}

// RecordAuthRefresh はセッション再認証を記録する。
func (c *Collector) RecordAuthRefresh(source string) {
	c.authRefresh.WithLabelValues(source).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordTickDuration はティック全体の所要時間を記録する。
func (c *Collector) RecordTickDuration(duration time.Duration) {
	c.tickDuration.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
