// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層やリアルタイム配信から利用する。
type MetricsCollector interface {
	RecordPostMutation(action string)
	RecordFeedPage(duration time.Duration, count int)
	RecordEventPublished(kind string)
	RecordRealtimeClients(delta int)
	RecordHTTPStatus(statusCode int)
}

// 投稿系ミューテーションのラベル値
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionLike   = "like"
	ActionUnlike = "unlike"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	postMutations   *prometheus.CounterVec
	feedLatency     prometheus.Histogram
	feedPageSize    prometheus.Histogram
	eventsPublished *prometheus.CounterVec
	realtimeClients prometheus.Gauge
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		postMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chirp_post_mutations_total",
			Help: "投稿・いいね操作の成功数",
		}, []string{"action"}),
		feedLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chirp_feed_page_latency_seconds",
			Help:    "フィード1ページ取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		feedPageSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chirp_feed_page_posts",
			Help:    "フィード1ページで返した投稿数",
			Buckets: []float64{0, 1, 5, 10},
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chirp_realtime_events_published_total",
			Help: "配信した変更通知の数",
		}, []string{"kind"}),
		realtimeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chirp_realtime_clients",
			Help: "接続中のWebSocketクライアント数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chirp_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.postMutations,
		c.feedLatency,
		c.feedPageSize,
		c.eventsPublished,
		c.realtimeClients,
		c.httpStatus,
	)

	return c
}

// RecordPostMutation は投稿・いいね操作の成功を記録する。
func (c *Collector) RecordPostMutation(action string) {
	c.postMutations.WithLabelValues(action).Inc()
}

// RecordFeedPage はフィード取得のレイテンシと件数を記録する。
func (c *Collector) RecordFeedPage(duration time.Duration, count int) {
	c.feedLatency.Observe(duration.Seconds())
	c.feedPageSize.Observe(float64(count))
}

// RecordEventPublished は変更通知の配信を記録する。
func (c *Collector) RecordEventPublished(kind string) {
	c.eventsPublished.WithLabelValues(kind).Inc()
}

// RecordRealtimeClients は接続中クライアント数を増減する。
func (c *Collector) RecordRealtimeClients(delta int) {
	c.realtimeClients.Add(float64(delta))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NopCollector は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type NopCollector struct{}

func (NopCollector) RecordPostMutation(string)          {}
func (NopCollector) RecordFeedPage(time.Duration, int) {}
func (NopCollector) RecordEventPublished(string)        {}
func (NopCollector) RecordRealtimeClients(int)          {}
func (NopCollector) RecordHTTPStatus(int)               {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
