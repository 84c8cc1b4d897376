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
// ハンドラー、ハブ、ワーカー、スーパーバイザーから利用する。
type MetricsCollector interface {
	RecordLoginOutcome(outcome string)
	RecordAuthFailure(code string)
	RecordHTTPStatus(statusCode int)
	RecordCallbackLatency(duration time.Duration)
	RecordRateLimited(route string)
	WSConnectionOpened()
	WSConnectionClosed()
	RecordDroppedFrame()
	RecordTaskFailure(name string)
	RecordSweptSessions(deactivated, deleted int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	loginOutcome    *prometheus.CounterVec
	authFailure     *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	callbackLatency prometheus.Histogram
	rateLimited     *prometheus.CounterVec
	wsConnections   prometheus.Gauge
	droppedFrames   prometheus.Counter
	taskFailure     *prometheus.CounterVec
	sweptDeactivate prometheus.Counter
	sweptDelete     prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		loginOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authhub_login_outcome_total",
			Help: "ログイン結果種別（logged_in_existing/linked_existing/created_new）の合計数",
		}, []string{"outcome"}),
		authFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authhub_auth_failure_total",
			Help: "認証失敗のエラーコード別合計数",
		}, []string{"code"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authhub_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		callbackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "authhub_callback_latency_seconds",
			Help:    "OAuthコールバック処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authhub_rate_limited_total",
			Help: "レート制限による429応答のルート別合計数",
		}, []string{"route"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "authhub_ws_connections",
			Help: "現在のWebSocket接続数",
		}),
		droppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authhub_ws_dropped_frames_total",
			Help: "送信キュー溢れにより破棄されたフレームの合計数",
		}),
		taskFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authhub_task_failure_total",
			Help: "バックグラウンドタスク失敗のタスク名別合計数",
		}, []string{"task"}),
		sweptDeactivate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authhub_sessions_deactivated_total",
			Help: "掃除により非アクティブ化されたセッションの合計数",
		}),
		sweptDelete: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authhub_sessions_deleted_total",
			Help: "保持期限超過により削除されたセッション行の合計数",
		}),
	}

	reg.MustRegister(
		c.loginOutcome,
		c.authFailure,
		c.httpStatus,
		c.callbackLatency,
		c.rateLimited,
		c.wsConnections,
		c.droppedFrames,
		c.taskFailure,
		c.sweptDeactivate,
		c.sweptDelete,
	)

	return c
}

// RecordLoginOutcome はログイン結果種別を記録する。
func (c *Collector) RecordLoginOutcome(outcome string) {
	c.loginOutcome.WithLabelValues(outcome).Inc()
}

// RecordAuthFailure は認証失敗をエラーコード別に記録する。
func (c *Collector) RecordAuthFailure(code string) {
	c.authFailure.WithLabelValues(code).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordCallbackLatency はコールバック処理のレイテンシを記録する。
func (c *Collector) RecordCallbackLatency(duration time.Duration) {
	c.callbackLatency.Observe(duration.Seconds())
}

// RecordRateLimited は429応答をルート別に記録する。
func (c *Collector) RecordRateLimited(route string) {
	c.rateLimited.WithLabelValues(route).Inc()
}

// WSConnectionOpened はWebSocket接続の確立を記録する。
func (c *Collector) WSConnectionOpened() {
	c.wsConnections.Inc()
}

// WSConnectionClosed はWebSocket接続の切断を記録する。
func (c *Collector) WSConnectionClosed() {
	c.wsConnections.Dec()
}

// RecordDroppedFrame は送信キュー溢れによるフレーム破棄を記録する。
func (c *Collector) RecordDroppedFrame() {
	c.droppedFrames.Inc()
}

// RecordTaskFailure はバックグラウンドタスクの失敗を記録する。
func (c *Collector) RecordTaskFailure(name string) {
	c.taskFailure.WithLabelValues(name).Inc()
}

// RecordSweptSessions はセッション掃除の結果件数を記録する。
func (c *Collector) RecordSweptSessions(deactivated, deleted int64) {
	c.sweptDeactivate.Add(float64(deactivated))
	c.sweptDelete.Add(float64(deleted))
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// NopCollector は何も記録しないMetricsCollector実装。テスト用。
type NopCollector struct{}

func (NopCollector) RecordLoginOutcome(string)          {}
func (NopCollector) RecordAuthFailure(string)           {}
func (NopCollector) RecordHTTPStatus(int)               {}
func (NopCollector) RecordCallbackLatency(time.Duration) {}
func (NopCollector) RecordRateLimited(string)           {}
func (NopCollector) WSConnectionOpened()                {}
func (NopCollector) WSConnectionClosed()                {}
func (NopCollector) RecordDroppedFrame()                {}
func (NopCollector) RecordTaskFailure(string)           {}
func (NopCollector) RecordSweptSessions(int64, int64)   {}

var _ MetricsCollector = NopCollector{}
