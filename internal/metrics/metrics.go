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
// ペルソナAPIクライアント、認証サービス、チャットリレー、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordUpstreamCall(endpoint, outcome string, duration time.Duration)
	RecordTokenRefresh(outcome string)
	RecordChatTurn(outcome string)
	RecordChunksForwarded(count int)
	RecordHTTPStatus(statusCode int)
}

// 上流呼び出し・チャットターンの結果ラベル。
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	upstreamCalls   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	tokenRefresh    *prometheus.CounterVec
	chatTurns       *prometheus.CounterVec
	chunksForwarded prometheus.Counter
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "personachat_upstream_calls_total",
			Help: "ペルソナAPI呼び出し数（エンドポイント・結果別）",
		}, []string{"endpoint", "outcome"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "personachat_upstream_latency_seconds",
			Help:    "ペルソナAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "personachat_token_refresh_total",
			Help: "アクセストークンリフレッシュの試行数（結果別）",
		}, []string{"outcome"}),
		chatTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "personachat_chat_turns_total",
			Help: "チャットターン数（結果別）",
		}, []string{"outcome"}),
		chunksForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "personachat_chat_chunks_forwarded_total",
			Help: "クライアントへ転送したチャンクの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "personachat_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.upstreamCalls,
		c.upstreamLatency,
		c.tokenRefresh,
		c.chatTurns,
		c.chunksForwarded,
		c.httpStatus,
	)

	return c
}

// RecordUpstreamCall はペルソナAPI呼び出しの結果とレイテンシを記録する。
func (c *Collector) RecordUpstreamCall(endpoint, outcome string, duration time.Duration) {
	c.upstreamCalls.WithLabelValues(endpoint, outcome).Inc()
	c.upstreamLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordTokenRefresh はトークンリフレッシュの結果を記録する。
func (c *Collector) RecordTokenRefresh(outcome string) {
	c.tokenRefresh.WithLabelValues(outcome).Inc()
}

// RecordChatTurn はチャットターンの結果を記録する。
func (c *Collector) RecordChatTurn(outcome string) {
	c.chatTurns.WithLabelValues(outcome).Inc()
}

// RecordChunksForwarded は転送したチャンク数を加算する。
func (c *Collector) RecordChunksForwarded(count int) {
	c.chunksForwarded.Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordUpstreamCall(string, string, time.Duration) {}
func (Nop) RecordTokenRefresh(string)                        {}
func (Nop) RecordChatTurn(string)                            {}
func (Nop) RecordChunksForwarded(int)                        {}
func (Nop) RecordHTTPStatus(int)                             {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface checks
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
