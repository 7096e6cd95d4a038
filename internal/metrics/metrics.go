// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 認証イベント種別
const (
	AuthEventSignIn       = "sign_in"
	AuthEventSignInFailed = "sign_in_failed"
	AuthEventRegister     = "register"
	AuthEventSignOut      = "sign_out"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 出品サービスやHTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordListingCreated()
	RecordListingDeleted()
	RecordImageUpload(success bool)
	RecordImageDelete(success bool)
	RecordDecodeFailure()
	RecordAuthEvent(event string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	listingsCreated prometheus.Counter
	listingsDeleted prometheus.Counter
	imageUploads    *prometheus.CounterVec
	imageDeletes    *prometheus.CounterVec
	decodeFail      prometheus.Counter
	authEvents      *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	fetchLatency    prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		listingsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carmarket_listings_created_total",
			Help: "登録された出品の合計数",
		}),
		listingsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carmarket_listings_deleted_total",
			Help: "削除された出品の合計数",
		}),
		imageUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carmarket_image_uploads_total",
			Help: "画像アップロードの結果別の合計数",
		}, []string{"result"}),
		imageDeletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carmarket_image_deletes_total",
			Help: "画像削除の結果別の合計数",
		}, []string{"result"}),
		decodeFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carmarket_listing_decode_fail_total",
			Help: "形式不正で読み飛ばした出品ドキュメントの合計数",
		}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carmarket_auth_events_total",
			Help: "認証イベント種別ごとの合計数",
		}, []string{"event"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carmarket_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carmarket_listing_fetch_latency_seconds",
			Help:    "出品一覧取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.listingsCreated,
		c.listingsDeleted,
		c.imageUploads,
		c.imageDeletes,
		c.decodeFail,
		c.authEvents,
		c.httpStatus,
		c.fetchLatency,
	)

	return c
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordListingCreated は出品登録を記録する。
func (c *Collector) RecordListingCreated() {
	c.listingsCreated.Inc()
}

// RecordListingDeleted は出品削除を記録する。
func (c *Collector) RecordListingDeleted() {
	c.listingsDeleted.Inc()
}

// RecordImageUpload は画像アップロードの結果を記録する。
func (c *Collector) RecordImageUpload(success bool) {
	c.imageUploads.WithLabelValues(resultLabel(success)).Inc()
}

// RecordImageDelete は画像削除の結果を記録する。
func (c *Collector) RecordImageDelete(success bool) {
	c.imageDeletes.WithLabelValues(resultLabel(success)).Inc()
}

// RecordDecodeFailure は出品ドキュメントのデコード失敗を記録する。
func (c *Collector) RecordDecodeFailure() {
	c.decodeFail.Inc()
}

// RecordAuthEvent は認証イベントを記録する。
func (c *Collector) RecordAuthEvent(event string) {
	c.authEvents.WithLabelValues(event).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency は出品一覧取得のレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordListingCreated() {}
func (Nop) RecordListingDeleted() {}
func (Nop) RecordImageUpload(bool) {}
func (Nop) RecordImageDelete(bool) {}
func (Nop) RecordDecodeFailure() {}
func (Nop) RecordAuthEvent(string) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordFetchLatency(time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
