// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 繰り返しイベント展開の結果ラベル
const (
	OccurrenceCreated = "created"
	OccurrenceUpdated = "updated"
	OccurrenceDeleted = "deleted"
	OccurrenceSkipped = "skipped"
)

// メンテナンスタスク実行の結果ラベル
const (
	TaskResultSuccess = "success"
	TaskResultFailure = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ファンアウト、繰り返し展開、メンテナンスワーカーから利用する。
type MetricsCollector interface {
	RecordLinksAdded(kind string, count int)
	RecordLinksRemoved(kind string, count int)
	RecordOccurrence(result string)
	RecordTaskRun(task, result string, duration time.Duration)
	SetTaskOwned(task string, owned bool)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	linksAdded   *prometheus.CounterVec
	linksRemoved *prometheus.CounterVec
	occurrences  *prometheus.CounterVec
	taskRuns     *prometheus.CounterVec
	taskOwned    *prometheus.GaugeVec
	taskDuration *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		linksAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_links_added_total",
			Help: "作成された可視性リンクの合計数",
		}, []string{"kind"}),
		linksRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_links_removed_total",
			Help: "削除された可視性リンクの合計数",
		}, []string{"kind"}),
		occurrences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_occurrences_total",
			Help: "繰り返しイベント展開で処理された回の合計数",
		}, []string{"result"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_task_runs_total",
			Help: "メンテナンスタスクの実行回数",
		}, []string{"task", "result"}),
		taskOwned: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dashboard_task_owned",
			Help: "このサーバーがタスクのロックを保持しているか（1/0）",
		}, []string{"task"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dashboard_task_duration_seconds",
			Help:    "メンテナンスタスクの実行時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_http_requests_total",
			Help: "管理APIのリクエスト数",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dashboard_http_request_duration_seconds",
			Help:    "管理APIのレスポンス時間（秒）",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5},
		}, []string{"route"}),
	}

	reg.MustRegister(
		c.linksAdded,
		c.linksRemoved,
		c.occurrences,
		c.taskRuns,
		c.taskOwned,
		c.taskDuration,
		c.httpRequests,
		c.httpDuration,
	)

	return c
}

// RecordLinksAdded は作成されたリンク数を記録する。
func (c *Collector) RecordLinksAdded(kind string, count int) {
	if count > 0 {
		c.linksAdded.WithLabelValues(kind).Add(float64(count))
	}
}

// RecordLinksRemoved は削除されたリンク数を記録する。
func (c *Collector) RecordLinksRemoved(kind string, count int) {
	if count > 0 {
		c.linksRemoved.WithLabelValues(kind).Add(float64(count))
	}
}

// RecordOccurrence は繰り返しイベント展開の結果を1件記録する。
func (c *Collector) RecordOccurrence(result string) {
	c.occurrences.WithLabelValues(result).Inc()
}

// RecordTaskRun はメンテナンスタスクの実行結果と実行時間を記録する。
func (c *Collector) RecordTaskRun(task, result string, duration time.Duration) {
	c.taskRuns.WithLabelValues(task, result).Inc()
	c.taskDuration.WithLabelValues(task).Observe(duration.Seconds())
}

// SetTaskOwned はタスクのロック保持状態を記録する。
func (c *Collector) SetTaskOwned(task string, owned bool) {
	v := 0.0
	if owned {
		v = 1
	}
	c.taskOwned.WithLabelValues(task).Set(v)
}

// ObserveHTTPRequest はリクエスト1件を記録する。routeにはchiのルートパターンを渡す。
func (c *Collector) ObserveHTTPRequest(route, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordLinksAdded(string, int)                          {}
func (Nop) RecordLinksRemoved(string, int)                        {}
func (Nop) RecordOccurrence(string)                               {}
func (Nop) RecordTaskRun(string, string, time.Duration)           {}
func (Nop) SetTaskOwned(string, bool)                             {}
func (Nop) ObserveHTTPRequest(string, string, int, time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 収集中のエラーは記録済みのメトリクスだけを返して継続する。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
var _ MetricsCollector = Nop{}
