// Package metrics 汇总 HumanLoop 的 Prometheus 指标。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "humanloop",
		Name:      "http_requests_total",
		Help:      "Gateway requests by handler, method and status code.",
	}, []string{"handler", "method", "code"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "humanloop",
		Name:      "http_request_duration_seconds",
		Help:      "Gateway request latency.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"handler", "method"})

	taskTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "humanloop",
		Name:      "task_transitions_total",
		Help:      "Lease operations on the task store by operation and result.",
	}, []string{"op", "result"})

	relayNotices = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "humanloop",
		Name:      "relay_notices_total",
		Help:      "Completion notices by outcome.",
	}, []string{"result"})
)

func init() {
	registry.MustRegister(
		httpRequests,
		httpLatency,
		taskTransitions,
		relayNotices,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Recorder 把任务与通知事件写入指标，实现 task.TransitionObserver 与
// humantask.NoticeObserver。
type Recorder struct{}

// ObserveTransition 记录一次租约操作。
func (Recorder) ObserveTransition(op, result string) {
	taskTransitions.WithLabelValues(op, result).Inc()
}

// ObserveNotice 记录一次完成通知的处理结果。
func (Recorder) ObserveNotice(result string) {
	relayNotices.WithLabelValues(result).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Gatherer 返回底层注册表，便于测试读取。
func Gatherer() prometheus.Gatherer {
	return registry
}
