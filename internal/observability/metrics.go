package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "broadcast_engine"

// Metrics stores Prometheus collectors used by API and worker flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDuration       *prometheus.HistogramVec
	draftsPromotedTotal       prometheus.Counter
	promotionFailuresTotal    prometheus.Counter
	queuePublishFailuresTotal *prometheus.CounterVec
	recipientOutcomesTotal    *prometheus.CounterVec
	duplicateResultsTotal     prometheus.Counter
	counterConflictsTotal     prometheus.Counter
	completionsTotal          *prometheus.CounterVec
	reconciledTotal           *prometheus.CounterVec
	dispatchSendDuration      prometheus.Histogram
	dispatchInflight          prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		draftsPromotedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drafts_promoted_total",
			Help:      "Total number of drafts moved into the sent partition.",
		}),
		promotionFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotion_failures_total",
			Help:      "Total number of due drafts that could not be promoted on a tick.",
		}),
		queuePublishFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_publish_failures_total",
				Help:      "Total number of failed queue publishes grouped by queue.",
			},
			[]string{"queue"},
		),
		recipientOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recipient_outcomes_total",
				Help:      "Total number of recipient outcomes folded into notification counters.",
			},
			[]string{"status"},
		),
		duplicateResultsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_results_total",
			Help:      "Total number of data messages discarded because the recipient was already terminal.",
		}),
		counterConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_conflicts_total",
			Help:      "Total number of optimistic counter updates that lost a version race.",
		}),
		completionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "completions_total",
				Help:      "Total number of notifications marked complete grouped by reason.",
			},
			[]string{"reason"},
		),
		reconciledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciled_total",
				Help:      "Total number of sent notifications repaired by the reconciliation sweep.",
			},
			[]string{"action"},
		),
		dispatchSendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_send_duration_seconds",
			Help:      "Chat adapter send duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		dispatchInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_inflight",
			Help:      "Current number of in-flight recipient sends.",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.draftsPromotedTotal,
		m.promotionFailuresTotal,
		m.queuePublishFailuresTotal,
		m.recipientOutcomesTotal,
		m.duplicateResultsTotal,
		m.counterConflictsTotal,
		m.completionsTotal,
		m.reconciledTotal,
		m.dispatchSendDuration,
		m.dispatchInflight,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncDraftPromoted() {
	if m == nil {
		return
	}
	m.draftsPromotedTotal.Inc()
}

func (m *Metrics) IncPromotionFailure() {
	if m == nil {
		return
	}
	m.promotionFailuresTotal.Inc()
}

func (m *Metrics) IncQueuePublishFailure(queue string) {
	if m == nil {
		return
	}
	m.queuePublishFailuresTotal.WithLabelValues(normalizeLabel(queue)).Inc()
}

func (m *Metrics) IncRecipientOutcome(status string) {
	if m == nil {
		return
	}
	m.recipientOutcomesTotal.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *Metrics) IncDuplicateResult() {
	if m == nil {
		return
	}
	m.duplicateResultsTotal.Inc()
}

func (m *Metrics) IncCounterConflict() {
	if m == nil {
		return
	}
	m.counterConflictsTotal.Inc()
}

// IncCompletion counts a completion; reason is one of natural, forced, empty or reconciled.
func (m *Metrics) IncCompletion(reason string) {
	if m == nil {
		return
	}
	m.completionsTotal.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncReconciled(action string) {
	if m == nil {
		return
	}
	m.reconciledTotal.WithLabelValues(normalizeLabel(action)).Inc()
}

func (m *Metrics) ObserveDispatchSendDuration(duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.dispatchSendDuration.Observe(seconds)
}

func (m *Metrics) IncDispatchInFlight() {
	if m == nil {
		return
	}
	m.dispatchInflight.Inc()
}

func (m *Metrics) DecDispatchInFlight() {
	if m == nil {
		return
	}
	m.dispatchInflight.Dec()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
