// Package metrics exposes Prometheus metrics for the HTTP host and the
// billing events flowing through it.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/power-ledger/billing"
)

const metricPrefix = "power_ledger_"

// Metrics bundles service metrics.
type Metrics struct {
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
	BillsSubmitted *prometheus.CounterVec
	BilledKWh      prometheus.Counter
	PeriodsDone    prometheus.Counter
	Reminders      prometheus.Counter
	Exports        *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New constructs metrics and registers them on reg. A nil reg uses a fresh
// registry, which keeps tests independent.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "http_requests_total",
				Help: "Total HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		BillsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "bills_submitted_total",
				Help: "Total committed bills by kind and whether an existing bill was replaced",
			},
			[]string{"kind", "replaced"},
		),
		BilledKWh: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "billed_kwh_total",
			Help: "Total kWh covered by committed bills",
		}),
		PeriodsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "periods_complete_total",
			Help: "Total periods that became complete",
		}),
		Reminders: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "bill_reminders_total",
			Help: "Total reminders sent for complete but unbilled periods",
		}),
		Exports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "exports_total",
				Help: "Total history exports by format and result",
			},
			[]string{"format", "result"},
		),
		gatherer: reg,
	}
	reg.MustRegister(
		m.HTTPRequests,
		m.HTTPDuration,
		m.BillsSubmitted,
		m.BilledKWh,
		m.PeriodsDone,
		m.Reminders,
		m.Exports,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records count and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Export counts one export attempt.
func (m *Metrics) Export(format string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.Exports.WithLabelValues(format, result).Inc()
}

// =============================================================================
// NOTIFIER - Counts billing events
// =============================================================================

func (m *Metrics) PeriodComplete(context.Context, billing.PeriodCompleteEvent) error {
	m.PeriodsDone.Inc()
	return nil
}

func (m *Metrics) BillSubmitted(_ context.Context, e billing.BillSubmittedEvent) error {
	kind := "single"
	if e.Bill.IsMultiPeriod {
		kind = "multi"
	}
	m.BillsSubmitted.WithLabelValues(kind, strconv.FormatBool(e.Replaced)).Inc()
	m.BilledKWh.Add(float64(e.Bill.TotalUsageKWh))
	return nil
}

func (m *Metrics) Remind(context.Context, billing.PeriodCompleteEvent) error {
	m.Reminders.Inc()
	return nil
}
