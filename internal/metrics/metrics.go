// Package metrics provides Prometheus instrumentation for the dashboard service.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/polyboard/internal/models"
)

var (
	// PoolSize is the number of observations currently retained.
	PoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polyboard_pool_size",
		Help: "Observations currently held in the rolling pool",
	})

	// ObservationsMerged counts merge outcomes: added, replaced, skipped, evicted.
	ObservationsMerged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyboard_observations_total",
		Help: "Observations processed by pool merges, by outcome",
	}, []string{"outcome"})

	// RowsRejected counts scraped rows dropped before reaching the pool.
	RowsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polyboard_rows_rejected_total",
		Help: "Scraped table rows rejected as malformed",
	})

	// FetchErrors counts failed polls of the activity source.
	FetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polyboard_fetch_errors_total",
		Help: "Failed fetches of the activity table",
	})

	// UsageFetchErrors counts failed refreshes of the user stats query.
	UsageFetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polyboard_usage_fetch_errors_total",
		Help: "Failed fetches of the network user stats query",
	})

	// CycleDuration tracks the time spent per refresh cycle.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polyboard_cycle_duration_seconds",
		Help:    "Refresh cycle duration in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// ActiveAlerts is the number of alerts per tier in the latest cycle.
	ActiveAlerts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "polyboard_active_alerts",
		Help: "Alerts in the latest cycle, by tier",
	}, []string{"tier"})

	// RankedGroups is the number of ranked groups per horizon in the latest cycle.
	RankedGroups = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "polyboard_ranked_groups",
		Help: "Ranked (event, market, side) groups in the latest cycle, by horizon",
	}, []string{"horizon"})

	// NotificationsSent counts alert notifications delivered.
	NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polyboard_notifications_sent_total",
		Help: "Alert notifications delivered to Telegram",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyboard_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polyboard_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// RecordMerge adds a pool merge result to the counters.
func RecordMerge(stats models.MergeStats, poolSize int) {
	ObservationsMerged.WithLabelValues("added").Add(float64(stats.Added))
	ObservationsMerged.WithLabelValues("replaced").Add(float64(stats.Replaced))
	ObservationsMerged.WithLabelValues("skipped").Add(float64(stats.Skipped))
	ObservationsMerged.WithLabelValues("evicted").Add(float64(stats.Evicted))
	PoolSize.Set(float64(poolSize))
}

// RecordDashboard publishes per-cycle gauges.
func RecordDashboard(d *models.Dashboard) {
	ActiveAlerts.WithLabelValues("5").Set(float64(len(d.Alerts.Tier5)))
	ActiveAlerts.WithLabelValues("10").Set(float64(len(d.Alerts.Tier10)))
	ActiveAlerts.WithLabelValues("30").Set(float64(len(d.Alerts.Tier30)))
	for _, r := range d.Rankings {
		RankedGroups.WithLabelValues(r.Name).Set(float64(len(r.Rows)))
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route patterns keep label cardinality bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
