// Package metrics exposes Prometheus collectors for the validation service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lis_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lis_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	validationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lis_result_validations_total",
			Help: "Result validations by final status",
		},
		[]string{"status"},
	)

	criticalResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lis_critical_results_total",
			Help: "Critical results detected, by primary flag",
		},
		[]string{"flag"},
	)

	rulesSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lis_validation_rules_skipped_total",
			Help: "Malformed validation rules skipped during evaluation",
		},
		[]string{"rule_type"},
	)

	deltaLookupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lis_delta_lookup_failures_total",
			Help: "Prior-result lookups that failed or timed out",
		},
	)

	sideEffectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lis_validation_side_effect_failures_total",
			Help: "Failed post-validation side effects (notification, audit)",
		},
		[]string{"kind"},
	)

	evaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lis_validation_duration_seconds",
			Help:    "End-to-end validation duration including rule and prior lookups",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	qcRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lis_qc_runs_total",
			Help: "Westgard QC evaluations by decision",
		},
		[]string{"decision"},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency. The route template
// (c.Path()) is used as label so ids do not explode cardinality.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// RecordValidation records a completed validation.
func RecordValidation(status string, duration time.Duration) {
	validationsTotal.WithLabelValues(status).Inc()
	evaluationDuration.Observe(duration.Seconds())
}

// RecordCriticalResult records a result that crossed a critical threshold.
func RecordCriticalResult(flag string) {
	criticalResultsTotal.WithLabelValues(flag).Inc()
}

// RecordRuleSkipped records a malformed rule that was skipped.
func RecordRuleSkipped(ruleType string) {
	rulesSkippedTotal.WithLabelValues(ruleType).Inc()
}

// RecordDeltaLookupFailure records a prior-result lookup that degraded.
func RecordDeltaLookupFailure() {
	deltaLookupFailures.Inc()
}

// RecordSideEffectFailure records a failed notification or audit write.
func RecordSideEffectFailure(kind string) {
	sideEffectFailures.WithLabelValues(kind).Inc()
}

// RecordQCRun records a Westgard evaluation decision.
func RecordQCRun(decision string) {
	qcRunsTotal.WithLabelValues(decision).Inc()
}
