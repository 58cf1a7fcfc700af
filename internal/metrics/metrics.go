/**
 * @description
 * Prometheus collectors for the packet-service. Collectors register with the
 * default registry on package init and are served from `/metrics`.
 *
 * @notes
 * - `packet_claim_reconciliation_required_total` is the alarmable series:
 *   any increase means a settled payout is not reflected in pool bookkeeping.
 */
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packet_claims_total",
		Help: "Claim attempts by outcome",
	}, []string{"outcome"})

	ClaimDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "packet_claim_duration_seconds",
		Help:    "End-to-end claim latency including settlement",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	PersistConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packet_claim_persist_conflicts_total",
		Help: "Version conflicts observed while persisting settled claims",
	})

	ReconciliationRequired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packet_claim_reconciliation_required_total",
		Help: "Settled or possibly settled claims that need operator reconciliation",
	}, []string{"reason"})

	PacketsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packet_created_total",
		Help: "Packets created by mode",
	}, []string{"mode"})

	RefundSignals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packet_refund_signals_total",
		Help: "Refund-eligible signals emitted for expired packets",
	})

	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packet_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "packet_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "route"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency keyed by the chi route
// pattern, so path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpReqTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
