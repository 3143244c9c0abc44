// Package metrics provides Prometheus instrumentation for the deposit queue.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DepositsTotal counts accepted deposits, partitioned by role.
	DepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dq_deposits_total",
		Help: "Total number of deposits placed in the queue",
	}, []string{"role"})

	// DepositVolume tracks cumulative gross deposit amount by role.
	DepositVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dq_deposit_volume_total",
		Help: "Cumulative gross deposit amount",
	}, []string{"role"})

	// DepositLatency measures one full deposit step, sweeps included.
	DepositLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dq_deposit_latency_seconds",
		Help:    "Deposit processing latency in seconds",
		Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	})

	// RejectionsTotal counts deposits and withdrawals refused before mutation.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dq_rejections_total",
		Help: "Operations rejected by validation",
	}, []string{"reason"})

	// ExitsTotal counts positions leaving the queue by exit reason.
	ExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dq_exits_total",
		Help: "Positions that left the active queue",
	}, []string{"reason"})

	// SlashVictims counts positions hit by a slashing sweep.
	SlashVictims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dq_slash_victims_total",
		Help: "Positions whose target was cut by slashing",
	})

	// Drips counts drip events by outcome ("released" or a skip reason).
	Drips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dq_drips_total",
		Help: "Reserve drip events",
	}, []string{"outcome"})

	// RoundsSettled counts settlements by termination reason.
	RoundsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dq_rounds_settled_total",
		Help: "Rounds settled",
	}, []string{"reason"})

	// ProtocolReserve is the current protocol reserve balance.
	ProtocolReserve = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dq_protocol_reserve",
		Help: "Protocol reserve balance",
	})

	// JackpotReserve is the current jackpot balance.
	JackpotReserve = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dq_jackpot_reserve",
		Help: "Jackpot reserve balance",
	})

	// Liability is the outstanding unpaid target of the queue.
	Liability = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dq_liability",
		Help: "Sum of remaining need over active positions",
	})

	// HealthFactor is reserve / liability, capped.
	HealthFactor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dq_health_factor",
		Help: "Reserve to liability ratio",
	})

	// QueueLength tracks the number of active positions.
	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dq_queue_length",
		Help: "Number of active positions",
	})

	// ArchiveDropped counts archive writes dropped because the buffer was full.
	ArchiveDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dq_archive_dropped_total",
		Help: "Archive records dropped on a full buffer",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dq_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dq_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dq_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps position IDs out of the label set.
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

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
