// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_auth_total{outcome}
	authTotal *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_upstream_attempts_total{endpoint,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{endpoint,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_endpoint_health{endpoint} — 0=healthy, 1=suspected, 2=dead
	endpointHealth *prometheus.GaugeVec

	// gateway_open_reservations / gateway_open_reservation_credits
	openReservations      prometheus.Gauge
	openReservationCredit prometheus.Gauge

	// gateway_reservations_swept_total
	reservationsSwept prometheus.Counter

	// gateway_reservations_rejected_total
	reservationsRejected prometheus.Counter

	// gateway_tokens_total{model,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_credits_debited_total{model}
	creditsDebited *prometheus.CounterVec

	// gateway_stream_disconnects_total
	streamDisconnects prometheus.Counter

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		authTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_auth_total",
				Help: "Authentication decisions",
			},
			[]string{"outcome"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream endpoint attempts (includes failovers)",
			},
			[]string{"endpoint", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream endpoint attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"endpoint", "outcome"},
		),

		endpointHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_endpoint_health",
				Help: "Upstream endpoint health (0=healthy, 1=suspected, 2=dead)",
			},
			[]string{"endpoint"},
		),

		openReservations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_open_reservations",
			Help: "Number of currently open credit reservations",
		}),

		openReservationCredit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_open_reservation_credits",
			Help: "Micro-credits held by currently open reservations",
		}),

		reservationsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_reservations_swept_total",
			Help: "Expired reservations released by the background sweeper",
		}),

		reservationsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_reservations_rejected_total",
			Help: "Requests rejected for insufficient credit",
		}),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Billed token totals by model and direction",
			},
			[]string{"model", "direction"},
		),

		creditsDebited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_credits_debited_total",
				Help: "Micro-credits debited through settlement",
			},
			[]string{"model"},
		),

		streamDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_stream_disconnects_total",
			Help: "Streams cut short by client disconnect",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.authTotal,
		r.rateLimitTotal,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.endpointHealth,
		r.openReservations,
		r.openReservationCredit,
		r.reservationsSwept,
		r.reservationsRejected,
		r.tokensTotal,
		r.creditsDebited,
		r.streamDisconnects,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

func (r *Registry) RecordAuth(outcome string) {
	r.authTotal.WithLabelValues(outcome).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// ObserveUpstreamAttempt records one upstream endpoint attempt.
func (r *Registry) ObserveUpstreamAttempt(endpoint, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(endpoint, outcome).Inc()
	r.upstreamDuration.WithLabelValues(endpoint, outcome).Observe(dur.Seconds())
}

func (r *Registry) SetEndpointHealth(endpoint string, state int64) {
	r.endpointHealth.WithLabelValues(endpoint).Set(float64(state))
}

func (r *Registry) SetOpenReservations(count int, credits int64) {
	r.openReservations.Set(float64(count))
	r.openReservationCredit.Set(float64(credits))
}

func (r *Registry) AddReservationsSwept(n int) {
	r.reservationsSwept.Add(float64(n))
}

func (r *Registry) RecordReservationRejected() {
	r.reservationsRejected.Inc()
}

func (r *Registry) RecordStreamDisconnect() {
	r.streamDisconnects.Inc()
}

// RecordSettlement records the billed tokens and debited credits for one
// settled request.
func (r *Registry) RecordSettlement(model string, promptTokens, completionTokens int, cost int64) {
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "input").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "output").Add(float64(completionTokens))
	}
	if cost > 0 {
		r.creditsDebited.WithLabelValues(model).Add(float64(cost))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
