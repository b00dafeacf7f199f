// Package metrics provides a Prometheus metrics registry for the relay.
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

// Metrics holds all exported metrics.
type Metrics struct {
	reg *prometheus.Registry

	// relay_inflight_requests
	inFlight prometheus.Gauge

	// relay_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// relay_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// relay_route_attempts_total{provider,outcome}
	routeAttempts *prometheus.CounterVec

	// relay_route_attempt_duration_seconds{provider,outcome}
	attemptDuration *prometheus.HistogramVec

	// relay_route_exhausted_total{model}
	routeExhausted *prometheus.CounterVec

	// relay_pacing_wait_seconds_total
	pacingWait prometheus.Counter

	// relay_blacklist_blocks_total{provider}
	blacklistBlocks *prometheus.CounterVec

	// relay_blacklist_size
	blacklistSize prometheus.Gauge

	// relay_stream_events_total{provider,type}
	streamEvents *prometheus.CounterVec

	// relay_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// relay_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// relay_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// relay_history_dropped_total
	historyDropped prometheus.Counter

	// relay_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// relay_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the relay",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests handled by the relay",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes fallback walk)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"route"},
		),

		routeAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_route_attempts_total",
				Help: "Candidate attempts by provider and outcome (includes blacklist skips)",
			},
			[]string{"provider", "outcome"},
		),

		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_route_attempt_duration_seconds",
				Help:    "Per-candidate attempt duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"provider", "outcome"},
		),

		routeExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_route_exhausted_total",
				Help: "Requests whose entire candidate list failed",
			},
			[]string{"model"},
		),

		pacingWait: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_pacing_wait_seconds_total",
			Help: "Cumulative time spent pacing between candidate attempts",
		}),

		blacklistBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_blacklist_blocks_total",
				Help: "Candidates added to the rate-limit blacklist",
			},
			[]string{"provider"},
		),

		blacklistSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_blacklist_size",
			Help: "Current number of blacklisted candidates",
		}),

		streamEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_stream_events_total",
				Help: "Stream events relayed to clients by type",
			},
			[]string{"provider", "type"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_cache_operations_total",
				Help: "Response cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_ratelimit_total",
				Help: "Inbound rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		historyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_history_dropped_total",
			Help: "Request history records dropped because the recorder queue was full",
		}),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		m.inFlight,
		m.httpRequestsTotal,
		m.httpDuration,
		m.routeAttempts,
		m.attemptDuration,
		m.routeExhausted,
		m.pacingWait,
		m.blacklistBlocks,
		m.blacklistSize,
		m.streamEvents,
		m.cacheOps,
		m.rateLimitTotal,
		m.tokensTotal,
		m.historyDropped,
		m.providerHealth,
		m.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	m.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return m
}

func (m *Metrics) IncInFlight() { m.inFlight.Inc() }
func (m *Metrics) DecInFlight() { m.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (m *Metrics) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	m.httpRequestsTotal.WithLabelValues(route, status).Inc()
	m.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveRouteAttempt records one candidate attempt.
func (m *Metrics) ObserveRouteAttempt(provider, outcome string, dur time.Duration) {
	m.routeAttempts.WithLabelValues(provider, outcome).Inc()
	if dur > 0 {
		m.attemptDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
	}
}

func (m *Metrics) RecordExhausted(model string) {
	m.routeExhausted.WithLabelValues(model).Inc()
}

func (m *Metrics) RecordPacingWait(d time.Duration) {
	m.pacingWait.Add(d.Seconds())
}

func (m *Metrics) RecordBlacklistBlock(provider string) {
	m.blacklistBlocks.WithLabelValues(provider).Inc()
}

func (m *Metrics) SetBlacklistSize(n int) {
	m.blacklistSize.Set(float64(n))
}

func (m *Metrics) RecordStreamEvent(provider, typ string) {
	m.streamEvents.WithLabelValues(provider, typ).Inc()
}

func (m *Metrics) CacheGetHit()    { m.cacheOps.WithLabelValues("get", "hit").Inc() }
func (m *Metrics) CacheGetMiss()   { m.cacheOps.WithLabelValues("get", "miss").Inc() }
func (m *Metrics) CacheGetBypass() { m.cacheOps.WithLabelValues("get", "bypass").Inc() }
func (m *Metrics) CacheSetOK()     { m.cacheOps.WithLabelValues("set", "ok").Inc() }
func (m *Metrics) CacheSetError()  { m.cacheOps.WithLabelValues("set", "error").Inc() }

func (m *Metrics) RecordRateLimit(result string) {
	m.rateLimitTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) AddTokens(provider string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		m.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func (m *Metrics) RecordHistoryDropped() { m.historyDropped.Inc() }

func (m *Metrics) SetProviderHealth(provider string, ok bool) {
	if ok {
		m.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	m.providerHealth.WithLabelValues(provider).Set(0)
}

func (m *Metrics) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	m.buildInfo.WithLabelValues(version).Set(1)
}

func (m *Metrics) Handler() fasthttp.RequestHandler {
	return m.metricsHandler
}

func (m *Metrics) PromRegistry() *prometheus.Registry { return m.reg }
