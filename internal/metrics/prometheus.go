// Package metrics provides a Prometheus metrics registry for the router.
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

	// router_inflight_requests
	inFlight prometheus.Gauge

	// router_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// router_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// router_model_calls_total{model,outcome}
	modelCalls *prometheus.CounterVec

	// router_attempt_duration_seconds{model,outcome}
	attemptDuration *prometheus.HistogramVec

	// router_eval_score{task_type}
	evalScore *prometheus.HistogramVec

	// router_wait_time_ms — end-to-end routing wait per request
	waitTime prometheus.Histogram

	// router_cooldowns_total{model}
	cooldowns *prometheus.CounterVec

	// router_degradations_total{model,reason}
	degradations *prometheus.CounterVec

	// router_no_suitable_model_total{task_type}
	noSuitableModel *prometheus.CounterVec

	// router_budget_used_tokens{provider}
	budgetUsed *prometheus.GaugeVec

	// router_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// router_provider_up{provider}
	providerUp *prometheus.GaugeVec

	// router_build_info{version}
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
			Name: "router_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the router",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_http_requests_total",
				Help: "Total number of HTTP requests handled by the router",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes all routing cycles)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		modelCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_model_calls_total",
				Help: "Total model invocations by outcome",
			},
			[]string{"model", "outcome"},
		),

		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_attempt_duration_seconds",
				Help:    "Single model attempt duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"model", "outcome"},
		),

		evalScore: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_eval_score",
				Help:    "Evaluator score distribution",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{"task_type"},
		),

		waitTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "router_wait_time_ms",
			Help:    "Total routing wait per request in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}),

		cooldowns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_cooldowns_total",
				Help: "Rate-limit cooldowns applied per model",
			},
			[]string{"model"},
		),

		degradations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_degradations_total",
				Help: "Quality degradations applied per model",
			},
			[]string{"model", "reason"},
		),

		noSuitableModel: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_no_suitable_model_total",
				Help: "Requests that exhausted the wait budget without an accepted answer",
			},
			[]string{"task_type"},
		),

		budgetUsed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_budget_used_tokens",
				Help: "Cumulative token usage per provider",
			},
			[]string{"provider"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		providerUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_provider_up",
				Help: "Provider health status (1=ok, 0=down)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.modelCalls,
		r.attemptDuration,
		r.evalScore,
		r.waitTime,
		r.cooldowns,
		r.degradations,
		r.noSuitableModel,
		r.budgetUsed,
		r.tokensTotal,
		r.providerUp,
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
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveAttempt records one model attempt with its outcome.
func (r *Registry) ObserveAttempt(model, outcome string, dur time.Duration) {
	r.modelCalls.WithLabelValues(model, outcome).Inc()
	r.attemptDuration.WithLabelValues(model, outcome).Observe(dur.Seconds())
}

// ObserveEvalScore records an evaluator verdict.
func (r *Registry) ObserveEvalScore(taskType string, score float64) {
	r.evalScore.WithLabelValues(taskType).Observe(score)
}

// ObserveWaitTime records the total routing wait for one request.
func (r *Registry) ObserveWaitTime(dur time.Duration) {
	r.waitTime.Observe(float64(dur.Milliseconds()))
}

func (r *Registry) RecordCooldown(model string) {
	r.cooldowns.WithLabelValues(model).Inc()
}

func (r *Registry) RecordDegradation(model, reason string) {
	r.degradations.WithLabelValues(model, reason).Inc()
}

func (r *Registry) RecordNoSuitableModel(taskType string) {
	r.noSuitableModel.WithLabelValues(taskType).Inc()
}

// SetBudgetUsed publishes a provider's cumulative usage.
func (r *Registry) SetBudgetUsed(provider string, tokens int64) {
	r.budgetUsed.WithLabelValues(provider).Set(float64(tokens))
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
	if inputTokens+outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "total").Add(float64(inputTokens + outputTokens))
	}
}

func (r *Registry) SetProviderUp(provider string, ok bool) {
	if ok {
		r.providerUp.WithLabelValues(provider).Set(1)
		return
	}
	r.providerUp.WithLabelValues(provider).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
