package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mcproute/internal/domain"
)

type PrometheusMetrics struct {
	routeDuration   *prometheus.HistogramVec
	routeFallbacks  prometheus.Counter
	backendCalls    *prometheus.HistogramVec
	scriptRuns      *prometheus.HistogramVec
	llmLatency      *prometheus.HistogramVec
	registryTools   *prometheus.GaugeVec
	backendHealth   *prometheus.GaugeVec
	reloadDurations *prometheus.HistogramVec
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		routeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcproute_route_duration_seconds",
				Help:    "Duration of intelligent_route decisions in seconds",
				Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"path", "outcome"},
		),
		routeFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mcproute_route_fallbacks_total",
				Help: "Total number of LLM routing attempts that fell back to vector search",
			},
		),
		backendCalls: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcproute_backend_call_duration_seconds",
				Help:    "Duration of backend tool calls in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"server", "status"},
		),
		scriptRuns: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcproute_script_run_duration_seconds",
				Help:    "Duration of orchestration script runs in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"status"},
		),
		llmLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcproute_llm_latency_seconds",
				Help:    "Latency of LLM completion calls in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider", "model", "status"},
		),
		registryTools: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mcproute_registry_tools",
				Help: "Current number of tools in the registry by origin",
			},
			[]string{"origin"},
		),
		backendHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mcproute_backend_healthy",
				Help: "Backend health: 1 healthy, 0.5 degraded, 0 unreachable",
			},
			[]string{"server"},
		),
		reloadDurations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcproute_reload_duration_seconds",
				Help:    "Duration of configuration reloads in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"status"},
		),
	}
}

func (p *PrometheusMetrics) ObserveRoute(metric domain.RouteMetric) {
	p.routeDuration.WithLabelValues(string(metric.Path), string(metric.Outcome)).Observe(metric.Duration.Seconds())
	if metric.Fallback {
		p.routeFallbacks.Inc()
	}
}

func (p *PrometheusMetrics) ObserveBackendCall(server string, duration time.Duration, err error) {
	p.backendCalls.WithLabelValues(server, statusLabel(err)).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveScriptRun(duration time.Duration, err error) {
	p.scriptRuns.WithLabelValues(statusLabel(err)).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveLLMLatency(provider string, model string, duration time.Duration, err error) {
	p.llmLatency.WithLabelValues(provider, model, statusLabel(err)).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) SetRegistrySize(base int, dynamic int) {
	p.registryTools.WithLabelValues(string(domain.ToolOriginBase)).Set(float64(base))
	p.registryTools.WithLabelValues(string(domain.ToolOriginDynamic)).Set(float64(dynamic))
}

func (p *PrometheusMetrics) SetBackendHealth(server string, state domain.HealthState) {
	value := 0.0
	switch state {
	case domain.HealthHealthy:
		value = 1
	case domain.HealthDegraded:
		value = 0.5
	}
	p.backendHealth.WithLabelValues(server).Set(value)
}

func (p *PrometheusMetrics) ObserveReload(duration time.Duration, err error) {
	p.reloadDurations.WithLabelValues(statusLabel(err)).Observe(duration.Seconds())
}

func statusLabel(err error) string {
	if err == nil {
		return "success"
	}
	if code, ok := domain.CodeFrom(err); ok {
		return string(code)
	}
	return "error"
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)
