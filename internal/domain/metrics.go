package domain

import "time"

// RouteOutcome labels how an intelligent_route call ended.
type RouteOutcome string

const (
	RouteOutcomeRegistered RouteOutcome = "registered"
	RouteOutcomeNoTool     RouteOutcome = "no_tool"
	RouteOutcomeError      RouteOutcome = "error"
)

// RoutePath labels which branch of the decision engine produced the result.
type RoutePath string

const (
	RoutePathFastPath RoutePath = "fast_path"
	RoutePathProxy    RoutePath = "llm_proxy"
	RoutePathScript   RoutePath = "llm_script"
	RoutePathVector   RoutePath = "vector"
)

// RouteMetric captures one routing decision.
type RouteMetric struct {
	Path     RoutePath
	Outcome  RouteOutcome
	Fallback bool
	Duration time.Duration
}

// Metrics records operational metrics for routing, backends and scripts.
type Metrics interface {
	ObserveRoute(metric RouteMetric)
	ObserveBackendCall(server string, duration time.Duration, err error)
	ObserveScriptRun(duration time.Duration, err error)
	ObserveLLMLatency(provider string, model string, duration time.Duration, err error)
	SetRegistrySize(base int, dynamic int)
	SetBackendHealth(server string, state HealthState)
	ObserveReload(duration time.Duration, err error)
}

// NoopMetrics discards all observations.
type NoopMetrics struct{}

func (NoopMetrics) ObserveRoute(RouteMetric)                               {}
func (NoopMetrics) ObserveBackendCall(string, time.Duration, error)        {}
func (NoopMetrics) ObserveScriptRun(time.Duration, error)                  {}
func (NoopMetrics) ObserveLLMLatency(string, string, time.Duration, error) {}
func (NoopMetrics) SetRegistrySize(int, int)                               {}
func (NoopMetrics) SetBackendHealth(string, HealthState)                   {}
func (NoopMetrics) ObserveReload(time.Duration, error)                     {}

var _ Metrics = NoopMetrics{}
