package telemetry

import (
	"time"

	"go.uber.org/zap"
)

const (
	FieldEvent      = "event"
	FieldServer     = "server"
	FieldTool       = "tool"
	FieldPath       = "path"
	FieldHealth     = "health"
	FieldDurationMs = "duration_ms"
	FieldLogSource  = "log_source"
	FieldRequestID  = "request_id"
	FieldSessionID  = "session_id"
	FieldTraceID    = "trace_id"
	FieldSpanID     = "span_id"
)

const (
	EventStartAttempt      = "start_attempt"
	EventStartSuccess      = "start_success"
	EventStartFailure      = "start_failure"
	EventInitializeFailure = "initialize_failure"
	EventDiscovery         = "discovery"
	EventPingFailure       = "ping_failure"
	EventHealthChange      = "health_change"
	EventCallRetry         = "call_retry"
	EventCallFailure       = "call_failure"
	EventRouteDecision     = "route_decision"
	EventRouteFallback     = "route_fallback"
	EventToolRegistered    = "tool_registered"
	EventToolEvicted       = "tool_evicted"
	EventToolsExpired      = "tools_expired"
	EventScriptRejected    = "script_rejected"
	EventScriptTimeout     = "script_timeout"
	EventReload            = "reload"
	EventStopSuccess       = "stop_success"
	EventStopFailure       = "stop_failure"
)

const (
	LogSourceCore       = "core"
	LogSourceDownstream = "downstream"
)

func EventField(event string) zap.Field {
	return zap.String(FieldEvent, event)
}

func ServerField(server string) zap.Field {
	return zap.String(FieldServer, server)
}

func ToolField(tool string) zap.Field {
	return zap.String(FieldTool, tool)
}

func PathField(path string) zap.Field {
	return zap.String(FieldPath, path)
}

func HealthField(state string) zap.Field {
	return zap.String(FieldHealth, state)
}

func DurationField(duration time.Duration) zap.Field {
	return zap.Int64(FieldDurationMs, duration.Milliseconds())
}

func RequestIDField(value string) zap.Field {
	return zap.String(FieldRequestID, value)
}

func SessionIDField(value string) zap.Field {
	return zap.String(FieldSessionID, value)
}
