package telemetry

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type requestKey struct{}

// Request identifies one inbound tools/call for log correlation.
type Request struct {
	ID        string
	SessionID string
	TraceID   string
	SpanID    string
}

// StartRequest attaches a fresh request identity to ctx. A span already present on ctx contributes its ids.
func StartRequest(ctx context.Context, sessionID string) (context.Context, Request) {
	if ctx == nil {
		ctx = context.Background()
	}
	req := Request{
		ID:        uuid.NewString(),
		SessionID: sessionID,
	}
	if spanCtx := trace.SpanFromContext(ctx).SpanContext(); spanCtx.IsValid() {
		req.TraceID = spanCtx.TraceID().String()
		req.SpanID = spanCtx.SpanID().String()
	}
	return context.WithValue(ctx, requestKey{}, req), req
}

func RequestFromContext(ctx context.Context) (Request, bool) {
	if ctx == nil {
		return Request{}, false
	}
	req, ok := ctx.Value(requestKey{}).(Request)
	return req, ok && req.ID != ""
}

// Fields renders the non-empty parts of the request as log fields.
func (r Request) Fields() []zap.Field {
	fields := make([]zap.Field, 0, 4)
	if r.ID != "" {
		fields = append(fields, RequestIDField(r.ID))
	}
	if r.SessionID != "" {
		fields = append(fields, SessionIDField(r.SessionID))
	}
	if r.TraceID != "" {
		fields = append(fields, zap.String(FieldTraceID, r.TraceID))
	}
	if r.SpanID != "" {
		fields = append(fields, zap.String(FieldSpanID, r.SpanID))
	}
	return fields
}

// LoggerFor decorates logger with the request attached to ctx, if any.
func LoggerFor(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	req, ok := RequestFromContext(ctx)
	if !ok {
		return logger
	}
	return logger.With(req.Fields()...)
}
