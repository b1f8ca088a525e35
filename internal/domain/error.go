package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeNoSuitableTool       ErrorCode = "NO_SUITABLE_TOOL"
	CodeServerUnavailable    ErrorCode = "SERVER_UNAVAILABLE"
	CodeMethodNotFound       ErrorCode = "METHOD_NOT_FOUND"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeProtocolError        ErrorCode = "PROTOCOL_ERROR"
	CodeCodeValidationFailed ErrorCode = "CODE_VALIDATION_FAILED"
	CodeExecutionTimeout     ErrorCode = "EXECUTION_TIMEOUT"
	CodeExecutionError       ErrorCode = "EXECUTION_ERROR"
	CodeRegistryFull         ErrorCode = "REGISTRY_FULL"
	CodeToolNotFound         ErrorCode = "TOOL_NOT_FOUND"
	CodeMalformedRequest     ErrorCode = "MALFORMED_REQUEST"
	CodeLLMUnavailable       ErrorCode = "LLM_UNAVAILABLE"
	CodeInternal             ErrorCode = "INTERNAL"
)

var (
	ErrNoSuitableTool    = errors.New("no suitable tool found")
	ErrServerUnavailable = errors.New("server unavailable")
	ErrUnknownServer     = errors.New("unknown server")
	ErrMethodNotFound    = errors.New("method not found")
	ErrToolNotFound      = errors.New("tool not found, re-run intelligent_route")
	ErrRegistryFull      = errors.New("dynamic tool registry is full")
	ErrToolKindConflict  = errors.New("tool name is held by a live tool of another kind")
	ErrMalformedRequest  = errors.New("malformed request")
	ErrLLMUnavailable    = errors.New("llm unavailable")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrInvalidCommand    = errors.New("command is required")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

type Error struct {
	Code      ErrorCode
	Op        string
	Message   string
	Cause     error
	Retryable bool
	Meta      map[string]string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Code)
		}
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// E builds a coded error. Server unavailability and timeouts are marked retryable.
func E(code ErrorCode, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Code:      code,
		Op:        op,
		Message:   msg,
		Cause:     cause,
		Retryable: code == CodeServerUnavailable || code == CodeTimeout,
	}
}

func Wrap(code ErrorCode, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		return &Error{
			Code:      existing.Code,
			Op:        op,
			Message:   existing.Message,
			Cause:     existing.Cause,
			Retryable: existing.Retryable,
			Meta:      existing.Meta,
		}
	}
	return E(code, op, "", err)
}

// WithMeta returns a copy of the error carrying an extra metadata pair.
func (e *Error) WithMeta(key, value string) *Error {
	if e == nil {
		return nil
	}
	out := *e
	out.Meta = make(map[string]string, len(e.Meta)+1)
	for k, v := range e.Meta {
		out.Meta[k] = v
	}
	out.Meta[key] = value
	return &out
}

func CodeFrom(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code, true
	}
	switch {
	case errors.Is(err, ErrNoSuitableTool):
		return CodeNoSuitableTool, true
	case errors.Is(err, ErrServerUnavailable), errors.Is(err, ErrUnknownServer), errors.Is(err, ErrConnectionClosed):
		return CodeServerUnavailable, true
	case errors.Is(err, ErrMethodNotFound):
		return CodeMethodNotFound, true
	case errors.Is(err, ErrToolNotFound):
		return CodeToolNotFound, true
	case errors.Is(err, ErrRegistryFull):
		return CodeRegistryFull, true
	case errors.Is(err, ErrMalformedRequest), errors.Is(err, ErrInvalidCommand):
		return CodeMalformedRequest, true
	case errors.Is(err, ErrLLMUnavailable):
		return CodeLLMUnavailable, true
	default:
		return "", false
	}
}

// IsRetryable reports whether a backend call failing with err may be attempted again.
func IsRetryable(err error) bool {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Retryable
	}
	code, ok := CodeFrom(err)
	return ok && (code == CodeServerUnavailable || code == CodeTimeout)
}
