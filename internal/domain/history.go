package domain

import "time"

type RouteRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId,omitempty"`
	Request     string    `json:"request"`
	Path        string    `json:"path"`
	Success     bool      `json:"success"`
	Message     string    `json:"message"`
	Registered  []string  `json:"registered,omitempty"`
	Confidence  float64   `json:"confidence"`
	DurationMs  int64     `json:"durationMs"`
	RecordedAt  time.Time `json:"recordedAt"`
	ErrorCode   string    `json:"errorCode,omitempty"`
	FallbackWhy string    `json:"fallbackWhy,omitempty"`
}

type ExecutionRecord struct {
	ID         string    `json:"id"`
	Tool       string    `json:"tool"`
	Kind       string    `json:"kind"`
	Success    bool      `json:"success"`
	ErrorCode  string    `json:"errorCode,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
	RecordedAt time.Time `json:"recordedAt"`
}
