package domain

import "time"

const (
	DefaultProtocolVersion = "2025-06-18"

	DefaultToolTTL          = 600 * time.Second
	DefaultMaxDynamicTools  = 100
	DefaultSweepInterval    = 60 * time.Second
	DefaultTopN             = 10
	DefaultMinSimilarity    = 0.5
	DefaultTopK             = 5
	DefaultClusterThreshold = 0.7
	DefaultFastPathScore    = 0.75
	DefaultEmbedDimension   = 384
	DefaultMaxProxied       = 5
	DefaultLLMTimeout       = 30 * time.Second
	DefaultScriptTimeout    = 600 * time.Second
	DefaultScriptPoolMin    = 2
	DefaultScriptPoolMax    = 8
	DefaultScriptWorkers    = 4
	DefaultRetryAttempts    = 3
	DefaultRetryBase        = 200 * time.Millisecond
	DefaultRetryMax         = 2 * time.Second
	DefaultDiscoveryTTL     = 60 * time.Second
	DefaultCallTimeout      = 60 * time.Second
	DefaultStartTimeout     = 30 * time.Second
	DefaultHealthInterval   = 30 * time.Second
	DefaultHealthTimeout    = 5 * time.Second
	DefaultHistoryRecords   = 1000
	DefaultGatewayName      = "mcproute"
	DefaultGatewayVersion   = "0.1.0"

	// Method vector ids are namespaced so they never collide with tool ids.
	MethodVectorPrefix = "method"
)
