package domain

// ============================================================
// Health & Metrics API Responses
// ============================================================

// HealthStatus is returned by GET /readyz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	Error       string `json:"error,omitempty"`
	LastChecked string `json:"lastChecked"`
}

// EngineMetrics is returned by GET /v1/metrics/engine.
type EngineMetrics struct {
	InboundProcessed   int64            `json:"inboundProcessed"`
	InboundDuplicates  int64            `json:"inboundDuplicates"`
	InboundMalformed   int64            `json:"inboundMalformed"`
	InboundErrors      int64            `json:"inboundErrors"`
	AssistantCalls     int64            `json:"assistantCalls"`
	AssistantErrorRate float64          `json:"assistantErrorRate"`
	FallbackRate       float64          `json:"fallbackRate"`
	LowConfidenceRate  float64          `json:"lowConfidenceRate"`
	TransfersByQueue   map[string]int64 `json:"transfersByQueue"`
	InactivityReverted int64            `json:"inactivityReverted"`
	InactivitySkipped  int64            `json:"inactivitySkipped"`
	DedupFailOpen      int64            `json:"dedupFailOpen"`
	RuleCacheHitRate   float64          `json:"ruleCacheHitRate"`
	Period             string           `json:"period"`
}
