package consumer

import (
	"github.com/kasagent/kasagentd/internal/lifecycle"
	"github.com/kasagent/kasagentd/internal/model"
)

// Scheduler cycle callback headers.
const (
	HeaderAgentKey       = "X-Kasagent-Agent-Key"
	HeaderIdempotencyKey = "X-Kasagent-Idempotency-Key"
	HeaderFenceToken     = "X-Kasagent-Leader-Fence-Token"
)

// CycleResponse is the response body for POST /v1/scheduler/cycle.
type CycleResponse struct {
	OK         bool   `json:"ok"`
	Accepted   bool   `json:"accepted"`
	Duplicate  bool   `json:"duplicate"`
	Scope      string `json:"scope"`
	FenceToken int64  `json:"fenceToken"`
}

// ReceiptResponse is the response body for POST /v1/execution-receipts.
type ReceiptResponse struct {
	Duplicate bool                   `json:"duplicate"`
	Receipt   model.ExecutionReceipt `json:"receipt"`
}

// ConsistencyResponse is the response body for POST /v1/receipt-consistency.
type ConsistencyResponse struct {
	OK       bool `json:"ok"`
	Recorded bool `json:"recorded"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Error codes carried in ErrorResponse.
const (
	ErrCodeStaleFence = "stale_fence_token"
	ErrCodeNotFound   = "not_found"
)

// TelemetrySummary is the response body for GET /v1/telemetry-summary.
// It is derived on read from store snapshots, never persisted.
type TelemetrySummary struct {
	Receipts ReceiptTelemetry `json:"receipts"`
	Truth    TruthTelemetry   `json:"truth"`
}

// ReceiptTelemetry aggregates the receipt store.
type ReceiptTelemetry struct {
	ByStatus                  map[lifecycle.ReceiptState]int `json:"byStatus"`
	ConfirmedCount            int                            `json:"confirmedCount"`
	FailedCount               int                            `json:"failedCount"`
	TimeoutCount              int                            `json:"timeoutCount"`
	ConfirmationLatencyMsMean float64                        `json:"confirmationLatencyMsMean"`
}

// TruthTelemetry aggregates the consistency log: how far client-estimated
// outcomes have drifted from backend/chain-confirmed ones.
type TruthTelemetry struct {
	ConsistencyChecksTotal   uint64            `json:"consistencyChecksTotal"`
	ConsistencyMismatchTotal uint64            `json:"consistencyMismatchTotal"`
	MismatchByField          map[string]uint64 `json:"mismatchByField"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
