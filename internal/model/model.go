// Package model defines the wire and storage types shared by the callback
// consumer service and the client-side poller: execution receipts, scheduler
// callback envelopes, consistency checks, and the (userId, agentId) scope
// that fences and agent state are keyed by.
package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kasagent/kasagentd/internal/lifecycle"
)

// Receipt provenance: how trustworthy a confirmation observation is.
const (
	ProvenanceChain     = "chain"
	ProvenanceBackend   = "backend"
	ProvenanceEstimated = "estimated"
)

var txidPattern = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

// ValidTxid reports whether s is a well-formed transaction id (64 hex chars).
func ValidTxid(s string) bool {
	return txidPattern.MatchString(s)
}

// Scope identifies the (userId, agentId) pair that fence tokens and agent
// lifecycle records are keyed by.
type Scope struct {
	UserID  string
	AgentID string
}

func (s Scope) String() string {
	return s.UserID + ":" + s.AgentID
}

// ParseScope parses the "userId:agentId" form carried in the agent-key header.
func ParseScope(key string) (Scope, error) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Scope{}, fmt.Errorf("malformed agent key %q: want userId:agentId", key)
	}
	return Scope{UserID: parts[0], AgentID: parts[1]}, nil
}

// ExecutionReceipt is the record of what happened to one broadcast
// transaction. Txid is the natural key; receipts are upsert-only.
type ExecutionReceipt struct {
	Txid            string                 `json:"txid"`
	UserID          string                 `json:"userId,omitempty"`
	AgentID         string                 `json:"agentId,omitempty"`
	Status          lifecycle.ReceiptState `json:"status"`
	Confirmations   int64                  `json:"confirmations"`
	FeeKas          float64                `json:"feeKas,omitempty"`
	ConfirmTsSource string                 `json:"confirmTsSource,omitempty"`
	ReceivedAt      time.Time              `json:"receivedAt"`
}

// ReceiptEvent wraps an ingested receipt with the store's monotonic
// ingestion sequence. The sequence never reaches clients; stream handlers
// use it to dedupe the replay/live-tail boundary.
type ReceiptEvent struct {
	Seq     uint64           `json:"seq"`
	Receipt ExecutionReceipt `json:"receipt"`
}

// AgentRef identifies the agent a scheduler callback belongs to.
type AgentRef struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	Name          string `json:"name,omitempty"`
	StrategyLabel string `json:"strategyLabel,omitempty"`
}

// CallbackEnvelope is the body of a scheduler cycle callback. It lives only
// for the duration of one request; the idempotency record it produces
// outlives it.
type CallbackEnvelope struct {
	SchedulerInstanceID    string         `json:"schedulerInstanceId"`
	LeaderFenceToken       int64          `json:"leaderFenceToken"`
	QueueTaskID            string         `json:"queueTaskId,omitempty"`
	CallbackIdempotencyKey string         `json:"callbackIdempotencyKey,omitempty"`
	Agent                  AgentRef       `json:"agent"`
	Market                 map[string]any `json:"market,omitempty"`
}

// Consistency check statuses.
const (
	ConsistencyConsistent = "consistent"
	ConsistencyMismatch   = "mismatch"
)

// ConsistencyCheck compares a client-observed receipt against what the
// backend recorded for the same transaction. Append-only; never mutated.
type ConsistencyCheck struct {
	Txid             string    `json:"txid"`
	QueueID          string    `json:"queueId,omitempty"`
	Status           string    `json:"status"`
	Mismatches       []string  `json:"mismatches,omitempty"`
	CheckedTs        time.Time `json:"checkedTs"`
	Provenance       string    `json:"provenance,omitempty"`
	ConfirmTsDriftMs *int64    `json:"confirmTsDriftMs,omitempty"`
	FeeDiffKas       *float64  `json:"feeDiffKas,omitempty"`
}
