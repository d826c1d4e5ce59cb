// Package queue is the client-side signing queue. A transaction enters
// pending, moves through signing into signed, and once signed its txid is
// handed to the confirmation tracker. Rejected and failed transactions can
// be requeued.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kasagent/kasagentd/internal/lifecycle"
	"github.com/kasagent/kasagentd/internal/model"
)

// ErrNotFound is returned for queue task IDs that were never enqueued.
var ErrNotFound = errors.New("queued transaction not found")

// Signer produces a broadcast txid for a queued transaction. Implemented by
// the wallet integration; tests use a fake.
type Signer interface {
	Sign(ctx context.Context, tx QueuedTx) (txid string, err error)
}

// Tracker starts and stops confirmation tracking for signed transactions.
// Implemented by the poller.
type Tracker interface {
	Track(txid, userID, agentID string) error
	Cancel(txid string)
}

// QueuedTx is one transaction in the signing queue.
type QueuedTx struct {
	ID         string            `json:"id"`
	UserID     string            `json:"userId"`
	AgentID    string            `json:"agentId"`
	Market     string            `json:"market,omitempty"`
	State      lifecycle.TxState `json:"state"`
	Txid       string            `json:"txid,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Queue holds queued transactions and drives them through the signing
// lifecycle. All methods are safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	txs     map[string]*QueuedTx
	byScope map[model.Scope]map[string]struct{}

	tracker Tracker
	logger  *zap.Logger
}

// New creates a signing queue. tracker and logger may not be nil.
func New(tracker Tracker, logger *zap.Logger) (*Queue, error) {
	if tracker == nil {
		return nil, fmt.Errorf("tracker cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Queue{
		txs:     make(map[string]*QueuedTx),
		byScope: make(map[model.Scope]map[string]struct{}),
		tracker: tracker,
		logger:  logger,
	}, nil
}

// Enqueue adds a new pending transaction for the given agent and returns it.
func (q *Queue) Enqueue(userID, agentID, market string) QueuedTx {
	now := time.Now()
	tx := &QueuedTx{
		ID:         uuid.NewString(),
		UserID:     userID,
		AgentID:    agentID,
		Market:     market,
		State:      lifecycle.TxPending,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}

	scope := model.Scope{UserID: userID, AgentID: agentID}
	q.mu.Lock()
	q.txs[tx.ID] = tx
	ids, ok := q.byScope[scope]
	if !ok {
		ids = make(map[string]struct{})
		q.byScope[scope] = ids
	}
	ids[tx.ID] = struct{}{}
	q.mu.Unlock()

	q.logger.Info("transaction enqueued",
		zap.String("queue_task_id", tx.ID),
		zap.String("user_id", userID),
		zap.String("agent_id", agentID),
	)
	return *tx
}

// Get returns a copy of the queued transaction.
func (q *Queue) Get(id string) (QueuedTx, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tx, ok := q.txs[id]
	if !ok {
		return QueuedTx{}, ErrNotFound
	}
	return *tx, nil
}

// BeginSigning moves a pending transaction into signing.
func (q *Queue) BeginSigning(id string) (QueuedTx, error) {
	return q.apply(id, lifecycle.TxSignStart)
}

// MarkSigned records the broadcast txid and starts confirmation tracking.
// The txid must be a 64-char lowercase-or-uppercase hex string.
func (q *Queue) MarkSigned(id, txid string) (QueuedTx, error) {
	if !model.ValidTxid(txid) {
		return QueuedTx{}, fmt.Errorf("invalid txid %q", txid)
	}

	q.mu.Lock()
	tx, ok := q.txs[id]
	if !ok {
		q.mu.Unlock()
		return QueuedTx{}, ErrNotFound
	}
	next, err := lifecycle.TxTransition(tx.State, lifecycle.TxSignedOK)
	if err != nil {
		q.mu.Unlock()
		return QueuedTx{}, err
	}
	changed := next != tx.State
	if changed {
		tx.State = next
		tx.Txid = txid
		tx.UpdatedAt = time.Now()
	}
	out := *tx
	q.mu.Unlock()

	if !changed {
		return out, nil
	}

	q.logger.Info("transaction signed",
		zap.String("queue_task_id", id),
		zap.String("txid", txid),
	)
	if err := q.tracker.Track(txid, out.UserID, out.AgentID); err != nil {
		q.logger.Error("failed to start confirmation tracking",
			zap.String("txid", txid),
			zap.Error(err),
		)
	}
	return out, nil
}

// Reject marks the transaction rejected by the signer or user.
func (q *Queue) Reject(id string) (QueuedTx, error) {
	return q.apply(id, lifecycle.TxReject)
}

// Fail marks the transaction failed before broadcast.
func (q *Queue) Fail(id string) (QueuedTx, error) {
	return q.apply(id, lifecycle.TxFail)
}

// Requeue returns a rejected or failed transaction to pending.
func (q *Queue) Requeue(id string) (QueuedTx, error) {
	return q.apply(id, lifecycle.TxRequeue)
}

// RetrySign moves a failed transaction straight back into signing.
func (q *Queue) RetrySign(id string) (QueuedTx, error) {
	return q.apply(id, lifecycle.TxRetrySign)
}

// Sign runs the full signing step for one transaction: begin signing, call
// the signer, then mark signed or failed depending on the outcome.
func (q *Queue) Sign(ctx context.Context, signer Signer, id string) (QueuedTx, error) {
	if signer == nil {
		return QueuedTx{}, fmt.Errorf("signer cannot be nil")
	}

	tx, err := q.BeginSigning(id)
	if err != nil {
		return QueuedTx{}, err
	}
	if tx.State != lifecycle.TxSigning {
		return tx, fmt.Errorf("transaction %s not signable in state %q", id, tx.State)
	}

	txid, err := signer.Sign(ctx, tx)
	if err != nil {
		q.logger.Warn("signing failed",
			zap.String("queue_task_id", id),
			zap.Error(err),
		)
		if _, ferr := q.Fail(id); ferr != nil {
			return QueuedTx{}, ferr
		}
		return q.Get(id)
	}
	return q.MarkSigned(id, txid)
}

// AgentTxs returns copies of every queued transaction for the agent.
func (q *Queue) AgentTxs(userID, agentID string) []QueuedTx {
	scope := model.Scope{UserID: userID, AgentID: agentID}
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]QueuedTx, 0, len(q.byScope[scope]))
	for id := range q.byScope[scope] {
		out = append(out, *q.txs[id])
	}
	return out
}

// CancelAgent is the queue side of the kill switch. Signed transactions get
// their confirmation tracking cancelled; pending and signing ones are
// rejected. Returns how many transactions were touched.
func (q *Queue) CancelAgent(userID, agentID string) int {
	scope := model.Scope{UserID: userID, AgentID: agentID}

	q.mu.Lock()
	var cancelTxids []string
	var touched int
	for id := range q.byScope[scope] {
		tx := q.txs[id]
		switch tx.State {
		case lifecycle.TxSigned:
			if tx.Txid != "" {
				cancelTxids = append(cancelTxids, tx.Txid)
				touched++
			}
		case lifecycle.TxPending, lifecycle.TxSigning:
			tx.State = lifecycle.TxRejected
			tx.UpdatedAt = time.Now()
			touched++
		}
	}
	q.mu.Unlock()

	for _, txid := range cancelTxids {
		q.tracker.Cancel(txid)
	}
	if touched > 0 {
		q.logger.Info("agent queue cancelled",
			zap.String("user_id", userID),
			zap.String("agent_id", agentID),
			zap.Int("touched", touched),
		)
	}
	return touched
}

// apply runs one lifecycle event against a queued transaction. Events the
// current state does not accept leave it unchanged.
func (q *Queue) apply(id string, event lifecycle.TxEvent) (QueuedTx, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, ok := q.txs[id]
	if !ok {
		return QueuedTx{}, ErrNotFound
	}
	next, err := lifecycle.TxTransition(tx.State, event)
	if err != nil {
		return QueuedTx{}, err
	}
	if next != tx.State {
		q.logger.Info("transaction state changed",
			zap.String("queue_task_id", id),
			zap.String("from", string(tx.State)),
			zap.String("to", string(next)),
			zap.String("event", string(event)),
		)
		tx.State = next
		tx.UpdatedAt = time.Now()
	}
	return *tx, nil
}
