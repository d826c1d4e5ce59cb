// Package poller tracks broadcasted transactions against the Kaspa backend
// until they confirm, fail, or exhaust their confirmation window, and submits
// the resulting execution receipts to the consumer.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kasagent/kasagentd/internal/lifecycle"
	"github.com/kasagent/kasagentd/internal/model"
)

// Source looks up the chain-side status of a transaction. A (nil, nil)
// return means the backend does not know the txid yet, which is normal
// right after broadcast and is treated as still pending.
type Source interface {
	Lookup(ctx context.Context, txid string) (*model.ExecutionReceipt, error)
}

// Sink receives finished receipts. The HTTP client in this package submits
// them to the consumer's ingestion endpoint.
type Sink interface {
	Submit(ctx context.Context, receipt model.ExecutionReceipt) error
}

// Config tunes the confirmation-tracking loop.
type Config struct {
	// BaseRetryDelay is the first backoff applied after a lookup error.
	// Default: 2 seconds
	BaseRetryDelay time.Duration

	// MaxRetryDelay caps the exponential backoff. Default: 30 seconds
	MaxRetryDelay time.Duration

	// PollInterval is the steady cadence between successful lookups while
	// the transaction is still unconfirmed. Default: 1200 milliseconds
	PollInterval time.Duration

	// WallTimeout bounds the total time a single txid is tracked.
	// Default: 8 minutes
	WallTimeout time.Duration

	// MaxAttempts bounds how many lookups a single txid gets before the
	// receipt is marked timed out. Default: 18
	MaxAttempts int

	// BatchSize caps how many lookups run concurrently across all tracked
	// transactions. Default: 2
	BatchSize int
}

// DefaultConfig returns the production confirmation-tracking tuning.
func DefaultConfig() Config {
	return Config{
		BaseRetryDelay: 2 * time.Second,
		MaxRetryDelay:  30 * time.Second,
		PollInterval:   1200 * time.Millisecond,
		WallTimeout:    8 * time.Minute,
		MaxAttempts:    18,
		BatchSize:      2,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.BaseRetryDelay == 0 {
		c.BaseRetryDelay = defaults.BaseRetryDelay
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = defaults.MaxRetryDelay
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.WallTimeout == 0 {
		c.WallTimeout = defaults.WallTimeout
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaults.BatchSize
	}
}

// Poller tracks broadcasted transactions until they reach a terminal state.
//
// Each tracked txid gets its own goroutine; the BatchSize semaphore bounds
// how many of them hit the Source at once. Tracking is cancellable per txid
// so the kill switch can abandon an agent's in-flight confirmations.
//
// Thread Safety: all public methods are safe for concurrent use.
type Poller struct {
	source Source
	sink   Sink
	cfg    Config
	logger *zap.Logger

	// sem bounds concurrent Source lookups across all tracked txids.
	sem chan struct{}

	mu      sync.Mutex
	tracked map[string]*trackedTx

	// updates carries every receipt submitted to the sink, for observers.
	// Sends never block; a slow observer loses updates, not the poller.
	updates chan model.ExecutionReceipt

	wg sync.WaitGroup
}

type trackedTx struct {
	userID  string
	agentID string
	cancel  context.CancelFunc
}

// New creates a poller. Neither source, sink, nor logger may be nil.
func New(source Source, sink Sink, logger *zap.Logger, cfg Config) (*Poller, error) {
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	cfg.ApplyDefaults()

	return &Poller{
		source:  source,
		sink:    sink,
		cfg:     cfg,
		logger:  logger,
		sem:     make(chan struct{}, cfg.BatchSize),
		tracked: make(map[string]*trackedTx),
		updates: make(chan model.ExecutionReceipt, 64),
	}, nil
}

// Updates returns receipts as they reach the sink. Best effort: the channel
// is bounded and overflow is dropped.
func (p *Poller) Updates() <-chan model.ExecutionReceipt {
	return p.updates
}

// Track starts confirmation tracking for a broadcasted transaction.
// Tracking the same txid twice is a no-op.
func (p *Poller) Track(txid, userID, agentID string) error {
	if !model.ValidTxid(txid) {
		return fmt.Errorf("invalid txid %q", txid)
	}

	p.mu.Lock()
	if _, ok := p.tracked[txid]; ok {
		p.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WallTimeout)
	tx := &trackedTx{userID: userID, agentID: agentID, cancel: cancel}
	p.tracked[txid] = tx
	p.mu.Unlock()

	p.logger.Info("tracking transaction",
		zap.String("txid", txid),
		zap.String("user_id", userID),
		zap.String("agent_id", agentID),
	)

	p.wg.Add(1)
	go p.poll(ctx, tx, txid, userID, agentID)
	return nil
}

// Cancel stops tracking a single txid. Unknown txids are a no-op.
func (p *Poller) Cancel(txid string) {
	p.mu.Lock()
	tx, ok := p.tracked[txid]
	if ok {
		delete(p.tracked, txid)
	}
	p.mu.Unlock()

	if ok {
		tx.cancel()
		p.logger.Info("tracking cancelled", zap.String("txid", txid))
	}
}

// CancelAgent stops tracking every txid belonging to the given agent.
// Used by the kill switch: abandoned confirmations are never submitted.
func (p *Poller) CancelAgent(userID, agentID string) int {
	p.mu.Lock()
	var cancelled []*trackedTx
	for txid, tx := range p.tracked {
		if tx.userID == userID && tx.agentID == agentID {
			cancelled = append(cancelled, tx)
			delete(p.tracked, txid)
		}
	}
	p.mu.Unlock()

	for _, tx := range cancelled {
		tx.cancel()
	}
	if len(cancelled) > 0 {
		p.logger.Info("agent tracking cancelled",
			zap.String("user_id", userID),
			zap.String("agent_id", agentID),
			zap.Int("count", len(cancelled)),
		)
	}
	return len(cancelled)
}

// Tracking reports whether the txid is currently being tracked.
func (p *Poller) Tracking(txid string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tracked[txid]
	return ok
}

// Close cancels all tracking and waits for the poll goroutines to finish.
func (p *Poller) Close() {
	p.mu.Lock()
	for txid, tx := range p.tracked {
		tx.cancel()
		delete(p.tracked, txid)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// poll is the per-txid confirmation loop. It looks up the transaction at a
// steady cadence, backs off exponentially on lookup errors, and submits the
// receipt once the transaction reaches a terminal state. Exhausting the
// attempt budget or the wall clock produces a timeout receipt, which is
// distinct from a chain-reported failure.
func (p *Poller) poll(ctx context.Context, tx *trackedTx, txid, userID, agentID string) {
	defer p.wg.Done()
	defer func() {
		// The txid may have been cancelled and re-tracked since; only remove
		// the entry if it is still ours.
		p.mu.Lock()
		if cur, ok := p.tracked[txid]; ok && cur == tx {
			delete(p.tracked, txid)
		}
		p.mu.Unlock()
	}()

	started := time.Now()
	backoff := p.cfg.BaseRetryDelay
	lastStatus := lifecycle.ReceiptBroadcasted

	for attempt := 1; ; attempt++ {
		receipt, err := p.lookup(ctx, txid)
		if ctx.Err() != nil {
			// Cancelled or out of wall clock. A plain cancel submits
			// nothing; the deadline case falls through to timeout below.
			if ctx.Err() == context.DeadlineExceeded {
				p.submitTimeout(txid, userID, agentID, lastStatus, attempt, started)
			}
			return
		}

		wait := p.cfg.PollInterval
		switch {
		case err != nil:
			p.logger.Warn("transaction lookup failed",
				zap.String("txid", txid),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			wait = backoff
			backoff *= 2
			if backoff > p.cfg.MaxRetryDelay {
				backoff = p.cfg.MaxRetryDelay
			}

		case receipt == nil:
			// Backend has not seen the txid yet. Normal right after
			// broadcast; keep the steady cadence.
			backoff = p.cfg.BaseRetryDelay

		default:
			backoff = p.cfg.BaseRetryDelay
			if receipt.Status != lastStatus {
				p.logger.Info("transaction status changed",
					zap.String("txid", txid),
					zap.String("from", string(lastStatus)),
					zap.String("to", string(receipt.Status)),
					zap.Int64("confirmations", receipt.Confirmations),
				)
				lastStatus = receipt.Status
			}
			if lifecycle.ReceiptTerminal(receipt.Status) {
				// Submission retries must outlive the wall clock; a terminal
				// receipt is already settled on chain.
				p.submit(context.Background(), p.finalize(*receipt, txid, userID, agentID))
				return
			}
		}

		if attempt >= p.cfg.MaxAttempts {
			p.submitTimeout(txid, userID, agentID, lastStatus, attempt, started)
			return
		}

		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				p.submitTimeout(txid, userID, agentID, lastStatus, attempt, started)
			}
			return
		case <-time.After(wait):
		}
	}
}

// lookup runs a single Source call under the batch semaphore.
func (p *Poller) lookup(ctx context.Context, txid string) (*model.ExecutionReceipt, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	return p.source.Lookup(ctx, txid)
}

// finalize stamps the receipt with the identity the poller tracked it under.
// The source reports chain facts; ownership comes from the signing queue.
func (p *Poller) finalize(r model.ExecutionReceipt, txid, userID, agentID string) model.ExecutionReceipt {
	r.Txid = txid
	r.UserID = userID
	r.AgentID = agentID
	if r.ConfirmTsSource == "" {
		r.ConfirmTsSource = model.ProvenanceChain
	}
	return r
}

func (p *Poller) submitTimeout(txid, userID, agentID string, last lifecycle.ReceiptState, attempts int, started time.Time) {
	p.logger.Warn("transaction confirmation window exhausted",
		zap.String("txid", txid),
		zap.String("last_status", string(last)),
		zap.Int("attempts", attempts),
		zap.Duration("elapsed", time.Since(started)),
	)
	p.submit(context.Background(), model.ExecutionReceipt{
		Txid:            txid,
		UserID:          userID,
		AgentID:         agentID,
		Status:          lifecycle.ReceiptTimeout,
		ConfirmTsSource: model.ProvenanceEstimated,
	})
}

// submit delivers a terminal receipt to the sink, retrying transient
// failures with the same backoff schedule as lookups.
func (p *Poller) submit(ctx context.Context, receipt model.ExecutionReceipt) {
	backoff := p.cfg.BaseRetryDelay
	for attempt := 1; ; attempt++ {
		err := p.sink.Submit(ctx, receipt)
		if err == nil {
			p.logger.Info("receipt submitted",
				zap.String("txid", receipt.Txid),
				zap.String("status", string(receipt.Status)),
				zap.Int("attempt", attempt),
			)
			select {
			case p.updates <- receipt:
			default:
			}
			return
		}

		if attempt >= p.cfg.MaxAttempts {
			p.logger.Error("receipt submission abandoned",
				zap.String("txid", receipt.Txid),
				zap.String("status", string(receipt.Status)),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return
		}

		p.logger.Warn("receipt submission failed",
			zap.String("txid", receipt.Txid),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.cfg.MaxRetryDelay {
			backoff = p.cfg.MaxRetryDelay
		}
	}
}
