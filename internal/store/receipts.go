package store

import (
	"sync"
	"time"

	"github.com/kasagent/kasagentd/internal/lifecycle"
	"github.com/kasagent/kasagentd/internal/model"
)

// DefaultReplayBuffer is how many ingestion events the store retains for
// stream subscribers that ask for replay.
const DefaultReplayBuffer = 256

// ReceiptStore keys execution receipts by txid. Receipts are upsert-only:
// the first write wins for identity, later writes are duplicates that may
// only move mutable fields forward.
type ReceiptStore interface {
	// Upsert inserts the receipt or merges it into the existing record for
	// its txid. It returns the stored record, the ingestion sequence (only
	// meaningful when duplicate is false), and whether the txid had been
	// seen before.
	Upsert(r model.ExecutionReceipt) (stored model.ExecutionReceipt, seq uint64, duplicate bool)
	// Get returns the record for txid, if it was ever ingested.
	Get(txid string) (model.ExecutionReceipt, bool)
	// Recent returns up to n of the most recent ingestion events, oldest
	// first.
	Recent(n int) []model.ReceiptEvent
	// StatusCounts snapshots receipt counts by current status.
	StatusCounts() map[lifecycle.ReceiptState]int
	// ConfirmationLatency returns how many receipts reached confirmed and
	// the mean first-seen-to-confirmed latency across them.
	ConfirmationLatency() (confirmed int, meanMs float64)
}

type receiptEntry struct {
	mu        sync.Mutex
	receipt   model.ExecutionReceipt
	firstSeen time.Time
	confirmed bool // latency already recorded
}

// MemReceipts is the in-memory ReceiptStore. Per-txid state lives behind a
// per-entry mutex; the shared tail (ingestion log, counters) is touched only
// briefly on insert and status change.
type MemReceipts struct {
	entries sync.Map // txid -> *receiptEntry

	tailMu sync.Mutex
	seq    uint64
	tail   []model.ReceiptEvent
	cap    int

	countsMu sync.Mutex
	counts   map[lifecycle.ReceiptState]int

	latencyMu    sync.Mutex
	confirmedN   int
	latencySumMs float64
}

// NewMemReceipts creates a store retaining up to replayBuffer ingestion
// events. A non-positive buffer uses DefaultReplayBuffer.
func NewMemReceipts(replayBuffer int) *MemReceipts {
	if replayBuffer <= 0 {
		replayBuffer = DefaultReplayBuffer
	}
	return &MemReceipts{
		cap:    replayBuffer,
		counts: make(map[lifecycle.ReceiptState]int),
	}
}

// Upsert implements ReceiptStore.
func (s *MemReceipts) Upsert(r model.ExecutionReceipt) (model.ExecutionReceipt, uint64, bool) {
	now := time.Now()
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = now
	}
	if r.Status == "" {
		r.Status = lifecycle.ReceiptBroadcasted
	}

	v, _ := s.entries.LoadOrStore(r.Txid, &receiptEntry{})
	e := v.(*receiptEntry)

	e.mu.Lock()
	defer e.mu.Unlock()

	// firstSeen decides insert vs duplicate; LoadOrStore alone cannot, since
	// a racing caller may hold a stored-but-unfilled entry.
	if e.firstSeen.IsZero() {
		e.receipt = r
		e.firstSeen = now
		seq := s.appendTail(e.receipt)
		s.bumpCount("", r.Status)
		if r.Status == lifecycle.ReceiptConfirmed {
			s.recordConfirmed(e, now)
		}
		return e.receipt, seq, false
	}

	// Duplicate: identity fields are first-write-wins. Status may only move
	// forward along the receipt machine; confirmations never go down.
	prev := e.receipt.Status
	if lifecycle.ReceiptCanAdvance(prev, r.Status) {
		e.receipt.Status = r.Status
		s.bumpCount(prev, r.Status)
		if r.Status == lifecycle.ReceiptConfirmed {
			s.recordConfirmed(e, now)
		}
	}
	if r.Confirmations > e.receipt.Confirmations {
		e.receipt.Confirmations = r.Confirmations
	}
	return e.receipt, 0, true
}

// Get implements ReceiptStore.
func (s *MemReceipts) Get(txid string) (model.ExecutionReceipt, bool) {
	v, ok := s.entries.Load(txid)
	if !ok {
		return model.ExecutionReceipt{}, false
	}
	e := v.(*receiptEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.firstSeen.IsZero() {
		return model.ExecutionReceipt{}, false
	}
	return e.receipt, true
}

// Recent implements ReceiptStore.
func (s *MemReceipts) Recent(n int) []model.ReceiptEvent {
	if n <= 0 {
		return nil
	}
	s.tailMu.Lock()
	defer s.tailMu.Unlock()
	if n > len(s.tail) {
		n = len(s.tail)
	}
	out := make([]model.ReceiptEvent, n)
	copy(out, s.tail[len(s.tail)-n:])
	return out
}

// LastSeq returns the sequence of the most recent ingestion event.
func (s *MemReceipts) LastSeq() uint64 {
	s.tailMu.Lock()
	defer s.tailMu.Unlock()
	return s.seq
}

// StatusCounts implements ReceiptStore.
func (s *MemReceipts) StatusCounts() map[lifecycle.ReceiptState]int {
	s.countsMu.Lock()
	defer s.countsMu.Unlock()
	out := make(map[lifecycle.ReceiptState]int, len(s.counts))
	for st, n := range s.counts {
		out[st] = n
	}
	return out
}

// ConfirmationLatency implements ReceiptStore.
func (s *MemReceipts) ConfirmationLatency() (int, float64) {
	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()
	if s.confirmedN == 0 {
		return 0, 0
	}
	return s.confirmedN, s.latencySumMs / float64(s.confirmedN)
}

func (s *MemReceipts) appendTail(r model.ExecutionReceipt) uint64 {
	s.tailMu.Lock()
	defer s.tailMu.Unlock()
	s.seq++
	ev := model.ReceiptEvent{Seq: s.seq, Receipt: r}
	s.tail = append(s.tail, ev)
	if len(s.tail) > s.cap {
		s.tail = s.tail[len(s.tail)-s.cap:]
	}
	return s.seq
}

func (s *MemReceipts) bumpCount(from, to lifecycle.ReceiptState) {
	s.countsMu.Lock()
	defer s.countsMu.Unlock()
	if from != "" {
		if n := s.counts[from]; n > 0 {
			s.counts[from] = n - 1
		}
	}
	s.counts[to]++
}

// recordConfirmed is called under the entry mutex once the entry reaches
// confirmed. A receipt ingested already-confirmed has no observable wait;
// clamp to one millisecond so the statistic registers.
func (s *MemReceipts) recordConfirmed(e *receiptEntry, now time.Time) {
	if e.confirmed {
		return
	}
	e.confirmed = true

	ms := float64(now.Sub(e.firstSeen)) / float64(time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	s.latencyMu.Lock()
	s.confirmedN++
	s.latencySumMs += ms
	s.latencyMu.Unlock()
}
