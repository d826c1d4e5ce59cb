package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultIdempotencyTTL must outlive the scheduler's retry horizon
// (minutes, not seconds).
const DefaultIdempotencyTTL = 15 * time.Minute

// IdempotencyRecord is the retained outcome of one idempotency key. The
// first request for a key reserves the record, executes its side effects,
// and commits the response snapshot; concurrent retries wait on the record
// instead of racing the missing key.
type IdempotencyRecord struct {
	ID        string
	Key       string
	CreatedAt time.Time
	expiresAt time.Time

	done      chan struct{}
	response  []byte
	committed bool
}

// Wait blocks until the record's first request commits or aborts, or ctx
// expires. It returns the cached response and whether the record committed.
func (r *IdempotencyRecord) Wait(ctx context.Context) ([]byte, bool, error) {
	select {
	case <-r.done:
		return r.response, r.committed, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// IdempotencyStore provides atomic lookup-or-reserve per key.
type IdempotencyStore interface {
	// Begin returns the record for key and whether this caller reserved it.
	// When reserved is true the caller owns the record and must end it with
	// exactly one Commit or Abort.
	Begin(key string) (rec *IdempotencyRecord, reserved bool)
	// Commit stores the response snapshot and releases waiters.
	Commit(rec *IdempotencyRecord, response []byte)
	// Abort removes the reservation so a later retry can re-execute.
	Abort(rec *IdempotencyRecord)
}

// MemIdempotency is the in-memory IdempotencyStore with TTL eviction.
type MemIdempotency struct {
	mu      sync.Mutex
	records map[string]*IdempotencyRecord
	ttl     time.Duration
}

// NewMemIdempotency creates a store whose records live for ttl after
// creation. A ttl of zero uses DefaultIdempotencyTTL.
func NewMemIdempotency(ttl time.Duration) *MemIdempotency {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &MemIdempotency{
		records: make(map[string]*IdempotencyRecord),
		ttl:     ttl,
	}
}

// Begin implements IdempotencyStore. Expired records are replaced in place,
// so a key retried after the retention window re-executes.
func (s *MemIdempotency) Begin(key string) (*IdempotencyRecord, bool) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && now.Before(rec.expiresAt) {
		return rec, false
	}

	rec := &IdempotencyRecord{
		ID:        uuid.New().String(),
		Key:       key,
		CreatedAt: now,
		expiresAt: now.Add(s.ttl),
		done:      make(chan struct{}),
	}
	s.records[key] = rec
	return rec, true
}

// Commit implements IdempotencyStore.
func (s *MemIdempotency) Commit(rec *IdempotencyRecord, response []byte) {
	s.mu.Lock()
	rec.response = response
	rec.committed = true
	s.mu.Unlock()
	close(rec.done)
}

// Abort implements IdempotencyStore. The record is removed before waiters
// are released, so their follow-up Begin reserves a fresh record.
func (s *MemIdempotency) Abort(rec *IdempotencyRecord) {
	s.mu.Lock()
	if current, ok := s.records[rec.Key]; ok && current == rec {
		delete(s.records, rec.Key)
	}
	s.mu.Unlock()
	close(rec.done)
}

// Len returns the number of live records.
func (s *MemIdempotency) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// StartJanitor sweeps expired records every interval until ctx is done.
func (s *MemIdempotency) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *MemIdempotency) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rec := range s.records {
		// Uncommitted records are still executing; leave them alone.
		if rec.committed && now.After(rec.expiresAt) {
			delete(s.records, key)
		}
	}
}
