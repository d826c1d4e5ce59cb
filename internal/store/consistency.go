package store

import (
	"sync"

	"github.com/kasagent/kasagentd/internal/model"
)

// ConsistencyLog is the append-only record of receipt consistency checks,
// plus the aggregate counters telemetry reads.
type ConsistencyLog interface {
	Append(check model.ConsistencyCheck)
	// Totals snapshots the check count, the mismatch count, and mismatch
	// counts keyed by field name.
	Totals() (checks, mismatches uint64, byField map[string]uint64)
}

// MemConsistency is the in-memory ConsistencyLog.
type MemConsistency struct {
	mu         sync.Mutex
	log        []model.ConsistencyCheck
	checks     uint64
	mismatches uint64
	byField    map[string]uint64
}

// NewMemConsistency creates an empty log.
func NewMemConsistency() *MemConsistency {
	return &MemConsistency{byField: make(map[string]uint64)}
}

// Append implements ConsistencyLog. Entries are never mutated or removed.
func (s *MemConsistency) Append(check model.ConsistencyCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log = append(s.log, check)
	s.checks++
	if check.Status == model.ConsistencyMismatch {
		s.mismatches++
		for _, field := range check.Mismatches {
			s.byField[field]++
		}
	}
}

// Totals implements ConsistencyLog.
func (s *MemConsistency) Totals() (uint64, uint64, map[string]uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byField := make(map[string]uint64, len(s.byField))
	for field, n := range s.byField {
		byField[field] = n
	}
	return s.checks, s.mismatches, byField
}

// Len returns the number of logged checks.
func (s *MemConsistency) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}
