package store

import (
	"errors"
	"sync"

	"github.com/kasagent/kasagentd/internal/model"
)

// ErrStaleFence is returned when a callback carries a fence token strictly
// lower than the highest token already accepted for its scope: a superseded
// scheduler leader is calling back and must not win.
var ErrStaleFence = errors.New("stale_fence_token")

// FenceStore tracks the highest accepted leader fence token per scope.
type FenceStore interface {
	// Accept atomically compares token against the scope's last accepted
	// token. Strictly lower tokens fail with ErrStaleFence; equal or higher
	// tokens are accepted and recorded.
	Accept(scope model.Scope, token int64) error
	// Last returns the scope's last accepted token, if any callback for the
	// scope has ever been accepted.
	Last(scope model.Scope) (int64, bool)
}

type fenceEntry struct {
	mu       sync.Mutex
	accepted bool
	last     int64
}

// MemFence is the in-memory FenceStore. Entries are created lazily on the
// first callback for a scope; the compare-and-update runs under a per-scope
// mutex so unrelated scopes never contend.
type MemFence struct {
	scopes sync.Map // model.Scope -> *fenceEntry
}

// NewMemFence creates an empty fence store.
func NewMemFence() *MemFence {
	return &MemFence{}
}

func (s *MemFence) entry(scope model.Scope) *fenceEntry {
	if e, ok := s.scopes.Load(scope); ok {
		return e.(*fenceEntry)
	}
	e, _ := s.scopes.LoadOrStore(scope, &fenceEntry{})
	return e.(*fenceEntry)
}

// Accept implements FenceStore.
func (s *MemFence) Accept(scope model.Scope, token int64) error {
	e := s.entry(scope)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.accepted && token < e.last {
		return ErrStaleFence
	}
	// The first accepted token is recorded as-is; e.last zero-initializes,
	// so a bare max-compare would lose negative first tokens.
	if !e.accepted || token > e.last {
		e.last = token
	}
	e.accepted = true
	return nil
}

// Last implements FenceStore.
func (s *MemFence) Last(scope model.Scope) (int64, bool) {
	v, ok := s.scopes.Load(scope)
	if !ok {
		return 0, false
	}
	e := v.(*fenceEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.accepted
}
