package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasagent/kasagentd/internal/model"
)

func TestMemFence_MonotonicAccept(t *testing.T) {
	s := NewMemFence()
	scope := model.Scope{UserID: "u1", AgentID: "a1"}

	require.NoError(t, s.Accept(scope, 5))
	require.NoError(t, s.Accept(scope, 6))

	// A lower token means a superseded leader: reject.
	assert.ErrorIs(t, s.Accept(scope, 4), ErrStaleFence)

	// Equal tokens are legitimate: a leader may issue several distinct
	// callbacks at the same fence level.
	require.NoError(t, s.Accept(scope, 6))

	last, ok := s.Last(scope)
	require.True(t, ok)
	assert.Equal(t, int64(6), last)
}

func TestMemFence_ScopesAreIndependent(t *testing.T) {
	s := NewMemFence()
	a := model.Scope{UserID: "u1", AgentID: "a1"}
	b := model.Scope{UserID: "u1", AgentID: "a2"}

	require.NoError(t, s.Accept(a, 100))

	// Scope b has never seen a token; even a tiny one is fresh.
	require.NoError(t, s.Accept(b, 1))
	assert.ErrorIs(t, s.Accept(a, 99), ErrStaleFence)

	_, ok := s.Last(model.Scope{UserID: "u2", AgentID: "a1"})
	assert.False(t, ok)
}

func TestMemFence_NegativeAndZeroTokens(t *testing.T) {
	s := NewMemFence()
	scope := model.Scope{UserID: "u1", AgentID: "a1"}

	// First token for a scope is always accepted, whatever its value.
	require.NoError(t, s.Accept(scope, 0))
	require.NoError(t, s.Accept(scope, 0))
	assert.ErrorIs(t, s.Accept(scope, -1), ErrStaleFence)
}

func TestMemFence_NegativeFirstTokenIsRecorded(t *testing.T) {
	s := NewMemFence()
	scope := model.Scope{UserID: "u1", AgentID: "a1"}

	// A negative first token must be stored as-is, not lost to the
	// zero-valued entry: -4 is strictly higher than -5 and must pass.
	require.NoError(t, s.Accept(scope, -5))
	last, ok := s.Last(scope)
	require.True(t, ok)
	assert.Equal(t, int64(-5), last)

	require.NoError(t, s.Accept(scope, -4))
	assert.ErrorIs(t, s.Accept(scope, -5), ErrStaleFence)

	last, ok = s.Last(scope)
	require.True(t, ok)
	assert.Equal(t, int64(-4), last)
}

func TestMemFence_ConcurrentCompareAndUpdate(t *testing.T) {
	s := NewMemFence()
	scope := model.Scope{UserID: "u1", AgentID: "a1"}

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(token int64) {
			defer wg.Done()
			_ = s.Accept(scope, token) // lower tokens may legitimately lose
		}(int64(i))
	}
	wg.Wait()

	// Whatever the interleaving, the recorded token is the maximum and a
	// replay of anything lower is stale.
	last, ok := s.Last(scope)
	require.True(t, ok)
	assert.Equal(t, int64(n-1), last)
	assert.ErrorIs(t, s.Accept(scope, n-2), ErrStaleFence)
}
