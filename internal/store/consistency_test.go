package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasagent/kasagentd/internal/model"
)

func TestMemConsistency_Totals(t *testing.T) {
	s := NewMemConsistency()

	checks, mismatches, byField := s.Totals()
	assert.Zero(t, checks)
	assert.Zero(t, mismatches)
	assert.Empty(t, byField)

	s.Append(model.ConsistencyCheck{Txid: testTxid(1), Status: model.ConsistencyConsistent})
	s.Append(model.ConsistencyCheck{
		Txid:       testTxid(2),
		Status:     model.ConsistencyMismatch,
		Mismatches: []string{"confirm_ts", "fee_kas"},
	})

	checks, mismatches, byField = s.Totals()
	assert.Equal(t, uint64(2), checks)
	assert.Equal(t, uint64(1), mismatches)
	assert.Equal(t, uint64(1), byField["confirm_ts"])
	assert.Equal(t, uint64(1), byField["fee_kas"])
	assert.Equal(t, 2, s.Len())
}

func TestMemConsistency_MismatchFieldsAccumulate(t *testing.T) {
	s := NewMemConsistency()

	for i := 0; i < 3; i++ {
		s.Append(model.ConsistencyCheck{
			Txid:       testTxid(i),
			Status:     model.ConsistencyMismatch,
			Mismatches: []string{"confirm_ts"},
		})
	}

	checks, mismatches, byField := s.Totals()
	require.Equal(t, uint64(3), checks)
	assert.Equal(t, uint64(3), mismatches)
	assert.Equal(t, uint64(3), byField["confirm_ts"])

	// Totals hands back a snapshot, not the live map.
	byField["confirm_ts"] = 99
	_, _, again := s.Totals()
	assert.Equal(t, uint64(3), again["confirm_ts"])
}
