package consumer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasagent/kasagentd/internal/lifecycle"
	"github.com/kasagent/kasagentd/internal/model"
)

func testTxid(i int) string {
	return fmt.Sprintf("%064x", i)
}

func decodeReceipt(t *testing.T, rec []byte) ReceiptResponse {
	t.Helper()
	var resp ReceiptResponse
	require.NoError(t, json.Unmarshal(rec, &resp))
	return resp
}

func TestIngestReceipt_InsertThenDuplicate(t *testing.T) {
	ts := newTestServer(t)

	// A subscriber connected before both submissions sees exactly one event.
	sub, err := ts.b.Subscribe(8)
	require.NoError(t, err)
	defer sub.Close()

	receipt := model.ExecutionReceipt{
		Txid:            testTxid(1),
		UserID:          "user-1",
		AgentID:         "agent-1",
		Status:          lifecycle.ReceiptBroadcasted,
		Confirmations:   0,
		FeeKas:          0.0013,
		ConfirmTsSource: model.ProvenanceChain,
	}

	rec := ts.do(t, http.MethodPost, "/v1/execution-receipts", receipt, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeReceipt(t, rec.Body.Bytes())
	assert.False(t, first.Duplicate)
	assert.Equal(t, receipt.Txid, first.Receipt.Txid)
	assert.False(t, first.Receipt.ReceivedAt.IsZero())

	rec = ts.do(t, http.MethodPost, "/v1/execution-receipts", receipt, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeReceipt(t, rec.Body.Bytes()).Duplicate)

	select {
	case <-sub.C:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never saw the ingestion event")
	}
	// No replayed event for the duplicate.
	select {
	case <-sub.C:
		t.Fatal("duplicate ingestion must not emit a second event")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestIngestReceipt_SlowSubscriberDoesNotStallIngestion(t *testing.T) {
	ts := newTestServer(t)

	// Subscriber with a single-slot buffer that never reads.
	sub, err := ts.b.Subscribe(1)
	require.NoError(t, err)
	defer sub.Close()

	start := time.Now()
	for i := 10; i < 18; i++ {
		rec := ts.do(t, http.MethodPost, "/v1/execution-receipts", model.ExecutionReceipt{
			Txid: testTxid(i), Status: lifecycle.ReceiptBroadcasted,
		}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Less(t, time.Since(start), 2*time.Second, "ingestion must not wait on a full subscriber")

	require.NoError(t, ts.nc.Flush())
	assert.LessOrEqual(t, len(sub.C), 1)
}

func TestIngestReceipt_DuplicateUpgradesStatus(t *testing.T) {
	ts := newTestServer(t)
	txid := testTxid(2)

	ts.do(t, http.MethodPost, "/v1/execution-receipts", model.ExecutionReceipt{
		Txid: txid, Status: lifecycle.ReceiptBroadcasted,
	}, nil)

	rec := ts.do(t, http.MethodPost, "/v1/execution-receipts", model.ExecutionReceipt{
		Txid: txid, Status: lifecycle.ReceiptConfirmed, Confirmations: 12,
	}, nil)
	resp := decodeReceipt(t, rec.Body.Bytes())
	assert.True(t, resp.Duplicate)
	assert.Equal(t, lifecycle.ReceiptConfirmed, resp.Receipt.Status)
	assert.Equal(t, int64(12), resp.Receipt.Confirmations)
}

func TestIngestReceipt_Validation(t *testing.T) {
	ts := newTestServer(t)

	t.Run("missing txid", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/v1/execution-receipts", model.ExecutionReceipt{}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("short txid", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/v1/execution-receipts", model.ExecutionReceipt{Txid: "abc123"}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("non-hex txid", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/v1/execution-receipts", model.ExecutionReceipt{Txid: strings.Repeat("g", 64)}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown status", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/v1/execution-receipts", model.ExecutionReceipt{
			Txid: testTxid(3), Status: lifecycle.ReceiptState("vanished"),
		}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetReceipt(t *testing.T) {
	ts := newTestServer(t)
	txid := testTxid(4)

	t.Run("not yet observed", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/v1/execution-receipts?txid="+txid, nil, nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		var errResp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
		assert.Equal(t, ErrCodeNotFound, errResp.Error)
	})

	t.Run("invalid txid", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/v1/execution-receipts?txid=nope", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("point lookup", func(t *testing.T) {
		ts.do(t, http.MethodPost, "/v1/execution-receipts", model.ExecutionReceipt{
			Txid: txid, Status: lifecycle.ReceiptConfirmed, Confirmations: 3,
		}, nil)

		rec := ts.do(t, http.MethodGet, "/v1/execution-receipts?txid="+txid, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var receipt model.ExecutionReceipt
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
		assert.Equal(t, txid, receipt.Txid)
		assert.Equal(t, int64(3), receipt.Confirmations)
	})
}
