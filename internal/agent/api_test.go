package agent

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kasagent/kasagentd/internal/lifecycle"
	"github.com/kasagent/kasagentd/internal/queue"
)

func testTxid(i int) string {
	return fmt.Sprintf("%064x", i)
}

type apiHarness struct {
	e       *echo.Echo
	tracker *queueTracker
}

// queueTracker satisfies queue.Tracker for API tests.
type queueTracker struct {
	tracked   []string
	cancelled []string
}

func (f *queueTracker) Track(txid, userID, agentID string) error {
	f.tracked = append(f.tracked, txid)
	return nil
}

func (f *queueTracker) Cancel(txid string) {
	f.cancelled = append(f.cancelled, txid)
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	tracker := &queueTracker{}
	q, err := queue.New(tracker, zap.NewNop())
	require.NoError(t, err)
	r, err := NewRegistry(q, zap.NewNop())
	require.NoError(t, err)
	api, err := NewAPI(r, q, zap.NewNop())
	require.NoError(t, err)

	e := echo.New()
	api.RegisterRoutes(e)
	return &apiHarness{e: e, tracker: tracker}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	return rec
}

func TestAPI_RegisterAndGetAgent(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/agents", registerAgentRequest{UserID: "user-1", AgentID: "agent-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var a Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	assert.Equal(t, lifecycle.AgentOff, a.State)

	rec = h.do(t, http.MethodGet, "/v1/agents/user-1/agent-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/agents/user-1/agent-9", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/agents", registerAgentRequest{UserID: "user-1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_AgentEvents(t *testing.T) {
	h := newAPIHarness(t)
	h.do(t, http.MethodPost, "/v1/agents", registerAgentRequest{UserID: "user-1", AgentID: "agent-1"})

	rec := h.do(t, http.MethodPost, "/v1/agents/user-1/agent-1/events", agentEventRequest{Event: lifecycle.AgentStart})
	require.Equal(t, http.StatusOK, rec.Code)
	var a Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	assert.Equal(t, lifecycle.AgentRunning, a.State)

	rec = h.do(t, http.MethodPost, "/v1/agents/user-1/agent-1/events", agentEventRequest{Event: "EXPLODE"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/agents/user-1/agent-9/events", agentEventRequest{Event: lifecycle.AgentStart})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_KillSwitchCancelsTracking(t *testing.T) {
	h := newAPIHarness(t)
	h.do(t, http.MethodPost, "/v1/agents", registerAgentRequest{UserID: "user-1", AgentID: "agent-1"})
	h.do(t, http.MethodPost, "/v1/agents/user-1/agent-1/events", agentEventRequest{Event: lifecycle.AgentStart})

	// Enqueue and sign a transaction so there is tracking to cancel.
	rec := h.do(t, http.MethodPost, "/v1/queue", enqueueRequest{UserID: "user-1", AgentID: "agent-1", Market: "KAS/USDT"})
	require.Equal(t, http.StatusOK, rec.Code)
	var tx queue.QueuedTx
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tx))

	txid := testTxid(1)
	rec = h.do(t, http.MethodPost, "/v1/queue/"+tx.ID+"/signed", markSignedRequest{Txid: txid})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{txid}, h.tracker.tracked)

	rec = h.do(t, http.MethodPost, "/v1/agents/user-1/agent-1/events", agentEventRequest{Event: lifecycle.AgentKill})
	require.Equal(t, http.StatusOK, rec.Code)
	var a Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	assert.Equal(t, lifecycle.AgentSuspended, a.State)
	assert.Equal(t, []string{txid}, h.tracker.cancelled)
}

func TestAPI_QueueLifecycle(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/queue", enqueueRequest{UserID: "user-1", AgentID: "agent-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var tx queue.QueuedTx
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tx))
	assert.Equal(t, lifecycle.TxPending, tx.State)

	rec = h.do(t, http.MethodPost, "/v1/queue/"+tx.ID+"/events", txEventRequest{Event: lifecycle.TxSignStart})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tx))
	assert.Equal(t, lifecycle.TxSigning, tx.State)

	rec = h.do(t, http.MethodPost, "/v1/queue/"+tx.ID+"/events", txEventRequest{Event: lifecycle.TxFail})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/queue/"+tx.ID+"/events", txEventRequest{Event: lifecycle.TxRequeue})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tx))
	assert.Equal(t, lifecycle.TxPending, tx.State)

	rec = h.do(t, http.MethodGet, "/v1/queue/"+tx.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/queue/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/queue/"+tx.ID+"/events", txEventRequest{Event: "EXPLODE"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_MarkSignedValidation(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/queue", enqueueRequest{UserID: "user-1", AgentID: "agent-1"})
	var tx queue.QueuedTx
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tx))

	rec = h.do(t, http.MethodPost, "/v1/queue/"+tx.ID+"/signed", markSignedRequest{Txid: "nope"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/queue/missing/signed", markSignedRequest{Txid: testTxid(2)})
	require.Equal(t, http.StatusNotFound, rec.Code)
}
