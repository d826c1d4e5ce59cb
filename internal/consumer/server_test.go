package consumer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kasagent/kasagentd/internal/broadcast"
	"github.com/kasagent/kasagentd/internal/config"
	"github.com/kasagent/kasagentd/internal/model"
	"github.com/kasagent/kasagentd/internal/store"
)

// testServer wires a consumer Server against an embedded NATS server, fresh
// in-memory stores, and a private metrics registry.
type testServer struct {
	srv *Server
	nc  *nats.Conn
	b   *broadcast.Broadcaster
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	natsSrv, err := broadcast.StartEmbeddedServer()
	require.NoError(t, err)
	t.Cleanup(func() {
		natsSrv.Shutdown()
		natsSrv.WaitForShutdown()
	})

	nc, err := nats.Connect(natsSrv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	b, err := broadcast.New(nc, zap.NewNop())
	require.NoError(t, err)

	cfg := config.Load()
	srv, err := NewServer(cfg, Stores{
		Idempotency: store.NewMemIdempotency(cfg.Consumer.IdempotencyTTL),
		Fences:      store.NewMemFence(),
		Receipts:    store.NewMemReceipts(cfg.Consumer.ReplayBuffer),
		Consistency: store.NewMemConsistency(),
	}, b, prometheus.NewRegistry(), zap.NewNop())
	require.NoError(t, err)

	return &testServer{srv: srv, nc: nc, b: b}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.srv.echo.ServeHTTP(rec, req)
	return rec
}

func cycleHeaders(scope, key string, token int64) map[string]string {
	return map[string]string{
		HeaderAgentKey:       scope,
		HeaderIdempotencyKey: key,
		HeaderFenceToken:     fmt.Sprintf("%d", token),
	}
}

func testEnvelope() model.CallbackEnvelope {
	return model.CallbackEnvelope{
		SchedulerInstanceID: "sched-1",
		QueueTaskID:         "task-42",
		Agent: model.AgentRef{
			ID:            "agent-1",
			UserID:        "user-1",
			Name:          "momentum-bot",
			StrategyLabel: "dca",
		},
	}
}

func decodeCycle(t *testing.T, rec *httptest.ResponseRecorder) CycleResponse {
	t.Helper()
	var resp CycleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	ts := newTestServer(t)
	cfg := config.Load()
	stores := Stores{
		Idempotency: store.NewMemIdempotency(0),
		Fences:      store.NewMemFence(),
		Receipts:    store.NewMemReceipts(0),
		Consistency: store.NewMemConsistency(),
	}

	_, err := NewServer(cfg, Stores{}, ts.b, prometheus.NewRegistry(), zap.NewNop())
	assert.ErrorContains(t, err, "stores")

	_, err = NewServer(cfg, stores, nil, prometheus.NewRegistry(), zap.NewNop())
	assert.ErrorContains(t, err, "broadcaster")

	_, err = NewServer(cfg, stores, ts.b, nil, zap.NewNop())
	assert.ErrorContains(t, err, "registry")

	_, err = NewServer(cfg, stores, ts.b, prometheus.NewRegistry(), nil)
	assert.ErrorContains(t, err, "logger")
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}
