package agent

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/kasagent/kasagentd/internal/lifecycle"
	"github.com/kasagent/kasagentd/internal/queue"
)

// API exposes the agent registry and the signing queue over HTTP. It
// registers its routes onto an existing echo instance, alongside the
// consumer routes.
type API struct {
	registry *Registry
	queue    *queue.Queue
	logger   *zap.Logger
}

// NewAPI creates the agent/queue HTTP surface.
func NewAPI(registry *Registry, q *queue.Queue, logger *zap.Logger) (*API, error) {
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if q == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &API{registry: registry, queue: q, logger: logger}, nil
}

// RegisterRoutes mounts the agent and queue routes under /v1.
func (a *API) RegisterRoutes(e *echo.Echo) {
	v1 := e.Group("/v1")
	v1.POST("/agents", a.handleRegisterAgent)
	v1.GET("/agents", a.handleListAgents)
	v1.GET("/agents/:userId/:agentId", a.handleGetAgent)
	v1.POST("/agents/:userId/:agentId/events", a.handleAgentEvent)

	v1.POST("/queue", a.handleEnqueue)
	v1.GET("/queue/:id", a.handleGetTx)
	v1.POST("/queue/:id/signed", a.handleMarkSigned)
	v1.POST("/queue/:id/events", a.handleTxEvent)
}

type registerAgentRequest struct {
	UserID  string `json:"userId"`
	AgentID string `json:"agentId"`
}

func (a *API) handleRegisterAgent(c echo.Context) error {
	var req registerAgentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" || req.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId and agentId are required")
	}
	return c.JSON(http.StatusOK, a.registry.Register(req.UserID, req.AgentID))
}

func (a *API) handleListAgents(c echo.Context) error {
	return c.JSON(http.StatusOK, a.registry.List())
}

func (a *API) handleGetAgent(c echo.Context) error {
	agent, err := a.registry.Get(c.Param("userId"), c.Param("agentId"))
	if errors.Is(err, ErrNotRegistered) {
		return echo.NewHTTPError(http.StatusNotFound, "agent not registered")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "agent lookup failed")
	}
	return c.JSON(http.StatusOK, agent)
}

type agentEventRequest struct {
	Event lifecycle.AgentEvent `json:"event"`
}

var agentEvents = map[lifecycle.AgentEvent]struct{}{
	lifecycle.AgentStart:      {},
	lifecycle.AgentPause:      {},
	lifecycle.AgentResume:     {},
	lifecycle.AgentKill:       {},
	lifecycle.AgentFail:       {},
	lifecycle.AgentResetError: {},
}

func (a *API) handleAgentEvent(c echo.Context) error {
	var req agentEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if _, ok := agentEvents[req.Event]; !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown agent event")
	}

	agent, err := a.registry.Apply(c.Param("userId"), c.Param("agentId"), req.Event)
	if errors.Is(err, ErrNotRegistered) {
		return echo.NewHTTPError(http.StatusNotFound, "agent not registered")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "agent event failed")
	}
	return c.JSON(http.StatusOK, agent)
}

type enqueueRequest struct {
	UserID  string `json:"userId"`
	AgentID string `json:"agentId"`
	Market  string `json:"market,omitempty"`
}

func (a *API) handleEnqueue(c echo.Context) error {
	var req enqueueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" || req.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId and agentId are required")
	}
	return c.JSON(http.StatusOK, a.queue.Enqueue(req.UserID, req.AgentID, req.Market))
}

func (a *API) handleGetTx(c echo.Context) error {
	tx, err := a.queue.Get(c.Param("id"))
	if errors.Is(err, queue.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "queued transaction not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "queue lookup failed")
	}
	return c.JSON(http.StatusOK, tx)
}

type markSignedRequest struct {
	Txid string `json:"txid"`
}

// handleMarkSigned records the broadcast txid for a queued transaction.
// The wallet signs out of process; this is where it reports back, and where
// confirmation tracking starts.
func (a *API) handleMarkSigned(c echo.Context) error {
	var req markSignedRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	tx, err := a.queue.MarkSigned(c.Param("id"), req.Txid)
	if errors.Is(err, queue.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "queued transaction not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, tx)
}

type txEventRequest struct {
	Event lifecycle.TxEvent `json:"event"`
}

func (a *API) handleTxEvent(c echo.Context) error {
	var req txEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	id := c.Param("id")
	var (
		tx  queue.QueuedTx
		err error
	)
	switch req.Event {
	case lifecycle.TxSignStart:
		tx, err = a.queue.BeginSigning(id)
	case lifecycle.TxReject:
		tx, err = a.queue.Reject(id)
	case lifecycle.TxFail:
		tx, err = a.queue.Fail(id)
	case lifecycle.TxRequeue:
		tx, err = a.queue.Requeue(id)
	case lifecycle.TxRetrySign:
		tx, err = a.queue.RetrySign(id)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown queue event")
	}

	if errors.Is(err, queue.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "queued transaction not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "queue event failed")
	}
	return c.JSON(http.StatusOK, tx)
}
