package consumer

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/kasagent/kasagentd/internal/model"
	"github.com/kasagent/kasagentd/internal/store"
)

// handleSchedulerCycle handles POST /v1/scheduler/cycle.
//
// Order matters: the idempotency record is consulted before the fence, so a
// retry of an already-accepted callback is answered from the cache no matter
// what fence token it carries. Only a genuinely new key reaches the fence
// compare, and only an accepted callback leaves a record behind.
func (s *Server) handleSchedulerCycle(c echo.Context) error {
	var env model.CallbackEnvelope
	if err := c.Bind(&env); err != nil {
		s.logger.Warn("invalid cycle envelope", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	key := c.Request().Header.Get(HeaderIdempotencyKey)
	if key == "" {
		key = env.CallbackIdempotencyKey
	}
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "idempotency key is required")
	}

	token := env.LeaderFenceToken
	if raw := c.Request().Header.Get(HeaderFenceToken); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "leader fence token must be a decimal integer")
		}
		token = parsed
	}

	scope, err := s.resolveScope(c, env)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	for {
		rec, reserved := s.idempotency.Begin(key)
		if !reserved {
			cached, committed, err := rec.Wait(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "interrupted waiting for in-flight duplicate")
			}
			if !committed {
				// The first delivery aborted without side effects; this
				// retry takes its place.
				continue
			}
			s.metrics.CycleDuplicate.Inc()
			s.logger.Debug("duplicate cycle callback",
				zap.String("idempotency_key", key),
				zap.String("scope", scope.String()))
			return c.JSONBlob(http.StatusOK, cached)
		}

		if err := s.fences.Accept(scope, token); err != nil {
			s.idempotency.Abort(rec)
			if errors.Is(err, store.ErrStaleFence) {
				s.metrics.CycleStaleFence.Inc()
				s.logger.Warn("rejected callback from superseded leader",
					zap.String("scope", scope.String()),
					zap.Int64("fence_token", token),
					zap.String("scheduler_instance", env.SchedulerInstanceID))
				return c.JSON(http.StatusConflict, ErrorResponse{Error: ErrCodeStaleFence})
			}
			return echo.NewHTTPError(http.StatusInternalServerError, "fence update failed")
		}

		resp := CycleResponse{
			OK:         true,
			Accepted:   true,
			Duplicate:  false,
			Scope:      scope.String(),
			FenceToken: token,
		}

		// The cached snapshot is what retries see: same response, marked
		// duplicate.
		cached := resp
		cached.Duplicate = true
		data, err := json.Marshal(cached)
		if err != nil {
			s.idempotency.Abort(rec)
			return echo.NewHTTPError(http.StatusInternalServerError, "snapshot cycle response")
		}
		s.idempotency.Commit(rec, data)

		s.metrics.CycleAccepted.Inc()
		s.logger.Info("accepted cycle callback",
			zap.String("scope", scope.String()),
			zap.Int64("fence_token", token),
			zap.String("queue_task", env.QueueTaskID))
		return c.JSON(http.StatusOK, resp)
	}
}

// resolveScope takes the scope from the agent-key header when present,
// falling back to the envelope's agent reference.
func (s *Server) resolveScope(c echo.Context, env model.CallbackEnvelope) (model.Scope, error) {
	if raw := c.Request().Header.Get(HeaderAgentKey); raw != "" {
		return model.ParseScope(raw)
	}
	if env.Agent.UserID == "" || env.Agent.ID == "" {
		return model.Scope{}, errors.New("agent userId and id are required")
	}
	return model.Scope{UserID: env.Agent.UserID, AgentID: env.Agent.ID}, nil
}
