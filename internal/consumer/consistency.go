package consumer

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/kasagent/kasagentd/internal/lifecycle"
	"github.com/kasagent/kasagentd/internal/model"
)

// handleConsistency handles POST /v1/receipt-consistency. Checks are
// append-only; every well-formed check is accepted whatever its status.
func (s *Server) handleConsistency(c echo.Context) error {
	var check model.ConsistencyCheck
	if err := c.Bind(&check); err != nil {
		s.logger.Warn("invalid consistency check payload", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if check.Status != model.ConsistencyConsistent && check.Status != model.ConsistencyMismatch {
		return echo.NewHTTPError(http.StatusBadRequest, "status must be consistent or mismatch")
	}
	if check.Txid == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "txid is required")
	}
	if check.CheckedTs.IsZero() {
		check.CheckedTs = time.Now()
	}

	s.consistency.Append(check)

	s.metrics.ConsistencyChecks.Inc()
	if check.Status == model.ConsistencyMismatch {
		s.metrics.ConsistencyMismatch.Inc()
		for _, field := range check.Mismatches {
			s.metrics.MismatchByType.WithLabelValues(field).Inc()
		}
		s.logger.Warn("receipt consistency mismatch",
			zap.String("txid", check.Txid),
			zap.Strings("fields", check.Mismatches),
			zap.String("provenance", check.Provenance))
	}

	return c.JSON(http.StatusOK, ConsistencyResponse{OK: true, Recorded: true})
}

// handleTelemetrySummary handles GET /v1/telemetry-summary. The summary is
// recomputed from store snapshots on every read.
func (s *Server) handleTelemetrySummary(c echo.Context) error {
	counts := s.receipts.StatusCounts()
	confirmed, meanMs := s.receipts.ConfirmationLatency()
	checks, mismatches, byField := s.consistency.Totals()

	return c.JSON(http.StatusOK, TelemetrySummary{
		Receipts: ReceiptTelemetry{
			ByStatus:                  counts,
			ConfirmedCount:            confirmed,
			FailedCount:               counts[lifecycle.ReceiptFailed],
			TimeoutCount:              counts[lifecycle.ReceiptTimeout],
			ConfirmationLatencyMsMean: meanMs,
		},
		Truth: TruthTelemetry{
			ConsistencyChecksTotal:   checks,
			ConsistencyMismatchTotal: mismatches,
			MismatchByField:          byField,
		},
	})
}
