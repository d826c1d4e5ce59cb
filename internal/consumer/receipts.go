package consumer

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/kasagent/kasagentd/internal/lifecycle"
	"github.com/kasagent/kasagentd/internal/model"
)

// validIngestStatus accepts the states a receipt source can report. Empty
// defaults to broadcasted in the store.
func validIngestStatus(status lifecycle.ReceiptState) bool {
	switch status {
	case "", lifecycle.ReceiptSubmitted, lifecycle.ReceiptBroadcasted, lifecycle.ReceiptPendingConfirm,
		lifecycle.ReceiptConfirmed, lifecycle.ReceiptFailed, lifecycle.ReceiptTimeout:
		return true
	}
	return false
}

// handleIngestReceipt handles POST /v1/execution-receipts.
//
// Resubmitting a txid is a first-class success: the caller gets
// duplicate=true and the stored record, and no second stream event is
// emitted. Observers must never see a confirmed receipt replayed as new.
func (s *Server) handleIngestReceipt(c echo.Context) error {
	var receipt model.ExecutionReceipt
	if err := c.Bind(&receipt); err != nil {
		s.logger.Warn("invalid receipt payload", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if !model.ValidTxid(receipt.Txid) {
		return echo.NewHTTPError(http.StatusBadRequest, "txid must be 64 hex characters")
	}
	if !validIngestStatus(receipt.Status) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown receipt status")
	}

	stored, seq, duplicate := s.receipts.Upsert(receipt)
	if !duplicate {
		ev := model.ReceiptEvent{Seq: seq, Receipt: stored}
		if err := s.broadcaster.PublishReceipt(ev); err != nil {
			// The receipt is committed; stream delivery is best-effort.
			s.logger.Warn("receipt event publish failed",
				zap.String("txid", stored.Txid), zap.Error(err))
		} else {
			s.metrics.ReceiptSSEEvents.Inc()
		}
		s.logger.Info("ingested execution receipt",
			zap.String("txid", stored.Txid),
			zap.String("status", string(stored.Status)))
	}

	return c.JSON(http.StatusOK, ReceiptResponse{Duplicate: duplicate, Receipt: stored})
}

// handleGetReceipt handles GET /v1/execution-receipts?txid=.
//
// 404 means "not yet observed", not an error: the poller may simply not
// have submitted anything for this txid yet.
func (s *Server) handleGetReceipt(c echo.Context) error {
	txid := c.QueryParam("txid")
	if !model.ValidTxid(txid) {
		return echo.NewHTTPError(http.StatusBadRequest, "txid must be 64 hex characters")
	}

	receipt, ok := s.receipts.Get(txid)
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: ErrCodeNotFound})
	}
	return c.JSON(http.StatusOK, receipt)
}
