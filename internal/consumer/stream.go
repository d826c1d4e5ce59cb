package consumer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/kasagent/kasagentd/internal/broadcast"
	"github.com/kasagent/kasagentd/internal/model"
)

// handleReceiptStream handles GET /v1/execution-receipts/stream?replay=N.
//
// With replay>0 the handler first emits up to the last N ingested receipt
// events in ingestion order, then tails the live stream. The subscription
// is opened before the replay snapshot is taken, and live events at or
// below the snapshot's last sequence are skipped, so the boundary neither
// drops nor repeats an event.
func (s *Server) handleReceiptStream(c echo.Context) error {
	replay := 0
	if raw := c.QueryParam("replay"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "replay must be a non-negative integer")
		}
		replay = parsed
	}

	sub, err := s.broadcaster.Subscribe(s.config.Consumer.SubscriberBuffer)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "subscribe receipt stream")
	}
	defer sub.Close()

	resp := c.Response()
	resp.Header().Set("Content-Type", "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	resp.WriteHeader(http.StatusOK)

	var lastSeq uint64
	if replay > 0 {
		for _, ev := range s.receipts.Recent(replay) {
			if err := writeReceiptEvent(resp, ev.Receipt); err != nil {
				return nil // subscriber went away mid-replay
			}
			lastSeq = ev.Seq
		}
	}
	resp.Flush()

	s.logger.Debug("receipt stream subscriber connected", zap.Int("replay", replay))

	// Heartbeat keeps proxies from timing the connection out.
	ticker := time.NewTicker(s.config.Consumer.HeartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case msg := <-sub.C:
			ev, err := broadcast.DecodeEvent(msg)
			if err != nil {
				s.logger.Warn("dropping undecodable stream event", zap.Error(err))
				continue
			}
			if ev.Seq <= lastSeq {
				continue // already delivered via replay
			}
			if err := writeReceiptEvent(resp, ev.Receipt); err != nil {
				return nil
			}
			resp.Flush()

		case <-ticker.C:
			fmt.Fprintf(resp, ": heartbeat\n\n")
			resp.Flush()

		case <-c.Request().Context().Done():
			return nil
		}
	}
}

func writeReceiptEvent(resp *echo.Response, receipt model.ExecutionReceipt) error {
	data, err := json.Marshal(receipt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(resp, "event: receipt\ndata: %s\n\n", data)
	return err
}
