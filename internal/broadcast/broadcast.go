// Package broadcast fans ingested receipt events out to stream subscribers
// over NATS.
//
// Each subscriber gets its own bounded channel via ChanSubscribe, so a slow
// SSE client becomes a slow consumer that drops messages instead of blocking
// the ingesting request.
package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kasagent/kasagentd/internal/model"
)

// SubjectReceipts carries one message per first-time receipt ingestion.
const SubjectReceipts = "kasagent.receipts.ingested"

// DefaultSubscriberBuffer is the per-subscriber channel depth.
const DefaultSubscriberBuffer = 64

// Broadcaster publishes receipt events and hands out subscriptions.
type Broadcaster struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// New creates a Broadcaster on an established NATS connection.
func New(nc *nats.Conn, logger *zap.Logger) (*Broadcaster, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{nc: nc, logger: logger.Named("broadcast")}, nil
}

// PublishReceipt publishes one ingestion event. Delivery to subscribers is
// best-effort; ingestion has already committed by the time this runs.
func (b *Broadcaster) PublishReceipt(ev model.ReceiptEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal receipt event: %w", err)
	}
	if err := b.nc.Publish(SubjectReceipts, data); err != nil {
		return fmt.Errorf("publish receipt event: %w", err)
	}
	b.logger.Debug("published receipt event",
		zap.Uint64("seq", ev.Seq),
		zap.String("txid", ev.Receipt.Txid))
	return nil
}

// Subscription is one subscriber's bounded view of the receipt stream.
type Subscription struct {
	C   chan *nats.Msg
	sub *nats.Subscription
}

// Subscribe opens a subscription with the given channel depth. A depth of
// zero or less uses DefaultSubscriberBuffer.
func (b *Broadcaster) Subscribe(buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan *nats.Msg, buffer)
	sub, err := b.nc.ChanSubscribe(SubjectReceipts, ch)
	if err != nil {
		return nil, fmt.Errorf("subscribe receipts: %w", err)
	}
	return &Subscription{C: ch, sub: sub}, nil
}

// Close unsubscribes. The channel is left to the garbage collector; pending
// messages in it are dropped with it.
func (s *Subscription) Close() {
	_ = s.sub.Unsubscribe()
}

// DecodeEvent unmarshals a receipt event from a subscription message.
func DecodeEvent(msg *nats.Msg) (model.ReceiptEvent, error) {
	var ev model.ReceiptEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return model.ReceiptEvent{}, fmt.Errorf("decode receipt event: %w", err)
	}
	return ev, nil
}
