package lifecycle

import "fmt"

// ReceiptState is the on-chain receipt state of a broadcast transaction.
type ReceiptState string

const (
	ReceiptSubmitted      ReceiptState = "submitted"
	ReceiptBroadcasted    ReceiptState = "broadcasted"
	ReceiptPendingConfirm ReceiptState = "pending_confirm"
	ReceiptConfirmed      ReceiptState = "confirmed"
	ReceiptFailed         ReceiptState = "failed"
	ReceiptTimeout        ReceiptState = "timeout"
)

// ReceiptEvent is an observation applied to a receipt. Observation events
// carry the state the source saw; RESET re-opens a terminal receipt when a
// reconciliation disagreement forces a re-check.
type ReceiptEvent string

const (
	ReceiptSawBroadcast      ReceiptEvent = "SAW_BROADCAST"
	ReceiptSawPendingConfirm ReceiptEvent = "SAW_PENDING_CONFIRM"
	ReceiptSawConfirmed      ReceiptEvent = "SAW_CONFIRMED"
	ReceiptSawFailed         ReceiptEvent = "SAW_FAILED"
	ReceiptSawTimeout        ReceiptEvent = "SAW_TIMEOUT"
	ReceiptReset             ReceiptEvent = "RESET"
)

// receiptTransitions is forward-only: a receipt may skip intermediate states
// (a poller can see confirmed before it ever sees broadcasted) but never
// regresses. Terminal states accept only RESET.
var receiptTransitions = map[ReceiptState]map[ReceiptEvent]ReceiptState{
	ReceiptSubmitted: {
		ReceiptSawBroadcast:      ReceiptBroadcasted,
		ReceiptSawPendingConfirm: ReceiptPendingConfirm,
		ReceiptSawConfirmed:      ReceiptConfirmed,
		ReceiptSawFailed:         ReceiptFailed,
		ReceiptSawTimeout:        ReceiptTimeout,
	},
	ReceiptBroadcasted: {
		ReceiptSawPendingConfirm: ReceiptPendingConfirm,
		ReceiptSawConfirmed:      ReceiptConfirmed,
		ReceiptSawFailed:         ReceiptFailed,
		ReceiptSawTimeout:        ReceiptTimeout,
	},
	ReceiptPendingConfirm: {
		ReceiptSawConfirmed: ReceiptConfirmed,
		ReceiptSawFailed:    ReceiptFailed,
		ReceiptSawTimeout:   ReceiptTimeout,
	},
	ReceiptConfirmed: {
		ReceiptReset: ReceiptSubmitted,
	},
	ReceiptFailed: {
		ReceiptReset: ReceiptSubmitted,
	},
	ReceiptTimeout: {
		ReceiptReset: ReceiptSubmitted,
	},
}

// ReceiptTransition applies event to state. Events not accepted by the
// current state return the state unchanged; an unknown state is an error.
func ReceiptTransition(state ReceiptState, event ReceiptEvent) (ReceiptState, error) {
	accepted, ok := receiptTransitions[state]
	if !ok {
		return state, fmt.Errorf("invalid transition: unknown receipt state %q", state)
	}
	next, ok := accepted[event]
	if !ok {
		return state, nil
	}
	return next, nil
}

// ReceiptTerminal reports whether state is confirmed, failed, or timeout.
func ReceiptTerminal(state ReceiptState) bool {
	switch state {
	case ReceiptConfirmed, ReceiptFailed, ReceiptTimeout:
		return true
	}
	return false
}

// ReceiptCanAdvance reports whether a receipt may move from one state to
// another without a RESET. Used by the receipt store to accept forward-only
// status updates on duplicate ingestion.
func ReceiptCanAdvance(from, to ReceiptState) bool {
	if from == to {
		return false
	}
	accepted, ok := receiptTransitions[from]
	if !ok {
		return false
	}
	for ev, next := range accepted {
		if ev == ReceiptReset {
			continue
		}
		if next == to {
			return true
		}
	}
	return false
}
