package lifecycle

import "fmt"

// TxState is the signing state of a queued transaction.
type TxState string

const (
	TxPending  TxState = "pending"
	TxSigning  TxState = "signing"
	TxSigned   TxState = "signed"
	TxRejected TxState = "rejected"
	TxFailed   TxState = "failed"
)

// TxEvent is an event applied to a queued transaction.
type TxEvent string

const (
	TxSignStart TxEvent = "SIGN_START"
	TxSignedOK  TxEvent = "SIGNED"
	TxReject    TxEvent = "REJECT"
	TxFail      TxEvent = "FAIL"
	TxRequeue   TxEvent = "REQUEUE"
	TxRetrySign TxEvent = "RETRY_SIGN"
)

// txTransitions: signed is terminal; rejected and failed are recoverable
// via REQUEUE, and failed can retry signing directly.
var txTransitions = map[TxState]map[TxEvent]TxState{
	TxPending: {
		TxSignStart: TxSigning,
		TxSignedOK:  TxSigned,
		TxReject:    TxRejected,
		TxFail:      TxFailed,
	},
	TxSigning: {
		TxSignedOK: TxSigned,
		TxReject:   TxRejected,
		TxFail:     TxFailed,
	},
	TxSigned: {},
	TxRejected: {
		TxRequeue: TxPending,
	},
	TxFailed: {
		TxRequeue:   TxPending,
		TxRetrySign: TxSigning,
	},
}

// TxTransition applies event to state. Events not accepted by the current
// state return the state unchanged; an unknown state is an error.
func TxTransition(state TxState, event TxEvent) (TxState, error) {
	accepted, ok := txTransitions[state]
	if !ok {
		return state, fmt.Errorf("invalid transition: unknown tx state %q", state)
	}
	next, ok := accepted[event]
	if !ok {
		return state, nil
	}
	return next, nil
}

// TxTerminal reports whether the state has no outgoing recovery path.
func TxTerminal(state TxState) bool {
	return state == TxSigned
}
