// Package lifecycle defines the pure state machines that govern an agent's
// run state, a queued transaction's signing state, and a broadcast
// transaction's on-chain receipt state.
//
// All three machines are synchronous and side-effect free. An event that the
// current state does not recognize is a no-op (the same state is returned);
// an unrecognized state is an error. The machines are deliberately permissive
// about skipping intermediate states, because the poller and the backend push
// observe the chain at different granularities.
package lifecycle
