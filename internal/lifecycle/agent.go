package lifecycle

import "fmt"

// AgentState is the run state of a trading agent.
type AgentState string

const (
	AgentOff       AgentState = "OFF"
	AgentRunning   AgentState = "RUNNING"
	AgentPaused    AgentState = "PAUSED"
	AgentSuspended AgentState = "SUSPENDED"
	AgentError     AgentState = "ERROR"
)

// AgentEvent is an operator or system event applied to an agent.
type AgentEvent string

const (
	AgentStart      AgentEvent = "START"
	AgentPause      AgentEvent = "PAUSE"
	AgentResume     AgentEvent = "RESUME"
	AgentKill       AgentEvent = "KILL"
	AgentFail       AgentEvent = "FAIL"
	AgentResetError AgentEvent = "RESET_ERROR"
)

// agentTransitions maps each state to the events it accepts. KILL is the
// kill switch: reachable from every non-OFF state.
var agentTransitions = map[AgentState]map[AgentEvent]AgentState{
	AgentOff: {
		AgentStart: AgentRunning,
	},
	AgentRunning: {
		AgentPause: AgentPaused,
		AgentKill:  AgentSuspended,
		AgentFail:  AgentError,
	},
	AgentPaused: {
		AgentResume: AgentRunning,
		AgentKill:   AgentSuspended,
		AgentFail:   AgentError,
	},
	AgentSuspended: {
		AgentResume: AgentRunning,
	},
	AgentError: {
		AgentResume:     AgentRunning,
		AgentResetError: AgentRunning,
		AgentKill:       AgentSuspended,
	},
}

// AgentTransition applies event to state. Events not accepted by the current
// state return the state unchanged; an unknown state is an error.
func AgentTransition(state AgentState, event AgentEvent) (AgentState, error) {
	accepted, ok := agentTransitions[state]
	if !ok {
		return state, fmt.Errorf("invalid transition: unknown agent state %q", state)
	}
	next, ok := accepted[event]
	if !ok {
		return state, nil
	}
	return next, nil
}
