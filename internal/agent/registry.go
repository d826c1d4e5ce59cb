// Package agent keeps the runtime state of trading agents and attaches side
// effects to lifecycle events. The kill switch is the important one: KILL
// suspends the agent and cancels its outstanding confirmation tracking.
package agent

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kasagent/kasagentd/internal/lifecycle"
	"github.com/kasagent/kasagentd/internal/model"
)

// ErrNotRegistered is returned when an event targets an unknown agent.
var ErrNotRegistered = errors.New("agent not registered")

// Canceler abandons an agent's in-flight work. Implemented by the signing
// queue, which cancels confirmation tracking for the agent's signed txids.
type Canceler interface {
	CancelAgent(userID, agentID string) int
}

// Agent is the registry's view of one trading agent.
type Agent struct {
	Scope        model.Scope          `json:"scope"`
	State        lifecycle.AgentState `json:"state"`
	RegisteredAt time.Time            `json:"registeredAt"`
	UpdatedAt    time.Time            `json:"updatedAt"`
}

// Registry tracks registered agents and applies lifecycle events to them.
// All methods are safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	agents map[model.Scope]*Agent

	canceler Canceler
	logger   *zap.Logger
}

// NewRegistry creates an agent registry. canceler and logger may not be nil.
func NewRegistry(canceler Canceler, logger *zap.Logger) (*Registry, error) {
	if canceler == nil {
		return nil, fmt.Errorf("canceler cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Registry{
		agents:   make(map[model.Scope]*Agent),
		canceler: canceler,
		logger:   logger,
	}, nil
}

// Register adds an agent in the OFF state. Registering an existing agent
// returns its current record unchanged.
func (r *Registry) Register(userID, agentID string) Agent {
	scope := model.Scope{UserID: userID, AgentID: agentID}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[scope]; ok {
		return *a
	}

	now := time.Now()
	a := &Agent{
		Scope:        scope,
		State:        lifecycle.AgentOff,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	r.agents[scope] = a
	r.logger.Info("agent registered",
		zap.String("user_id", userID),
		zap.String("agent_id", agentID),
	)
	return *a
}

// Get returns a copy of the agent's record.
func (r *Registry) Get(userID, agentID string) (Agent, error) {
	scope := model.Scope{UserID: userID, AgentID: agentID}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[scope]
	if !ok {
		return Agent{}, ErrNotRegistered
	}
	return *a, nil
}

// Apply runs one lifecycle event against the agent. Events the current
// state does not accept leave it unchanged. KILL and FAIL, when they change
// the state, also cancel the agent's outstanding confirmation tracking.
func (r *Registry) Apply(userID, agentID string, event lifecycle.AgentEvent) (Agent, error) {
	scope := model.Scope{UserID: userID, AgentID: agentID}

	r.mu.Lock()
	a, ok := r.agents[scope]
	if !ok {
		r.mu.Unlock()
		return Agent{}, ErrNotRegistered
	}
	next, err := lifecycle.AgentTransition(a.State, event)
	if err != nil {
		r.mu.Unlock()
		return Agent{}, err
	}
	changed := next != a.State
	if changed {
		r.logger.Info("agent state changed",
			zap.String("user_id", userID),
			zap.String("agent_id", agentID),
			zap.String("from", string(a.State)),
			zap.String("to", string(next)),
			zap.String("event", string(event)),
		)
		a.State = next
		a.UpdatedAt = time.Now()
	}
	out := *a
	r.mu.Unlock()

	if changed && (event == lifecycle.AgentKill || event == lifecycle.AgentFail) {
		cancelled := r.canceler.CancelAgent(userID, agentID)
		if cancelled > 0 {
			r.logger.Info("agent work cancelled",
				zap.String("user_id", userID),
				zap.String("agent_id", agentID),
				zap.Int("cancelled", cancelled),
			)
		}
	}
	return out, nil
}

// List returns copies of all registered agents.
func (r *Registry) List() []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	return out
}
