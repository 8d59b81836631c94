package model

import (
	"time"
)

// AgentType distinguishes event processors from mass-indexing jobs.
type AgentType string

const (
	AgentTypeEventProcessor AgentType = "event_processor"
	AgentTypeMassIndexer    AgentType = "mass_indexer"
)

// String returns the string representation of the agent type.
func (t AgentType) String() string {
	return string(t)
}

// IsValid checks whether the agent type is a known value.
func (t AgentType) IsValid() bool {
	switch t {
	case AgentTypeEventProcessor, AgentTypeMassIndexer:
		return true
	}
	return false
}

// AgentState is the lifecycle state persisted on an agent row.
type AgentState string

// Event processor states.
const (
	AgentStatePulsing   AgentState = "pulsing"
	AgentStateSuspended AgentState = "suspended"
)

// Mass indexer states.
const (
	AgentStateStarting AgentState = "starting"
	AgentStateRunning  AgentState = "running"
	AgentStateStopping AgentState = "stopping"
)

// String returns the string representation of the agent state.
func (s AgentState) String() string {
	return string(s)
}

// IsValidFor reports whether the state is allowed for the given agent type.
func (s AgentState) IsValidFor(t AgentType) bool {
	switch t {
	case AgentTypeEventProcessor:
		return s == AgentStatePulsing || s == AgentStateSuspended
	case AgentTypeMassIndexer:
		return s == AgentStateStarting || s == AgentStateRunning || s == AgentStateStopping
	}
	return false
}

// Agent is one registered cluster member.
type Agent struct {
	Reference  string     `json:"reference"`
	Name       string     `json:"name"`
	Type       AgentType  `json:"type"`
	State      AgentState `json:"state"`
	Expiration time.Time  `json:"expiration"`

	// StaticSharding is true when Assignment comes from configuration rather
	// than from the resolver.
	StaticSharding bool            `json:"static_sharding"`
	Assignment     ShardAssignment `json:"assignment"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// IsExpired reports whether the agent missed its refresh deadline.
func (a *Agent) IsExpired(now time.Time) bool {
	return !a.Expiration.After(now)
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	c := *a
	c.Assignment = a.Assignment.Clone()
	return &c
}
