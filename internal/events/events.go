package events

import (
	"context"
	"time"

	"github.com/alfredjeanlab/indexsync/internal/model"
)

// Topics are NATS subjects. All share the "indexsync." prefix so "indexsync.>"
// follows the whole cluster.
const (
	TopicAgentJoined  = "indexsync.agent.joined"
	TopicAgentLeft    = "indexsync.agent.left"
	TopicAgentEvicted = "indexsync.agent.evicted"

	TopicShardingChanged  = "indexsync.sharding.changed"
	TopicShardingConflict = "indexsync.sharding.conflict"

	TopicEventAbandoned = "indexsync.event.abandoned"

	TopicMassIndexState = "indexsync.massindex.state"

	// TopicAll matches every indexsync topic.
	TopicAll = "indexsync.>"
)

// Event types

type AgentJoined struct {
	Tenant string       `json:"tenant,omitempty"`
	Agent  *model.Agent `json:"agent"`
}

type AgentLeft struct {
	Tenant    string `json:"tenant,omitempty"`
	Reference string `json:"reference"`
}

type AgentEvicted struct {
	Tenant     string          `json:"tenant,omitempty"`
	Reference  string          `json:"reference"`
	Type       model.AgentType `json:"type"`
	Expiration time.Time       `json:"expiration"`
	EvictedBy  string          `json:"evicted_by"`
}

type ShardingChanged struct {
	Tenant    string                `json:"tenant,omitempty"`
	Reference string                `json:"reference"`
	Previous  model.ShardAssignment `json:"previous"`
	Current   model.ShardAssignment `json:"current"`
}

type ShardingConflict struct {
	Tenant          string                `json:"tenant,omitempty"`
	Kind            string                `json:"kind"`
	Self            string                `json:"self"`
	Other           string                `json:"other"`
	SelfAssignment  model.ShardAssignment `json:"self_assignment"`
	OtherAssignment model.ShardAssignment `json:"other_assignment"`
	Message         string                `json:"message"`
}

type EventAbandoned struct {
	Tenant     string `json:"tenant,omitempty"`
	EventID    int64  `json:"event_id"`
	EntityName string `json:"entity_name"`
	EntityID   string `json:"entity_id"`
	Attempts   int    `json:"attempts"`
	Kind       string `json:"kind"`
	Cause      string `json:"cause"`
}

type MassIndexState struct {
	Tenant    string           `json:"tenant,omitempty"`
	Reference string           `json:"reference"`
	State     model.AgentState `json:"state"`
	Indexed   int64            `json:"indexed"`
	Total     int64            `json:"total"`
	Error     string           `json:"error,omitempty"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
