package model

import (
	"time"
)

// Event is a pending index mutation recorded in the outbox.
//
// Events for the same EntityName/EntityID pair are applied in ascending ID
// order. The payload is never inspected by the coordination engine.
type Event struct {
	ID           int64     `json:"id"`
	EntityName   string    `json:"entity_name"`
	EntityID     string    `json:"entity_id"`
	Payload      []byte    `json:"payload,omitempty"`
	Shard        int       `json:"shard"` // position in [0, ShardSpace)
	Attempts     int       `json:"attempts"`
	ProcessAfter time.Time `json:"process_after"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
}

// EntityKey identifies the business object an event belongs to.
type EntityKey struct {
	Name string
	ID   string
}

// Key returns the entity identity of the event.
func (e *Event) Key() EntityKey {
	return EntityKey{Name: e.EntityName, ID: e.EntityID}
}

// IsDue reports whether the event may be claimed at now.
func (e *Event) IsDue(now time.Time) bool {
	return !e.ProcessAfter.After(now)
}
