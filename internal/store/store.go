package store

import (
	"context"
	"errors"
	"time"

	"github.com/alfredjeanlab/indexsync/internal/model"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a conditional write finds the row changed
	// or gone since it was read. Callers treat it as "someone else got it".
	ErrConflict = errors.New("store: concurrent modification")
)

// Store defines the persistence interface for the outbox and the agent table.
type Store interface {
	// Outbox events
	EnqueueEvent(ctx context.Context, ev *model.Event) error
	ListDueEvents(ctx context.Context, owned model.ShardAssignment, now time.Time, limit int) ([]*model.Event, error)
	ClaimEvent(ctx context.Context, ev *model.Event, leaseUntil time.Time) error
	DeleteEvent(ctx context.Context, ev *model.Event) error
	RescheduleEvent(ctx context.Context, ev *model.Event) error
	CountEvents(ctx context.Context) (int, error)

	// Agents
	RegisterAgent(ctx context.Context, agent *model.Agent) error
	GetAgent(ctx context.Context, reference string) (*model.Agent, error)
	ListAgents(ctx context.Context) ([]*model.Agent, error)
	UpdateAgent(ctx context.Context, agent *model.Agent) error
	DeleteAgent(ctx context.Context, reference string) error
	DeleteExpiredAgent(ctx context.Context, reference string, now time.Time) (bool, error)

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Close() error
}
