// Package client provides a transport-agnostic interface for the indexsync
// admin API and an HTTP/JSON implementation of it.
package client

import (
	"context"
	"encoding/json"

	"github.com/alfredjeanlab/indexsync/internal/coordinator"
	"github.com/alfredjeanlab/indexsync/internal/indexwork"
	"github.com/alfredjeanlab/indexsync/internal/model"
	"github.com/alfredjeanlab/indexsync/internal/server"
)

// Client is what the CLI commands use to talk to a running server.
type Client interface {
	Health(ctx context.Context) (string, error)

	ListTenants(ctx context.Context) ([]*server.TenantStatus, error)
	GetTenant(ctx context.Context, tenant string) (*server.TenantStatus, error)
	ListAgents(ctx context.Context, tenant string) ([]*model.Agent, error)
	// ListOrphans returns mass indexing jobs whose heartbeat has expired.
	ListOrphans(ctx context.Context, tenant string) ([]*model.Agent, error)

	Suspend(ctx context.Context, tenant string) (*coordinator.Status, error)
	Resume(ctx context.Context, tenant string) (*coordinator.Status, error)

	Enqueue(ctx context.Context, tenant string, works []indexwork.Work) ([]*model.Event, error)

	// Stream calls fn for every notification matching topics until ctx is
	// done or fn returns an error.
	Stream(ctx context.Context, topics []string, fn func(Notification) error) error

	Close() error
}

// Notification is one event read from the server's SSE stream.
type Notification struct {
	ID    string          `json:"id"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}
