// Package server exposes the running agents of every tenant over HTTP/JSON
// and gRPC health checking.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alfredjeanlab/indexsync/internal/coordinator"
	"github.com/alfredjeanlab/indexsync/internal/events"
	"github.com/alfredjeanlab/indexsync/internal/indexwork"
	"github.com/alfredjeanlab/indexsync/internal/model"
	"github.com/alfredjeanlab/indexsync/internal/processor"
	"github.com/alfredjeanlab/indexsync/internal/store"
)

// Tenant is one tenant's agent as seen by the API.
type Tenant struct {
	ID          string
	Store       store.Store
	Coordinator *coordinator.Coordinator
	Processor   *processor.Processor
}

// TenantStatus is the body of GET /v1/tenants/{tenant}.
type TenantStatus struct {
	coordinator.Status
	Stats         processor.Stats `json:"stats"`
	PendingEvents int             `json:"pending_events"`
}

// Server serves the API for a fixed set of tenants.
type Server struct {
	tenants map[string]*Tenant
	hub     *sseHub
	log     *slog.Logger
}

// New returns a server for the given tenants.
func New(tenants []*Tenant, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		tenants: make(map[string]*Tenant, len(tenants)),
		hub:     newSSEHub(),
		log:     logger,
	}
	for _, t := range tenants {
		s.tenants[t.ID] = t
	}
	return s
}

// AddTenant registers a tenant after construction. The serve command creates
// the server before the agents so they can publish through it. Not safe once
// the handler is serving.
func (s *Server) AddTenant(t *Tenant) {
	s.tenants[t.ID] = t
}

// Publisher wraps next so every notification is also streamed to SSE
// clients. next may be nil.
func (s *Server) Publisher(next events.Publisher) events.Publisher {
	if next == nil {
		next = &events.NoopPublisher{}
	}
	return &ssePublisher{hub: s.hub, next: next, log: s.log}
}

// tenantIDs returns the tenant ids in sorted order.
func (s *Server) tenantIDs() []string {
	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// inputError indicates invalid user input.
// Transport layers map this to 400.
type inputError string

func (e inputError) Error() string { return string(e) }

var errUnknownTenant = errors.New("unknown tenant")

func (s *Server) tenant(id string) (*Tenant, error) {
	t, ok := s.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", errUnknownTenant, id)
	}
	return t, nil
}

// Status reports the tenant's coordinator snapshot with processor counters.
func (s *Server) Status(ctx context.Context, tenantID string) (*TenantStatus, error) {
	t, err := s.tenant(tenantID)
	if err != nil {
		return nil, err
	}
	st := &TenantStatus{Status: t.Coordinator.Status()}
	if t.Processor != nil {
		st.Stats = t.Processor.Stats()
	}
	n, err := t.Store.CountEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	st.PendingEvents = n
	return st, nil
}

// Enqueue writes works to the tenant's outbox in one transaction.
func (s *Server) Enqueue(ctx context.Context, tenantID string, works []indexwork.Work) ([]*model.Event, error) {
	t, err := s.tenant(tenantID)
	if err != nil {
		return nil, err
	}
	if len(works) == 0 {
		return nil, inputError("at least one work item is required")
	}

	evs := make([]*model.Event, 0, len(works))
	for i, w := range works {
		if w.Entity == "" || w.ID == "" {
			return nil, inputError(fmt.Sprintf("work %d: entity and id are required", i))
		}
		if w.Op == "" {
			w.Op = indexwork.OpUpdate
		}
		if !w.Op.IsValid() {
			return nil, inputError(fmt.Sprintf("work %d: unknown op %q", i, w.Op))
		}
		ev, err := indexwork.NewEvent(w)
		if err != nil {
			return nil, inputError(err.Error())
		}
		evs = append(evs, ev)
	}

	err = t.Store.RunInTransaction(ctx, func(tx store.Store) error {
		for _, ev := range evs {
			if err := tx.EnqueueEvent(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	s.log.Debug("server: enqueued events", "tenant", tenantID, "count", len(evs))
	return evs, nil
}

// ssePublisher fans notifications out to SSE clients before forwarding them.
type ssePublisher struct {
	hub  *sseHub
	next events.Publisher
	log  *slog.Logger
}

func (p *ssePublisher) Publish(ctx context.Context, topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Warn("server: failed to marshal event for SSE broadcast", "topic", topic, "error", err)
	} else {
		p.hub.broadcast(topic, payload)
	}
	return p.next.Publish(ctx, topic, event)
}

func (p *ssePublisher) Close() error {
	return p.next.Close()
}
