// Package memory implements store.Store in process memory.
//
// It honours the same optimistic-concurrency contract as the postgres store
// and is used by tests and by `indexsync serve --memory`. Transactions are
// serializable: a transaction holds the write lock until it commits or rolls
// back, so nothing it writes is visible to other callers before commit.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/alfredjeanlab/indexsync/internal/model"
	"github.com/alfredjeanlab/indexsync/internal/store"
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access.
type Store struct {
	mu sync.RWMutex
	t  tables
}

// tables holds the rows. Its methods expect the caller to hold Store.mu.
type tables struct {
	nextID int64
	events map[int64]*model.Event
	agents map[string]*model.Agent
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New returns a new empty Store.
func New() *Store {
	return &Store{t: tables{
		events: make(map[int64]*model.Event),
		agents: make(map[string]*model.Agent),
	}}
}

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

// --- Outbox events ---

func (s *Store) EnqueueEvent(_ context.Context, ev *model.Event) error {
	if err := model.ValidateEvent(ev); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.enqueueEvent(ev)
}

func (s *Store) ListDueEvents(_ context.Context, owned model.ShardAssignment, now time.Time, limit int) ([]*model.Event, error) {
	if owned.IsEmpty() || limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t.listDueEvents(owned, now, limit), nil
}

func (s *Store) ClaimEvent(_ context.Context, ev *model.Event, leaseUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.claimEvent(ev, leaseUntil)
}

func (s *Store) DeleteEvent(_ context.Context, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.deleteEvent(ev)
}

func (s *Store) RescheduleEvent(_ context.Context, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.rescheduleEvent(ev)
}

func (s *Store) CountEvents(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.t.events), nil
}

// Events returns a snapshot of every stored event ordered by id.
func (s *Store) Events() []*model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.t.sortedEvents()
	out := make([]*model.Event, len(all))
	for i, ev := range all {
		out[i] = cloneEvent(ev)
	}
	return out
}

// --- Agents ---

func (s *Store) RegisterAgent(_ context.Context, a *model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.registerAgent(a)
}

func (s *Store) GetAgent(_ context.Context, reference string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t.getAgent(reference)
}

func (s *Store) ListAgents(_ context.Context) ([]*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t.listAgents(), nil
}

func (s *Store) UpdateAgent(_ context.Context, a *model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.updateAgent(a)
}

func (s *Store) DeleteAgent(_ context.Context, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.deleteAgent(reference)
}

func (s *Store) DeleteExpiredAgent(_ context.Context, reference string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.deleteExpiredAgent(reference, now), nil
}

// RunInTransaction runs fn while holding the write lock. Other callers block
// until it returns. When fn fails every change it made is rolled back.
func (s *Store) RunInTransaction(_ context.Context, fn func(tx store.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.t.clone()
	if err := fn(&txStore{t: &s.t}); err != nil {
		s.t = saved
		return err
	}
	return nil
}

// txStore is the store.Store handed to a transaction. The enclosing
// RunInTransaction holds the lock, so it touches the tables directly.
type txStore struct {
	t *tables
}

var _ store.Store = (*txStore)(nil)

func (tx *txStore) EnqueueEvent(_ context.Context, ev *model.Event) error {
	if err := model.ValidateEvent(ev); err != nil {
		return err
	}
	return tx.t.enqueueEvent(ev)
}

func (tx *txStore) ListDueEvents(_ context.Context, owned model.ShardAssignment, now time.Time, limit int) ([]*model.Event, error) {
	if owned.IsEmpty() || limit <= 0 {
		return nil, nil
	}
	return tx.t.listDueEvents(owned, now, limit), nil
}

func (tx *txStore) ClaimEvent(_ context.Context, ev *model.Event, leaseUntil time.Time) error {
	return tx.t.claimEvent(ev, leaseUntil)
}

func (tx *txStore) DeleteEvent(_ context.Context, ev *model.Event) error {
	return tx.t.deleteEvent(ev)
}

func (tx *txStore) RescheduleEvent(_ context.Context, ev *model.Event) error {
	return tx.t.rescheduleEvent(ev)
}

func (tx *txStore) CountEvents(context.Context) (int, error) {
	return len(tx.t.events), nil
}

func (tx *txStore) RegisterAgent(_ context.Context, a *model.Agent) error {
	return tx.t.registerAgent(a)
}

func (tx *txStore) GetAgent(_ context.Context, reference string) (*model.Agent, error) {
	return tx.t.getAgent(reference)
}

func (tx *txStore) ListAgents(context.Context) ([]*model.Agent, error) {
	return tx.t.listAgents(), nil
}

func (tx *txStore) UpdateAgent(_ context.Context, a *model.Agent) error {
	return tx.t.updateAgent(a)
}

func (tx *txStore) DeleteAgent(_ context.Context, reference string) error {
	return tx.t.deleteAgent(reference)
}

func (tx *txStore) DeleteExpiredAgent(_ context.Context, reference string, now time.Time) (bool, error) {
	return tx.t.deleteExpiredAgent(reference, now), nil
}

// RunInTransaction joins the enclosing transaction.
func (tx *txStore) RunInTransaction(_ context.Context, fn func(tx store.Store) error) error {
	return fn(tx)
}

func (tx *txStore) Close() error { return nil }

// --- Table operations ---

func (t *tables) enqueueEvent(ev *model.Event) error {
	t.nextID++
	ev.ID = t.nextID
	ev.Version = 1
	ev.CreatedAt = time.Now().UTC()
	if ev.ProcessAfter.IsZero() {
		ev.ProcessAfter = ev.CreatedAt
	}
	t.events[ev.ID] = cloneEvent(ev)
	return nil
}

// listDueEvents skips every event that has a lower-id event of the same
// entity still stored, due or not.
func (t *tables) listDueEvents(owned model.ShardAssignment, now time.Time, limit int) []*model.Event {
	blocked := make(map[model.EntityKey]bool)
	var out []*model.Event
	for _, ev := range t.sortedEvents() {
		key := ev.Key()
		if blocked[key] {
			continue
		}
		blocked[key] = true
		if !ev.IsDue(now) || !owned.Owns(ev.Shard) {
			continue
		}
		out = append(out, cloneEvent(ev))
		if len(out) == limit {
			break
		}
	}
	return out
}

func (t *tables) claimEvent(ev *model.Event, leaseUntil time.Time) error {
	cur, ok := t.events[ev.ID]
	if !ok || cur.Version != ev.Version {
		return store.ErrConflict
	}
	cur.Version++
	cur.ProcessAfter = leaseUntil
	ev.Version = cur.Version
	ev.ProcessAfter = leaseUntil
	return nil
}

func (t *tables) deleteEvent(ev *model.Event) error {
	cur, ok := t.events[ev.ID]
	if !ok || cur.Version != ev.Version {
		return store.ErrConflict
	}
	delete(t.events, ev.ID)
	return nil
}

func (t *tables) rescheduleEvent(ev *model.Event) error {
	cur, ok := t.events[ev.ID]
	if !ok || cur.Version != ev.Version {
		return store.ErrConflict
	}
	cur.Attempts = ev.Attempts
	cur.ProcessAfter = ev.ProcessAfter
	cur.Version++
	ev.Version = cur.Version
	return nil
}

func (t *tables) sortedEvents() []*model.Event {
	all := make([]*model.Event, 0, len(t.events))
	for _, ev := range t.events {
		all = append(all, ev)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

func (t *tables) registerAgent(a *model.Agent) error {
	if err := model.ValidateAgent(a); err != nil {
		return err
	}
	if _, ok := t.agents[a.Reference]; ok {
		return fmt.Errorf("register agent %s: already registered", a.Reference)
	}
	a.Version = 1
	a.CreatedAt = time.Now().UTC()
	t.agents[a.Reference] = a.Clone()
	return nil
}

func (t *tables) getAgent(reference string) (*model.Agent, error) {
	a, ok := t.agents[reference]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a.Clone(), nil
}

func (t *tables) listAgents() []*model.Agent {
	out := make([]*model.Agent, 0, len(t.agents))
	for _, a := range t.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reference < out[j].Reference })
	return out
}

func (t *tables) updateAgent(a *model.Agent) error {
	if err := model.ValidateAgent(a); err != nil {
		return err
	}
	cur, ok := t.agents[a.Reference]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != a.Version {
		return store.ErrConflict
	}
	a.Version++
	next := a.Clone()
	next.CreatedAt = cur.CreatedAt
	t.agents[a.Reference] = next
	return nil
}

func (t *tables) deleteAgent(reference string) error {
	if _, ok := t.agents[reference]; !ok {
		return store.ErrNotFound
	}
	delete(t.agents, reference)
	return nil
}

func (t *tables) deleteExpiredAgent(reference string, now time.Time) bool {
	a, ok := t.agents[reference]
	if !ok || !a.IsExpired(now) {
		return false
	}
	delete(t.agents, reference)
	return true
}

func (t *tables) clone() tables {
	c := tables{
		nextID: t.nextID,
		events: maps.Clone(t.events),
		agents: maps.Clone(t.agents),
	}
	for id, ev := range c.events {
		c.events[id] = cloneEvent(ev)
	}
	for ref, a := range c.agents {
		c.agents[ref] = a.Clone()
	}
	return c
}

func cloneEvent(ev *model.Event) *model.Event {
	c := *ev
	if ev.Payload != nil {
		c.Payload = append([]byte(nil), ev.Payload...)
	}
	return &c
}
