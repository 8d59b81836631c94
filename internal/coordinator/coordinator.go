// Package coordinator runs the pulse: the periodic heartbeat that keeps this
// agent's membership row alive, evicts expired members and recomputes the
// agent's shard assignment from the shared membership table.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/alfredjeanlab/indexsync/internal/events"
	"github.com/alfredjeanlab/indexsync/internal/idgen"
	"github.com/alfredjeanlab/indexsync/internal/model"
	"github.com/alfredjeanlab/indexsync/internal/sharding"
	"github.com/alfredjeanlab/indexsync/internal/store"
)

var tracer = otel.Tracer("github.com/alfredjeanlab/indexsync/internal/coordinator")

// ErrStopped is returned by Pulse, Suspend and Resume once Stop has run.
var ErrStopped = errors.New("coordinator: stopped")

// Options configures a Coordinator.
type Options struct {
	Tenant    string
	Reference string // generated when empty
	Name      string

	// PollingInterval is the tick period. A full pulse runs on the first
	// tick after PulseInterval has elapsed since the previous one.
	PollingInterval time.Duration
	PulseInterval   time.Duration
	PulseExpiration time.Duration

	// Static fixes the assignment instead of deriving it from membership.
	Static *model.ShardAssignment

	// Suspended registers the agent without letting it own shards.
	Suspended bool

	Publisher events.Publisher
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	Tenant     string                `json:"tenant,omitempty"`
	Reference  string                `json:"reference"`
	State      model.AgentState      `json:"state"`
	Static     bool                  `json:"static"`
	Assignment model.ShardAssignment `json:"assignment"`
	Members    []string              `json:"members,omitempty"`
	Conflicts  []sharding.Conflict   `json:"conflicts,omitempty"`
	LastPulse  time.Time             `json:"last_pulse"`
}

// Coordinator owns one event processor agent row.
type Coordinator struct {
	store store.Store
	opts  Options
	log   *slog.Logger

	suspended atomic.Bool
	status    atomic.Pointer[Status]

	// tickMu keeps ticks from overlapping; everything below is guarded by it.
	tickMu    sync.Mutex
	self      *model.Agent
	lastPulse time.Time
	conflicts []sharding.Conflict
	stopped   bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a coordinator. It does not touch the store until Start or Pulse.
func New(s store.Store, opts Options) (*Coordinator, error) {
	if opts.PulseInterval <= 0 || opts.PulseExpiration <= 0 {
		return nil, fmt.Errorf("coordinator: pulse interval and expiration must be positive")
	}
	if opts.PollingInterval <= 0 || opts.PollingInterval > opts.PulseInterval {
		opts.PollingInterval = opts.PulseInterval
	}
	if opts.Static != nil {
		if err := model.ValidateStaticAssignment(*opts.Static); err != nil {
			return nil, err
		}
		static := opts.Static.Normalize()
		opts.Static = &static
	}
	if opts.Reference == "" {
		ref, err := idgen.AgentReference(model.AgentTypeEventProcessor)
		if err != nil {
			return nil, err
		}
		opts.Reference = ref
	}
	if opts.Publisher == nil {
		opts.Publisher = &events.NoopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	c := &Coordinator{
		store: s,
		opts:  opts,
		log:   opts.Logger.With("tenant", opts.Tenant, "agent", opts.Reference),
		stop:  make(chan struct{}),
	}
	c.suspended.Store(opts.Suspended)
	c.status.Store(&Status{Tenant: opts.Tenant, Reference: opts.Reference, State: c.desiredState()})
	return c, nil
}

// Reference returns the agent reference.
func (c *Coordinator) Reference() string {
	return c.opts.Reference
}

// Assignment returns the current shard assignment snapshot. It is empty
// until the first pulse and while suspended.
func (c *Coordinator) Assignment() model.ShardAssignment {
	return c.status.Load().Assignment
}

// Status returns the latest status snapshot.
func (c *Coordinator) Status() Status {
	return *c.status.Load()
}

// Start runs a first pulse immediately, then keeps pulsing in the background
// until Stop is called or ctx is done.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Stop stops ticking, waits for an in-flight pulse and deletes the agent row
// so the remaining agents rebalance without waiting for expiration. The
// coordinator cannot be restarted.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()

	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	c.stopped = true
	c.swap(func(s *Status) { s.Assignment = model.ShardAssignment{} })
	if c.self == nil {
		return nil
	}
	ref := c.self.Reference
	c.self = nil
	if err := c.store.DeleteAgent(ctx, ref); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deregister agent %s: %w", ref, err)
	}
	c.log.Info("pulse: agent left")
	c.publish(ctx, events.TopicAgentLeft, events.AgentLeft{Tenant: c.opts.Tenant, Reference: ref})
	return nil
}

// Suspend keeps the agent registered but gives up all shards.
func (c *Coordinator) Suspend(ctx context.Context) error {
	c.suspended.Store(true)
	return c.Pulse(ctx)
}

// Resume lets a suspended agent own shards again.
func (c *Coordinator) Resume(ctx context.Context) error {
	c.suspended.Store(false)
	return c.Pulse(ctx)
}

func (c *Coordinator) run(ctx context.Context) {
	c.tick(ctx, true)

	ticker := time.NewTicker(c.opts.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.tick(ctx, false)
		}
	}
}

// tick runs a pulse when one is due. The pulse is detached from ctx
// cancellation so it always completes; PulseExpiration bounds it.
func (c *Coordinator) tick(ctx context.Context, force bool) {
	c.tickMu.Lock()
	due := force || c.self == nil || !c.opts.Clock().Before(c.lastPulse.Add(c.opts.PulseInterval))
	c.tickMu.Unlock()
	if !due {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.PulseExpiration)
	defer cancel()
	if err := c.Pulse(ctx); err != nil && !errors.Is(err, ErrStopped) {
		c.log.Error("pulse failed", "err", err)
	}
}

// Pulse runs one full pulse: refresh, evict, resolve, persist. Errors are
// returned for logging; the next pulse starts from scratch either way.
func (c *Coordinator) Pulse(ctx context.Context) (err error) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	if c.stopped {
		return ErrStopped
	}

	ctx, span := tracer.Start(ctx, "pulse")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("indexsync.agent", c.opts.Reference))

	now := c.opts.Clock()
	if err := c.refresh(ctx, now); err != nil {
		return err
	}
	c.lastPulse = now

	agents, err := c.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}

	live := make([]*model.Agent, 0, len(agents))
	for _, a := range agents {
		if a.Reference == c.self.Reference {
			live = append(live, c.self)
			continue
		}
		if !a.IsExpired(now) {
			live = append(live, a)
			continue
		}
		c.evict(ctx, a, now)
	}

	var res sharding.Resolution
	if c.suspended.Load() {
		res.Static = c.opts.Static != nil
	} else {
		res = sharding.Resolve(live, c.self.Reference, c.opts.Static, now)
	}
	c.reportConflicts(ctx, res.Conflicts)

	if persisted := c.self.Assignment; !persisted.Equal(res.Assignment) {
		c.self.Assignment = res.Assignment.Clone()
		if err := c.store.UpdateAgent(ctx, c.self); err != nil {
			// The row catches up on a later pulse; the snapshot moves on now.
			c.self.Assignment = persisted
			if !c.handleWriteError(ctx, err) {
				c.log.Error("pulse: persist assignment failed", "err", err)
			}
		}
	}

	if prev := c.status.Load().Assignment; !prev.Equal(res.Assignment) {
		c.log.Info("pulse: shard assignment changed", "from", prev.String(), "to", res.Assignment.String())
		c.publish(ctx, events.TopicShardingChanged, events.ShardingChanged{
			Tenant:    c.opts.Tenant,
			Reference: c.self.Reference,
			Previous:  prev,
			Current:   res.Assignment,
		})
	}
	span.SetAttributes(attribute.String("indexsync.assignment", res.Assignment.String()))

	state := c.desiredState()
	c.swap(func(s *Status) {
		s.State = state
		s.Static = res.Static
		s.Assignment = res.Assignment.Clone()
		s.Members = res.Members
		s.Conflicts = res.Conflicts
		s.LastPulse = now
	})
	return nil
}

// refresh pushes this agent's expiration forward, registering the row when
// it does not exist yet or was evicted by another agent.
func (c *Coordinator) refresh(ctx context.Context, now time.Time) error {
	if c.self == nil {
		return c.register(ctx, now)
	}

	c.self.Expiration = now.Add(c.opts.PulseExpiration)
	c.self.State = c.desiredState()
	err := c.store.UpdateAgent(ctx, c.self)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		c.log.Warn("pulse: own registration was evicted, registering again")
		c.self = nil
		return c.register(ctx, now)
	}
	if c.handleWriteError(ctx, err) {
		return nil
	}
	return fmt.Errorf("refresh agent: %w", err)
}

func (c *Coordinator) register(ctx context.Context, now time.Time) error {
	a := &model.Agent{
		Reference:      c.opts.Reference,
		Name:           c.opts.Name,
		Type:           model.AgentTypeEventProcessor,
		State:          c.desiredState(),
		Expiration:     now.Add(c.opts.PulseExpiration),
		StaticSharding: c.opts.Static != nil,
	}
	if c.opts.Static != nil {
		a.Assignment = c.opts.Static.Clone()
	}
	if err := c.store.RegisterAgent(ctx, a); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	c.self = a
	c.log.Info("pulse: agent registered", "state", a.State, "static", a.StaticSharding)
	c.publish(ctx, events.TopicAgentJoined, events.AgentJoined{Tenant: c.opts.Tenant, Agent: a.Clone()})
	return nil
}

// handleWriteError deals with a failed conditional write on the own row.
// A version conflict is benign: reload the row and try again next pulse.
func (c *Coordinator) handleWriteError(ctx context.Context, err error) bool {
	if !errors.Is(err, store.ErrConflict) {
		return false
	}
	c.log.Debug("pulse: own row changed concurrently, retrying next pulse")
	if cur, gerr := c.store.GetAgent(ctx, c.self.Reference); gerr == nil {
		c.self.Version = cur.Version
	}
	return true
}

func (c *Coordinator) evict(ctx context.Context, a *model.Agent, now time.Time) {
	deleted, err := c.store.DeleteExpiredAgent(ctx, a.Reference, now)
	if err != nil {
		c.log.Debug("pulse: eviction failed", "evicted", a.Reference, "err", err)
		return
	}
	if !deleted {
		// The owner refreshed first.
		return
	}
	msg := "pulse: agent evicted"
	if a.Type == model.AgentTypeMassIndexer {
		msg = "pulse: orphaned mass indexing job evicted"
	}
	c.log.Info(msg, "evicted", a.Reference, "type", a.Type, "expired_at", a.Expiration)
	c.publish(ctx, events.TopicAgentEvicted, events.AgentEvicted{
		Tenant:     c.opts.Tenant,
		Reference:  a.Reference,
		Type:       a.Type,
		Expiration: a.Expiration,
		EvictedBy:  c.opts.Reference,
	})
}

// reportConflicts warns about static sharding conflicts whenever the set of
// conflicts changes, and logs repeats at debug level.
func (c *Coordinator) reportConflicts(ctx context.Context, conflicts []sharding.Conflict) {
	changed := !slices.EqualFunc(c.conflicts, conflicts, func(a, b sharding.Conflict) bool {
		return a.Kind == b.Kind && a.Other == b.Other && slices.Equal(a.Shards, b.Shards) &&
			a.OtherAssignment.Equal(b.OtherAssignment)
	})
	c.conflicts = conflicts
	for _, cf := range conflicts {
		if !changed {
			c.log.Debug("pulse: static sharding conflict persists", "other", cf.Other, "kind", cf.Kind)
			continue
		}
		c.log.Warn("pulse: static sharding conflict: "+cf.String(),
			"self", cf.Self,
			"other", cf.Other,
			"kind", cf.Kind,
			"self_assignment", cf.SelfAssignment.String(),
			"other_assignment", cf.OtherAssignment.String())
		c.publish(ctx, events.TopicShardingConflict, events.ShardingConflict{
			Tenant:          c.opts.Tenant,
			Kind:            string(cf.Kind),
			Self:            cf.Self,
			Other:           cf.Other,
			SelfAssignment:  cf.SelfAssignment,
			OtherAssignment: cf.OtherAssignment,
			Message:         cf.String(),
		})
	}
}

func (c *Coordinator) desiredState() model.AgentState {
	if c.suspended.Load() {
		return model.AgentStateSuspended
	}
	return model.AgentStatePulsing
}

func (c *Coordinator) swap(fn func(s *Status)) {
	next := *c.status.Load()
	fn(&next)
	c.status.Store(&next)
}

func (c *Coordinator) publish(ctx context.Context, topic string, event any) {
	if err := c.opts.Publisher.Publish(ctx, topic, event); err != nil {
		c.log.Warn("pulse: publish failed", "topic", topic, "err", err)
	}
}
