// Package massindex runs one-off full reindex jobs. Each job registers a
// mass_indexer agent so it heartbeats and, if its process dies, expires and
// gets evicted like any event processor.
package massindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alfredjeanlab/indexsync/internal/events"
	"github.com/alfredjeanlab/indexsync/internal/idgen"
	"github.com/alfredjeanlab/indexsync/internal/model"
	"github.com/alfredjeanlab/indexsync/internal/processor"
	"github.com/alfredjeanlab/indexsync/internal/store"
)

// ErrEvicted is returned by Run when another agent evicted the job's row,
// which means its heartbeat stalled for longer than the expiration.
var ErrEvicted = errors.New("massindex: job was evicted")

// Source enumerates the entities to reindex. Load returns them as events
// whose ID is zero; they never touch the outbox.
type Source interface {
	Count(ctx context.Context) (int64, error)
	Load(ctx context.Context, offset, limit int64) ([]*model.Event, error)
}

// Options configures a Job.
type Options struct {
	Tenant    string
	Reference string // generated when empty
	Name      string

	PulseInterval   time.Duration
	PulseExpiration time.Duration

	// Partitions is how many ranges of the entity set are indexed concurrently.
	Partitions int
	BatchSize  int

	Publisher events.Publisher
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Progress is a point-in-time view of a job.
type Progress struct {
	Reference string           `json:"reference"`
	State     model.AgentState `json:"state"`
	Total     int64            `json:"total"`
	Indexed   int64            `json:"indexed"`
	Failed    int64            `json:"failed"`
}

// Job is one mass indexing run. A Job runs once.
type Job struct {
	store   store.Store
	source  Source
	applier processor.Applier
	opts    Options
	log     *slog.Logger

	total, indexed, failed atomic.Int64

	// mu guards agent, which the heartbeat and state transitions both write.
	mu    sync.Mutex
	agent *model.Agent
	state model.AgentState
}

// NewJob creates a job.
func NewJob(s store.Store, source Source, applier processor.Applier, opts Options) (*Job, error) {
	if opts.PulseInterval <= 0 || opts.PulseExpiration <= 0 {
		return nil, fmt.Errorf("massindex: pulse interval and expiration must be positive")
	}
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Reference == "" {
		ref, err := idgen.AgentReference(model.AgentTypeMassIndexer)
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
	return &Job{
		store:   s,
		source:  source,
		applier: applier,
		opts:    opts,
		log:     opts.Logger.With("tenant", opts.Tenant, "job", opts.Reference),
	}, nil
}

// Reference returns the job's agent reference.
func (j *Job) Reference() string {
	return j.opts.Reference
}

// Progress returns the current progress.
func (j *Job) Progress() Progress {
	j.mu.Lock()
	state := j.state
	j.mu.Unlock()
	return Progress{
		Reference: j.opts.Reference,
		State:     state,
		Total:     j.total.Load(),
		Indexed:   j.indexed.Load(),
		Failed:    j.failed.Load(),
	}
}

// Run registers the job, indexes every entity of the source and deregisters.
// The row moves through starting, running and stopping before it is deleted.
func (j *Job) Run(ctx context.Context) error {
	if err := j.register(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		j.heartbeat(ctx, cancel)
	}()

	runErr := j.index(ctx)
	if cause := context.Cause(ctx); errors.Is(cause, ErrEvicted) {
		runErr = ErrEvicted
	}

	// Use a fresh context so a cancelled run still deregisters.
	cleanup := context.WithoutCancel(ctx)
	if !errors.Is(runErr, ErrEvicted) {
		if err := j.transition(cleanup, model.AgentStateStopping); err != nil {
			j.log.Warn("massindex: transition to stopping failed", "err", err)
		}
	}
	cancel(nil)
	<-hbDone

	if !errors.Is(runErr, ErrEvicted) {
		if err := j.store.DeleteAgent(cleanup, j.opts.Reference); err != nil && !errors.Is(err, store.ErrNotFound) {
			j.log.Warn("massindex: deregister failed", "err", err)
		}
	}

	p := j.Progress()
	state := events.MassIndexState{
		Tenant:    j.opts.Tenant,
		Reference: j.opts.Reference,
		State:     p.State,
		Indexed:   p.Indexed,
		Total:     p.Total,
	}
	if runErr != nil {
		state.Error = runErr.Error()
		j.log.Error("massindex: job failed", "indexed", p.Indexed, "failed", p.Failed, "total", p.Total, "err", runErr)
	} else {
		j.log.Info("massindex: job finished", "indexed", p.Indexed, "total", p.Total)
	}
	j.publish(cleanup, state)
	return runErr
}

func (j *Job) register(ctx context.Context) error {
	now := j.opts.Clock()
	a := &model.Agent{
		Reference:  j.opts.Reference,
		Name:       j.opts.Name,
		Type:       model.AgentTypeMassIndexer,
		State:      model.AgentStateStarting,
		Expiration: now.Add(j.opts.PulseExpiration),
	}
	if err := j.store.RegisterAgent(ctx, a); err != nil {
		return fmt.Errorf("register job: %w", err)
	}
	j.mu.Lock()
	j.agent = a
	j.state = a.State
	j.mu.Unlock()
	j.log.Info("massindex: job registered")
	j.publish(ctx, events.MassIndexState{Tenant: j.opts.Tenant, Reference: a.Reference, State: a.State})
	return nil
}

func (j *Job) index(ctx context.Context) error {
	total, err := j.source.Count(ctx)
	if err != nil {
		return fmt.Errorf("count entities: %w", err)
	}
	j.total.Store(total)

	if err := j.transition(ctx, model.AgentStateRunning); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range Partition(total, j.opts.Partitions) {
		g.Go(func() error {
			return j.indexRange(gctx, r[0], r[1])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if failed := j.failed.Load(); failed > 0 {
		return fmt.Errorf("massindex: %d of %d entities failed", failed, total)
	}
	return nil
}

// indexRange streams entities [lo, hi) in batches. A failing entity is
// logged and counted; the range keeps going.
func (j *Job) indexRange(ctx context.Context, lo, hi int64) error {
	for offset := lo; offset < hi; offset += int64(j.opts.BatchSize) {
		limit := min(int64(j.opts.BatchSize), hi-offset)
		batch, err := j.source.Load(ctx, offset, limit)
		if err != nil {
			return fmt.Errorf("load entities [%d, %d): %w", offset, offset+limit, err)
		}
		for _, ev := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := j.applier.Apply(ctx, ev); err != nil {
				j.failed.Add(1)
				j.log.Warn("massindex: entity failed", "entity", ev.EntityName, "id", ev.EntityID, "err", err)
				continue
			}
			j.indexed.Add(1)
		}
	}
	return nil
}

func (j *Job) heartbeat(ctx context.Context, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(j.opts.PulseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := j.update(ctx, func(a *model.Agent) {
				a.Expiration = j.opts.Clock().Add(j.opts.PulseExpiration)
			})
			if errors.Is(err, store.ErrNotFound) {
				j.log.Error("massindex: job row was evicted, aborting")
				cancel(ErrEvicted)
				return
			}
			if err != nil && ctx.Err() == nil {
				j.log.Warn("massindex: heartbeat failed", "err", err)
			}
		}
	}
}

func (j *Job) transition(ctx context.Context, state model.AgentState) error {
	err := j.update(ctx, func(a *model.Agent) {
		a.State = state
		a.Expiration = j.opts.Clock().Add(j.opts.PulseExpiration)
	})
	if err != nil {
		return fmt.Errorf("transition to %s: %w", state, err)
	}
	j.mu.Lock()
	j.state = state
	j.mu.Unlock()
	j.log.Info("massindex: job state changed", "state", state)
	j.publish(ctx, events.MassIndexState{
		Tenant:    j.opts.Tenant,
		Reference: j.opts.Reference,
		State:     state,
		Indexed:   j.indexed.Load(),
		Total:     j.total.Load(),
	})
	return nil
}

// update applies fn to the job row and writes it. A version conflict is
// resolved by reloading the row once, since only this job writes it.
func (j *Job) update(ctx context.Context, fn func(a *model.Agent)) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	fn(j.agent)
	err := j.store.UpdateAgent(ctx, j.agent)
	if !errors.Is(err, store.ErrConflict) {
		return err
	}
	cur, gerr := j.store.GetAgent(ctx, j.agent.Reference)
	if gerr != nil {
		return gerr
	}
	j.agent.Version = cur.Version
	return j.store.UpdateAgent(ctx, j.agent)
}

func (j *Job) publish(ctx context.Context, state events.MassIndexState) {
	if err := j.opts.Publisher.Publish(ctx, events.TopicMassIndexState, state); err != nil {
		j.log.Warn("massindex: publish failed", "err", err)
	}
}

// Partition splits [0, total) into at most n contiguous ranges of nearly
// equal size.
func Partition(total int64, n int) [][2]int64 {
	if total <= 0 || n <= 0 {
		return nil
	}
	if int64(n) > total {
		n = int(total)
	}
	out := make([][2]int64, 0, n)
	for i := range int64(n) {
		out = append(out, [2]int64{i * total / int64(n), (i + 1) * total / int64(n)})
	}
	return out
}

// Orphans lists mass indexing jobs whose heartbeat has expired. Their rows
// are removed by the next pulse of any event processor.
func Orphans(ctx context.Context, s store.Store, now time.Time) ([]*model.Agent, error) {
	agents, err := s.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.Agent
	for _, a := range agents {
		if a.Type == model.AgentTypeMassIndexer && a.IsExpired(now) {
			out = append(out, a)
		}
	}
	return out, nil
}
