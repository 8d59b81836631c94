// Package processor runs the outbox polling loop: claim due events in the
// shards this agent owns, apply them, and acknowledge or retry each one.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/alfredjeanlab/indexsync/internal/model"
	"github.com/alfredjeanlab/indexsync/internal/retry"
	"github.com/alfredjeanlab/indexsync/internal/store"
)

var tracer = otel.Tracer("github.com/alfredjeanlab/indexsync/internal/processor")

// Applier executes the index mutation carried by an event. Errors wrapped
// with retry.Permanent are not retried.
type Applier interface {
	Apply(ctx context.Context, ev *model.Event) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, ev *model.Event) error

func (f ApplierFunc) Apply(ctx context.Context, ev *model.Event) error { return f(ctx, ev) }

// AssignmentSource provides the shard assignment snapshot to poll.
type AssignmentSource interface {
	Assignment() model.ShardAssignment
}

// Options configures a Processor.
type Options struct {
	Tenant          string
	PollingInterval time.Duration
	BatchSize       int
	// ClaimLease is how long a claimed event stays hidden from other pollers.
	ClaimLease time.Duration
	Policy     retry.Policy
	Reporter   FailureReporter
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Stats are cumulative counters since the processor was created.
type Stats struct {
	Batches     int64 `json:"batches"`
	Applied     int64 `json:"applied"`
	Rescheduled int64 `json:"rescheduled"`
	Abandoned   int64 `json:"abandoned"`
	LostClaims  int64 `json:"lost_claims"`
	Errors      int64 `json:"errors"`
}

// Processor polls the outbox for one agent.
type Processor struct {
	store   store.Store
	source  AssignmentSource
	applier Applier
	opts    Options
	log     *slog.Logger

	batches, applied, rescheduled, abandoned, lostClaims, errs atomic.Int64

	tickMu   sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Processor.
func New(s store.Store, source AssignmentSource, applier Applier, opts Options) *Processor {
	if opts.PollingInterval <= 0 {
		opts.PollingInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Reporter == nil {
		opts.Reporter = &LogReporter{Logger: opts.Logger}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Processor{
		store:   s,
		source:  source,
		applier: applier,
		opts:    opts,
		log:     opts.Logger.With("tenant", opts.Tenant),
		stop:    make(chan struct{}),
	}
}

// Start polls every PollingInterval until Stop is called or ctx is done.
func (p *Processor) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
}

// Stop stops polling and waits for the in-flight batch to finish. The batch
// keeps its store access until then, so applied events are still acknowledged.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Batches:     p.batches.Load(),
		Applied:     p.applied.Load(),
		Rescheduled: p.rescheduled.Load(),
		Abandoned:   p.abandoned.Load(),
		LostClaims:  p.lostClaims.Load(),
		Errors:      p.errs.Load(),
	}
}

func (p *Processor) run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick runs one batch detached from ctx cancellation. A batch that outlives
// the claim lease has lost its claims anyway, so the lease bounds it.
func (p *Processor) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.ClaimLease)
	defer cancel()
	if _, err := p.ProcessOnce(ctx); err != nil {
		p.errs.Add(1)
		p.log.Error("processor: batch failed", "err", err)
	}
}

// ProcessOnce handles one batch and returns how many events it claimed.
// The in-flight batch runs to completion even if ctx is cancelled between
// events; only store and applier calls observe ctx.
func (p *Processor) ProcessOnce(ctx context.Context) (claimed int, err error) {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	owned := p.source.Assignment()
	if owned.IsEmpty() {
		return 0, nil
	}

	ctx, span := tracer.Start(ctx, "process batch")
	defer func() {
		span.SetAttributes(attribute.Int("indexsync.claimed", claimed))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(
		attribute.String("indexsync.tenant", p.opts.Tenant),
		attribute.String("indexsync.assignment", owned.String()),
	)

	now := p.opts.Clock()
	due, err := p.store.ListDueEvents(ctx, owned, now, p.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due events: %w", err)
	}
	p.batches.Add(1)

	for _, ev := range Dedupe(due) {
		if err := p.store.ClaimEvent(ctx, ev, now.Add(p.opts.ClaimLease)); err != nil {
			if errors.Is(err, store.ErrConflict) {
				p.lostClaims.Add(1)
				p.log.Debug("processor: claim lost", "event", ev.ID)
				continue
			}
			p.errs.Add(1)
			p.log.Error("processor: claim failed", "event", ev.ID, "err", err)
			continue
		}
		claimed++
		p.handle(ctx, ev)
	}
	return claimed, nil
}

// handle applies one claimed event and records the outcome. Nothing here
// affects the other events of the batch.
func (p *Processor) handle(ctx context.Context, ev *model.Event) {
	cause := p.apply(ctx, ev)
	if cause == nil {
		if err := p.store.DeleteEvent(ctx, ev); err != nil {
			p.ackFailed(ev, "delete", err)
			return
		}
		p.applied.Add(1)
		return
	}

	now := p.opts.Clock()
	decision := p.opts.Policy.Decide(ev, cause, now)
	switch decision.Action {
	case retry.Reschedule:
		ev.Attempts = decision.Attempts
		ev.ProcessAfter = decision.ProcessAfter
		if err := p.store.RescheduleEvent(ctx, ev); err != nil {
			p.ackFailed(ev, "reschedule", err)
			return
		}
		p.rescheduled.Add(1)
		p.log.Debug("processor: event rescheduled",
			"event", ev.ID,
			"entity", ev.EntityName,
			"id", ev.EntityID,
			"attempts", ev.Attempts,
			"process_after", ev.ProcessAfter,
			"err", cause)

	case retry.Abandon:
		ev.Attempts = decision.Attempts
		if err := p.store.DeleteEvent(ctx, ev); err != nil {
			p.ackFailed(ev, "abandon", err)
			return
		}
		p.abandoned.Add(1)
		p.opts.Reporter.Report(ctx, Failure{
			Tenant:     p.opts.Tenant,
			EventID:    ev.ID,
			EntityName: ev.EntityName,
			EntityID:   ev.EntityID,
			Attempts:   ev.Attempts,
			Kind:       decision.Kind,
			Cause:      cause,
		})
	}
}

// apply calls the applier, turning a panic into a retryable error.
func (p *Processor) apply(ctx context.Context, ev *model.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("processor: panic recovered in applier",
				"event", ev.ID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()))
			err = fmt.Errorf("applier panic: %v", r)
		}
	}()
	return p.applier.Apply(ctx, ev)
}

// ackFailed logs a failed acknowledgement. A conflict means the lease ran
// out and another agent took the event over, so it is only worth a debug line.
func (p *Processor) ackFailed(ev *model.Event, op string, err error) {
	if errors.Is(err, store.ErrConflict) {
		p.lostClaims.Add(1)
		p.log.Debug("processor: event changed during apply", "event", ev.ID, "op", op)
		return
	}
	p.errs.Add(1)
	p.log.Error("processor: acknowledge failed", "event", ev.ID, "op", op, "err", err)
}

// Dedupe keeps only the lowest-id event of each entity identity, preserving
// the input order.
func Dedupe(evs []*model.Event) []*model.Event {
	lowest := make(map[model.EntityKey]int64, len(evs))
	for _, ev := range evs {
		if id, ok := lowest[ev.Key()]; !ok || ev.ID < id {
			lowest[ev.Key()] = ev.ID
		}
	}
	out := make([]*model.Event, 0, len(lowest))
	for _, ev := range evs {
		if lowest[ev.Key()] == ev.ID {
			out = append(out, ev)
		}
	}
	return out
}
