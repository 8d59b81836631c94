package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nats-io/nats.go"

	"github.com/alfredjeanlab/indexsync/internal/config"
	"github.com/alfredjeanlab/indexsync/internal/coordinator"
	"github.com/alfredjeanlab/indexsync/internal/events"
	"github.com/alfredjeanlab/indexsync/internal/indexwork"
	"github.com/alfredjeanlab/indexsync/internal/processor"
	"github.com/alfredjeanlab/indexsync/internal/retry"
	"github.com/alfredjeanlab/indexsync/internal/server"
	"github.com/alfredjeanlab/indexsync/internal/store"
	"github.com/alfredjeanlab/indexsync/internal/store/memory"
	"github.com/alfredjeanlab/indexsync/internal/store/postgres"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// openStore opens the tenant's database, running migrations. With inMemory
// set every tenant gets its own process-local store.
func openStore(t config.Tenant, inMemory bool) (store.Store, error) {
	if inMemory {
		return memory.New(), nil
	}
	if t.DatabaseURL == "" {
		return nil, fmt.Errorf("tenant %s: no database_url configured (use --memory for a process-local store)", t.ID)
	}
	s, err := postgres.New(t.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", t.ID, err)
	}
	return s, nil
}

// newPublisher connects the notification publisher. The returned connection
// is nil when notifications are disabled.
func newPublisher(cfg *config.Config, logger *slog.Logger) (events.Publisher, *nats.Conn, error) {
	if cfg.NATSURL == "" {
		logger.Info("events disabled (INDEXSYNC_NATS_URL not set)")
		return &events.NoopPublisher{}, nil, nil
	}
	pub, err := events.NewNATSPublisher(cfg.NATSURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("events enabled", "nats_url", cfg.NATSURL)
	return pub, pub.Conn(), nil
}

// newBackend builds the configured index backend. The nats backend reuses
// conn when the publisher already holds one.
func newBackend(ctx context.Context, cfg *config.Config, conn *nats.Conn, logger *slog.Logger) (indexwork.Backend, error) {
	switch cfg.Backend {
	case "log":
		return &indexwork.LogBackend{Logger: logger}, nil
	case "s3":
		return indexwork.NewS3Backend(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3Region, cfg.S3Endpoint)
	case "redis":
		return indexwork.NewRedisBackend(ctx, cfg.RedisURL, cfg.RedisPrefix)
	case "nats":
		if conn != nil {
			return indexwork.NewNATSBackend(conn, cfg.NATSSubjectPrefix), nil
		}
		return indexwork.DialNATSBackend(cfg.NATSURL, cfg.NATSSubjectPrefix)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// tenantAgent is the event processor agent of one tenant: the coordinator
// that pulses its membership row and the processor polling its shards.
type tenantAgent struct {
	id    string
	store store.Store
	coord *coordinator.Coordinator
	proc  *processor.Processor
}

func newTenantAgent(cfg *config.Config, t config.Tenant, s store.Store, backend indexwork.Backend, publisher events.Publisher, logger *slog.Logger) (*tenantAgent, error) {
	strategy, err := cfg.Backoff()
	if err != nil {
		return nil, err
	}
	coord, err := coordinator.New(s, coordinator.Options{
		Tenant:          t.ID,
		Name:            cfg.AgentName,
		PollingInterval: cfg.PollingInterval,
		PulseInterval:   cfg.PulseInterval,
		PulseExpiration: cfg.PulseExpiration,
		Static:          cfg.StaticAssignment(),
		Suspended:       !t.IsEnabled(),
		Publisher:       publisher,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", t.ID, err)
	}
	proc := processor.New(s, coord, &indexwork.Applier{Backend: backend}, processor.Options{
		Tenant:          t.ID,
		PollingInterval: cfg.PollingInterval,
		BatchSize:       cfg.BatchSize,
		ClaimLease:      cfg.ClaimLease,
		Policy:          retry.Policy{MaxRetries: cfg.MaxRetries, Backoff: strategy},
		Reporter: processor.MultiReporter{
			&processor.LogReporter{Logger: logger},
			&processor.PublishingReporter{Publisher: publisher, Logger: logger},
		},
		Logger: logger,
	})
	return &tenantAgent{id: t.ID, store: s, coord: coord, proc: proc}, nil
}

func (a *tenantAgent) start(ctx context.Context) {
	a.coord.Start(ctx)
	a.proc.Start(ctx)
}

// stop drains the processor first so no event is claimed by an agent that
// is about to leave, then deregisters.
func (a *tenantAgent) stop(ctx context.Context) error {
	a.proc.Stop()
	return a.coord.Stop(ctx)
}

func (a *tenantAgent) tenant() *server.Tenant {
	return &server.Tenant{ID: a.id, Store: a.store, Coordinator: a.coord, Processor: a.proc}
}
