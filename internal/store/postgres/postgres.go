// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"github.com/alfredjeanlab/indexsync/internal/model"
	"github.com/alfredjeanlab/indexsync/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewFromDB wraps an already-open database without running migrations.
func NewFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies all pending schema migrations to db.
func Migrate(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "indexsync_schema_migrations"})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) EnqueueEvent(ctx context.Context, ev *model.Event) error {
	return queryEnqueueEvent(ctx, s.db, ev)
}

func (s *PostgresStore) ListDueEvents(ctx context.Context, owned model.ShardAssignment, now time.Time, limit int) ([]*model.Event, error) {
	return queryListDueEvents(ctx, s.db, owned, now, limit)
}

func (s *PostgresStore) ClaimEvent(ctx context.Context, ev *model.Event, leaseUntil time.Time) error {
	return queryClaimEvent(ctx, s.db, ev, leaseUntil)
}

func (s *PostgresStore) DeleteEvent(ctx context.Context, ev *model.Event) error {
	return queryDeleteEvent(ctx, s.db, ev)
}

func (s *PostgresStore) RescheduleEvent(ctx context.Context, ev *model.Event) error {
	return queryRescheduleEvent(ctx, s.db, ev)
}

func (s *PostgresStore) CountEvents(ctx context.Context) (int, error) {
	return queryCountEvents(ctx, s.db)
}

func (s *PostgresStore) RegisterAgent(ctx context.Context, agent *model.Agent) error {
	return queryRegisterAgent(ctx, s.db, agent)
}

func (s *PostgresStore) GetAgent(ctx context.Context, reference string) (*model.Agent, error) {
	return queryGetAgent(ctx, s.db, reference)
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	return queryListAgents(ctx, s.db)
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, agent *model.Agent) error {
	return queryUpdateAgent(ctx, s.db, agent)
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, reference string) error {
	return queryDeleteAgent(ctx, s.db, reference)
}

func (s *PostgresStore) DeleteExpiredAgent(ctx context.Context, reference string, now time.Time) (bool, error) {
	return queryDeleteExpiredAgent(ctx, s.db, reference, now)
}

// RunInTransaction begins a database transaction, creates a txStore that
// delegates to it, calls fn, and commits on success or rolls back on error.
// Serialization failures on commit surface as store.ErrConflict.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txS := &txStore{tx: tx}
	if err := fn(txS); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		if isConflict(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// txStore implements store.Store using a *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

// Compile-time check that txStore implements store.Store.
var _ store.Store = (*txStore)(nil)

func (s *txStore) EnqueueEvent(ctx context.Context, ev *model.Event) error {
	return queryEnqueueEvent(ctx, s.tx, ev)
}

func (s *txStore) ListDueEvents(ctx context.Context, owned model.ShardAssignment, now time.Time, limit int) ([]*model.Event, error) {
	return queryListDueEvents(ctx, s.tx, owned, now, limit)
}

func (s *txStore) ClaimEvent(ctx context.Context, ev *model.Event, leaseUntil time.Time) error {
	return queryClaimEvent(ctx, s.tx, ev, leaseUntil)
}

func (s *txStore) DeleteEvent(ctx context.Context, ev *model.Event) error {
	return queryDeleteEvent(ctx, s.tx, ev)
}

func (s *txStore) RescheduleEvent(ctx context.Context, ev *model.Event) error {
	return queryRescheduleEvent(ctx, s.tx, ev)
}

func (s *txStore) CountEvents(ctx context.Context) (int, error) {
	return queryCountEvents(ctx, s.tx)
}

func (s *txStore) RegisterAgent(ctx context.Context, agent *model.Agent) error {
	return queryRegisterAgent(ctx, s.tx, agent)
}

func (s *txStore) GetAgent(ctx context.Context, reference string) (*model.Agent, error) {
	return queryGetAgent(ctx, s.tx, reference)
}

func (s *txStore) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	return queryListAgents(ctx, s.tx)
}

func (s *txStore) UpdateAgent(ctx context.Context, agent *model.Agent) error {
	return queryUpdateAgent(ctx, s.tx, agent)
}

func (s *txStore) DeleteAgent(ctx context.Context, reference string) error {
	return queryDeleteAgent(ctx, s.tx, reference)
}

func (s *txStore) DeleteExpiredAgent(ctx context.Context, reference string, now time.Time) (bool, error) {
	return queryDeleteExpiredAgent(ctx, s.tx, reference, now)
}

// RunInTransaction on a txStore reuses the existing transaction (no nesting).
func (s *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Close is a no-op for a transaction store; the parent store owns the connection.
func (s *txStore) Close() error {
	return nil
}

// isConflict reports whether err is a PostgreSQL serialization failure or
// deadlock, both of which mean a concurrent writer won.
func isConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return true
		}
	}
	return false
}
