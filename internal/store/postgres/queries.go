package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/indexsync/internal/model"
	"github.com/alfredjeanlab/indexsync/internal/store"
)

// eventColumns is the column list used for SELECT statements on outbox_events.
const eventColumns = `id, entity_name, entity_id, payload, shard, attempts,
	process_after, version, created_at`

// agentColumns is the column list used for SELECT statements on indexsync_agents.
const agentColumns = `reference, name, type, state, expiration, static_sharding,
	total_shard_count, assigned_shards, version, created_at`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryEnqueueEvent(ctx context.Context, db executor, ev *model.Event) error {
	if err := model.ValidateEvent(ev); err != nil {
		return err
	}
	return db.QueryRowContext(ctx, `
		INSERT INTO outbox_events (
			entity_name, entity_id, payload, shard, attempts, process_after
		) VALUES (
			$1, $2, $3, $4, $5, COALESCE($6, NOW())
		)
		RETURNING id, process_after, version, created_at`,
		ev.EntityName,
		ev.EntityID,
		ev.Payload,
		ev.Shard,
		ev.Attempts,
		nullTime(ev.ProcessAfter),
	).Scan(&ev.ID, &ev.ProcessAfter, &ev.Version, &ev.CreatedAt)
}

// queryListDueEvents selects due events inside the owned ranges. An event is
// skipped while any lower-id event for the same entity is still in the table,
// due or not, so per-entity order holds across batches and retries.
func queryListDueEvents(ctx context.Context, db executor, owned model.ShardAssignment, now time.Time, limit int) ([]*model.Event, error) {
	ranges := owned.Ranges()
	if len(ranges) == 0 || limit <= 0 {
		return nil, nil
	}

	var (
		rangeClauses []string
		args         []any
		argIdx       int
	)

	nextArg := func() string {
		argIdx++
		return fmt.Sprintf("$%d", argIdx)
	}

	nowArg := nextArg()
	args = append(args, now)

	for _, r := range ranges {
		lo, hi := nextArg(), nextArg()
		rangeClauses = append(rangeClauses, fmt.Sprintf("(e.shard >= %s AND e.shard < %s)", lo, hi))
		args = append(args, r.Start, r.End)
	}

	query := "SELECT " + prefixColumns("e.", eventColumns) + `
		FROM outbox_events e
		WHERE e.process_after <= ` + nowArg + `
		  AND (` + strings.Join(rangeClauses, " OR ") + `)
		  AND NOT EXISTS (
			SELECT 1 FROM outbox_events p
			WHERE p.entity_name = e.entity_name
			  AND p.entity_id = e.entity_id
			  AND p.id < e.id
		  )
		ORDER BY e.id ASC
		LIMIT ` + nextArg()
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list due events: %w", err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan events: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return events, nil
}

// queryClaimEvent bumps the version of an event the caller selected, provided
// nobody touched it since, and pushes process_after to the lease deadline so
// other pollers leave it alone while it is applied.
func queryClaimEvent(ctx context.Context, db executor, ev *model.Event, leaseUntil time.Time) error {
	err := db.QueryRowContext(ctx, `
		UPDATE outbox_events
		SET version = version + 1, process_after = $3
		WHERE id = $1 AND version = $2
		RETURNING version, process_after`,
		ev.ID, ev.Version, leaseUntil,
	).Scan(&ev.Version, &ev.ProcessAfter)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrConflict
	}
	return err
}

func queryDeleteEvent(ctx context.Context, db executor, ev *model.Event) error {
	result, err := db.ExecContext(ctx,
		`DELETE FROM outbox_events WHERE id = $1 AND version = $2`,
		ev.ID, ev.Version,
	)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrConflict
	}
	return nil
}

func queryRescheduleEvent(ctx context.Context, db executor, ev *model.Event) error {
	err := db.QueryRowContext(ctx, `
		UPDATE outbox_events
		SET attempts = $3, process_after = $4, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version`,
		ev.ID, ev.Version, ev.Attempts, ev.ProcessAfter,
	).Scan(&ev.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrConflict
	}
	return err
}

func queryCountEvents(ctx context.Context, db executor) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func queryRegisterAgent(ctx context.Context, db executor, a *model.Agent) error {
	if err := model.ValidateAgent(a); err != nil {
		return err
	}
	return db.QueryRowContext(ctx, `
		INSERT INTO indexsync_agents (
			reference, name, type, state, expiration, static_sharding,
			total_shard_count, assigned_shards
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		RETURNING version, created_at`,
		a.Reference,
		a.Name,
		string(a.Type),
		string(a.State),
		a.Expiration,
		a.StaticSharding,
		a.Assignment.TotalShardCount,
		pq.Array(toInt64s(a.Assignment.AssignedShards)),
	).Scan(&a.Version, &a.CreatedAt)
}

func queryGetAgent(ctx context.Context, db executor, reference string) (*model.Agent, error) {
	row := db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM indexsync_agents WHERE reference = $1`, reference)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func queryListAgents(ctx context.Context, db executor) ([]*model.Agent, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+agentColumns+` FROM indexsync_agents ORDER BY reference ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agents: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan agents: %w", err)
	}
	return agents, nil
}

// queryUpdateAgent writes the agent row if its version still matches. A miss
// is resolved into store.ErrNotFound (row evicted) or store.ErrConflict.
func queryUpdateAgent(ctx context.Context, db executor, a *model.Agent) error {
	if err := model.ValidateAgent(a); err != nil {
		return err
	}
	err := db.QueryRowContext(ctx, `
		UPDATE indexsync_agents SET
			name = $3,
			state = $4,
			expiration = $5,
			static_sharding = $6,
			total_shard_count = $7,
			assigned_shards = $8,
			version = version + 1
		WHERE reference = $1 AND version = $2
		RETURNING version`,
		a.Reference,
		a.Version,
		a.Name,
		string(a.State),
		a.Expiration,
		a.StaticSharding,
		a.Assignment.TotalShardCount,
		pq.Array(toInt64s(a.Assignment.AssignedShards)),
	).Scan(&a.Version)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update agent: %w", err)
	}

	var exists bool
	if err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM indexsync_agents WHERE reference = $1)`, a.Reference,
	).Scan(&exists); err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

func queryDeleteAgent(ctx context.Context, db executor, reference string) error {
	result, err := db.ExecContext(ctx, `DELETE FROM indexsync_agents WHERE reference = $1`, reference)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// queryDeleteExpiredAgent removes the row only if it is still expired, so a
// refresh that landed first wins.
func queryDeleteExpiredAgent(ctx context.Context, db executor, reference string, now time.Time) (bool, error) {
	result, err := db.ExecContext(ctx,
		`DELETE FROM indexsync_agents WHERE reference = $1 AND expiration <= $2`,
		reference, now,
	)
	if err != nil {
		return false, fmt.Errorf("delete expired agent: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func prefixColumns(prefix, columns string) string {
	fields := strings.Split(columns, ",")
	for i, f := range fields {
		fields[i] = prefix + strings.TrimSpace(f)
	}
	return strings.Join(fields, ", ")
}
