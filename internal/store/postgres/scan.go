package postgres

import (
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/indexsync/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanEvent scans a single row into a model.Event.
// The row must contain columns in the order defined by eventColumns.
func scanEvent(row scannable) (*model.Event, error) {
	var ev model.Event
	err := row.Scan(
		&ev.ID,
		&ev.EntityName,
		&ev.EntityID,
		&ev.Payload,
		&ev.Shard,
		&ev.Attempts,
		&ev.ProcessAfter,
		&ev.Version,
		&ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// scanAgent scans a single row into a model.Agent.
// The row must contain columns in the order defined by agentColumns.
func scanAgent(row scannable) (*model.Agent, error) {
	var (
		a      model.Agent
		shards []int64
	)

	err := row.Scan(
		&a.Reference,
		&a.Name,
		&a.Type,
		&a.State,
		&a.Expiration,
		&a.StaticSharding,
		&a.Assignment.TotalShardCount,
		pq.Array(&shards),
		&a.Version,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Assignment.AssignedShards = fromInt64s(shards)
	return &a, nil
}

// nullTime converts a zero time into SQL NULL.
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func toInt64s(in []int) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

func fromInt64s(in []int64) []int {
	if len(in) == 0 {
		return nil
	}
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}
