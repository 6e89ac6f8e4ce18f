package postgres

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/clustertasks/pkg/db"
	"github.com/dmitrymomot/clustertasks/pkg/provider"
	"github.com/dmitrymomot/clustertasks/pkg/provider/internal/sqltask"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

const (
	lockProcessorType = `SELECT pg_advisory_xact_lock(hashtextextended('cts:' || $1, 0))`

	// Oldest pending task of every concurrency key without a running task.
	selectKeyHeads = `
SELECT id, concurrency_key, ordering_factor FROM (
    SELECT id, concurrency_key, ordering_factor,
           ROW_NUMBER() OVER (PARTITION BY concurrency_key
                              ORDER BY (ordering_factor IS NULL), ordering_factor, id) AS rn
    FROM cts_tasks
    WHERE processor_type = $1 AND status = 'PENDING' AND concurrency_key IS NOT NULL AND run_after <= now()
      AND concurrency_key NOT IN (
          SELECT concurrency_key FROM cts_tasks
          WHERE processor_type = $1 AND status = 'RUNNING' AND concurrency_key IS NOT NULL)
) heads
WHERE rn = 1
ORDER BY (ordering_factor IS NULL), ordering_factor, id
LIMIT $2`

	selectUnkeyed = `
SELECT id, concurrency_key, ordering_factor FROM cts_tasks
WHERE processor_type = $1 AND status = 'PENDING' AND concurrency_key IS NULL AND run_after <= now()
ORDER BY (ordering_factor IS NULL), ordering_factor, id
LIMIT $2`

	claimTasks = `
UPDATE cts_tasks SET status = 'RUNNING', started_at = now()
WHERE id = ANY($1) AND status = 'PENDING'
RETURNING ` + sqltask.Columns
)

func (p *Provider) ClaimAndDispatch(ctx context.Context, d provider.Dispatcher) error {
	if p.closed.Load() {
		return provider.ErrClosed
	}
	capacity := d.Capacity()
	if len(capacity) == 0 {
		return nil
	}

	// Sorted lock order keeps concurrent claimers from deadlocking.
	types := slices.Sorted(maps.Keys(capacity))

	var claimed []task.Task
	err := db.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		claimed = claimed[:0]
		for _, typ := range types {
			got, err := p.claimType(ctx, tx, typ, capacity[typ])
			if err != nil {
				return fmt.Errorf("processor type %s: %w", typ, err)
			}
			claimed = append(claimed, got...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: claim: %w", err)
	}

	for _, t := range claimed {
		d.Dispatch(t)
	}
	return nil
}

func (p *Provider) claimType(ctx context.Context, tx pgx.Tx, typ string, slots int) ([]task.Task, error) {
	if slots <= 0 {
		return nil, nil
	}
	if _, err := tx.Exec(ctx, lockProcessorType, typ); err != nil {
		return nil, err
	}

	heads, err := selectCandidates(ctx, tx, selectKeyHeads, typ, slots)
	if err != nil {
		return nil, err
	}
	unkeyed, err := selectCandidates(ctx, tx, selectUnkeyed, typ, slots)
	if err != nil {
		return nil, err
	}

	picked := provider.SelectFair(append(heads, unkeyed...), nil, slots)
	if len(picked) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(picked))
	for i, c := range picked {
		ids[i] = c.ID
	}

	rows, err := tx.Query(ctx, claimTasks, ids)
	if err != nil {
		return nil, err
	}
	claimed, err := pgx.CollectRows(rows, pgx.RowToStructByName[sqltask.Row])
	if err != nil {
		return nil, err
	}

	out := make([]task.Task, len(claimed))
	for i, r := range claimed {
		out[i] = r.Task()
	}
	return sqltask.OrderLike(ids, out), nil
}

func selectCandidates(ctx context.Context, tx pgx.Tx, query, typ string, limit int) ([]provider.Candidate, error) {
	rows, err := tx.Query(ctx, query, typ, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []provider.Candidate
	for rows.Next() {
		var (
			c   provider.Candidate
			key *string
		)
		if err := rows.Scan(&c.ID, &key, &c.OrderingFactor); err != nil {
			return nil, err
		}
		if key != nil {
			c.ConcurrencyKey = *key
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
