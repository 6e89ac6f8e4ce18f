package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"

	"github.com/dmitrymomot/clustertasks/pkg/provider"
	"github.com/dmitrymomot/clustertasks/pkg/provider/internal/sqltask"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

const (
	// Oldest pending task of every concurrency key without a running task.
	selectKeyHeads = `
SELECT id, concurrency_key, ordering_factor FROM (
    SELECT id, concurrency_key, ordering_factor,
           ROW_NUMBER() OVER (PARTITION BY concurrency_key
                              ORDER BY (ordering_factor IS NULL), ordering_factor, id) AS rn
    FROM cts_tasks
    WHERE processor_type = ? AND status = 'PENDING' AND concurrency_key IS NOT NULL AND run_after <= ?
      AND concurrency_key NOT IN (
          SELECT concurrency_key FROM cts_tasks
          WHERE processor_type = ? AND status = 'RUNNING' AND concurrency_key IS NOT NULL)
)
WHERE rn = 1
ORDER BY (ordering_factor IS NULL), ordering_factor, id
LIMIT ?`

	selectUnkeyed = `
SELECT id, concurrency_key, ordering_factor FROM cts_tasks
WHERE processor_type = ? AND status = 'PENDING' AND concurrency_key IS NULL AND run_after <= ?
ORDER BY (ordering_factor IS NULL), ordering_factor, id
LIMIT ?`
)

func (p *Provider) ClaimAndDispatch(ctx context.Context, d provider.Dispatcher) error {
	if p.closed.Load() {
		return provider.ErrClosed
	}
	capacity := d.Capacity()
	if len(capacity) == 0 {
		return nil
	}

	var claimed []task.Task
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		now := p.nowMillis()
		for _, typ := range slices.Sorted(maps.Keys(capacity)) {
			got, err := claimType(ctx, tx, typ, capacity[typ], now)
			if err != nil {
				return fmt.Errorf("processor type %s: %w", typ, err)
			}
			claimed = append(claimed, got...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlite: claim: %w", err)
	}

	for _, t := range claimed {
		d.Dispatch(t)
	}
	return nil
}

func claimType(ctx context.Context, tx *sql.Tx, typ string, slots int, now int64) ([]task.Task, error) {
	if slots <= 0 {
		return nil, nil
	}

	heads, err := selectCandidates(ctx, tx, selectKeyHeads, typ, now, typ, slots)
	if err != nil {
		return nil, err
	}
	unkeyed, err := selectCandidates(ctx, tx, selectUnkeyed, typ, now, slots)
	if err != nil {
		return nil, err
	}

	picked := provider.SelectFair(append(heads, unkeyed...), nil, slots)
	if len(picked) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(picked))
	args := make([]any, 0, len(picked)+1)
	args = append(args, now)
	for i, c := range picked {
		ids[i] = c.ID
		args = append(args, c.ID)
	}

	rows, err := tx.QueryContext(ctx,
		`UPDATE cts_tasks SET status = 'RUNNING', started_at = ?
		WHERE status = 'PENDING' AND id IN `+inList(len(ids))+`
		RETURNING `+sqltask.Columns,
		args...,
	)
	if err != nil {
		return nil, err
	}
	claimed, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	return sqltask.OrderLike(ids, claimed), nil
}

func selectCandidates(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]provider.Candidate, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []provider.Candidate
	for rows.Next() {
		var (
			c              provider.Candidate
			key            sql.NullString
			orderingFactor sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &key, &orderingFactor); err != nil {
			return nil, err
		}
		c.ConcurrencyKey = key.String
		if orderingFactor.Valid {
			c.OrderingFactor = &orderingFactor.Int64
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
