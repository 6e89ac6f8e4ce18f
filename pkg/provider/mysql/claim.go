package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

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
    WHERE processor_type = ? AND status = 'PENDING' AND concurrency_key IS NOT NULL AND run_after <= NOW(3)
      AND concurrency_key NOT IN (
          SELECT concurrency_key FROM cts_tasks
          WHERE processor_type = ? AND status = 'RUNNING' AND concurrency_key IS NOT NULL)
) heads
WHERE rn = 1
ORDER BY (ordering_factor IS NULL), ordering_factor, id
LIMIT ?`

	selectUnkeyed = `
SELECT id, concurrency_key, ordering_factor FROM cts_tasks
WHERE processor_type = ? AND status = 'PENDING' AND concurrency_key IS NULL AND run_after <= NOW(3)
ORDER BY (ordering_factor IS NULL), ordering_factor, id
LIMIT ?`
)

type candidateRow struct {
	ConcurrencyKey *string
	OrderingFactor *int64
	ID             int64
}

func (p *Provider) ClaimAndDispatch(ctx context.Context, d provider.Dispatcher) error {
	if p.closed.Load() {
		return provider.ErrClosed
	}
	capacity := d.Capacity()
	if len(capacity) == 0 {
		return nil
	}
	types := slices.Sorted(maps.Keys(capacity))

	if err := p.ensureLockRows(ctx, types); err != nil {
		return fmt.Errorf("mysql: claim: %w", err)
	}

	var claimed []task.Task
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed = claimed[:0]
		for _, typ := range types {
			got, err := claimType(tx, typ, capacity[typ])
			if err != nil {
				return fmt.Errorf("processor type %s: %w", typ, err)
			}
			claimed = append(claimed, got...)
		}
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("mysql: claim: %w", err)
	}

	for _, t := range claimed {
		d.Dispatch(t)
	}
	return nil
}

// ensureLockRows creates the claim lock row of each type outside the claim
// transaction; inserting it there would take a shared lock first and let two
// claimers deadlock on the upgrade.
func (p *Provider) ensureLockRows(ctx context.Context, types []string) error {
	for _, typ := range types {
		if _, ok := p.lockRows.Load(typ); ok {
			continue
		}
		if err := p.db.WithContext(ctx).Exec(`INSERT IGNORE INTO cts_claim_locks (processor_type) VALUES (?)`, typ).Error; err != nil {
			return err
		}
		p.lockRows.Store(typ, struct{}{})
	}
	return nil
}

func claimType(tx *gorm.DB, typ string, slots int) ([]task.Task, error) {
	if slots <= 0 {
		return nil, nil
	}

	var locked []string
	err := tx.Table("cts_claim_locks").
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("processor_type = ?", typ).
		Pluck("processor_type", &locked).Error
	if err != nil {
		return nil, err
	}

	var heads, unkeyed []candidateRow
	if err := tx.Raw(selectKeyHeads, typ, typ, slots).Scan(&heads).Error; err != nil {
		return nil, err
	}
	if err := tx.Raw(selectUnkeyed, typ, slots).Scan(&unkeyed).Error; err != nil {
		return nil, err
	}

	candidates := make([]provider.Candidate, 0, len(heads)+len(unkeyed))
	for _, r := range append(heads, unkeyed...) {
		c := provider.Candidate{ID: r.ID, OrderingFactor: r.OrderingFactor}
		if r.ConcurrencyKey != nil {
			c.ConcurrencyKey = *r.ConcurrencyKey
		}
		candidates = append(candidates, c)
	}

	picked := provider.SelectFair(candidates, nil, slots)
	if len(picked) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(picked))
	for i, c := range picked {
		ids[i] = c.ID
	}

	err = tx.Model(&sqltask.Row{}).
		Where("id IN ? AND status = ?", ids, string(task.StatusPending)).
		Updates(map[string]any{
			"status":     string(task.StatusRunning),
			"started_at": gorm.Expr("NOW(3)"),
		}).Error
	if err != nil {
		return nil, err
	}

	var rows []sqltask.Row
	err = tx.Raw(`SELECT `+sqltask.Columns+` FROM cts_tasks WHERE id IN ? AND status = ?`, ids, string(task.StatusRunning)).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]task.Task, len(rows))
	for i, r := range rows {
		out[i] = r.Task()
	}
	return sqltask.OrderLike(ids, out), nil
}
