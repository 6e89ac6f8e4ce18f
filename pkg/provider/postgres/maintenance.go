package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/clustertasks/pkg/provider"
	"github.com/dmitrymomot/clustertasks/pkg/provider/internal/sqltask"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

const (
	deleteFinished = `
DELETE FROM cts_tasks
WHERE status = 'FINISHED' AND finished_at <= now() - $1::bigint * interval '1 millisecond'`

	deleteOrphanBodies = `
DELETE FROM cts_task_bodies b
WHERE NOT EXISTS (SELECT 1 FROM cts_tasks t WHERE t.id = b.task_id)`

	staleCondition = `
WHERE status = 'RUNNING' AND started_at + max_time_to_run_millis * interval '1 millisecond' < now()`

	recoverStale = `UPDATE cts_tasks SET status = 'PENDING', started_at = NULL, run_after = now()` + staleCondition
	failStale    = `UPDATE cts_tasks SET status = 'FINISHED', finished_at = now()` + staleCondition

	selectScheduledCandidates = `
SELECT ` + sqltask.Columns + ` FROM cts_tasks t
WHERE task_type = 'SCHEDULED' AND status = 'FINISHED' AND processor_type = ANY($1)
  AND NOT EXISTS (
      SELECT 1 FROM cts_tasks l
      WHERE l.processor_type = t.processor_type AND l.task_type = 'SCHEDULED' AND l.status <> 'FINISHED')
ORDER BY processor_type, id DESC`

	selectPredecessor = `
SELECT interval_millis, max_time_to_run_millis, finished_at, now() FROM cts_tasks WHERE id = $1`
)

func (p *Provider) SweepGarbageAndStale(ctx context.Context) error {
	if p.closed.Load() {
		return provider.ErrClosed
	}

	tag, err := p.pool.Exec(ctx, deleteFinished, sqltask.Millis(p.settings.FinishedRetention))
	if err != nil {
		return fmt.Errorf("postgres: delete finished: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		p.log.DebugContext(ctx, "finished tasks collected", slog.Int64("count", n))
	}

	if _, err := p.pool.Exec(ctx, deleteOrphanBodies); err != nil {
		return fmt.Errorf("postgres: delete orphan bodies: %w", err)
	}

	query := recoverStale
	if p.settings.StalePolicy == provider.StaleFail {
		query = failStale
	}
	tag, err = p.pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("postgres: handle stale tasks: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		p.log.WarnContext(ctx, "stale tasks handled",
			slog.Int64("count", n),
			slog.String("policy", p.settings.StalePolicy.String()),
		)
	}
	return nil
}

func (p *Provider) ScheduledCandidates(ctx context.Context, processorTypes ...string) ([]task.Task, error) {
	if len(processorTypes) == 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, selectScheduledCandidates, processorTypes)
	if err != nil {
		return nil, fmt.Errorf("postgres: scheduled candidates: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowToStructByName[sqltask.Row])
	if err != nil {
		return nil, fmt.Errorf("postgres: scheduled candidates: %w", err)
	}

	out := make([]task.Task, len(found))
	for i, r := range found {
		out[i] = r.Task()
	}
	return sqltask.LatestPerType(out), nil
}

func (p *Provider) ReinsertScheduled(ctx context.Context, candidates ...task.Task) error {
	var errs []error
	for _, c := range candidates {
		next := sqltask.Scheduled(c)
		delay := c.Delay

		if c.ID != 0 {
			var (
				intervalMs, maxRunMs int64
				finishedAt           *time.Time
				now                  time.Time
			)
			err := p.pool.QueryRow(ctx, selectPredecessor, c.ID).Scan(&intervalMs, &maxRunMs, &finishedAt, &now)
			switch {
			case err == nil:
				next.Interval = sqltask.Duration(intervalMs)
				next.MaxTimeToRun = sqltask.Duration(maxRunMs)
				var finished time.Time
				if finishedAt != nil {
					finished = *finishedAt
				}
				delay = provider.NextDelay(next.Interval, finished, now)
			case !errors.Is(err, pgx.ErrNoRows):
				errs = append(errs, fmt.Errorf("postgres: load scheduled task %d: %w", c.ID, err))
				continue
			}
		}

		if res := p.store(ctx, next, delay); res.Status == task.PersistFailure {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) SetScheduledInterval(ctx context.Context, processorType string, interval time.Duration) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE cts_tasks SET interval_millis = $2 WHERE processor_type = $1 AND task_type = 'SCHEDULED'`,
		processorType, sqltask.Millis(interval),
	)
	if err != nil {
		return fmt.Errorf("postgres: set scheduled interval: %w", err)
	}
	return nil
}
