package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/clustertasks/pkg/provider"
	"github.com/dmitrymomot/clustertasks/pkg/provider/internal/sqltask"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

const (
	deleteOrphanBodies = `
DELETE FROM cts_task_bodies
WHERE NOT EXISTS (SELECT 1 FROM cts_tasks t WHERE t.id = cts_task_bodies.task_id)`

	staleCondition = `
WHERE status = 'RUNNING' AND started_at + max_time_to_run_millis < ?`

	recoverStale = `UPDATE cts_tasks SET status = 'PENDING', started_at = NULL, run_after = ?` + staleCondition
	failStale    = `UPDATE cts_tasks SET status = 'FINISHED', finished_at = ?` + staleCondition
)

func (p *Provider) SweepGarbageAndStale(ctx context.Context) error {
	if p.closed.Load() {
		return provider.ErrClosed
	}
	now := p.nowMillis()

	res, err := p.db.ExecContext(ctx,
		`DELETE FROM cts_tasks WHERE status = 'FINISHED' AND finished_at <= ?`,
		now-sqltask.Millis(p.settings.FinishedRetention),
	)
	if err != nil {
		return fmt.Errorf("sqlite: delete finished: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		p.log.DebugContext(ctx, "finished tasks collected", slog.Int64("count", n))
	}

	if _, err := p.db.ExecContext(ctx, deleteOrphanBodies); err != nil {
		return fmt.Errorf("sqlite: delete orphan bodies: %w", err)
	}

	query := recoverStale
	if p.settings.StalePolicy == provider.StaleFail {
		query = failStale
	}
	res, err = p.db.ExecContext(ctx, query, now, now)
	if err != nil {
		return fmt.Errorf("sqlite: handle stale tasks: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
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
	args := make([]any, len(processorTypes))
	for i, typ := range processorTypes {
		args[i] = typ
	}

	rows, err := p.db.QueryContext(ctx, `
SELECT `+sqltask.Columns+` FROM cts_tasks t
WHERE task_type = 'SCHEDULED' AND status = 'FINISHED' AND processor_type IN `+inList(len(args))+`
  AND NOT EXISTS (
      SELECT 1 FROM cts_tasks l
      WHERE l.processor_type = t.processor_type AND l.task_type = 'SCHEDULED' AND l.status <> 'FINISHED')
ORDER BY processor_type, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scheduled candidates: %w", err)
	}
	found, err := collectTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scheduled candidates: %w", err)
	}
	return sqltask.LatestPerType(found), nil
}

func (p *Provider) ReinsertScheduled(ctx context.Context, candidates ...task.Task) error {
	var errs []error
	for _, c := range candidates {
		next := sqltask.Scheduled(c)
		delay := c.Delay

		if c.ID != 0 {
			var (
				intervalMs, maxRunMs int64
				finishedAt           sql.NullInt64
			)
			err := p.db.QueryRowContext(ctx,
				`SELECT interval_millis, max_time_to_run_millis, finished_at FROM cts_tasks WHERE id = ?`,
				c.ID,
			).Scan(&intervalMs, &maxRunMs, &finishedAt)
			switch {
			case err == nil:
				next.Interval = sqltask.Duration(intervalMs)
				next.MaxTimeToRun = sqltask.Duration(maxRunMs)
				var finished time.Time
				if finishedAt.Valid {
					finished = time.UnixMilli(finishedAt.Int64)
				}
				delay = provider.NextDelay(next.Interval, finished, p.now())
			case !errors.Is(err, sql.ErrNoRows):
				errs = append(errs, fmt.Errorf("sqlite: load scheduled task %d: %w", c.ID, err))
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
	_, err := p.db.ExecContext(ctx,
		`UPDATE cts_tasks SET interval_millis = ? WHERE processor_type = ? AND task_type = 'SCHEDULED'`,
		sqltask.Millis(interval), processorType,
	)
	if err != nil {
		return fmt.Errorf("sqlite: set scheduled interval: %w", err)
	}
	return nil
}
