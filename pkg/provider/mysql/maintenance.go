package mysql

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
	deleteFinished = `
DELETE FROM cts_tasks
WHERE status = 'FINISHED' AND finished_at <= TIMESTAMPADD(MICROSECOND, -? * 1000, NOW(3))`

	deleteOrphanBodies = `
DELETE b FROM cts_task_bodies b
LEFT JOIN cts_tasks t ON t.id = b.task_id
WHERE t.id IS NULL`

	staleCondition = `
WHERE status = 'RUNNING' AND TIMESTAMPADD(MICROSECOND, max_time_to_run_millis * 1000, started_at) < NOW(3)`

	recoverStale = `UPDATE cts_tasks SET status = 'PENDING', started_at = NULL, run_after = NOW(3)` + staleCondition
	failStale    = `UPDATE cts_tasks SET status = 'FINISHED', finished_at = NOW(3)` + staleCondition

	selectScheduledCandidates = `
SELECT ` + sqltask.Columns + ` FROM cts_tasks t
WHERE task_type = 'SCHEDULED' AND status = 'FINISHED' AND processor_type IN ?
  AND NOT EXISTS (
      SELECT 1 FROM cts_tasks l
      WHERE l.processor_type = t.processor_type AND l.task_type = 'SCHEDULED' AND l.status <> 'FINISHED')
ORDER BY processor_type, id DESC`

	selectPredecessor = `
SELECT interval_millis, max_time_to_run_millis, finished_at, NOW(3) FROM cts_tasks WHERE id = ?`
)

func (p *Provider) SweepGarbageAndStale(ctx context.Context) error {
	if p.closed.Load() {
		return provider.ErrClosed
	}
	gdb := p.db.WithContext(ctx)

	res := gdb.Exec(deleteFinished, sqltask.Millis(p.settings.FinishedRetention))
	if res.Error != nil {
		return fmt.Errorf("mysql: delete finished: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		p.log.DebugContext(ctx, "finished tasks collected", slog.Int64("count", res.RowsAffected))
	}

	if err := gdb.Exec(deleteOrphanBodies).Error; err != nil {
		return fmt.Errorf("mysql: delete orphan bodies: %w", err)
	}

	query := recoverStale
	if p.settings.StalePolicy == provider.StaleFail {
		query = failStale
	}
	res = gdb.Exec(query)
	if res.Error != nil {
		return fmt.Errorf("mysql: handle stale tasks: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		p.log.WarnContext(ctx, "stale tasks handled",
			slog.Int64("count", res.RowsAffected),
			slog.String("policy", p.settings.StalePolicy.String()),
		)
	}
	return nil
}

func (p *Provider) ScheduledCandidates(ctx context.Context, processorTypes ...string) ([]task.Task, error) {
	if len(processorTypes) == 0 {
		return nil, nil
	}
	var rows []sqltask.Row
	if err := p.db.WithContext(ctx).Raw(selectScheduledCandidates, processorTypes).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("mysql: scheduled candidates: %w", err)
	}

	out := make([]task.Task, len(rows))
	for i, r := range rows {
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
				finishedAt           sql.NullTime
				now                  time.Time
			)
			err := p.db.WithContext(ctx).Raw(selectPredecessor, c.ID).Row().Scan(&intervalMs, &maxRunMs, &finishedAt, &now)
			switch {
			case err == nil:
				next.Interval = sqltask.Duration(intervalMs)
				next.MaxTimeToRun = sqltask.Duration(maxRunMs)
				var finished time.Time
				if finishedAt.Valid {
					finished = finishedAt.Time
				}
				delay = provider.NextDelay(next.Interval, finished, now)
			case !errors.Is(err, sql.ErrNoRows):
				errs = append(errs, fmt.Errorf("mysql: load scheduled task %d: %w", c.ID, err))
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
	err := p.db.WithContext(ctx).
		Model(&sqltask.Row{}).
		Where("processor_type = ? AND task_type = ?", processorType, string(task.TypeScheduled)).
		Update("interval_millis", sqltask.Millis(interval)).Error
	if err != nil {
		return fmt.Errorf("mysql: set scheduled interval: %w", err)
	}
	return nil
}
