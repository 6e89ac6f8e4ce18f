// Package postgres implements the storage provider on PostgreSQL using pgx.
//
// Claims for a processor type are serialized cluster-wide with a
// transaction-scoped advisory lock, so the set of running concurrency keys
// read inside the claim transaction cannot change underneath it. Uniqueness
// keys are enforced by a partial unique index over non-finished rows and all
// timestamps come from the database clock.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/clustertasks/pkg/db"
	"github.com/dmitrymomot/clustertasks/pkg/provider"
	"github.com/dmitrymomot/clustertasks/pkg/provider/internal/sqltask"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrPoolRequired is returned by New when no pool is given.
var ErrPoolRequired = errors.New("postgres: pool is required")

const uniqueViolation = "23505"

// Provider stores tasks in PostgreSQL.
type Provider struct {
	pool            *pgxpool.Pool
	log             *slog.Logger
	migrationsTable string
	settings        provider.Settings
	closed          atomic.Bool
}

// Option configures the provider.
type Option func(*Provider)

// WithSettings sets the stale policy and finished retention.
func WithSettings(s provider.Settings) Option {
	return func(p *Provider) {
		p.settings = s
	}
}

// WithLogger sets the logger used for sweep reports and migrations.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// WithMigrationsTable overrides the goose history table (default cts_schema_history).
func WithMigrationsTable(name string) Option {
	return func(p *Provider) {
		if name != "" {
			p.migrationsTable = name
		}
	}
}

// New returns a provider using pool. The pool stays owned by the caller.
func New(pool *pgxpool.Pool, opts ...Option) (*Provider, error) {
	if pool == nil {
		return nil, ErrPoolRequired
	}
	p := &Provider{
		pool:            pool,
		log:             slog.New(slog.DiscardHandler),
		migrationsTable: "cts_schema_history",
		settings:        provider.DefaultSettings(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Migrate creates or upgrades the task tables.
func (p *Provider) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	return db.MigratePool(ctx, p.pool, sub, p.migrationsTable, p.log)
}

func (p *Provider) Ready(ctx context.Context) bool {
	return !p.closed.Load() && p.pool.Ping(ctx) == nil
}

// Close marks the provider as not ready. The pool is left open.
func (p *Provider) Close() error {
	p.closed.Store(true)
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (p *Provider) StoreTasks(ctx context.Context, tasks ...task.Task) []task.PersistenceResult {
	results := make([]task.PersistenceResult, len(tasks))
	for i, t := range tasks {
		results[i] = p.store(ctx, t, t.Delay)
	}
	return results
}

const insertTask = `
INSERT INTO cts_tasks (processor_type, uniqueness_key, concurrency_key, ordering_factor, task_type, status,
    delay_by_millis, max_time_to_run_millis, interval_millis, run_after)
VALUES ($1, $2, $3, $4, $5, 'PENDING', $6, $7, $8, now() + $6::bigint * interval '1 millisecond')
RETURNING id`

func (p *Provider) store(ctx context.Context, t task.Task, delay time.Duration) task.PersistenceResult {
	if p.closed.Load() {
		return task.Failed(provider.ErrClosed)
	}

	var id int64
	err := db.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, insertTask,
			t.ProcessorType,
			t.UniquenessKey,
			sqltask.NullString(t.ConcurrencyKey),
			t.OrderingFactor,
			string(t.Type),
			sqltask.Millis(delay),
			sqltask.Millis(t.EffectiveMaxTimeToRun()),
			sqltask.Millis(t.Interval),
		).Scan(&id)
		if err != nil || t.Body == "" {
			return err
		}

		partition := provider.PartitionFor(id)
		if _, err := tx.Exec(ctx, `UPDATE cts_tasks SET body_partition = $2 WHERE id = $1`, id, partition); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO cts_task_bodies (task_id, partition_index, body) VALUES ($1, $2, $3)`,
			id, partition, t.Body,
		)
		return err
	})

	switch {
	case err == nil:
		return task.Succeeded(id)
	case isUniqueViolation(err):
		return task.UniqueViolation()
	default:
		return task.Failed(fmt.Errorf("postgres: store task: %w", err))
	}
}

func (p *Provider) RetrieveBody(ctx context.Context, taskID, partition int64) (string, error) {
	var body string
	err := p.pool.QueryRow(ctx,
		`SELECT body FROM cts_task_bodies WHERE partition_index = $1 AND task_id = $2`,
		partition, taskID,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", provider.ErrBodyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres: retrieve body: %w", err)
	}
	return body, nil
}

func (p *Provider) MarkFinished(ctx context.Context, taskID int64) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE cts_tasks SET status = 'FINISHED', finished_at = now() WHERE id = $1 AND status <> 'FINISHED'`,
		taskID,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark finished: %w", err)
	}
	return nil
}

func (p *Provider) CountTasks(ctx context.Context, f provider.CountFilter) (int, error) {
	query := `SELECT COUNT(*) FROM cts_tasks WHERE TRUE`
	var args []any
	if f.ProcessorType != "" {
		args = append(args, f.ProcessorType)
		query += fmt.Sprintf(` AND processor_type = $%d`, len(args))
	}
	if f.ConcurrencyKey != "" {
		args = append(args, f.ConcurrencyKey)
		query += fmt.Sprintf(` AND concurrency_key = $%d`, len(args))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}

	var n int
	if err := p.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count tasks: %w", err)
	}
	return n, nil
}

func (p *Provider) CountByStatus(ctx context.Context, status task.Status) (map[string]int, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT processor_type, COUNT(*) FROM cts_tasks WHERE status = $1 GROUP BY processor_type`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			typ string
			n   int
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("postgres: count by status: %w", err)
		}
		out[typ] = n
	}
	return out, rows.Err()
}

var _ provider.Provider = (*Provider)(nil)
