// Package sqlite implements the storage provider on SQLite using the pure-Go
// modernc.org/sqlite driver.
//
// It suits single-host deployments and tests: every process sharing the
// database file serializes writes through SQLite's own lock. Timestamps are
// stored as unix milliseconds taken from the provider clock.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/dmitrymomot/clustertasks/pkg/db"
	"github.com/dmitrymomot/clustertasks/pkg/provider"
	"github.com/dmitrymomot/clustertasks/pkg/provider/internal/sqltask"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDBRequired is returned by New when no database handle is given.
var ErrDBRequired = errors.New("sqlite: database handle is required")

// Provider stores tasks in SQLite.
type Provider struct {
	db              *sql.DB
	now             func() time.Time
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

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
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

// New returns a provider on sqlDB, which stays owned by the caller.
func New(sqlDB *sql.DB, opts ...Option) (*Provider, error) {
	if sqlDB == nil {
		return nil, ErrDBRequired
	}
	p := &Provider{
		db:              sqlDB,
		now:             time.Now,
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
	return db.Migrate(ctx, p.db, db.DialectSQLite, sub, p.migrationsTable, p.log)
}

func (p *Provider) Ready(ctx context.Context) bool {
	return !p.closed.Load() && p.db.PingContext(ctx) == nil
}

// Close marks the provider as not ready. The database is left open.
func (p *Provider) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *Provider) nowMillis() int64 {
	return p.now().UnixMilli()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// withTx runs fn in a transaction, rolling back on error or panic.
func (p *Provider) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (task.Task, error) {
	var (
		t                             task.Task
		concurrencyKey                sql.NullString
		orderingFactor, bodyPartition sql.NullInt64
		startedAt, finishedAt         sql.NullInt64
		typ, status                   string
		delayMs, maxRunMs, intervalMs int64
		createdAt                     int64
	)
	err := s.Scan(&t.ID, &t.ProcessorType, &t.UniquenessKey, &concurrencyKey, &orderingFactor, &typ, &status,
		&delayMs, &maxRunMs, &intervalMs, &bodyPartition, &createdAt, &startedAt, &finishedAt)
	if err != nil {
		return task.Task{}, err
	}

	t.Type = task.Type(typ)
	t.Status = task.Status(status)
	t.Delay = sqltask.Duration(delayMs)
	t.MaxTimeToRun = sqltask.Duration(maxRunMs)
	t.Interval = sqltask.Duration(intervalMs)
	t.CreatedAt = time.UnixMilli(createdAt)
	if concurrencyKey.Valid {
		t.ConcurrencyKey = concurrencyKey.String
	}
	if orderingFactor.Valid {
		t.OrderingFactor = &orderingFactor.Int64
	}
	if bodyPartition.Valid {
		t.HasBody = true
		t.PartitionIndex = bodyPartition.Int64
	}
	if startedAt.Valid {
		t.StartedAt = time.UnixMilli(startedAt.Int64)
	}
	if finishedAt.Valid {
		t.FinishedAt = time.UnixMilli(finishedAt.Int64)
	}
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]task.Task, error) {
	defer rows.Close()
	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// inList returns "(?, ?, ...)" for n placeholders.
func inList(n int) string {
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
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
    delay_by_millis, max_time_to_run_millis, interval_millis, created_at, run_after)
VALUES (?, ?, ?, ?, ?, 'PENDING', ?, ?, ?, ?, ?)`

func (p *Provider) store(ctx context.Context, t task.Task, delay time.Duration) task.PersistenceResult {
	if p.closed.Load() {
		return task.Failed(provider.ErrClosed)
	}

	var id int64
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		now := p.nowMillis()
		delayMs := sqltask.Millis(delay)
		res, err := tx.ExecContext(ctx, insertTask,
			t.ProcessorType,
			t.UniquenessKey,
			sqltask.NullString(t.ConcurrencyKey),
			t.OrderingFactor,
			string(t.Type),
			delayMs,
			sqltask.Millis(t.EffectiveMaxTimeToRun()),
			sqltask.Millis(t.Interval),
			now,
			now+delayMs,
		)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil || t.Body == "" {
			return err
		}

		partition := provider.PartitionFor(id)
		if _, err := tx.ExecContext(ctx, `UPDATE cts_tasks SET body_partition = ? WHERE id = ?`, partition, id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO cts_task_bodies (task_id, partition_index, body) VALUES (?, ?, ?)`,
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
		return task.Failed(fmt.Errorf("sqlite: store task: %w", err))
	}
}

func (p *Provider) RetrieveBody(ctx context.Context, taskID, partition int64) (string, error) {
	var body string
	err := p.db.QueryRowContext(ctx,
		`SELECT body FROM cts_task_bodies WHERE partition_index = ? AND task_id = ?`,
		partition, taskID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", provider.ErrBodyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: retrieve body: %w", err)
	}
	return body, nil
}

func (p *Provider) MarkFinished(ctx context.Context, taskID int64) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE cts_tasks SET status = 'FINISHED', finished_at = ? WHERE id = ? AND status <> 'FINISHED'`,
		p.nowMillis(), taskID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: mark finished: %w", err)
	}
	return nil
}

func (p *Provider) CountTasks(ctx context.Context, f provider.CountFilter) (int, error) {
	query := `SELECT COUNT(*) FROM cts_tasks WHERE 1 = 1`
	var args []any
	if f.ProcessorType != "" {
		query += ` AND processor_type = ?`
		args = append(args, f.ProcessorType)
	}
	if f.ConcurrencyKey != "" {
		query += ` AND concurrency_key = ?`
		args = append(args, f.ConcurrencyKey)
	}
	if len(f.Statuses) > 0 {
		query += ` AND status IN ` + inList(len(f.Statuses))
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}

	var n int
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count tasks: %w", err)
	}
	return n, nil
}

func (p *Provider) CountByStatus(ctx context.Context, status task.Status) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT processor_type, COUNT(*) FROM cts_tasks WHERE status = ? GROUP BY processor_type`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			typ string
			n   int
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("sqlite: count by status: %w", err)
		}
		out[typ] = n
	}
	return out, rows.Err()
}

var _ provider.Provider = (*Provider)(nil)
