// Package mysql implements the storage provider on MySQL 8 using gorm.
//
// Claims for a processor type are serialized cluster-wide by locking its row
// in cts_claim_locks for the length of the claim transaction. Uniqueness keys
// of live tasks are enforced through a stored generated column that is NULL
// once a task finishes. All timestamps come from the database clock.
package mysql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"github.com/dmitrymomot/clustertasks/pkg/db"
	"github.com/dmitrymomot/clustertasks/pkg/provider"
	"github.com/dmitrymomot/clustertasks/pkg/provider/internal/sqltask"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDBRequired is returned by New when no database handle is given.
var ErrDBRequired = errors.New("mysql: database handle is required")

const duplicateEntry = 1062

// Provider stores tasks in MySQL.
type Provider struct {
	db              *gorm.DB
	log             *slog.Logger
	migrationsTable string
	settings        provider.Settings
	lockRows        sync.Map
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

// New returns a provider on gdb. The connection stays owned by the caller and
// must have been opened with parseTime enabled; Open does that.
func New(gdb *gorm.DB, opts ...Option) (*Provider, error) {
	if gdb == nil {
		return nil, ErrDBRequired
	}
	p := &Provider{
		db:              gdb,
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
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	return db.Migrate(ctx, sqlDB, db.DialectMySQL, sub, p.migrationsTable, p.log)
}

func (p *Provider) Ready(ctx context.Context) bool {
	if p.closed.Load() {
		return false
	}
	sqlDB, err := p.db.DB()
	return err == nil && sqlDB.PingContext(ctx) == nil
}

// Close marks the provider as not ready. The connection is left open.
func (p *Provider) Close() error {
	p.closed.Store(true)
	return nil
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *driver.MySQLError
	return errors.As(err, &myErr) && myErr.Number == duplicateEntry
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
VALUES (?, ?, ?, ?, ?, 'PENDING', ?, ?, ?, TIMESTAMPADD(MICROSECOND, ? * 1000, NOW(3)))`

func (p *Provider) store(ctx context.Context, t task.Task, delay time.Duration) task.PersistenceResult {
	if p.closed.Load() {
		return task.Failed(provider.ErrClosed)
	}

	var id int64
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		delayMs := sqltask.Millis(delay)
		err := tx.Exec(insertTask,
			t.ProcessorType,
			t.UniquenessKey,
			sqltask.NullString(t.ConcurrencyKey),
			t.OrderingFactor,
			string(t.Type),
			delayMs,
			sqltask.Millis(t.EffectiveMaxTimeToRun()),
			sqltask.Millis(t.Interval),
			delayMs,
		).Error
		if err != nil {
			return err
		}
		if err := tx.Raw(`SELECT LAST_INSERT_ID()`).Scan(&id).Error; err != nil {
			return err
		}
		if t.Body == "" {
			return nil
		}

		partition := provider.PartitionFor(id)
		if err := tx.Exec(`UPDATE cts_tasks SET body_partition = ? WHERE id = ?`, partition, id).Error; err != nil {
			return err
		}
		return tx.Exec(
			`INSERT INTO cts_task_bodies (task_id, partition_index, body) VALUES (?, ?, ?)`,
			id, partition, t.Body,
		).Error
	})

	switch {
	case err == nil:
		return task.Succeeded(id)
	case isDuplicate(err):
		return task.UniqueViolation()
	default:
		return task.Failed(fmt.Errorf("mysql: store task: %w", err))
	}
}

func (p *Provider) RetrieveBody(ctx context.Context, taskID, partition int64) (string, error) {
	var body string
	err := p.db.WithContext(ctx).
		Raw(`SELECT body FROM cts_task_bodies WHERE partition_index = ? AND task_id = ?`, partition, taskID).
		Row().
		Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", provider.ErrBodyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("mysql: retrieve body: %w", err)
	}
	return body, nil
}

func (p *Provider) MarkFinished(ctx context.Context, taskID int64) error {
	err := p.db.WithContext(ctx).
		Model(&sqltask.Row{}).
		Where("id = ? AND status <> ?", taskID, string(task.StatusFinished)).
		Updates(map[string]any{
			"status":      string(task.StatusFinished),
			"finished_at": gorm.Expr("NOW(3)"),
		}).Error
	if err != nil {
		return fmt.Errorf("mysql: mark finished: %w", err)
	}
	return nil
}

func (p *Provider) CountTasks(ctx context.Context, f provider.CountFilter) (int, error) {
	q := p.db.WithContext(ctx).Model(&sqltask.Row{})
	if f.ProcessorType != "" {
		q = q.Where("processor_type = ?", f.ProcessorType)
	}
	if f.ConcurrencyKey != "" {
		q = q.Where("concurrency_key = ?", f.ConcurrencyKey)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where("status IN ?", statuses)
	}

	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("mysql: count tasks: %w", err)
	}
	return int(n), nil
}

func (p *Provider) CountByStatus(ctx context.Context, status task.Status) (map[string]int, error) {
	var rows []struct {
		ProcessorType string
		N             int
	}
	err := p.db.WithContext(ctx).
		Model(&sqltask.Row{}).
		Select("processor_type, COUNT(*) AS n").
		Where("status = ?", string(status)).
		Group("processor_type").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("mysql: count by status: %w", err)
	}

	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.ProcessorType] = r.N
	}
	return out, nil
}

var _ provider.Provider = (*Provider)(nil)
