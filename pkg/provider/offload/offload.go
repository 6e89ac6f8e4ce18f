// Package offload wraps a storage provider so that large task bodies live in
// a blob store instead of the task tables. Only a short reference is
// persisted with the task; RetrieveBody resolves it transparently.
package offload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dmitrymomot/clustertasks/pkg/blob"
	"github.com/dmitrymomot/clustertasks/pkg/id"
	"github.com/dmitrymomot/clustertasks/pkg/provider"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

// DefaultThreshold is the body size in bytes above which bodies are offloaded.
const DefaultThreshold = 64 << 10

// refPrefix marks a persisted body as a blob reference. The leading NUL
// byte keeps it from colliding with ordinary text bodies.
const refPrefix = "\x00cts-blob:"

// Provider decorates another provider with body offloading.
type Provider struct {
	provider.Provider
	store     blob.Store
	log       *slog.Logger
	threshold int

	// blob keys of tasks whose body was resolved on this node, by task id
	refs sync.Map
}

// Option configures the decorator.
type Option func(*Provider)

// WithLogger sets the logger used to report blob cleanup failures.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// Wrap returns p with bodies longer than threshold bytes kept in store.
// A non-positive threshold selects DefaultThreshold.
func Wrap(p provider.Provider, store blob.Store, threshold int, opts ...Option) *Provider {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	o := &Provider{
		Provider:  p,
		store:     store,
		log:       slog.New(slog.DiscardHandler),
		threshold: threshold,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Migrate forwards to the wrapped provider when it provisions its own schema.
func (p *Provider) Migrate(ctx context.Context) error {
	if m, ok := p.Provider.(provider.Migrator); ok {
		return m.Migrate(ctx)
	}
	return nil
}

func (p *Provider) StoreTasks(ctx context.Context, tasks ...task.Task) []task.PersistenceResult {
	results := make([]task.PersistenceResult, len(tasks))
	pending := make([]task.Task, 0, len(tasks))
	slots := make([]int, 0, len(tasks))
	keys := make(map[int]string)

	for i, t := range tasks {
		if len(t.Body) > p.threshold {
			key := "bodies/" + t.ProcessorType + "/" + id.NewULID()
			if err := p.store.Put(ctx, key, []byte(t.Body)); err != nil {
				results[i] = task.Failed(fmt.Errorf("offload: store body: %w", err))
				continue
			}
			t.Body = refPrefix + key
			keys[i] = key
		}
		pending = append(pending, t)
		slots = append(slots, i)
	}

	if len(pending) == 0 {
		return results
	}
	for j, res := range p.Provider.StoreTasks(ctx, pending...) {
		i := slots[j]
		results[i] = res
		if key, ok := keys[i]; ok && res.Status != task.PersistSuccess {
			p.deleteBlob(ctx, key)
		}
	}
	return results
}

func (p *Provider) RetrieveBody(ctx context.Context, taskID, partition int64) (string, error) {
	body, err := p.Provider.RetrieveBody(ctx, taskID, partition)
	if err != nil {
		return "", err
	}
	key, ok := strings.CutPrefix(body, refPrefix)
	if !ok {
		return body, nil
	}

	data, err := p.store.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return "", fmt.Errorf("%w: blob %s", provider.ErrBodyNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("offload: load body: %w", err)
	}
	p.refs.Store(taskID, key)
	return string(data), nil
}

func (p *Provider) MarkFinished(ctx context.Context, taskID int64) error {
	if err := p.Provider.MarkFinished(ctx, taskID); err != nil {
		return err
	}
	if key, ok := p.refs.LoadAndDelete(taskID); ok {
		p.deleteBlob(ctx, key.(string))
	}
	return nil
}

func (p *Provider) deleteBlob(ctx context.Context, key string) {
	if err := p.store.Delete(ctx, key); err != nil {
		p.log.WarnContext(ctx, "failed to delete offloaded body",
			slog.String("key", key),
			slog.Any("error", err),
		)
	}
}

var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Migrator = (*Provider)(nil)
)
