package repo

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"ottotask/internal/domain"
)

// DefaultCacheMaxCost is used when no positive cache size is configured.
const DefaultCacheMaxCost int64 = 32 << 20

// Cached keeps encoded task documents in an in-process ristretto cache in
// front of another repository. Only Read is served from the cache.
//
// A read that misses fills the cache only if no write completed while it was
// loading; otherwise the snapshot it loaded may already be stale.
type Cached struct {
	next Repository
	c    *ristretto.Cache[string, []byte]
	ttl  time.Duration
	log  *slog.Logger

	mu  sync.Mutex
	gen uint64
}

// NewCached wraps next. maxCostBytes bounds the total size of cached
// documents; a zero ttl keeps entries until evicted.
func NewCached(next Repository, maxCostBytes int64, ttl time.Duration, log *slog.Logger) (*Cached, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if maxCostBytes <= 0 {
		maxCostBytes = DefaultCacheMaxCost
	}
	counters := maxCostBytes / 100 * 10 // ~10x expected items
	if counters < 100 {
		counters = 100
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: counters,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, c: c, ttl: ttl, log: log.With("repo", "cache")}, nil
}

// Wait blocks until pending cache writes are applied.
func (r *Cached) Wait() { r.c.Wait() }

func (r *Cached) generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

// remember stores t after a write, invalidating fills in flight.
func (r *Cached) remember(t *domain.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.store(t)
}

// forget drops id after a write, invalidating fills in flight.
func (r *Cached) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.c.Del(id)
}

// fill stores t loaded by a read that started at generation g.
func (r *Cached) fill(t *domain.Task, g uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != g {
		r.log.Debug("cache fill skipped after concurrent write", "task_id", t.ID)
		return
	}
	r.store(t)
}

func (r *Cached) store(t *domain.Task) {
	data, err := domain.Encode(t)
	if err != nil {
		r.c.Del(t.ID)
		return
	}
	if !r.c.SetWithTTL(t.ID, data, int64(len(data)), r.ttl) {
		r.c.Del(t.ID)
	}
}

func (r *Cached) Create(ctx context.Context, t *domain.Task) error {
	if err := r.next.Create(ctx, t); err != nil {
		return err
	}
	r.remember(t)
	return nil
}

func (r *Cached) Read(ctx context.Context, id string) (*domain.Task, error) {
	if data, ok := r.c.Get(id); ok {
		t, err := domain.DecodeTask(data)
		if err == nil {
			r.log.Debug("cache hit", "task_id", id)
			return t, nil
		}
		r.c.Del(id)
	}
	g := r.generation()
	t, err := r.next.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	r.fill(t, g)
	return t, nil
}

func (r *Cached) Update(ctx context.Context, t *domain.Task) error {
	if err := r.next.Update(ctx, t); err != nil {
		r.forget(t.ID)
		return err
	}
	r.remember(t)
	return nil
}

func (r *Cached) Delete(ctx context.Context, id string) error {
	err := r.next.Delete(ctx, id)
	r.forget(id)
	return err
}

func (r *Cached) ListByState(ctx context.Context, s domain.State) ([]*domain.Task, error) {
	return r.next.ListByState(ctx, s)
}

func (r *Cached) AuditLog(ctx context.Context, id string) ([]domain.AuditEntry, error) {
	return r.next.AuditLog(ctx, id)
}

func (r *Cached) Close() error {
	r.c.Close()
	return r.next.Close()
}
