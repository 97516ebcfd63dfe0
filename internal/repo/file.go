package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"ottotask/internal/domain"
)

const taskFileExt = ".json"

// FileRepository stores one JSON document per task under Root. The directory
// is created on first write.
type FileRepository struct {
	root  string
	log   *slog.Logger
	locks keyedMutex
	reads singleflight.Group

	// ListWorkers bounds concurrent file decoding in ListByState.
	ListWorkers int
}

// NewFileRepository returns a repository rooted at dir. Nothing is touched on
// disk until the first write.
func NewFileRepository(dir string, log *slog.Logger) *FileRepository {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &FileRepository{
		root:        dir,
		log:         log.With("repo", "file"),
		ListWorkers: runtime.GOMAXPROCS(0),
	}
}

// Root returns the storage directory.
func (r *FileRepository) Root() string { return r.root }

func (r *FileRepository) path(id string) string {
	return filepath.Join(r.root, id+taskFileExt)
}

// ensureRoot is idempotent; concurrent callers racing on MkdirAll all succeed.
func (r *FileRepository) ensureRoot() error {
	return os.MkdirAll(r.root, 0o755)
}

func (r *FileRepository) Create(ctx context.Context, t *domain.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateID(t.ID); err != nil {
		return err
	}
	unlock := r.locks.Lock(t.ID)
	defer unlock()

	if err := r.ensureRoot(); err != nil {
		return storageErr("create", t.ID, err)
	}
	path := r.path(t.ID)
	if _, err := os.Stat(path); err == nil {
		r.log.Warn("task already exists", "task_id", t.ID)
		return fmt.Errorf("task %s: %w", t.ID, ErrAlreadyExists)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return storageErr("create", t.ID, err)
	}
	data, err := domain.Encode(t)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return storageErr("create", t.ID, err)
	}
	r.log.Info("task created", "task_id", t.ID)
	return nil
}

func (r *FileRepository) Read(ctx context.Context, id string) (*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	v, err, _ := r.reads.Do(id, func() (any, error) {
		return os.ReadFile(r.path(id))
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, storageErr("read", id, err)
	}
	t, err := domain.DecodeTask(v.([]byte))
	if err != nil {
		r.log.Error("task file unreadable", "task_id", id, "err", err)
		return nil, storageErr("read", id, err)
	}
	return t, nil
}

func (r *FileRepository) Update(ctx context.Context, t *domain.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateID(t.ID); err != nil {
		return err
	}
	unlock := r.locks.Lock(t.ID)
	defer unlock()

	path := r.path(t.ID)
	current, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.log.Warn("task not found for update", "task_id", t.ID)
			return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
		}
		return storageErr("update", t.ID, err)
	}
	stored, err := domain.DecodeTask(current)
	if err != nil {
		return storageErr("update", t.ID, err)
	}
	if stored.Version != t.Version {
		return fmt.Errorf("task %s: have version %d, stored %d: %w", t.ID, t.Version, stored.Version, ErrConflict)
	}
	if err := checkAppendOnly(t.ID, stored.AuditLog, t.AuditLog); err != nil {
		return err
	}

	next := *t
	next.Version = t.Version + 1
	data, err := domain.Encode(&next)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return storageErr("update", t.ID, err)
	}
	t.Version = next.Version
	r.log.Info("task updated", "task_id", t.ID, "version", t.Version)
	return nil
}

func (r *FileRepository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateID(id); err != nil {
		return err
	}
	unlock := r.locks.Lock(id)
	defer unlock()

	if err := os.Remove(r.path(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.log.Warn("task not found for deletion", "task_id", id)
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return storageErr("delete", id, err)
	}
	r.log.Info("task deleted", "task_id", id)
	return nil
}

func (r *FileRepository) ListByState(ctx context.Context, s domain.State) ([]*domain.Task, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, storageErr("list", "", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, taskFileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, taskFileExt))
	}

	loaded := make([]*domain.Task, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	if r.ListWorkers > 0 {
		g.SetLimit(r.ListWorkers)
	}
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(r.path(id))
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					// deleted since ReadDir
					return nil
				}
				return storageErr("list", id, err)
			}
			t, err := domain.DecodeTask(data)
			if err != nil {
				return storageErr("list", id, err)
			}
			loaded[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.log.Error("list tasks failed", "state", s, "err", err)
		return nil, err
	}

	var out []*domain.Task
	for _, t := range loaded {
		if t != nil && t.State == s {
			out = append(out, t)
		}
	}
	r.log.Debug("listed tasks", "state", s, "count", len(out))
	return out, nil
}

func (r *FileRepository) AuditLog(ctx context.Context, id string) ([]domain.AuditEntry, error) {
	t, err := r.Read(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return []domain.AuditEntry{}, nil
		}
		return nil, err
	}
	return t.AuditLog, nil
}

func (r *FileRepository) Close() error { return nil }

// writeFileAtomic replaces path with data through a temp file in the same
// directory, so readers see either the old or the new document.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

// keyedMutex hands out one mutex per key and drops it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
