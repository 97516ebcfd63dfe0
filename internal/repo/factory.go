package repo

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"ottotask/internal/db"
)

const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend for Open.
type Options struct {
	Backend   string
	Workspace string
	// Root is the task directory of the file backend. It defaults to
	// <workspace>/.ottotask/tasks.
	Root        string
	SQLitePath  string
	PostgresDSN string

	CacheEnabled      bool
	CacheMaxCostBytes int64
	CacheTTL          time.Duration

	TracingEnabled bool
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider

	Logger *slog.Logger
}

// BackendFactory opens a backend from options.
type BackendFactory func(ctx context.Context, opts Options) (Repository, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]BackendFactory{
		BackendFile: func(_ context.Context, opts Options) (Repository, error) {
			root := opts.Root
			if root == "" {
				ws := opts.Workspace
				if ws == "" {
					ws = "."
				}
				root = filepath.Join(ws, ".ottotask", "tasks")
			}
			return NewFileRepository(root, opts.Logger), nil
		},
		BackendSQLite: func(ctx context.Context, opts Options) (Repository, error) {
			return OpenSQLite(ctx, db.Config{Workspace: opts.Workspace, Path: opts.SQLitePath}, opts.Logger)
		},
		BackendPostgres: func(ctx context.Context, opts Options) (Repository, error) {
			if opts.PostgresDSN == "" {
				return nil, fmt.Errorf("postgres backend: dsn is required")
			}
			return OpenPostgres(ctx, opts.PostgresDSN, opts.Logger)
		},
	}
)

// RegisterBackend adds or replaces a named backend.
func RegisterBackend(name string, f BackendFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Backends lists registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open builds the configured backend and stacks the cache and tracing
// decorators on top when enabled. An empty backend means file.
func Open(ctx context.Context, opts Options) (Repository, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	backend := opts.Backend
	if backend == "" {
		backend = BackendFile
	}
	registryMu.RLock()
	factory, ok := registry[backend]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown storage backend: %s (supported: %s)", backend, strings.Join(Backends(), ", "))
	}
	r, err := factory(ctx, opts)
	if err != nil {
		return nil, err
	}
	if opts.CacheEnabled {
		c, err := NewCached(r, opts.CacheMaxCostBytes, opts.CacheTTL, opts.Logger)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("cache: %w", err)
		}
		r = c
	}
	if opts.TracingEnabled {
		r = NewTraced(r, backend, opts.TracerProvider)
	}
	opts.Logger.Debug("repository opened", "backend", backend, "cache", opts.CacheEnabled, "tracing", opts.TracingEnabled)
	return r, nil
}
