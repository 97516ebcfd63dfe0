package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"ottotask/internal/config"
	"ottotask/internal/db"
	"ottotask/internal/engine"
	"ottotask/internal/repo"
)

// App bundles what a command needs: the resolved config, the repository it
// selects and an engine over that repository.
type App struct {
	Config *config.Config
	Repo   repo.Repository
	Engine engine.Engine
	Log    *slog.Logger
}

// Close releases the repository.
func (a *App) Close() error {
	return a.Repo.Close()
}

// Open resolves the workspace config (defaults when ottotask.yml is absent)
// and opens the configured storage backend.
func Open(ctx context.Context, workspace string, cfg *config.Config, log *slog.Logger) (*App, error) {
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(workspace); err != nil {
			return nil, err
		}
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	r, err := repo.Open(ctx, StorageOptions(workspace, cfg, log))
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	return &App{
		Config: cfg,
		Repo:   r,
		Engine: engine.New(r, log),
		Log:    log,
	}, nil
}

// StorageOptions maps config onto repository factory options.
func StorageOptions(workspace string, cfg *config.Config, log *slog.Logger) repo.Options {
	return repo.Options{
		Backend:           cfg.Storage.Backend,
		Workspace:         workspace,
		Root:              cfg.Storage.Root,
		SQLitePath:        cfg.Storage.SQLitePath,
		PostgresDSN:       cfg.Storage.PostgresDSN,
		CacheEnabled:      cfg.Cache.Enabled,
		CacheMaxCostBytes: cfg.Cache.MaxCostBytes,
		CacheTTL:          cfg.Cache.TTL,
		TracingEnabled:    cfg.Tracing.Enabled,
		Logger:            log,
	}
}

// InitWorkspace creates the workspace state directory and writes a default
// ottotask.yml unless one exists. It reports whether the file was written.
func InitWorkspace(workspace string) (string, bool, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return "", false, err
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	} else if !os.IsNotExist(err) {
		return "", false, err
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		return "", false, err
	}
	return path, true, nil
}
