package config_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ottotask/internal/config"
	"ottotask/internal/repo"
)

func TestDefaultTemplateMatchesDefault(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("default template invalid: %v", err)
	}
	def := config.Default()
	if *cfg != *def {
		t.Fatalf("template and Default disagree:\n%+v\n%+v", cfg, def)
	}
}

func TestLoadOptionalWithoutFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Backend != "file" {
		t.Fatalf("expected file backend, got %q", cfg.Storage.Backend)
	}
	if want := filepath.Join(dir, ".ottotask", "tasks"); cfg.Storage.Root != want {
		t.Fatalf("root not resolved: got %q want %q", cfg.Storage.Root, want)
	}
}

func TestLoadRequiresFile(t *testing.T) {
	if _, err := config.Load(t.TempDir()); err == nil || !strings.Contains(err.Error(), "otk init") {
		t.Fatalf("expected missing config error, got %v", err)
	}
}

func TestPrecedenceDefaultsFileEnv(t *testing.T) {
	dir := t.TempDir()
	yml := `storage:
  backend: sqlite
  sqlite_path: data/tasks.db
cache:
  enabled: true
  ttl: 30s
logging:
  level: debug
`
	if err := os.WriteFile(config.Path(dir), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OTTOTASK_LOG_FORMAT", "json")
	t.Setenv("OTTOTASK_CACHE_TTL", "2m")
	t.Setenv("OTTOTASK_ACTOR", "ci-bot")

	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.SQLitePath != filepath.Join(dir, "data", "tasks.db") {
		t.Fatalf("file values lost: %+v", cfg.Storage)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Fatalf("unexpected logging: %+v", cfg.Logging)
	}
	if !cfg.Cache.Enabled || cfg.Cache.TTL != 2*time.Minute || cfg.Cache.MaxCostBytes != 32<<20 {
		t.Fatalf("unexpected cache: %+v", cfg.Cache)
	}
	if cfg.Actor != "ci-bot" {
		t.Fatalf("env actor ignored: %q", cfg.Actor)
	}
	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Fatalf("default addr lost: %q", cfg.Server.Addr)
	}
}

func TestDatabaseURLFallback(t *testing.T) {
	t.Setenv("OTTOTASK_STORAGE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/ottotask")
	cfg, err := config.LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.PostgresDSN != "postgres://localhost/ottotask" {
		t.Fatalf("DATABASE_URL not used: %q", cfg.Storage.PostgresDSN)
	}

	t.Setenv("OTTOTASK_STORAGE_POSTGRES_DSN", "postgres://db/explicit")
	cfg, err = config.LoadOptional(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.PostgresDSN != "postgres://db/explicit" {
		t.Fatalf("explicit dsn should win: %q", cfg.Storage.PostgresDSN)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"backend":  "storage:\n  backend: redis\n",
		"postgres": "storage:\n  backend: postgres\n",
		"level":    "logging:\n  level: loud\n",
		"format":   "logging:\n  format: xml\n",
		"cache":    "cache:\n  enabled: true\n  max_cost_bytes: 0\n",
		"actor":    "actor: \"\"\n",
		"basepath": "server:\n  base_path: api\n",
	}
	for name, yml := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := config.FromYAML([]byte(yml)); err == nil {
				t.Fatalf("expected validation error for %q", yml)
			}
		})
	}
}

func TestValidateAcceptsRegisteredBackend(t *testing.T) {
	repo.RegisterBackend("scratch", func(_ context.Context, opts repo.Options) (repo.Repository, error) {
		return repo.NewFileRepository(opts.Root, opts.Logger), nil
	})
	cfg, err := config.FromYAML([]byte("storage:\n  backend: scratch\n"))
	if err != nil {
		t.Fatalf("registered backend rejected: %v", err)
	}
	if cfg.Storage.Backend != "scratch" {
		t.Fatalf("unexpected backend %q", cfg.Storage.Backend)
	}
	if _, err := config.FromYAML([]byte("storage:\n  backend: redis\n")); err == nil || !strings.Contains(err.Error(), "scratch") {
		t.Fatalf("expected unregistered backend error listing scratch, got %v", err)
	}
}

func TestInvalidYAML(t *testing.T) {
	if _, err := config.FromYAML([]byte("storage: [")); err == nil || !strings.Contains(err.Error(), "invalid config yaml") {
		t.Fatalf("expected yaml error, got %v", err)
	}
}

func TestInvalidEnv(t *testing.T) {
	t.Setenv("OTTOTASK_CACHE_TTL", "soon")
	if _, err := config.LoadOptional(t.TempDir()); err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected env error, got %v", err)
	}
}
