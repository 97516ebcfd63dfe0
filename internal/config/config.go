package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"ottotask/internal/repo"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OTTOTASK_"

// Config models ottotask.yml. Precedence is defaults < file < environment.
type Config struct {
	// Actor is recorded on transitions when the caller names nobody.
	Actor   string  `yaml:"actor" env:"ACTOR"`
	Storage Storage `yaml:"storage" envPrefix:"STORAGE_"`
	Cache   Cache   `yaml:"cache" envPrefix:"CACHE_"`
	Tracing Tracing `yaml:"tracing" envPrefix:"TRACING_"`
	Logging Logging `yaml:"logging" envPrefix:"LOG_"`
	Server  Server  `yaml:"server" envPrefix:"SERVER_"`
}

type Storage struct {
	Backend     string `yaml:"backend" env:"BACKEND"`
	Root        string `yaml:"root" env:"ROOT"`
	SQLitePath  string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	PostgresDSN string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
}

type Cache struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	MaxCostBytes int64         `yaml:"max_cost_bytes" env:"MAX_COST_BYTES"`
	TTL          time.Duration `yaml:"ttl" env:"TTL"`
}

type Tracing struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

type Logging struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type Server struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	BasePath string `yaml:"base_path" env:"BASE_PATH"`
}

// databaseURL is the conventional unprefixed DSN variable.
type databaseURL struct {
	URL string `env:"DATABASE_URL"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Actor: "system",
		Storage: Storage{
			Backend: "file",
			Root:    filepath.Join(".ottotask", "tasks"),
		},
		Cache: Cache{
			MaxCostBytes: 32 << 20,
			TTL:          5 * time.Minute,
		},
		Logging: Logging{Level: "info", Format: "text"},
		Server:  Server{Addr: "127.0.0.1:8080"},
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "ottotask.yml")
}

// Load reads the workspace config file, applies the environment and
// validates the result.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with otk init", path)
		}
		return nil, err
	}
	return finish(data, workspace)
}

// LoadOptional behaves like Load but falls back to defaults when the file
// does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return finish(data, workspace)
}

func finish(data []byte, workspace string) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Resolve(workspace)
	return cfg, nil
}

func decode(data []byte) (*Config, error) {
	cfg := Default()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes without looking
// at the environment.
func FromYAML(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays OTTOTASK_* variables, then DATABASE_URL when no DSN is
// set.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if c.Storage.PostgresDSN == "" {
		var db databaseURL
		if err := env.Parse(&db); err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
		c.Storage.PostgresDSN = db.URL
	}
	return nil
}

// Resolve makes relative storage paths relative to workspace.
func (c *Config) Resolve(workspace string) {
	if workspace == "" {
		return
	}
	if c.Storage.Root != "" && !filepath.IsAbs(c.Storage.Root) {
		c.Storage.Root = filepath.Join(workspace, c.Storage.Root)
	}
	if c.Storage.SQLitePath != "" && !filepath.IsAbs(c.Storage.SQLitePath) {
		c.Storage.SQLitePath = filepath.Join(workspace, c.Storage.SQLitePath)
	}
}

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case "file":
		if c.Storage.Root == "" {
			errs = append(errs, errors.New("storage.root is required for the file backend"))
		}
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn (or DATABASE_URL) is required for the postgres backend"))
		}
	default:
		if !slices.Contains(repo.Backends(), c.Storage.Backend) {
			errs = append(errs, fmt.Errorf("storage.backend %q is not registered (supported: %s)",
				c.Storage.Backend, strings.Join(repo.Backends(), ", ")))
		}
	}
	if c.Cache.Enabled && c.Cache.MaxCostBytes <= 0 {
		errs = append(errs, errors.New("cache.max_cost_bytes must be positive when the cache is enabled"))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, errors.New("cache.ttl must not be negative"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}
	if strings.TrimSpace(c.Actor) == "" {
		errs = append(errs, errors.New("actor must not be empty"))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, errors.New("server.base_path must start with /"))
	}
	return errors.Join(errs...)
}

// YAML renders the config as it would be written to ottotask.yml.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `# ottotask workspace configuration.
# Every key can be overridden with OTTOTASK_<SECTION>_<KEY>, e.g.
# OTTOTASK_STORAGE_BACKEND=sqlite.
actor: system

storage:
  # file, sqlite or postgres
  backend: file
  root: .ottotask/tasks
  sqlite_path: ""
  # falls back to DATABASE_URL
  postgres_dsn: ""

cache:
  enabled: false
  max_cost_bytes: 33554432
  ttl: 5m

tracing:
  enabled: false

logging:
  level: info
  # json or text
  format: text

server:
  addr: 127.0.0.1:8080
  base_path: ""
`
