// Package config loads nodeflow server settings from nodeflow.yaml and
// NODEFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "nodeflow.yaml"
	homeConfigName    = "config.yaml"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full server configuration.
type Config struct {
	Addr        string            `yaml:"addr"`
	Storage     StorageConfig     `yaml:"storage"`
	Events      EventsConfig      `yaml:"events"`
	Trigger     TriggerConfig     `yaml:"trigger"`
	Realtime    RealtimeConfig    `yaml:"realtime"`
	Webhooks    WebhooksConfig    `yaml:"webhooks"`
	OTel        OTelConfig        `yaml:"otel"`
	CORSOrigins []string          `yaml:"cors_origins"`
	Credentials map[string]string `yaml:"credentials"`
}

// StorageConfig selects the workflow store.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
	// URL is the Postgres connection string.
	URL string `yaml:"url"`
}

// EventsConfig controls run event persistence and retention.
type EventsConfig struct {
	// Path is the SQLite event database. Empty keeps events in memory.
	Path          string        `yaml:"path"`
	MaxAge        time.Duration `yaml:"max_age"`
	MaxPerRun     int           `yaml:"max_per_run"`
	PruneSchedule string        `yaml:"prune_schedule"`
}

// TriggerConfig controls how accepted triggers are executed.
type TriggerConfig struct {
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`
	NATSURL   string `yaml:"nats_url"`
}

// RealtimeConfig configures subscription tokens.
type RealtimeConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// WebhooksConfig holds inbound webhook verification secrets.
type WebhooksConfig struct {
	StripeSecret string `yaml:"stripe_secret"`
}

// OTelConfig configures tracing export.
type OTelConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Addr:     ":8080",
		Storage:  StorageConfig{Driver: DriverMemory},
		Trigger:  TriggerConfig{Workers: 4, QueueSize: 64},
		Realtime: RealtimeConfig{TokenTTL: time.Hour},
		OTel:     OTelConfig{ServiceName: "nodeflow"},
	}
}

// Discover resolves the config file with first-match semantics: an
// explicit path, then ./nodeflow.yaml, then ~/.nodeflow/config.yaml.
func Discover(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverFrom(explicitPath, cwd, homeDir)
}

// DiscoverFrom is Discover with explicit search roots.
func DiscoverFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	explicit := strings.TrimSpace(explicitPath)
	var candidates []string
	if explicit != "" {
		candidates = []string{filepath.Clean(explicit)}
	} else {
		candidates = []string{
			filepath.Join(cwd, projectConfigName),
			filepath.Join(homeDir, ".nodeflow", homeConfigName),
		}
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if explicit != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads path over the defaults. Values are expanded with
// os.ExpandEnv so secrets can reference ${VARS}. An empty path returns
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	// #nosec G304 -- path comes from explicit flag or discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from NODEFLOW_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	set := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set("NODEFLOW_ADDR", &c.Addr)
	set("NODEFLOW_STORAGE_DRIVER", &c.Storage.Driver)
	set("NODEFLOW_SQLITE_PATH", &c.Storage.Path)
	set("NODEFLOW_EVENTS_PATH", &c.Events.Path)
	set("NODEFLOW_NATS_URL", &c.Trigger.NATSURL)
	set("NODEFLOW_REALTIME_SECRET", &c.Realtime.Secret)
	set("NODEFLOW_STRIPE_WEBHOOK_SECRET", &c.Webhooks.StripeSecret)
	set("NODEFLOW_OTEL_ENDPOINT", &c.OTel.Endpoint)

	if url := strings.TrimSpace(getenv("NODEFLOW_DATABASE_URL")); url != "" {
		c.Storage.URL = url
		if strings.TrimSpace(getenv("NODEFLOW_STORAGE_DRIVER")) == "" {
			c.Storage.Driver = DriverPostgres
		}
	}
	if v := strings.TrimSpace(getenv("NODEFLOW_WORKERS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NODEFLOW_WORKERS: %w", err)
		}
		c.Trigger.Workers = n
	}
	if v := strings.TrimSpace(getenv("NODEFLOW_EVENTS_MAX_AGE")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("NODEFLOW_EVENTS_MAX_AGE: %w", err)
		}
		c.Events.MaxAge = d
	}
	return nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for the sqlite driver"))
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Storage.URL) == "" {
			errs = append(errs, errors.New("storage.url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be one of: memory, sqlite, postgres (got %q)", c.Storage.Driver))
	}
	if c.Trigger.Workers < 0 || c.Trigger.QueueSize < 0 {
		errs = append(errs, errors.New("trigger workers and queue_size must not be negative"))
	}
	if c.Events.MaxAge < 0 || c.Events.MaxPerRun < 0 {
		errs = append(errs, errors.New("events retention limits must not be negative"))
	}
	if c.Realtime.TokenTTL < 0 {
		errs = append(errs, errors.New("realtime.token_ttl must not be negative"))
	}
	return errors.Join(errs...)
}
