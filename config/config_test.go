package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDiscoverFrom_FirstMatchWins(t *testing.T) {
	cwd := t.TempDir()
	home := t.TempDir()

	project := filepath.Join(cwd, "nodeflow.yaml")
	if err := os.WriteFile(project, []byte("addr: :9000"), 0o600); err != nil {
		t.Fatalf("WriteFile(project) error = %v", err)
	}
	homeDir := filepath.Join(home, ".nodeflow")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(homeDir, "config.yaml"), []byte("addr: :9001"), 0o600); err != nil {
		t.Fatalf("WriteFile(home) error = %v", err)
	}

	got, found, err := DiscoverFrom("", cwd, home)
	if err != nil {
		t.Fatalf("DiscoverFrom() error = %v", err)
	}
	if !found || got != project {
		t.Fatalf("DiscoverFrom() = %q, %v; want %q", got, found, project)
	}

	if err := os.Remove(project); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	got, found, err = DiscoverFrom("", cwd, home)
	if err != nil || !found || !strings.HasSuffix(got, filepath.Join(".nodeflow", "config.yaml")) {
		t.Fatalf("home fallback = %q, %v, %v", got, found, err)
	}
}

func TestDiscoverFrom_ExplicitNotFound(t *testing.T) {
	_, found, err := DiscoverFrom(filepath.Join(t.TempDir(), "missing.yaml"), t.TempDir(), t.TempDir())
	if err == nil || found {
		t.Fatalf("DiscoverFrom() = %v, %v; want not-found error", found, err)
	}
}

func TestDiscoverFrom_NothingFound(t *testing.T) {
	_, found, err := DiscoverFrom("", t.TempDir(), t.TempDir())
	if err != nil || found {
		t.Fatalf("DiscoverFrom() = %v, %v; want false, nil", found, err)
	}
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	t.Setenv("NODEFLOW_TEST_SECRET", "s3cret")
	path := filepath.Join(t.TempDir(), "nodeflow.yaml")
	body := `
addr: ":9090"
storage:
  driver: sqlite
  path: /var/lib/nodeflow/workflows.db
events:
  max_age: 72h
  max_per_run: 500
realtime:
  secret: ${NODEFLOW_TEST_SECRET}
credentials:
  OPENAI_API_KEY: sk-test
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":9090" || cfg.Storage.Driver != DriverSQLite {
		t.Fatalf("Load() = %+v", cfg)
	}
	if cfg.Events.MaxAge != 72*time.Hour || cfg.Events.MaxPerRun != 500 {
		t.Fatalf("events = %+v", cfg.Events)
	}
	if cfg.Realtime.Secret != "s3cret" {
		t.Fatalf("secret not expanded: %q", cfg.Realtime.Secret)
	}
	if cfg.Realtime.TokenTTL != time.Hour || cfg.Trigger.Workers != 4 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if cfg.Credentials["OPENAI_API_KEY"] != "sk-test" {
		t.Fatalf("credentials = %v", cfg.Credentials)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"NODEFLOW_ADDR":                  ":7000",
		"NODEFLOW_DATABASE_URL":          "postgres://localhost/nodeflow",
		"NODEFLOW_NATS_URL":              "nats://localhost:4222",
		"NODEFLOW_REALTIME_SECRET":       "rt",
		"NODEFLOW_STRIPE_WEBHOOK_SECRET": "whsec",
		"NODEFLOW_WORKERS":               "8",
		"NODEFLOW_EVENTS_MAX_AGE":        "24h",
	}
	cfg := Default()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.Addr != ":7000" || cfg.Storage.Driver != DriverPostgres || cfg.Storage.URL == "" {
		t.Fatalf("ApplyEnv() = %+v", cfg)
	}
	if cfg.Trigger.NATSURL != "nats://localhost:4222" || cfg.Trigger.Workers != 8 {
		t.Fatalf("trigger = %+v", cfg.Trigger)
	}
	if cfg.Realtime.Secret != "rt" || cfg.Webhooks.StripeSecret != "whsec" {
		t.Fatalf("secrets = %+v / %+v", cfg.Realtime, cfg.Webhooks)
	}
	if cfg.Events.MaxAge != 24*time.Hour {
		t.Fatalf("max age = %v", cfg.Events.MaxAge)
	}

	bad := Default()
	if err := bad.ApplyEnv(func(k string) string {
		if k == "NODEFLOW_WORKERS" {
			return "many"
		}
		return ""
	}); err == nil {
		t.Fatal("expected error for non-numeric NODEFLOW_WORKERS")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "mongo" }, wantErr: "storage.driver"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Storage.Driver = DriverSQLite }, wantErr: "storage.path"},
		{name: "postgres without url", mutate: func(c *Config) { c.Storage.Driver = DriverPostgres }, wantErr: "storage.url"},
		{name: "negative workers", mutate: func(c *Config) { c.Trigger.Workers = -1 }, wantErr: "workers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
