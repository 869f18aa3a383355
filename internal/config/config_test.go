package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadFormats(t *testing.T) {
	cases := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "json",
			file: "humanloop.json",
			content: `{
  "server": {"address": ":9000", "rate_limit": {"rps": 50, "burst": 10}},
  "storage": {"task_store": {"driver": "mysql", "dsn": "user:pw@tcp(db:3306)/hl", "lease_timeout": "2m"}},
  "relay": {"driver": "nats", "nats": {"url": "nats://nats:4222", "reconnect_wait": "3s"}},
  "engine": {"run_timeout": "48h", "retry": {"maximum_attempts": 4, "initial_interval": "500ms"}}
}`,
		},
		{
			name: "yaml",
			file: "humanloop.yaml",
			content: `server:
  address: ":9000"
  rate_limit:
    rps: 50
    burst: 10
storage:
  task_store:
    driver: mysql
    dsn: "user:pw@tcp(db:3306)/hl"
    lease_timeout: 2m
relay:
  driver: nats
  nats:
    url: nats://nats:4222
    reconnect_wait: 3s
engine:
  run_timeout: 48h
  retry:
    maximum_attempts: 4
    initial_interval: 500ms
`,
		},
		{
			name: "toml",
			file: "humanloop.toml",
			content: `[server]
address = ":9000"

[server.rate_limit]
rps = 50.0
burst = 10

[storage.task_store]
driver = "mysql"
dsn = "user:pw@tcp(db:3306)/hl"
lease_timeout = "2m"

[relay]
driver = "nats"

[relay.nats]
url = "nats://nats:4222"
reconnect_wait = "3s"

[engine]
run_timeout = "48h"

[engine.retry]
maximum_attempts = 4
initial_interval = "500ms"
`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, tc.file, tc.content))
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if cfg.Server.Address != ":9000" || cfg.Server.RateLimit.RPS != 50 || cfg.Server.RateLimit.Burst != 10 {
				t.Fatalf("unexpected server config: %+v", cfg.Server)
			}
			store := cfg.Storage.TaskStore
			if store.Driver != "mysql" || store.DSN != "user:pw@tcp(db:3306)/hl" || store.LeaseTimeout.Duration != 2*time.Minute {
				t.Fatalf("unexpected store config: %+v", store)
			}
			if cfg.Relay.Driver != "nats" || cfg.Relay.NATS.URL != "nats://nats:4222" || cfg.Relay.NATS.ReconnectWait.Duration != 3*time.Second {
				t.Fatalf("unexpected relay config: %+v", cfg.Relay)
			}
			if cfg.Engine.RunTimeout.Duration != 48*time.Hour || cfg.Engine.Retry.MaximumAttempts != 4 || cfg.Engine.Retry.InitialInterval.Duration != 500*time.Millisecond {
				t.Fatalf("unexpected engine config: %+v", cfg.Engine)
			}
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeFile(t, "empty.json", `{"storage": {"task_store": {"driver": "sqlite", "dsn": "state/tasks.db"}}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address)
	}
	if want := filepath.Join(filepath.Dir(path), "state", "tasks.db"); cfg.Storage.TaskStore.DSN != want {
		t.Fatalf("relative sqlite dsn not resolved: got %s want %s", cfg.Storage.TaskStore.DSN, want)
	}
	if cfg.Storage.TaskStore.LeaseTimeout.Duration != 5*time.Minute {
		t.Fatalf("unexpected lease timeout: %s", cfg.Storage.TaskStore.LeaseTimeout)
	}
	if cfg.Relay.Driver != "memory" || cfg.Relay.Workers != 4 || cfg.Relay.BufferSize != 256 {
		t.Fatalf("unexpected relay defaults: %+v", cfg.Relay)
	}
	if cfg.Engine.RunTimeout.Duration != 7*24*time.Hour {
		t.Fatalf("unexpected run timeout: %s", cfg.Engine.RunTimeout)
	}
	if cfg.Engine.CompletionCheck.Duration != 30*time.Second {
		t.Fatalf("unexpected completion check interval: %s", cfg.Engine.CompletionCheck)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("HUMANLOOP_ADDRESS", ":7070")
	t.Setenv("HUMANLOOP_STORE_DRIVER", "mysql")
	t.Setenv("HUMANLOOP_STORE_DSN", "root@tcp(localhost:3306)/hl")
	t.Setenv("HUMANLOOP_RELAY_DRIVER", "redis")
	t.Setenv("HUMANLOOP_LEASE_TIMEOUT", "90s")
	t.Setenv("HUMANLOOP_RATE_LIMIT", "not-a-number")

	cfg, err := Load(writeFile(t, "cfg.json", `{"server": {"address": ":9000", "rate_limit": {"rps": 5}}}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":7070" {
		t.Fatalf("address override ignored: %s", cfg.Server.Address)
	}
	if cfg.Storage.TaskStore.Driver != "mysql" || cfg.Storage.TaskStore.DSN != "root@tcp(localhost:3306)/hl" {
		t.Fatalf("store override ignored: %+v", cfg.Storage.TaskStore)
	}
	if cfg.Relay.Driver != "redis" {
		t.Fatalf("relay override ignored: %s", cfg.Relay.Driver)
	}
	if cfg.Storage.TaskStore.LeaseTimeout.Duration != 90*time.Second {
		t.Fatalf("lease override ignored: %s", cfg.Storage.TaskStore.LeaseTimeout)
	}
	if cfg.Server.RateLimit.RPS != 5 {
		t.Fatalf("invalid rate limit override should be ignored, got %v", cfg.Server.RateLimit.RPS)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(writeFile(t, "cfg.ini", "address=:1")); err == nil {
		t.Fatal("expected error for unsupported format")
	}
	if _, err := Load(writeFile(t, "bad.json", `{"engine": {"run_timeout": "soon"}}`)); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}
