package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
data_dir: /tmp/replab-test
server:
  addr: ":9090"
run:
  max_budget_minutes: 10
janitor:
  history_ttl_minutes: 30
logging:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Run.MaxBudgetMinutes != 10 {
		t.Errorf("max budget = %d", cfg.Run.MaxBudgetMinutes)
	}
	if cfg.Janitor == nil || cfg.Janitor.HistoryTTLMinutes != 30 {
		t.Errorf("janitor = %+v", cfg.Janitor)
	}
	// Derived defaults.
	if cfg.Storage.SQLite.Path != filepath.Join("/tmp/replab-test", "replab.db") {
		t.Errorf("sqlite path = %q", cfg.Storage.SQLite.Path)
	}
	if cfg.Blob.Root != filepath.Join("/tmp/replab-test", "blobs") {
		t.Errorf("blob root = %q", cfg.Blob.Root)
	}
	if cfg.Janitor.Schedule != "@every 10m" {
		t.Errorf("janitor schedule = %q", cfg.Janitor.Schedule)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{"server": {"addr": ":7070"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("REPLAB_ADDR", ":6060")
	t.Setenv("REPLAB_DB_DSN", "postgres://replab:pw@localhost/replab")
	t.Setenv("REPLAB_BLOB_SECRET", "from-env")

	path := writeConfig(t, "config.yaml", `
server:
  addr: ":9090"
blob:
  secret_key: from-file
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":6060" {
		t.Errorf("env override lost: addr = %q", cfg.Server.Addr)
	}
	if cfg.Storage.Postgres == nil || cfg.Storage.Postgres.DSN != "postgres://replab:pw@localhost/replab" {
		t.Errorf("postgres DSN not applied: %+v", cfg.Storage)
	}
	if cfg.Blob.SecretKey != "from-env" {
		t.Errorf("blob secret = %q", cfg.Blob.SecretKey)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "::::"},
		{"bad driver", "storage:\n  driver: oracle\n"},
		{"bad level", "logging:\n  level: loud\n"},
		{"postgres without dsn", "storage:\n  driver: postgres\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "config.yaml", tc.content)
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Run.MaxBudgetMinutes != 25 {
		t.Errorf("max budget = %d", cfg.Run.MaxBudgetMinutes)
	}
	if cfg.Janitor != nil {
		t.Error("janitor enabled by default")
	}
}
