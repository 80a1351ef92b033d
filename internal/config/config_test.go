package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(EnvPrefix, "")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("Expected memory storage, got %s", cfg.Storage.Driver)
	}
	if cfg.ViewSyncer.FlushInterval != 50*time.Millisecond {
		t.Errorf("Expected 50ms flush interval, got %v", cfg.ViewSyncer.FlushInterval)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BUNSYNC_HTTP_PORT", "9000")
	t.Setenv("BUNSYNC_STORAGE_DRIVER", "sqlite")
	t.Setenv("BUNSYNC_VIEWSYNCER_FLUSHINTERVAL", "2s")

	cfg, err := Load(EnvPrefix, "")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.HTTP.Port != 9000 {
		t.Errorf("Expected port 9000, got %d", cfg.HTTP.Port)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Expected sqlite, got %s", cfg.Storage.Driver)
	}
	if cfg.ViewSyncer.FlushInterval != 2*time.Second {
		t.Errorf("Expected 2s, got %v", cfg.ViewSyncer.FlushInterval)
	}
	if cfg.HTTP.Burst != 50 {
		t.Errorf("Expected default burst to survive, got %d", cfg.HTTP.Burst)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bunsync.yaml")
	body := "upstream:\n  driver: postgres\n  dsn: postgres://localhost/app\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	cfg, err := Load(EnvPrefix, path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Upstream.Driver != "postgres" || cfg.Upstream.DSN == "" {
		t.Errorf("Expected postgres upstream, got %+v", cfg.Upstream)
	}
}

func TestValidateRejectsPostgresWithoutDSN(t *testing.T) {
	cfg := Default()
	cfg.Upstream.Driver = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected validation error")
	}
}

func TestLoadMemoryTables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bunsync.yaml")
	body := `upstream:
  tables:
    issue:
      columns:
        id: string
        title: string
      primarykey: [id]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	cfg, err := Load(EnvPrefix, path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	issue, ok := cfg.Upstream.Tables["issue"]
	if !ok || issue.Columns["title"] != "string" || len(issue.PrimaryKey) != 1 {
		t.Errorf("Unexpected tables %+v", cfg.Upstream.Tables)
	}
}

func TestValidateRejectsUndeclaredPrimaryKey(t *testing.T) {
	cfg := Default()
	cfg.Upstream.Tables = map[string]TableConfig{
		"issue": {Columns: map[string]string{"title": "string"}, PrimaryKey: []string{"id"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected validation error")
	}
}
