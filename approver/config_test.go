package approver

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
queue_dir: /var/lib/approver/queue
operator_email: operator@example.com
default_trusted_sender: owner@example.com
storage:
  backend: fs
  dir: /var/lib/approver/data
  owner_only: false
cycle_interval: 2s
allowlist_refresh: 1m
decision_retention_days: 14
syslog_addr: 127.0.0.1:1514
listen_addr: 127.0.0.1:8090
debug: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.QueueDir != "/var/lib/approver/queue" {
		t.Fatalf("queue_dir = %q", cfg.QueueDir)
	}
	if cfg.OperatorEmail != "operator@example.com" {
		t.Fatalf("operator_email = %q", cfg.OperatorEmail)
	}
	if cfg.Storage.Backend != "fs" || cfg.Storage.Dir != "/var/lib/approver/data" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Storage.OwnerOnly == nil || *cfg.Storage.OwnerOnly {
		t.Fatalf("owner_only = %v", cfg.Storage.OwnerOnly)
	}
	if cfg.CycleInterval.Std() != 2*time.Second {
		t.Fatalf("cycle_interval = %v", cfg.CycleInterval.Std())
	}
	if cfg.AllowlistRefresh.Std() != time.Minute {
		t.Fatalf("allowlist_refresh = %v", cfg.AllowlistRefresh.Std())
	}
	if cfg.DecisionRetentionDays != 14 {
		t.Fatalf("decision_retention_days = %d", cfg.DecisionRetentionDays)
	}
	if !cfg.Debug {
		t.Fatal("debug not set")
	}
}

func TestLoadConfigBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("cycle_interval: fast\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestOpenStoreBackends(t *testing.T) {
	fsCfg := StorageConfig{Backend: "fs", Dir: filepath.Join(t.TempDir(), "data")}
	store, err := fsCfg.OpenStore()
	if err != nil {
		t.Fatalf("open fs store: %v", err)
	}
	store.Close()

	sqliteCfg := StorageConfig{Backend: "sqlite", DBPath: filepath.Join(t.TempDir(), "records.db")}
	store, err = sqliteCfg.OpenStore()
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	store.Close()

	if _, err := (StorageConfig{Backend: "sqlite"}).OpenStore(); err == nil {
		t.Fatal("expected error for sqlite without db_path")
	}
	if _, err := (StorageConfig{Backend: "bolt"}).OpenStore(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
