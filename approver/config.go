package approver

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || strings.TrimSpace(value.Value) == "" {
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// StorageConfig selects and configures the record store backend.
type StorageConfig struct {
	// Backend is "fs" (default) or "sqlite".
	Backend string `yaml:"backend"`
	// Dir is the root of the fs backend.
	Dir string `yaml:"dir"`
	// DBPath is the database file of the sqlite backend.
	DBPath string `yaml:"db_path"`
	// OwnerOnly restricts fs records to owner-only permissions. Defaults to
	// true when unset.
	OwnerOnly *bool `yaml:"owner_only"`
}

type FileConfig struct {
	// QueueDir is the root of the job queue directory tree.
	QueueDir string `yaml:"queue_dir"`

	// OperatorEmail identifies whose approvals this process issues.
	OperatorEmail string `yaml:"operator_email"`

	// DefaultTrustedSender seeds an empty allowlist on first use.
	DefaultTrustedSender string `yaml:"default_trusted_sender"`

	Storage StorageConfig `yaml:"storage"`

	CycleInterval    Duration `yaml:"cycle_interval"`
	AllowlistRefresh Duration `yaml:"allowlist_refresh"`
	CompletedCheck   Duration `yaml:"completed_check"`
	IgnoredGC        Duration `yaml:"ignored_gc"`

	// DecisionRetentionDays bounds the decision log age. 0 disables pruning.
	DecisionRetentionDays int `yaml:"decision_retention_days"`

	// SyslogAddr, when set, enables decision notifications to a TCP syslog
	// collector.
	SyslogAddr string `yaml:"syslog_addr"`

	// ListenAddr, when set, serves the admin HTTP API.
	ListenAddr string `yaml:"listen_addr"`

	Debug bool `yaml:"debug"`
}

func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// OpenStore builds the record store named by cfg.
func (c StorageConfig) OpenStore() (Store, error) {
	backend := strings.TrimSpace(strings.ToLower(c.Backend))
	switch backend {
	case "", "fs":
		dir := c.Dir
		if dir == "" {
			dir = "approver-data"
		}
		ownerOnly := true
		if c.OwnerOnly != nil {
			ownerOnly = *c.OwnerOnly
		}
		return NewFSStore(dir, FSStoreOptions{OwnerOnly: ownerOnly})
	case "sqlite":
		if c.DBPath == "" {
			return nil, fmt.Errorf("storage.db_path is required for the sqlite backend")
		}
		return NewSQLiteStore(c.DBPath)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.Backend)
	}
}
