// Package config provides configuration types and loading for fleetgate.
package config

import (
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/KafClaw/fleetgate/internal/instance"
)

// Config is the root configuration struct.
type Config struct {
	Paths     PathsConfig         `json:"paths"`
	Gateway   GatewayConfig       `json:"gateway"`
	Registry  RegistryConfig      `json:"registry"`
	Store     StoreConfig         `json:"store"`
	Health    HealthConfig        `json:"health"`
	Scheduler SchedulerConfig     `json:"scheduler"`
	Audit     AuditConfig         `json:"audit"`
	Kafka     KafkaConfig         `json:"kafka"`
	Logging   LoggingConfig       `json:"logging"`
	Instances []instance.Instance `json:"instances,omitempty"`
	Manifests []string            `json:"manifests,omitempty"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups filesystem locations. Empty entries derive from DataDir.
type PathsConfig struct {
	DataDir     string `json:"dataDir" envconfig:"DATA_DIR"`
	SessionsDir string `json:"sessionsDir,omitempty" envconfig:"SESSIONS_DIR"`
	AuditDB     string `json:"auditDb,omitempty" envconfig:"AUDIT_DB"`
	LockFile    string `json:"lockFile,omitempty" envconfig:"LOCK_FILE"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP API
// ---------------------------------------------------------------------------

// GatewayConfig contains HTTP API settings.
type GatewayConfig struct {
	// ID names this gateway in Kafka reply topics and consumer groups.
	ID        string `json:"id" envconfig:"ID"`
	Host      string `json:"host" envconfig:"HOST"`
	Port      int    `json:"port" envconfig:"PORT"`
	AuthToken string `json:"authToken" envconfig:"AUTH_TOKEN"`
}

// ---------------------------------------------------------------------------
// Registry – instance loading and client construction
// ---------------------------------------------------------------------------

// RegistryConfig bounds registry loads, dials and routed operations.
type RegistryConfig struct {
	InitTimeout   time.Duration `json:"initTimeout" envconfig:"INIT_TIMEOUT"`
	DialTimeout   time.Duration `json:"dialTimeout" envconfig:"DIAL_TIMEOUT"`
	HTTPTimeout   time.Duration `json:"httpTimeout" envconfig:"HTTP_TIMEOUT"`
	OpTimeout     time.Duration `json:"opTimeout" envconfig:"OP_TIMEOUT"`
	StreamTimeout time.Duration `json:"streamTimeout" envconfig:"STREAM_TIMEOUT"`
}

// StoreConfig selects the instance database.
type StoreConfig struct {
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `json:"driver" envconfig:"DRIVER"`
	Path   string `json:"path,omitempty" envconfig:"DB_PATH"`
}

// HealthConfig controls periodic instance probes.
type HealthConfig struct {
	Enabled       bool          `json:"enabled" envconfig:"ENABLED"`
	Schedule      string        `json:"schedule" envconfig:"SCHEDULE"`
	Timeout       time.Duration `json:"timeout" envconfig:"TIMEOUT"`
	MaxConcurrent int           `json:"maxConcurrent" envconfig:"MAX_CONCURRENT"`
}

// SchedulerConfig contains settings for the job scheduler.
type SchedulerConfig struct {
	TickInterval       time.Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
	MaxConcProbe       int           `json:"maxConcProbe" envconfig:"MAX_CONC_PROBE"`
	MaxConcMaintenance int           `json:"maxConcMaintenance" envconfig:"MAX_CONC_MAINTENANCE"`
	MaxConcDefault     int           `json:"maxConcDefault" envconfig:"MAX_CONC_DEFAULT"`
}

// AuditConfig controls the audit timeline.
type AuditConfig struct {
	Enabled       bool   `json:"enabled" envconfig:"ENABLED"`
	RetentionDays int    `json:"retentionDays" envconfig:"RETENTION_DAYS"`
	PruneSchedule string `json:"pruneSchedule" envconfig:"PRUNE_SCHEDULE"`
}

// ---------------------------------------------------------------------------
// Kafka – defaults for Kafka-connected instances
// ---------------------------------------------------------------------------

// KafkaConfig holds defaults for Kafka instances without their own brokers.
type KafkaConfig struct {
	Brokers          []string `json:"brokers" envconfig:"BROKERS"`
	ReplyTopicPrefix string   `json:"replyTopicPrefix" envconfig:"REPLY_TOPIC_PREFIX"`
}

// LoggingConfig selects the log level: debug, info, warn or error.
type LoggingConfig struct {
	Level string `json:"level" envconfig:"LEVEL"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "~/.fleetgate",
		},
		Gateway: GatewayConfig{
			ID:   "fleetgate",
			Host: "127.0.0.1", // Secure default
			Port: 18890,
		},
		Registry: RegistryConfig{
			InitTimeout:   30 * time.Second,
			DialTimeout:   10 * time.Second,
			HTTPTimeout:   60 * time.Second,
			OpTimeout:     2 * time.Minute,
			StreamTimeout: 10 * time.Minute,
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Health: HealthConfig{
			Enabled:       true,
			Schedule:      "@every 1m",
			Timeout:       10 * time.Second,
			MaxConcurrent: 4,
		},
		Scheduler: SchedulerConfig{
			TickInterval:       time.Second,
			MaxConcProbe:       1,
			MaxConcMaintenance: 1,
			MaxConcDefault:     4,
		},
		Audit: AuditConfig{
			Enabled:       true,
			RetentionDays: 30,
			PruneSchedule: "@daily",
		},
		Kafka: KafkaConfig{
			ReplyTopicPrefix: "fleet.replies",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// StorePath returns the instance database path.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.Paths.DataDir, "instances.db")
}

// SessionsDir returns the directory holding chat session records.
func (c *Config) SessionsDir() string {
	if c.Paths.SessionsDir != "" {
		return c.Paths.SessionsDir
	}
	return filepath.Join(c.Paths.DataDir, "sessions")
}

// AuditDBPath returns the audit timeline database path.
func (c *Config) AuditDBPath() string {
	if c.Paths.AuditDB != "" {
		return c.Paths.AuditDB
	}
	return filepath.Join(c.Paths.DataDir, "audit.db")
}

// LockPath returns the scheduler lock file path.
func (c *Config) LockPath() string {
	if c.Paths.LockFile != "" {
		return c.Paths.LockFile
	}
	return filepath.Join(c.Paths.DataDir, "scheduler.lock")
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Gateway.Host, strconv.Itoa(c.Gateway.Port))
}
