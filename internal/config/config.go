// Package config holds the event store configuration and its loaders.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/crypto"
	apperrors "github.com/IRSPlays/ProjectCortexV2-sub000/internal/errors"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/logging"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/models"
)

// Environment overrides.
const (
	EnvDeviceID            = "CORTEX_DEVICE_ID"
	EnvDataDir             = "CORTEX_DATA_DIR"
	EnvSyncIntervalSeconds = "CORTEX_SYNC_INTERVAL_SECONDS"
	EnvBatchMaxRows        = "CORTEX_BATCH_MAX_ROWS"
	EnvMaxRetryAttempts    = "CORTEX_MAX_RETRY_ATTEMPTS"
	EnvRemoteKind          = "CORTEX_REMOTE_KIND"
	EnvRemoteRegion        = "CORTEX_REMOTE_REGION"
	EnvRemoteEndpoint      = "CORTEX_REMOTE_ENDPOINT"
	EnvRemotePushURL       = "CORTEX_REMOTE_PUSH_URL"
	EnvRemoteAccessKeyID   = "CORTEX_REMOTE_ACCESS_KEY_ID"
	EnvRemoteSecretKey     = "CORTEX_REMOTE_SECRET_ACCESS_KEY"
	EnvRemoteAuthToken     = "CORTEX_REMOTE_AUTH_TOKEN"
	EnvLogLevel            = "CORTEX_LOG_LEVEL"
	EnvRecordHeartbeats    = "CORTEX_RECORD_HEARTBEAT_EVENTS"
)

// Remote kinds.
const (
	RemoteDynamoDB = "dynamodb"
	RemoteMemory   = "memory"
)

// RemoteConfig selects and configures the remote store.
type RemoteConfig struct {
	Kind            string `toml:"kind" yaml:"kind" json:"kind"`
	Region          string `toml:"region" yaml:"region" json:"region"`
	Endpoint        string `toml:"endpoint" yaml:"endpoint" json:"endpoint"`
	EventsTable     string `toml:"events_table" yaml:"events_table" json:"events_table"`
	CommandsTable   string `toml:"commands_table" yaml:"commands_table" json:"commands_table"`
	StatusTable     string `toml:"status_table" yaml:"status_table" json:"status_table"`
	PushURL         string `toml:"push_url" yaml:"push_url" json:"push_url"`
	AccessKeyID     string `toml:"access_key_id" yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key" yaml:"secret_access_key" json:"secret_access_key"`
	AuthToken       string `toml:"auth_token" yaml:"auth_token" json:"auth_token"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level" json:"level"`
	Format string `toml:"format" yaml:"format" json:"format"`
}

// Config is the complete event store configuration.
type Config struct {
	DeviceID string `toml:"device_id" yaml:"device_id" json:"device_id"`
	DataDir  string `toml:"data_dir" yaml:"data_dir" json:"data_dir"`

	SyncIntervalSeconds        int              `toml:"sync_interval_seconds" yaml:"sync_interval_seconds" json:"sync_interval_seconds"`
	MinSignalIntervalMS        int              `toml:"min_signal_interval_ms" yaml:"min_signal_interval_ms" json:"min_signal_interval_ms"`
	BatchMaxRows               int              `toml:"batch_max_rows" yaml:"batch_max_rows" json:"batch_max_rows"`
	BatchMaxBytes              int              `toml:"batch_max_bytes" yaml:"batch_max_bytes" json:"batch_max_bytes"`
	MaxBatchesPerCycle         int              `toml:"max_batches_per_cycle" yaml:"max_batches_per_cycle" json:"max_batches_per_cycle"`
	MaxLocalRows               map[string]int64 `toml:"max_local_rows" yaml:"max_local_rows" json:"max_local_rows"`
	RetryBackoffCapSeconds     int              `toml:"retry_backoff_cap_seconds" yaml:"retry_backoff_cap_seconds" json:"retry_backoff_cap_seconds"`
	MaxRetryAttempts           int              `toml:"max_retry_attempts" yaml:"max_retry_attempts" json:"max_retry_attempts"`
	EvictIntervalSeconds       int              `toml:"evict_interval_seconds" yaml:"evict_interval_seconds" json:"evict_interval_seconds"`
	CommandPollIntervalSeconds int              `toml:"command_poll_interval_seconds" yaml:"command_poll_interval_seconds" json:"command_poll_interval_seconds"`
	ProbeTimeoutMS             int              `toml:"probe_timeout_ms" yaml:"probe_timeout_ms" json:"probe_timeout_ms"`
	RecordHeartbeatEvents      bool             `toml:"record_heartbeat_events" yaml:"record_heartbeat_events" json:"record_heartbeat_events"`

	Remote RemoteConfig `toml:"remote" yaml:"remote" json:"remote"`
	Log    LogConfig    `toml:"log" yaml:"log" json:"log"`
}

// Default returns the default configuration. The remote defaults to the
// in-process memory store so a fresh device runs without credentials.
func Default() *Config {
	return &Config{
		DeviceID:                   hostDeviceID(),
		DataDir:                    defaultDataDir(),
		SyncIntervalSeconds:        30,
		MinSignalIntervalMS:        2000,
		BatchMaxRows:               25,
		BatchMaxBytes:              256 * 1024,
		MaxBatchesPerCycle:         50,
		MaxLocalRows:               DefaultMaxLocalRows(),
		RetryBackoffCapSeconds:     300,
		MaxRetryAttempts:           5,
		EvictIntervalSeconds:       300,
		CommandPollIntervalSeconds: 60,
		ProbeTimeoutMS:             1500,
		Remote: RemoteConfig{
			EventsTable:   "cortex_events",
			CommandsTable: "cortex_commands",
			StatusTable:   "cortex_device_status",
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// DefaultMaxLocalRows returns the per-category local row caps.
func DefaultMaxLocalRows() map[string]int64 {
	return map[string]int64{
		string(models.CategoryDetection):          10000,
		string(models.CategoryQuery):              5000,
		string(models.CategoryLog):                20000,
		string(models.CategoryHeartbeat):          2000,
		string(models.CategoryAdaptiveVocabulary): 5000,
	}
}

func hostDeviceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "cortex-device"
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cortex")
	}
	return ".cortex"
}

// =====================================================
// Derived values
// =====================================================

// SyncInterval returns the periodic sync interval.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// MinSignalInterval returns the minimum spacing of signal-triggered cycles.
func (c *Config) MinSignalInterval() time.Duration {
	return time.Duration(c.MinSignalIntervalMS) * time.Millisecond
}

// RetryBackoffCap returns the longest backoff between failed cycles.
func (c *Config) RetryBackoffCap() time.Duration {
	return time.Duration(c.RetryBackoffCapSeconds) * time.Second
}

// EvictInterval returns the eviction timer period.
func (c *Config) EvictInterval() time.Duration {
	return time.Duration(c.EvictIntervalSeconds) * time.Second
}

// CommandPollInterval returns the polling period used while push is down.
func (c *Config) CommandPollInterval() time.Duration {
	return time.Duration(c.CommandPollIntervalSeconds) * time.Second
}

// ProbeTimeout returns the connectivity probe dial timeout.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMS) * time.Millisecond
}

// RowCaps returns MaxLocalRows keyed by category, with defaults for
// categories the file does not mention.
func (c *Config) RowCaps() map[models.Category]int64 {
	caps := make(map[models.Category]int64, len(models.Categories))
	defaults := DefaultMaxLocalRows()
	for _, cat := range models.Categories {
		if n, ok := c.MaxLocalRows[string(cat)]; ok {
			caps[cat] = n
			continue
		}
		caps[cat] = defaults[string(cat)]
	}
	return caps
}

// =====================================================
// Environment overrides
// =====================================================

// ApplyEnvOverrides applies CORTEX_* environment variables on top of c.
func (c *Config) ApplyEnvOverrides() {
	c.DeviceID = envOrDefault(EnvDeviceID, c.DeviceID)
	c.DataDir = envOrDefault(EnvDataDir, c.DataDir)
	c.SyncIntervalSeconds = intEnvOrDefault(EnvSyncIntervalSeconds, c.SyncIntervalSeconds)
	c.BatchMaxRows = intEnvOrDefault(EnvBatchMaxRows, c.BatchMaxRows)
	c.MaxRetryAttempts = intEnvOrDefault(EnvMaxRetryAttempts, c.MaxRetryAttempts)
	c.RecordHeartbeatEvents = boolEnvOrDefault(EnvRecordHeartbeats, c.RecordHeartbeatEvents)

	c.Remote.Kind = envOrDefault(EnvRemoteKind, c.Remote.Kind)
	c.Remote.Region = envOrDefault(EnvRemoteRegion, c.Remote.Region)
	c.Remote.Endpoint = envOrDefault(EnvRemoteEndpoint, c.Remote.Endpoint)
	c.Remote.PushURL = envOrDefault(EnvRemotePushURL, c.Remote.PushURL)
	c.Remote.AccessKeyID = envOrDefault(EnvRemoteAccessKeyID, c.Remote.AccessKeyID)
	c.Remote.SecretAccessKey = envOrDefault(EnvRemoteSecretKey, c.Remote.SecretAccessKey)
	c.Remote.AuthToken = envOrDefault(EnvRemoteAuthToken, c.Remote.AuthToken)

	c.Log.Level = envOrDefault(EnvLogLevel, c.Log.Level)
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intEnvOrDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func boolEnvOrDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// OpenSecrets replaces sealed remote credentials with their plaintext.
func (c *Config) OpenSecrets(machineID string) error {
	for name, field := range map[string]*string{
		"access_key_id":     &c.Remote.AccessKeyID,
		"secret_access_key": &c.Remote.SecretAccessKey,
		"auth_token":        &c.Remote.AuthToken,
	} {
		plain, err := crypto.Open(*field, machineID)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfiguration, "open sealed remote."+name, err)
		}
		*field = plain
	}
	return nil
}

// =====================================================
// Validation
// =====================================================

// Validate checks that the configuration is coherent. Errors carry
// CONFIGURATION_ERROR.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return apperrors.New(apperrors.ErrConfiguration, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.DeviceID) == "" {
		return invalid("device_id must not be empty")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return invalid("data_dir must not be empty")
	}
	if c.SyncIntervalSeconds <= 0 {
		return invalid("sync_interval_seconds must be > 0")
	}
	if c.MinSignalIntervalMS < 0 {
		return invalid("min_signal_interval_ms must be >= 0")
	}
	if c.BatchMaxRows <= 0 {
		return invalid("batch_max_rows must be > 0")
	}
	if c.BatchMaxBytes <= 0 {
		return invalid("batch_max_bytes must be > 0")
	}
	if c.MaxBatchesPerCycle <= 0 {
		return invalid("max_batches_per_cycle must be > 0")
	}
	if c.RetryBackoffCapSeconds < c.SyncIntervalSeconds {
		return invalid("retry_backoff_cap_seconds must be >= sync_interval_seconds")
	}
	if c.MaxRetryAttempts <= 0 {
		return invalid("max_retry_attempts must be > 0")
	}
	if c.EvictIntervalSeconds <= 0 {
		return invalid("evict_interval_seconds must be > 0")
	}
	if c.CommandPollIntervalSeconds <= 0 {
		return invalid("command_poll_interval_seconds must be > 0")
	}
	if c.ProbeTimeoutMS <= 0 {
		return invalid("probe_timeout_ms must be > 0")
	}
	for name, n := range c.MaxLocalRows {
		if !models.Category(name).Valid() {
			return invalid("max_local_rows: unknown category %q", name)
		}
		if n <= 0 {
			return invalid("max_local_rows.%s must be > 0", name)
		}
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok && c.Log.Level != "" {
		return invalid("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}

	if f := strings.ToLower(c.Log.Format); f != "" && f != "json" && f != "text" {
		return invalid("log.format %q is not one of json, text", c.Log.Format)
	}

	switch c.Remote.Kind {
	case "":
		return invalid("remote.kind is required: %s, or %s for a non-durable development remote", RemoteDynamoDB, RemoteMemory)
	case RemoteMemory:
	case RemoteDynamoDB:
		if c.Remote.Endpoint == "" {
			return invalid("remote.endpoint is required for dynamodb")
		}
		if c.Remote.Region == "" {
			return invalid("remote.region is required for dynamodb")
		}
		if c.Remote.AccessKeyID == "" || c.Remote.SecretAccessKey == "" {
			return invalid("remote credentials are required for dynamodb")
		}
		if c.Remote.EventsTable == "" || c.Remote.CommandsTable == "" || c.Remote.StatusTable == "" {
			return invalid("remote table names must not be empty")
		}
	default:
		return invalid("remote.kind %q is not one of %s, %s", c.Remote.Kind, RemoteDynamoDB, RemoteMemory)
	}
	return nil
}
