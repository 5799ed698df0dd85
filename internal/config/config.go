// Package config holds the daemon's tunables, loaded via viper from
// built-in defaults, an optional YAML file, and BD_-prefixed env vars,
// in ascending priority.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the daemon's full runtime configuration.
type Config struct {
	SocketPath string `mapstructure:"socket_path"`
	DBPath     string `mapstructure:"db_path"`
	PIDPath    string `mapstructure:"pid_path"`
	LogPath    string `mapstructure:"log_path"`

	RealtimeSocketPath string `mapstructure:"realtime_socket_path"`
	CommandSocketPath  string `mapstructure:"command_socket_path"`

	DeviceID string `mapstructure:"device_id"`

	Sync       SyncConfig       `mapstructure:",squash"`
	Coalescer  CoalescerConfig  `mapstructure:",squash"`
	Auth       AuthConfig       `mapstructure:",squash"`
	RemoteCmd  RemoteCmdConfig  `mapstructure:",squash"`
	FileOps    FileOpsConfig    `mapstructure:",squash"`
	RemoteAPI  RemoteAPIConfig  `mapstructure:",squash"`
}

// RemoteAPIConfig points at the remote relational database's HTTPS JSON
// endpoint the cold-path syncer, coalescer, and remote-command
// dispatcher all POST/GET against.
type RemoteAPIConfig struct {
	BaseURL string        `mapstructure:"remote_api_base_url"`
	Timeout time.Duration `mapstructure:"remote_api_timeout"`
}

// SyncConfig tunes the outbound message syncers. FlushInterval and
// BatchSize apply to both paths; the backoff/retry fields are
// cold-path only.
type SyncConfig struct {
	BatchSize       int           `mapstructure:"sync_batch_size"`
	FlushInterval   time.Duration `mapstructure:"sync_flush_interval"`
	BackoffBase     time.Duration `mapstructure:"sync_backoff_base"`
	BackoffMax      time.Duration `mapstructure:"sync_backoff_max"`
	MaxRetries      int           `mapstructure:"sync_max_retries"`
}

// CoalescerConfig tunes the runtime-status coalescer.
type CoalescerConfig struct {
	FlushInterval time.Duration `mapstructure:"status_flush_interval"`
}

// AuthConfig tunes the auth refresh loop.
type AuthConfig struct {
	BaseURL     string        `mapstructure:"auth_base_url"`
	MaxRetries  int           `mapstructure:"auth_max_retries"`
	BackoffBase time.Duration `mapstructure:"auth_backoff_base"`
	BackoffMax  time.Duration `mapstructure:"auth_backoff_max"`
}

// RemoteCmdConfig tunes the remote-command dispatcher.
type RemoteCmdConfig struct {
	QuotaCacheTTL      time.Duration `mapstructure:"quota_cache_ttl"`
	QuotaRefreshPeriod time.Duration `mapstructure:"quota_refresh_period"`
}

// FileOpsConfig tunes the safe file operations surface.
type FileOpsConfig struct {
	MaxReadBytes    int64 `mapstructure:"fileops_max_read_bytes"`
	EditableMaxBytes int64 `mapstructure:"fileops_editable_max_bytes"`
	CacheByteCap    int64 `mapstructure:"fileops_cache_byte_cap"`
}

// Default returns a Config populated with built-in defaults, rooted
// under the given base directory (typically the user's config/data dir).
func Default(baseDir string) Config {
	return Config{
		SocketPath:         filepath.Join(baseDir, "daemon.sock"),
		DBPath:             filepath.Join(baseDir, "daemon.db"),
		PIDPath:            filepath.Join(baseDir, "daemon.pid"),
		LogPath:            filepath.Join(baseDir, "daemon.log"),
		RealtimeSocketPath: filepath.Join(baseDir, "realtime.sock"),
		CommandSocketPath:  filepath.Join(baseDir, "commands.sock"),
		Sync: SyncConfig{
			BatchSize:     50,
			FlushInterval: 500 * time.Millisecond,
			BackoffBase:   2 * time.Second,
			BackoffMax:    300 * time.Second,
			MaxRetries:    20,
		},
		Coalescer: CoalescerConfig{
			FlushInterval: 120 * time.Millisecond,
		},
		Auth: AuthConfig{
			MaxRetries:  5,
			BackoffBase: 1 * time.Second,
			BackoffMax:  60 * time.Second,
		},
		RemoteCmd: RemoteCmdConfig{
			QuotaCacheTTL:      5 * time.Minute,
			QuotaRefreshPeriod: 300 * time.Second,
		},
		FileOps: FileOpsConfig{
			MaxReadBytes:     2 << 20,  // 2 MiB read window
			EditableMaxBytes: 4 << 20,  // 4 MiB
			CacheByteCap:     128 << 20, // 128 MiB
		},
		RemoteAPI: RemoteAPIConfig{
			Timeout: 30 * time.Second,
		},
	}
}

// Load reads configuration from (in ascending priority) defaults, a YAML
// file at configPath (if it exists), and BD_-prefixed environment
// variables.
func Load(baseDir, configPath string) (Config, error) {
	cfg := Default(baseDir)

	v := viper.New()
	v.SetEnvPrefix("BD")
	v.AutomaticEnv()
	// Unmarshal only sees keys viper already knows, so bind every key to
	// its BD_ env var explicitly.
	for _, key := range []string{
		"socket_path", "db_path", "pid_path", "log_path", "realtime_socket_path", "command_socket_path", "device_id",
		"sync_batch_size", "sync_flush_interval", "sync_backoff_base", "sync_backoff_max", "sync_max_retries",
		"status_flush_interval", "auth_base_url", "auth_max_retries", "auth_backoff_base", "auth_backoff_max",
		"quota_cache_ttl", "quota_refresh_period", "fileops_max_read_bytes", "fileops_editable_max_bytes",
		"fileops_cache_byte_cap", "remote_api_base_url", "remote_api_timeout",
	} {
		if err := v.BindEnv(key); err != nil {
			return cfg, fmt.Errorf("config: bind env %s: %w", key, err)
		}
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return cfg, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
