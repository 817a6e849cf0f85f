package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/banshee-data/telemetry.relay/internal/codec"
)

// Config is the relay configuration. Every field is optional; the Get*
// accessors supply defaults for fields left unset.
type Config struct {
	// Live channel
	LiveURL        *string  `json:"live_url,omitempty"        env:"TELEMETRY_LIVE_URL"`
	ReconnectDelay *string  `json:"reconnect_delay,omitempty" env:"TELEMETRY_RECONNECT_DELAY"` // duration string like "1s"
	Topics         []string `json:"topics,omitempty"          env:"TELEMETRY_TOPICS" envSeparator:","`

	// Recorder and catalog
	RecordDir    *string `json:"record_dir,omitempty"    env:"TELEMETRY_RECORD_DIR"`
	ChunkRecords *int    `json:"chunk_records,omitempty" env:"TELEMETRY_CHUNK_RECORDS"`
	RecordBuffer *int    `json:"record_buffer,omitempty" env:"TELEMETRY_RECORD_BUFFER"`
	CatalogPath  *string `json:"catalog_path,omitempty"  env:"TELEMETRY_CATALOG_PATH"`

	// Replay server
	ReplayListenAddr *string `json:"replay_listen_addr,omitempty" env:"TELEMETRY_REPLAY_LISTEN_ADDR"`
	ReplayRoot       *string `json:"replay_root,omitempty"        env:"TELEMETRY_REPLAY_ROOT"`
	AutoPlay         *bool   `json:"auto_play,omitempty"          env:"TELEMETRY_AUTO_PLAY"`
	EventBuffer      *int    `json:"event_buffer,omitempty"       env:"TELEMETRY_EVENT_BUFFER"`

	// Debug HTTP
	AdminListenAddr *string `json:"admin_listen_addr,omitempty" env:"TELEMETRY_ADMIN_LISTEN_ADDR"`

	// Binary payload type table. Empty selects codec.DefaultTypeTable.
	PayloadTypes []codec.PayloadField `json:"payload_types,omitempty"`
}

// LoadConfig loads a Config from a JSON file. The file must have a .json
// extension and be at most 1MB. Omitted fields keep their defaults.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Load reads path when it is non-empty, overlays TELEMETRY_* environment
// variables and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		var err error
		if cfg, err = LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overwrites fields whose TELEMETRY_* variable is set.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks that the configured values are usable.
func (c *Config) Validate() error {
	if c.ReconnectDelay != nil && *c.ReconnectDelay != "" {
		d, err := time.ParseDuration(*c.ReconnectDelay)
		if err != nil {
			return fmt.Errorf("invalid reconnect_delay '%s': %w", *c.ReconnectDelay, err)
		}
		if d <= 0 {
			return fmt.Errorf("reconnect_delay must be positive, got %s", d)
		}
	}
	if c.ChunkRecords != nil && *c.ChunkRecords <= 0 {
		return fmt.Errorf("chunk_records must be positive, got %d", *c.ChunkRecords)
	}
	if c.RecordBuffer != nil && *c.RecordBuffer <= 0 {
		return fmt.Errorf("record_buffer must be positive, got %d", *c.RecordBuffer)
	}
	if c.EventBuffer != nil && *c.EventBuffer <= 0 {
		return fmt.Errorf("event_buffer must be positive, got %d", *c.EventBuffer)
	}
	if len(c.PayloadTypes) > 0 {
		if _, err := codec.NewTypeTable(c.PayloadTypes...); err != nil {
			return fmt.Errorf("invalid payload_types: %w", err)
		}
	}
	return nil
}

// GetLiveURL returns the websocket URL, or "" when live mode is not
// configured.
func (c *Config) GetLiveURL() string {
	if c.LiveURL == nil {
		return ""
	}
	return *c.LiveURL
}

// GetReconnectDelay parses and returns ReconnectDelay.
func (c *Config) GetReconnectDelay() time.Duration {
	if c.ReconnectDelay == nil || *c.ReconnectDelay == "" {
		return time.Second
	}
	d, err := time.ParseDuration(*c.ReconnectDelay)
	if err != nil {
		return time.Second
	}
	return d
}

// GetTopics returns the topics to subscribe to in live mode.
func (c *Config) GetTopics() []string {
	return c.Topics
}

// GetRecordDir returns the recording root, or "" when recording is off.
func (c *Config) GetRecordDir() string {
	if c.RecordDir == nil {
		return ""
	}
	return *c.RecordDir
}

// GetChunkRecords returns the records per chunk file.
func (c *Config) GetChunkRecords() int {
	if c.ChunkRecords == nil {
		return 10000
	}
	return *c.ChunkRecords
}

// GetRecordBuffer returns the recorder queue capacity.
func (c *Config) GetRecordBuffer() int {
	if c.RecordBuffer == nil {
		return 1024
	}
	return *c.RecordBuffer
}

// GetCatalogPath returns the catalog database path, or "" for none.
func (c *Config) GetCatalogPath() string {
	if c.CatalogPath == nil {
		return ""
	}
	return *c.CatalogPath
}

// GetReplayListenAddr returns the replay gRPC listen address.
func (c *Config) GetReplayListenAddr() string {
	if c.ReplayListenAddr == nil || *c.ReplayListenAddr == "" {
		return "localhost:50061"
	}
	return *c.ReplayListenAddr
}

// GetReplayRoot returns the directory replay file paths are relative to.
func (c *Config) GetReplayRoot() string {
	if c.ReplayRoot == nil || *c.ReplayRoot == "" {
		return "."
	}
	return *c.ReplayRoot
}

// GetAutoPlay reports whether replay starts as soon as the range is known.
func (c *Config) GetAutoPlay() bool {
	if c.AutoPlay == nil {
		return true
	}
	return *c.AutoPlay
}

// GetEventBuffer returns the replay event channel capacity.
func (c *Config) GetEventBuffer() int {
	if c.EventBuffer == nil {
		return 256
	}
	return *c.EventBuffer
}

// GetAdminListenAddr returns the debug HTTP address, or "" for none.
func (c *Config) GetAdminListenAddr() string {
	if c.AdminListenAddr == nil {
		return ""
	}
	return *c.AdminListenAddr
}

// TypeTable builds the binary payload type table.
func (c *Config) TypeTable() (*codec.TypeTable, error) {
	if len(c.PayloadTypes) == 0 {
		return codec.DefaultTypeTable(), nil
	}
	return codec.NewTypeTable(c.PayloadTypes...)
}
