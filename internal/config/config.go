// Package config resolves the core's tunables from an optional YAML overlay
// and the environment, in the style of pkg/config/loader.go: defaults, then
// a YAML file if one is present, then env vars, each layer applied over the
// last (the env layer via mergo) so the core never requires a config file to
// start.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable the spec names as "configurable" with its
// default value (§4.3, §4.4, §4.5, §5).
type Config struct {
	// Postgres connection string (external collaborator — see spec §1).
	DatabaseURL string

	// InitialSyncDBPageSize is the DB cursor window for the Initial Sync
	// Driver (§4.3 step 3: "N configurable, default 1000 for the DB cursor").
	InitialSyncDBPageSize int
	// InitialSyncWireChunkSize is the wire chunk size for SNAPSHOT_CHUNK
	// (§4.3 step 3: "2000 for the wire chunk").
	InitialSyncWireChunkSize int
	// ChunkAckTimeout bounds how long the Initial Sync Driver blocks for a
	// SNAPSHOT_CHUNK_ACK (§4.3 step 3, default 30s).
	ChunkAckTimeout time.Duration

	// FeederChunkSize is the change-feed batch size for the Catchup/Live
	// Feeder (§4.4 step 2).
	FeederChunkSize int
	// FeederAckTimeout bounds how long the feeder waits for
	// CHANGES_RECEIVED.
	FeederAckTimeout time.Duration
	// LiveIdleTick is the fallback poll interval while LIVE waiting for
	// pushServerNotification (§4.4 step 6).
	LiveIdleTick time.Duration

	// StatementTimeout is the session-level DB statement timeout the
	// Inbound Apply Engine sets once per apply call, on the connection all of
	// that call's groups use (§4.5 step 3, default 20s).
	StatementTimeout time.Duration
	// RowTimeout guards per-row fallback apply (§5, default 10s).
	RowTimeout time.Duration
	// BatchInsertTimeout guards the batched upsert statement (§5, default 20s).
	BatchInsertTimeout time.Duration

	// HeartbeatTimeout is how long a registration is considered active
	// without a clt_heartbeat before an administrative sweep may reclaim it.
	HeartbeatTimeout time.Duration
}

// Defaults returns the spec's literal default values.
func Defaults() Config {
	return Config{
		InitialSyncDBPageSize:    1000,
		InitialSyncWireChunkSize: 2000,
		ChunkAckTimeout:          30 * time.Second,

		FeederChunkSize:  2000,
		FeederAckTimeout: 30 * time.Second,
		LiveIdleTick:     5 * time.Second,

		StatementTimeout:   20 * time.Second,
		RowTimeout:         10 * time.Second,
		BatchInsertTimeout: 20 * time.Second,

		HeartbeatTimeout: 2 * time.Minute,
	}
}

// yamlConfig is the optional on-disk overlay, named config.yaml in the
// configuration directory, in the style of pkg/config/loader.go's
// TarsyYAMLConfig: a handful of top-level keys, not a mirror of the whole
// Config struct, since most deployments only ever need to touch a couple of
// tunables. Durations are plain strings parsed with time.ParseDuration, the
// same convention loadYAML's callers use for cache TTLs.
type yamlConfig struct {
	InitialSyncDBPageSize    *int    `yaml:"initial_sync_db_page_size"`
	InitialSyncWireChunkSize *int    `yaml:"initial_sync_wire_chunk_size"`
	ChunkAckTimeout          *string `yaml:"chunk_ack_timeout"`

	FeederChunkSize  *int    `yaml:"feeder_chunk_size"`
	FeederAckTimeout *string `yaml:"feeder_ack_timeout"`
	LiveIdleTick     *string `yaml:"live_idle_tick"`

	StatementTimeout   *string `yaml:"statement_timeout"`
	RowTimeout         *string `yaml:"row_timeout"`
	BatchInsertTimeout *string `yaml:"batch_insert_timeout"`

	HeartbeatTimeout *string `yaml:"heartbeat_timeout"`
}

// loadYAML reads configDir/config.yaml, if present, and merges it onto cfg.
// A missing file is not an error — the overlay is optional, per
// pkg/config/loader.go's pattern of treating most of its YAML files as
// best-effort layers over built-in defaults.
func loadYAML(configDir string, cfg *Config) error {
	path := filepath.Join(configDir, "config.yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	var overlay yamlConfig
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if overlay.InitialSyncDBPageSize != nil {
		cfg.InitialSyncDBPageSize = *overlay.InitialSyncDBPageSize
	}
	if overlay.InitialSyncWireChunkSize != nil {
		cfg.InitialSyncWireChunkSize = *overlay.InitialSyncWireChunkSize
	}
	if overlay.FeederChunkSize != nil {
		cfg.FeederChunkSize = *overlay.FeederChunkSize
	}
	durations := []struct {
		raw *string
		out *time.Duration
	}{
		{overlay.ChunkAckTimeout, &cfg.ChunkAckTimeout},
		{overlay.FeederAckTimeout, &cfg.FeederAckTimeout},
		{overlay.LiveIdleTick, &cfg.LiveIdleTick},
		{overlay.StatementTimeout, &cfg.StatementTimeout},
		{overlay.RowTimeout, &cfg.RowTimeout},
		{overlay.BatchInsertTimeout, &cfg.BatchInsertTimeout},
		{overlay.HeartbeatTimeout, &cfg.HeartbeatTimeout},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", path, err)
		}
		*d.out = parsed
	}
	return nil
}

// Load resolves Config the way the running server does: Defaults, then
// configDir/config.yaml if one exists, then environment overrides, mirroring
// pkg/config/loader.go's Initialize layering (built-ins, then YAML, then
// env-expanded values) but with env as the final, highest-precedence layer
// since that's what operators reach for at deploy time.
func Load(configDir string) (Config, error) {
	cfg := Defaults()
	if err := loadYAML(configDir, &cfg); err != nil {
		return Config{}, err
	}
	return fromEnv(cfg)
}

// FromEnv loads overrides from the environment on top of Defaults, with no
// YAML layer, for callers that configure only through the environment.
func FromEnv() (Config, error) {
	return fromEnv(Defaults())
}

// fromEnv applies environment overrides on top of cfg, merging via mergo the
// way internal config layering works elsewhere in the stack (teacher's
// pkg/config/loader.go layers YAML + env + built-ins the same way).
// DatabaseURL must be supplied via DATABASE_URL; every other field falls
// back to cfg's existing value if unset or unparsable.
func fromEnv(cfg Config) (Config, error) {
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is required")
	}

	overrides := Config{}
	if v, ok := envInt("INITIAL_SYNC_DB_PAGE_SIZE"); ok {
		overrides.InitialSyncDBPageSize = v
	}
	if v, ok := envInt("INITIAL_SYNC_WIRE_CHUNK_SIZE"); ok {
		overrides.InitialSyncWireChunkSize = v
	}
	if v, ok := envDuration("CHUNK_ACK_TIMEOUT"); ok {
		overrides.ChunkAckTimeout = v
	}
	if v, ok := envInt("FEEDER_CHUNK_SIZE"); ok {
		overrides.FeederChunkSize = v
	}
	if v, ok := envDuration("FEEDER_ACK_TIMEOUT"); ok {
		overrides.FeederAckTimeout = v
	}
	if v, ok := envDuration("LIVE_IDLE_TICK"); ok {
		overrides.LiveIdleTick = v
	}
	if v, ok := envDuration("STATEMENT_TIMEOUT"); ok {
		overrides.StatementTimeout = v
	}
	if v, ok := envDuration("ROW_TIMEOUT"); ok {
		overrides.RowTimeout = v
	}
	if v, ok := envDuration("BATCH_INSERT_TIMEOUT"); ok {
		overrides.BatchInsertTimeout = v
	}
	if v, ok := envDuration("HEARTBEAT_TIMEOUT"); ok {
		overrides.HeartbeatTimeout = v
	}

	if err := mergo.Merge(&cfg, overrides, mergo.WithOverride); err != nil {
		return Config{}, fmt.Errorf("config: merging env overrides: %w", err)
	}
	return cfg, nil
}

func envInt(key string) (int, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envDuration(key string) (time.Duration, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return 0, false
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
