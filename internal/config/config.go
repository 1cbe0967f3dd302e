package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/migratectl/internal/logging"
)

// Config is the migratectl runtime configuration shared by every command.
type Config struct {
	LogLevel string
	// Entry is the guest export the worker calls.
	Entry string
	// WASI links wasi_snapshot_preview1 for the guest.
	WASI            bool
	PrimaryPath     string
	ScratchPath     string
	MetricsTextfile string
	Spawn           SpawnConfig
}

// SpawnConfig shapes how spawn launches and watches a worker.
type SpawnConfig struct {
	Wait        bool
	WaitTimeout time.Duration
	// LogFile receives the detached worker's stdout and stderr. Empty
	// discards them.
	LogFile string
}

type fileConfig struct {
	LogLevel        string         `toml:"log_level"`
	Entry           string         `toml:"entry"`
	WASI            bool           `toml:"wasi"`
	MetricsTextfile string         `toml:"metrics_textfile"`
	Snapshot        snapshotConfig `toml:"snapshot"`
	Spawn           spawnFile      `toml:"spawn"`
}

type snapshotConfig struct {
	Primary string `toml:"primary"`
	Scratch string `toml:"scratch"`
}

type spawnFile struct {
	Wait        bool   `toml:"wait"`
	WaitTimeout string `toml:"wait_timeout"`
	LogFile     string `toml:"log_file"`
}

func DefaultConfig() Config {
	return Config{
		LogLevel:    "info",
		Entry:       "_start",
		WASI:        true,
		PrimaryPath: "primary.mem",
		ScratchPath: "scratch.mem",
		Spawn: SpawnConfig{
			Wait:        true,
			WaitTimeout: 10 * time.Second,
		},
	}
}

// Load overlays the keys present in the TOML file at path onto
// DefaultConfig. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("entry") {
		cfg.Entry = strings.TrimSpace(raw.Entry)
	}
	if meta.IsDefined("wasi") {
		cfg.WASI = raw.WASI
	}
	if meta.IsDefined("metrics_textfile") {
		cfg.MetricsTextfile = strings.TrimSpace(raw.MetricsTextfile)
	}
	if meta.IsDefined("snapshot", "primary") {
		cfg.PrimaryPath = strings.TrimSpace(raw.Snapshot.Primary)
	}
	if meta.IsDefined("snapshot", "scratch") {
		cfg.ScratchPath = strings.TrimSpace(raw.Snapshot.Scratch)
	}
	if meta.IsDefined("spawn", "wait") {
		cfg.Spawn.Wait = raw.Spawn.Wait
	}
	if meta.IsDefined("spawn", "wait_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Spawn.WaitTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse spawn.wait_timeout: %w", err)
		}
		cfg.Spawn.WaitTimeout = d
	}
	if meta.IsDefined("spawn", "log_file") {
		cfg.Spawn.LogFile = strings.TrimSpace(raw.Spawn.LogFile)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if _, ok := logging.ParseLevel(cfg.LogLevel); !ok {
		return fmt.Errorf("unknown log_level %q", cfg.LogLevel)
	}
	if strings.TrimSpace(cfg.Entry) == "" {
		return fmt.Errorf("entry is required")
	}
	if strings.TrimSpace(cfg.PrimaryPath) == "" {
		return fmt.Errorf("snapshot.primary is required")
	}
	if strings.TrimSpace(cfg.ScratchPath) == "" {
		return fmt.Errorf("snapshot.scratch is required")
	}
	if cfg.PrimaryPath == cfg.ScratchPath {
		return fmt.Errorf("snapshot.primary and snapshot.scratch must differ")
	}
	if cfg.Spawn.Wait && cfg.Spawn.WaitTimeout <= 0 {
		return fmt.Errorf("spawn.wait_timeout must be positive when spawn.wait is set")
	}
	return nil
}
