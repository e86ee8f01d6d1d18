// Package config holds the runtime's tunables (spec §6): TOML on disk,
// environment-variable overlay, and reconstructible from any key-value
// source. Grounded on the teacher's internal/daemon/config.go — same
// BurntSushi/toml decode-over-defaults shape and XDG-ish home-directory
// resolution — adapted from TuTu's per-subsystem config blocks to this
// runtime's flat admission/protocol/session key table. Byte-size keys
// accept either a bare integer or a humanized string ("1GiB") via
// dustin/go-humanize, matching how an operator would actually type one
// into an env var.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

// Config is the full set of recognized tunables (spec §6's key table).
type Config struct {
	MaxContext        int           `toml:"max_context"`
	MaxQueueDepth      int           `toml:"max_queue_depth"`
	MaxContextTokens   int           `toml:"max_context_tokens"`
	MaxMemoryPerCall   uint64        `toml:"max_memory_per_call"`
	MaxTotalMemory     uint64        `toml:"max_total_memory"`
	MaxConcurrent      int           `toml:"max_concurrent"`
	ShutdownTimeout    time.Duration `toml:"-"`
	ShutdownTimeoutSec int           `toml:"shutdown_timeout_sec"`
	SessionTimeout     time.Duration `toml:"-"`
	SessionTimeoutSec  int           `toml:"session_timeout_sec"`
	IPCFrameLimit      uint64        `toml:"ipc_frame_limit"`
	MaxConnections     int           `toml:"max_connections"`
	ListenAddress      string        `toml:"listen_address"`
	DebugAddress       string        `toml:"debug_address"`
	StoreDir           string        `toml:"store_dir"`
}

// DefaultConfig returns spec §6's documented defaults.
func DefaultConfig() Config {
	c := Config{
		MaxContext:         4096,
		MaxQueueDepth:      256,
		MaxContextTokens:   4096,
		MaxMemoryPerCall:   1 << 30, // 1 GiB
		MaxTotalMemory:     2 << 30, // 2 GiB
		MaxConcurrent:      2,
		ShutdownTimeoutSec: 30,
		SessionTimeoutSec:  3600,
		IPCFrameLimit:      16 << 20, // 16 MiB
		MaxConnections:     64,
		ListenAddress:      "127.0.0.1:7447",
		DebugAddress:       "127.0.0.1:7448",
		StoreDir:           filepath.Join(Home(), "store"),
	}
	c.ShutdownTimeout = time.Duration(c.ShutdownTimeoutSec) * time.Second
	c.SessionTimeout = time.Duration(c.SessionTimeoutSec) * time.Second
	return c
}

// Load reads path (if it exists) over the documented defaults, then
// applies any of spec §6's environment variables present, then clamps
// every field into its legal range. Invalid values for a single key
// fall back to that key's default rather than aborting startup.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnvOverlay(&cfg)
	clamp(&cfg)
	cfg.ShutdownTimeout = time.Duration(cfg.ShutdownTimeoutSec) * time.Second
	cfg.SessionTimeout = time.Duration(cfg.SessionTimeoutSec) * time.Second
	return cfg, nil
}

func applyEnvOverlay(cfg *Config) {
	if v, ok := lookupEnv("MAX_CONTEXT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxContext = n
		}
	}
	if v, ok := lookupEnv("MAX_QUEUE_DEPTH"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxQueueDepth = n
		}
	}
	if v, ok := lookupEnv("MAX_CONTEXT_TOKENS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxContextTokens = n
		}
	}
	if v, ok := lookupEnv("MAX_MEMORY_PER_CALL"); ok {
		if n, err := humanize.ParseBytes(v); err == nil {
			cfg.MaxMemoryPerCall = n
		}
	}
	if v, ok := lookupEnv("MAX_TOTAL_MEMORY"); ok {
		if n, err := humanize.ParseBytes(v); err == nil {
			cfg.MaxTotalMemory = n
		}
	}
	if v, ok := lookupEnv("MAX_CONCURRENT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrent = n
		}
	}
	if v, ok := lookupEnv("SHUTDOWN_TIMEOUT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ShutdownTimeoutSec = n
		}
	}
	if v, ok := lookupEnv("SESSION_TIMEOUT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionTimeoutSec = n
		}
	}
	if v, ok := lookupEnv("IPC_FRAME_LIMIT"); ok {
		if n, err := humanize.ParseBytes(v); err == nil {
			cfg.IPCFrameLimit = n
		}
	}
	if v, ok := lookupEnv("MAX_CONNECTIONS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConnections = n
		}
	}
	if v, ok := lookupEnv("LISTEN_ADDRESS"); ok {
		cfg.ListenAddress = v
	}
	if v, ok := lookupEnv("DEBUG_ADDRESS"); ok {
		cfg.DebugAddress = v
	}
	if v, ok := lookupEnv("STORE_DIR"); ok {
		cfg.StoreDir = v
	}
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// clamp enforces spec §6's floors and cross-field constraints,
// silently correcting illegal combinations rather than failing
// startup.
func clamp(cfg *Config) {
	cfg.MaxContext = clampInt(cfg.MaxContext, 1, 1_000_000)
	cfg.MaxQueueDepth = floorInt(cfg.MaxQueueDepth, 1)
	cfg.MaxContextTokens = floorInt(cfg.MaxContextTokens, 1)
	cfg.MaxMemoryPerCall = floorU64(cfg.MaxMemoryPerCall, 1<<20)
	if cfg.MaxTotalMemory < cfg.MaxMemoryPerCall {
		cfg.MaxTotalMemory = cfg.MaxMemoryPerCall
	}
	cfg.MaxConcurrent = floorInt(cfg.MaxConcurrent, 1)
	cfg.ShutdownTimeoutSec = floorInt(cfg.ShutdownTimeoutSec, 1)
	cfg.IPCFrameLimit = floorU64(cfg.IPCFrameLimit, 4<<10)
	cfg.MaxConnections = floorInt(cfg.MaxConnections, 1)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = "127.0.0.1:7447"
	}
	if cfg.DebugAddress == "" {
		cfg.DebugAddress = "127.0.0.1:7448"
	}
	if cfg.StoreDir == "" {
		cfg.StoreDir = filepath.Join(Home(), "store")
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func floorInt(v, lo int) int {
	if v < lo {
		return lo
	}
	return v
}

func floorU64(v, lo uint64) uint64 {
	if v < lo {
		return lo
	}
	return v
}

// Warning is one non-fatal issue Validate found.
type Warning struct {
	Key     string
	Message string
}

// Validate reports every way cfg deviates from spec §6's legal ranges
// without mutating it — the dedicated "config validate" CLI mode (spec
// §6) surfaces what Load would have silently clamped.
func Validate(cfg Config) []Warning {
	var warnings []Warning
	if cfg.MaxContext < 1 || cfg.MaxContext > 1_000_000 {
		warnings = append(warnings, Warning{"MAX_CONTEXT", "must be in [1, 1000000]"})
	}
	if cfg.MaxQueueDepth < 1 {
		warnings = append(warnings, Warning{"MAX_QUEUE_DEPTH", "must be >= 1"})
	}
	if cfg.MaxContextTokens < 1 {
		warnings = append(warnings, Warning{"MAX_CONTEXT_TOKENS", "must be >= 1"})
	}
	if cfg.MaxMemoryPerCall < 1<<20 {
		warnings = append(warnings, Warning{"MAX_MEMORY_PER_CALL", "must be >= 1MiB"})
	}
	if cfg.MaxTotalMemory < cfg.MaxMemoryPerCall {
		warnings = append(warnings, Warning{"MAX_TOTAL_MEMORY", "must be >= MAX_MEMORY_PER_CALL"})
	}
	if cfg.MaxConcurrent < 1 {
		warnings = append(warnings, Warning{"MAX_CONCURRENT", "must be >= 1"})
	}
	if cfg.ShutdownTimeoutSec < 1 {
		warnings = append(warnings, Warning{"SHUTDOWN_TIMEOUT", "must be >= 1s"})
	}
	if cfg.IPCFrameLimit < 4<<10 {
		warnings = append(warnings, Warning{"IPC_FRAME_LIMIT", "must be >= 4KiB"})
	}
	if cfg.MaxConnections < 1 {
		warnings = append(warnings, Warning{"MAX_CONNECTIONS", "must be >= 1"})
	}
	if cfg.ListenAddress == "" {
		warnings = append(warnings, Warning{"LISTEN_ADDRESS", "must not be empty"})
	}
	if cfg.DebugAddress == "" {
		warnings = append(warnings, Warning{"DEBUG_ADDRESS", "must not be empty"})
	}
	if cfg.StoreDir == "" {
		warnings = append(warnings, Warning{"STORE_DIR", "must not be empty"})
	}
	return warnings
}

// Save writes cfg to path as TOML.
func Save(cfg Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Home resolves the runtime's data directory, honoring CORERUN_HOME.
func Home() string {
	if env := os.Getenv("CORERUN_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".corerun")
}
