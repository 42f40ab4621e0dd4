package config

import (
	"encoding/json"
	"os"
	"strings"

	"emujit/pkg/errors"

	"github.com/xyproto/env/v2"
)

// Config represents the configuration of a translation runtime
type Config struct {
	ArenaSize   int    `json:"arena_size"`   // Executable arena size in bytes
	Regions     int    `json:"regions"`      // Region count, 0 picks one from Workers
	Workers     int    `json:"workers"`      // Number of compiler workers sharing the arena
	MaxInsns    int    `json:"max_insns"`    // Guest instruction budget per unit
	MaxTemps    int    `json:"max_temps"`    // Temp slab capacity per context
	Highwater   int    `json:"highwater"`    // Headroom kept free at the end of each region
	HeapArena   bool   `json:"heap_arena"`   // Back the arena with Go memory instead of mmap
	DebugChecks bool   `json:"debug_checks"` // Verify allocator and guard state after every op
	Log         string `json:"log"`          // Comma separated dump topics: op, op_opt, out_asm, region
}

const (
	MinArenaSize = 1 << 20
	MaxInsnsCap  = 512
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ArenaSize: 32 << 20,
		Workers:   1,
		MaxInsns:  MaxInsnsCap,
		MaxTemps:  512,
		Highwater: 1024,
	}
}

// Load reads a JSON file on top of the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read config file %s", path)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config file %s", path)
	}
	return cfg, nil
}

// WithEnv applies JIT_* environment overrides.
func (c Config) WithEnv() Config {
	c.ArenaSize = env.Int("JIT_ARENA_SIZE", c.ArenaSize)
	c.Regions = env.Int("JIT_REGIONS", c.Regions)
	c.Workers = env.Int("JIT_WORKERS", c.Workers)
	c.MaxInsns = env.Int("JIT_MAX_INSNS", c.MaxInsns)
	c.MaxTemps = env.Int("JIT_MAX_TEMPS", c.MaxTemps)
	c.Highwater = env.Int("JIT_HIGHWATER", c.Highwater)
	if env.Has("JIT_HEAP_ARENA") {
		c.HeapArena = env.Bool("JIT_HEAP_ARENA")
	}
	if env.Has("JIT_DEBUG_CHECKS") {
		c.DebugChecks = env.Bool("JIT_DEBUG_CHECKS")
	}
	c.Log = env.Str("JIT_LOG", c.Log)
	return c
}

// Validate rejects configurations the runtime cannot start with.
func (c Config) Validate() error {
	switch {
	case c.ArenaSize < MinArenaSize:
		return errors.Newf("arena size %d is below the minimum of %d bytes", c.ArenaSize, MinArenaSize)
	case c.Workers < 1:
		return errors.Newf("workers must be positive, got %d", c.Workers)
	case c.Regions < 0:
		return errors.Newf("regions must not be negative, got %d", c.Regions)
	case c.Regions != 0 && c.Regions < c.Workers:
		return errors.Newf("%d regions cannot serve %d workers", c.Regions, c.Workers)
	case c.MaxInsns < 1 || c.MaxInsns > MaxInsnsCap:
		return errors.Newf("max insns must be in [1, %d], got %d", MaxInsnsCap, c.MaxInsns)
	case c.MaxTemps < 64:
		return errors.Newf("max temps must be at least 64, got %d", c.MaxTemps)
	case c.Highwater < 0:
		return errors.Newf("highwater must not be negative, got %d", c.Highwater)
	}
	return nil
}

// Logs reports whether the dump topic is enabled.
func (c Config) Logs(topic string) bool {
	for _, t := range strings.Split(c.Log, ",") {
		t = strings.TrimSpace(t)
		if t == topic || t == "all" {
			return true
		}
	}
	return false
}
