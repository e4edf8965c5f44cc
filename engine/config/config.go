package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/lodestar-engine/lodestar/engine/core"
)

const (
	DefaultMaxFramesInFlight = 2
	DefaultFenceTimeoutMS    = 1000
	DefaultGraceBudgetMS     = 5000
)

// Config is the engine construction configuration, normally loaded from a
// TOML file next to the binary.
type Config struct {
	AppName           string `toml:"app_name"`
	Width             uint32 `toml:"width"`
	Height            uint32 `toml:"height"`
	MaxFramesInFlight int    `toml:"max_frames_in_flight"`
	FenceTimeoutMS    int    `toml:"fence_timeout_ms"`
	GraceBudgetMS     int    `toml:"grace_budget_ms"`
	Headless          bool   `toml:"headless"`
}

func Default() Config {
	return Config{
		AppName:           "Lodestar",
		Width:             1280,
		Height:            720,
		MaxFramesInFlight: DefaultMaxFramesInFlight,
		FenceTimeoutMS:    DefaultFenceTimeoutMS,
		GraceBudgetMS:     DefaultGraceBudgetMS,
	}
}

// Load reads path and overlays it on the defaults. A missing file is not an
// error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			core.LogInfo("no config at %s, using defaults", path)
			return cfg, nil
		}
		return cfg, err
	}

	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MaxFramesInFlight < 1 {
		return fmt.Errorf("max_frames_in_flight must be at least 1, got %d", c.MaxFramesInFlight)
	}
	if c.FenceTimeoutMS <= 0 {
		return fmt.Errorf("fence_timeout_ms must be positive, got %d", c.FenceTimeoutMS)
	}
	if c.GraceBudgetMS < c.FenceTimeoutMS {
		return fmt.Errorf("grace_budget_ms (%d) must not be below fence_timeout_ms (%d)", c.GraceBudgetMS, c.FenceTimeoutMS)
	}
	if !c.Headless && (c.Width == 0 || c.Height == 0) {
		return fmt.Errorf("window size must be non-zero, got %dx%d", c.Width, c.Height)
	}
	return nil
}

func (c Config) FenceTimeout() time.Duration {
	return time.Duration(c.FenceTimeoutMS) * time.Millisecond
}

func (c Config) GraceBudget() time.Duration {
	return time.Duration(c.GraceBudgetMS) * time.Millisecond
}
