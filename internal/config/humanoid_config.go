// File: internal/config/humanoid_config.go
// This file defines the HumanoidConfig struct, which holds the tunable timing
// parameters used when driving third-party forms. The values shape the pauses
// between interactions and the dwell time of individual key presses.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// HumanoidConfig holds the timing model for form interactions.
type HumanoidConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Pause between two interactions (focus, type, submit).
	PauseMin time.Duration `mapstructure:"pause_min" yaml:"pause_min"`
	PauseMax time.Duration `mapstructure:"pause_max" yaml:"pause_max"`

	// Key dwell time, normally distributed.
	KeyHoldMeanMs   float64 `mapstructure:"key_hold_mean_ms" yaml:"key_hold_mean_ms"`
	KeyHoldStdDevMs float64 `mapstructure:"key_hold_stddev_ms" yaml:"key_hold_stddev_ms"`
	KeyHoldMinMs    float64 `mapstructure:"key_hold_min_ms" yaml:"key_hold_min_ms"`

	// Seed for the session RNG. Zero means time based.
	Seed int64 `mapstructure:"seed" yaml:"seed"`
}

func setHumanoidDefaults(v *viper.Viper) {
	v.SetDefault("humanoid.enabled", true)
	v.SetDefault("humanoid.pause_min", "300ms")
	v.SetDefault("humanoid.pause_max", "900ms")
	v.SetDefault("humanoid.key_hold_mean_ms", 85.0)
	v.SetDefault("humanoid.key_hold_stddev_ms", 25.0)
	v.SetDefault("humanoid.key_hold_min_ms", 20.0)
	v.SetDefault("humanoid.seed", 0)
}

// Validate checks the HumanoidConfig settings.
func (h *HumanoidConfig) Validate() error {
	if !h.Enabled {
		return nil
	}
	if h.PauseMin < 0 || h.PauseMax < h.PauseMin {
		return fmt.Errorf("pause_min must be >= 0 and <= pause_max")
	}
	if h.KeyHoldMeanMs < 0 || h.KeyHoldStdDevMs < 0 {
		return fmt.Errorf("key hold parameters must not be negative")
	}
	return nil
}
