package tracker

import "time"

type TrackerConfig struct {
	ProbeInterval       time.Duration `mapstructure:"probe_interval"`
	ProbeJitter         time.Duration `mapstructure:"probe_jitter"`
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout"`
	WindowSize          int           `mapstructure:"window_size"`
	MinSamples          int           `mapstructure:"min_samples"`
	ThresholdMultiplier float64       `mapstructure:"threshold_multiplier"`
	HysteresisCount     int           `mapstructure:"hysteresis_count"`
	MaxConsecutiveDrops int           `mapstructure:"max_consecutive_drops"`
	StalenessBound      time.Duration `mapstructure:"staleness_bound"`
	DeviceRefresh       time.Duration `mapstructure:"device_refresh"`
	RatePerSecond       float64       `mapstructure:"rate_per_second"`
	RateBurst           int           `mapstructure:"rate_burst"`
}

func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ProbeInterval:       10 * time.Second,
		ProbeJitter:         2 * time.Second,
		ProbeTimeout:        30 * time.Second,
		WindowSize:          20,
		MinSamples:          3,
		ThresholdMultiplier: 2.0,
		HysteresisCount:     3,
		MaxConsecutiveDrops: 5,
		StalenessBound:      5 * time.Minute,
		DeviceRefresh:       time.Minute,
		RatePerSecond:       1.0,
		RateBurst:           5,
	}
}
