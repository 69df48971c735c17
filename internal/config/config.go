// Package config provides configuration management for dashgo using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values, taken from the ABR and BETA reference
// parameterization.
const (
	defaultBufferDuration      = 30 * time.Second
	defaultSafeBufferLevel     = 20 * time.Second
	defaultPanicBufferLevel    = 8 * time.Second
	defaultMinRebufferDuration = 2 * time.Second
	defaultMinStartDuration    = 1 * time.Second
	defaultSmoothingFactor     = 0.8
	defaultInitBandwidthBps    = 1_000_000
	defaultUpdateInterval      = 100 * time.Millisecond
	defaultContBWWindow        = 5 * time.Second
	defaultMaxPacketDelay      = 100 * time.Millisecond

	defaultMaxConnsPerOrigin      = 4
	defaultCircuitBreakerThresh   = 5
	defaultCircuitBreakerTimeout  = 30 * time.Second
	defaultConnectAcquireTimeout  = 10 * time.Second
	defaultMaxManifestSize        = 4 * 1024 * 1024 // 4MB
	defaultSessionTicketCacheSize = 64
)

// Config holds all configuration for the application.
type Config struct {
	Playback PlaybackConfig `mapstructure:"playback"`
	Download DownloadConfig `mapstructure:"download"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Analyzer AnalyzerConfig `mapstructure:"analyzer"`
}

// PlaybackConfig holds the buffer management, bandwidth estimation, and ABR
// tunables that drive the CORE adaptation loop.
type PlaybackConfig struct {
	// BufferDuration is the target steady-state buffer occupancy.
	BufferDuration time.Duration `mapstructure:"buffer_duration"`
	// SafeBufferLevel is the lower bound of the throughput-preferred region.
	SafeBufferLevel time.Duration `mapstructure:"safe_buffer_level"`
	// PanicBufferLevel is the buffer level below which the lowest
	// representation is always selected.
	PanicBufferLevel time.Duration `mapstructure:"panic_buffer_level"`
	// MinRebufferDuration is the minimum buffered duration required to leave
	// the rebuffering player state.
	MinRebufferDuration time.Duration `mapstructure:"min_rebuffer_duration"`
	// MinStartDuration is the minimum buffered duration required to leave
	// the startup player state.
	MinStartDuration time.Duration `mapstructure:"min_start_duration"`
	// SmoothingFactor is the EWMA weight (alpha) kept from the previous
	// smoothed bandwidth estimate; each new sample is weighted 1-alpha.
	// Must be in (0, 1].
	SmoothingFactor float64 `mapstructure:"smoothing_factor"`
	// InitBandwidth seeds the smoothed bandwidth estimate before the first
	// sample arrives, in bits per second.
	InitBandwidth int64 `mapstructure:"init_bandwidth_bps"`
	// UpdateInterval is the scheduler tick period.
	UpdateInterval time.Duration `mapstructure:"update_interval"`
	// ContBWWindow is the lookback window for the continuous (in-flight)
	// bandwidth estimate.
	ContBWWindow time.Duration `mapstructure:"continuous_bandwidth_window"`
	// MaxPacketDelay, when EnableMaxPacketDelayFilter is set, discards
	// bandwidth samples whose inter-packet delay exceeds this bound.
	MaxPacketDelay time.Duration `mapstructure:"max_packet_delay"`
	// EnableMaxPacketDelayFilter toggles the packet-delay sample filter.
	EnableMaxPacketDelayFilter bool `mapstructure:"enable_max_packet_delay_filter"`
	// EnableDropAndReplace allows the BETA controller to discard a
	// partially-received segment and re-request it at a lower
	// representation rather than accepting the partial data.
	EnableDropAndReplace bool `mapstructure:"enable_drop_and_replace"`
}

// DownloadConfig holds HTTP/3 transport and resilience configuration for the
// download manager.
type DownloadConfig struct {
	// MaxConnsPerOrigin bounds concurrent streams multiplexed onto a single
	// origin's QUIC connection.
	MaxConnsPerOrigin int `mapstructure:"max_conns_per_origin"`
	// AcquireTimeout bounds how long a segment request waits for a free
	// stream slot before failing.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	// CircuitBreakerThreshold is the number of consecutive connection
	// failures that trips an origin's breaker open.
	CircuitBreakerThreshold int `mapstructure:"circuit_breaker_threshold"`
	// CircuitBreakerTimeout is how long an open breaker waits before
	// allowing a half-open probe.
	CircuitBreakerTimeout time.Duration `mapstructure:"circuit_breaker_timeout"`
	// MaxManifestSize is the largest fetched manifest body accepted; a
	// larger body is rejected after it has been received.
	MaxManifestSize ByteSize `mapstructure:"max_manifest_size"`
	// SessionTicketCacheSize bounds the number of 0-RTT TLS session tickets
	// cached across origins.
	SessionTicketCacheSize int `mapstructure:"session_ticket_cache_size"`
	// InsecureSkipVerify disables TLS certificate verification; intended
	// only for testing against self-signed origins.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// AnalyzerConfig holds run-recording and reporting configuration.
type AnalyzerConfig struct {
	// OutputPath, if set, receives a newline-delimited JSON event trace of
	// the run. Empty disables trace recording.
	OutputPath string `mapstructure:"output_path"`
	// SummaryOnExit prints a human-readable run summary (bitrate switches,
	// rebuffer time, BETA interruptions) to stderr when the run ends.
	SummaryOnExit bool `mapstructure:"summary_on_exit"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with DASHGO_ and use underscores for
// nesting, e.g. DASHGO_PLAYBACK_BUFFER_DURATION=30s.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/dashgo")
		v.AddConfigPath("$HOME/.dashgo")
	}

	v.SetEnvPrefix("DASHGO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults
// are in place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("playback.buffer_duration", defaultBufferDuration)
	v.SetDefault("playback.safe_buffer_level", defaultSafeBufferLevel)
	v.SetDefault("playback.panic_buffer_level", defaultPanicBufferLevel)
	v.SetDefault("playback.min_rebuffer_duration", defaultMinRebufferDuration)
	v.SetDefault("playback.min_start_duration", defaultMinStartDuration)
	v.SetDefault("playback.smoothing_factor", defaultSmoothingFactor)
	v.SetDefault("playback.init_bandwidth_bps", defaultInitBandwidthBps)
	v.SetDefault("playback.update_interval", defaultUpdateInterval)
	v.SetDefault("playback.continuous_bandwidth_window", defaultContBWWindow)
	v.SetDefault("playback.max_packet_delay", defaultMaxPacketDelay)
	v.SetDefault("playback.enable_max_packet_delay_filter", false)
	v.SetDefault("playback.enable_drop_and_replace", false)

	v.SetDefault("download.max_conns_per_origin", defaultMaxConnsPerOrigin)
	v.SetDefault("download.acquire_timeout", defaultConnectAcquireTimeout)
	v.SetDefault("download.circuit_breaker_threshold", defaultCircuitBreakerThresh)
	v.SetDefault("download.circuit_breaker_timeout", defaultCircuitBreakerTimeout)
	v.SetDefault("download.max_manifest_size", defaultMaxManifestSize)
	v.SetDefault("download.session_ticket_cache_size", defaultSessionTicketCacheSize)
	v.SetDefault("download.insecure_skip_verify", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("analyzer.output_path", "")
	v.SetDefault("analyzer.summary_on_exit", true)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Playback.SmoothingFactor <= 0 || c.Playback.SmoothingFactor > 1 {
		return fmt.Errorf("playback.smoothing_factor must be in (0, 1]")
	}
	if c.Playback.PanicBufferLevel >= c.Playback.SafeBufferLevel {
		return fmt.Errorf("playback.panic_buffer_level must be less than playback.safe_buffer_level")
	}
	if c.Playback.SafeBufferLevel > c.Playback.BufferDuration {
		return fmt.Errorf("playback.safe_buffer_level must not exceed playback.buffer_duration")
	}
	if c.Playback.InitBandwidth <= 0 {
		return fmt.Errorf("playback.init_bandwidth_bps must be positive")
	}
	if c.Playback.UpdateInterval <= 0 {
		return fmt.Errorf("playback.update_interval must be positive")
	}

	if c.Download.MaxConnsPerOrigin < 1 {
		return fmt.Errorf("download.max_conns_per_origin must be at least 1")
	}
	if c.Download.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("download.circuit_breaker_threshold must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
