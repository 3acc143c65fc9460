// Package config provides configuration management for playbuf using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultMaxBufferSize       = 500 * MB
	defaultSegmentDuration     = 2 * time.Second
	defaultEvictionAge         = 30 * time.Second
	defaultEvictionCutoff      = 5
	defaultEvictionTarget      = 0.8
	defaultHealthInterval      = 1 * time.Second
	defaultQueueCapacity       = 64
	defaultFramePoolCapacity   = 30
	defaultThumbnailCapacity   = 100
	defaultThumbnailWidth      = 160
	defaultThumbnailHeight     = 90
	defaultThumbnailBucket     = 1 * time.Second
	defaultFetchTimeout        = 30 * time.Second
	defaultMaxSegmentSize      = 64 * MB
	defaultServerPort          = 8600
	defaultServerTimeout       = 30 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultNearWindow          = 2 * time.Second
	defaultMidWindow           = 5 * time.Second
	defaultFarWindow           = 10 * time.Second
	defaultNearPriority        = 10
	defaultMidPriority         = 7
	defaultFarPriority         = 4
	defaultBasePriority        = 1
	defaultSlowSpeedThreshold  = 1.0
	defaultMediumSpeedThresh   = 5.0
	defaultSlowHorizon         = 15
	defaultMediumHorizon       = 10
	defaultFastHorizon         = 5
	defaultThumbnailGenTimeout = 10 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Buffer    BufferConfig    `mapstructure:"buffer"`
	Decode    DecodeConfig    `mapstructure:"decode"`
	Thumbnail ThumbnailConfig `mapstructure:"thumbnail"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// BufferConfig holds segment buffer and eviction configuration.
type BufferConfig struct {
	// MaxBufferSize is the memory cap for resident segment bytes.
	// Supports human-readable values like "500MB", "1GB", or raw byte counts.
	MaxBufferSize ByteSize `mapstructure:"max_buffer_size"`

	// SegmentDuration is the fixed duration of each scheduled segment.
	SegmentDuration time.Duration `mapstructure:"segment_duration"`

	// EvictionAge is the minimum age before a segment becomes an eviction
	// candidate.
	EvictionAge time.Duration `mapstructure:"eviction_age"`

	// EvictionPriorityCutoff excludes segments at or above this priority
	// from eviction.
	EvictionPriorityCutoff int `mapstructure:"eviction_priority_cutoff"`

	// EvictionTargetRatio is the usage fraction eviction drives towards.
	EvictionTargetRatio float64 `mapstructure:"eviction_target_ratio"`

	// HealthInterval throttles buffer health recomputation.
	HealthInterval time.Duration `mapstructure:"health_interval"`

	Priority PriorityConfig `mapstructure:"priority"`
	Horizon  HorizonConfig  `mapstructure:"horizon"`
}

// PriorityConfig holds the distance-to-cursor priority bands.
// A segment within NearWindow of the playback position gets NearPriority,
// and so on outward; anything beyond FarWindow gets BasePriority.
type PriorityConfig struct {
	NearWindow time.Duration `mapstructure:"near_window"`
	MidWindow  time.Duration `mapstructure:"mid_window"`
	FarWindow  time.Duration `mapstructure:"far_window"`

	NearPriority int `mapstructure:"near_priority"`
	MidPriority  int `mapstructure:"mid_priority"`
	FarPriority  int `mapstructure:"far_priority"`
	BasePriority int `mapstructure:"base_priority"`
}

// HorizonConfig holds the network-speed buckets that size the preload
// horizon (in segments).
type HorizonConfig struct {
	// SlowSpeedThreshold: speeds below this use SlowSegments.
	SlowSpeedThreshold float64 `mapstructure:"slow_speed_threshold"`

	// MediumSpeedThreshold: speeds below this (but at or above
	// SlowSpeedThreshold) use MediumSegments.
	MediumSpeedThreshold float64 `mapstructure:"medium_speed_threshold"`

	SlowSegments   int `mapstructure:"slow_segments"`
	MediumSegments int `mapstructure:"medium_segments"`
	FastSegments   int `mapstructure:"fast_segments"`
}

// DecodeConfig holds decode pipeline configuration.
type DecodeConfig struct {
	// QueueCapacity bounds the pending decode queue.
	QueueCapacity int `mapstructure:"queue_capacity"`

	// Preference selects the decoder acceleration preference used by the
	// capability probe: "prefer-hardware" or "prefer-software".
	Preference string `mapstructure:"preference"`

	// FramePoolCapacity bounds the decoded frame ring.
	FramePoolCapacity int `mapstructure:"frame_pool_capacity"`
}

// ThumbnailConfig holds thumbnail cache configuration.
type ThumbnailConfig struct {
	Capacity int `mapstructure:"capacity"`

	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`

	// TimeBucket quantizes request timestamps into cache keys.
	TimeBucket time.Duration `mapstructure:"time_bucket"`

	// GenerateTimeout bounds a single thumbnail generation.
	GenerateTimeout time.Duration `mapstructure:"generate_timeout"`
}

// FetchConfig holds segment fetch configuration.
type FetchConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`

	// MaxSegmentSize limits a single fetched segment after decompression.
	// Supports human-readable values like "64MB".
	MaxSegmentSize ByteSize `mapstructure:"max_segment_size"`
}

// ServerConfig holds the debug/ops HTTP server configuration.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with PLAYBUF_, using underscores for nesting.
// Example: PLAYBUF_BUFFER_MAX_BUFFER_SIZE=1GB.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/playbuf")
		v.AddConfigPath("$HOME/.playbuf")
	}

	v.SetEnvPrefix("PLAYBUF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars apply.
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
// Call before reading the config file so defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Buffer defaults
	v.SetDefault("buffer.max_buffer_size", defaultMaxBufferSize.String())
	v.SetDefault("buffer.segment_duration", defaultSegmentDuration)
	v.SetDefault("buffer.eviction_age", defaultEvictionAge)
	v.SetDefault("buffer.eviction_priority_cutoff", defaultEvictionCutoff)
	v.SetDefault("buffer.eviction_target_ratio", defaultEvictionTarget)
	v.SetDefault("buffer.health_interval", defaultHealthInterval)

	v.SetDefault("buffer.priority.near_window", defaultNearWindow)
	v.SetDefault("buffer.priority.mid_window", defaultMidWindow)
	v.SetDefault("buffer.priority.far_window", defaultFarWindow)
	v.SetDefault("buffer.priority.near_priority", defaultNearPriority)
	v.SetDefault("buffer.priority.mid_priority", defaultMidPriority)
	v.SetDefault("buffer.priority.far_priority", defaultFarPriority)
	v.SetDefault("buffer.priority.base_priority", defaultBasePriority)

	v.SetDefault("buffer.horizon.slow_speed_threshold", defaultSlowSpeedThreshold)
	v.SetDefault("buffer.horizon.medium_speed_threshold", defaultMediumSpeedThresh)
	v.SetDefault("buffer.horizon.slow_segments", defaultSlowHorizon)
	v.SetDefault("buffer.horizon.medium_segments", defaultMediumHorizon)
	v.SetDefault("buffer.horizon.fast_segments", defaultFastHorizon)

	// Decode defaults
	v.SetDefault("decode.queue_capacity", defaultQueueCapacity)
	v.SetDefault("decode.preference", "prefer-hardware")
	v.SetDefault("decode.frame_pool_capacity", defaultFramePoolCapacity)

	// Thumbnail defaults
	v.SetDefault("thumbnail.capacity", defaultThumbnailCapacity)
	v.SetDefault("thumbnail.width", defaultThumbnailWidth)
	v.SetDefault("thumbnail.height", defaultThumbnailHeight)
	v.SetDefault("thumbnail.time_bucket", defaultThumbnailBucket)
	v.SetDefault("thumbnail.generate_timeout", defaultThumbnailGenTimeout)

	// Fetch defaults
	v.SetDefault("fetch.timeout", defaultFetchTimeout)
	v.SetDefault("fetch.user_agent", "playbuf/1.0")
	v.SetDefault("fetch.max_segment_size", defaultMaxSegmentSize.String())

	// Server defaults
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", "")
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Buffer.MaxBufferSize <= 0 {
		return fmt.Errorf("buffer.max_buffer_size must be positive, got %d", c.Buffer.MaxBufferSize)
	}
	if c.Buffer.SegmentDuration <= 0 {
		return fmt.Errorf("buffer.segment_duration must be positive, got %s", c.Buffer.SegmentDuration)
	}
	if c.Buffer.EvictionTargetRatio <= 0 || c.Buffer.EvictionTargetRatio > 1 {
		return fmt.Errorf("buffer.eviction_target_ratio must be in (0, 1], got %g", c.Buffer.EvictionTargetRatio)
	}
	if err := c.Buffer.Priority.validate(); err != nil {
		return err
	}
	if err := c.Buffer.Horizon.validate(); err != nil {
		return err
	}
	if c.Decode.QueueCapacity <= 0 {
		return fmt.Errorf("decode.queue_capacity must be positive, got %d", c.Decode.QueueCapacity)
	}
	if c.Decode.Preference != "prefer-hardware" && c.Decode.Preference != "prefer-software" {
		return fmt.Errorf("decode.preference must be prefer-hardware or prefer-software, got %q", c.Decode.Preference)
	}
	if c.Decode.FramePoolCapacity <= 0 {
		return fmt.Errorf("decode.frame_pool_capacity must be positive, got %d", c.Decode.FramePoolCapacity)
	}
	if c.Thumbnail.Capacity <= 0 {
		return fmt.Errorf("thumbnail.capacity must be positive, got %d", c.Thumbnail.Capacity)
	}
	if c.Thumbnail.Width <= 0 || c.Thumbnail.Height <= 0 {
		return fmt.Errorf("thumbnail dimensions must be positive, got %dx%d", c.Thumbnail.Width, c.Thumbnail.Height)
	}
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	return nil
}

func (p *PriorityConfig) validate() error {
	if p.NearWindow <= 0 || p.MidWindow <= p.NearWindow || p.FarWindow <= p.MidWindow {
		return fmt.Errorf("priority windows must be increasing: near=%s mid=%s far=%s",
			p.NearWindow, p.MidWindow, p.FarWindow)
	}
	if p.NearPriority <= p.MidPriority || p.MidPriority <= p.FarPriority || p.FarPriority <= p.BasePriority {
		return fmt.Errorf("priority bands must be strictly decreasing: %d/%d/%d/%d",
			p.NearPriority, p.MidPriority, p.FarPriority, p.BasePriority)
	}
	return nil
}

func (h *HorizonConfig) validate() error {
	if h.SlowSpeedThreshold <= 0 || h.MediumSpeedThreshold <= h.SlowSpeedThreshold {
		return fmt.Errorf("horizon speed thresholds must be increasing: slow=%g medium=%g",
			h.SlowSpeedThreshold, h.MediumSpeedThreshold)
	}
	if h.SlowSegments <= 0 || h.MediumSegments <= 0 || h.FastSegments <= 0 {
		return fmt.Errorf("horizon segment counts must be positive: %d/%d/%d",
			h.SlowSegments, h.MediumSegments, h.FastSegments)
	}
	return nil
}
