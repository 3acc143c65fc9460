package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Buffer defaults
	assert.Equal(t, 500*MB, cfg.Buffer.MaxBufferSize)
	assert.Equal(t, 2*time.Second, cfg.Buffer.SegmentDuration)
	assert.Equal(t, 30*time.Second, cfg.Buffer.EvictionAge)
	assert.Equal(t, 5, cfg.Buffer.EvictionPriorityCutoff)
	assert.InDelta(t, 0.8, cfg.Buffer.EvictionTargetRatio, 1e-9)

	// Priority bands
	assert.Equal(t, 2*time.Second, cfg.Buffer.Priority.NearWindow)
	assert.Equal(t, 10, cfg.Buffer.Priority.NearPriority)
	assert.Equal(t, 7, cfg.Buffer.Priority.MidPriority)
	assert.Equal(t, 4, cfg.Buffer.Priority.FarPriority)
	assert.Equal(t, 1, cfg.Buffer.Priority.BasePriority)

	// Horizon buckets
	assert.Equal(t, 15, cfg.Buffer.Horizon.SlowSegments)
	assert.Equal(t, 10, cfg.Buffer.Horizon.MediumSegments)
	assert.Equal(t, 5, cfg.Buffer.Horizon.FastSegments)

	// Decode defaults
	assert.Equal(t, "prefer-hardware", cfg.Decode.Preference)
	assert.Equal(t, 30, cfg.Decode.FramePoolCapacity)

	// Thumbnail defaults
	assert.Equal(t, 100, cfg.Thumbnail.Capacity)
	assert.Equal(t, 160, cfg.Thumbnail.Width)

	// Logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Server disabled by default
	assert.False(t, cfg.Server.Enabled)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
buffer:
  max_buffer_size: 64MB
  segment_duration: 4s
decode:
  preference: prefer-software
thumbnail:
  capacity: 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 64*MB, cfg.Buffer.MaxBufferSize)
	assert.Equal(t, 4*time.Second, cfg.Buffer.SegmentDuration)
	assert.Equal(t, "prefer-software", cfg.Decode.Preference)
	assert.Equal(t, 10, cfg.Thumbnail.Capacity)

	// Untouched values keep defaults
	assert.Equal(t, 15, cfg.Buffer.Horizon.SlowSegments)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PLAYBUF_DECODE_PREFERENCE", "prefer-software")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "prefer-software", cfg.Decode.Preference)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero buffer size",
			mutate:  func(c *Config) { c.Buffer.MaxBufferSize = 0 },
			wantErr: "max_buffer_size",
		},
		{
			name:    "bad eviction ratio",
			mutate:  func(c *Config) { c.Buffer.EvictionTargetRatio = 1.5 },
			wantErr: "eviction_target_ratio",
		},
		{
			name:    "non-increasing priority windows",
			mutate:  func(c *Config) { c.Buffer.Priority.MidWindow = time.Second },
			wantErr: "priority windows",
		},
		{
			name:    "non-decreasing priority bands",
			mutate:  func(c *Config) { c.Buffer.Priority.MidPriority = 10 },
			wantErr: "priority bands",
		},
		{
			name:    "bad decode preference",
			mutate:  func(c *Config) { c.Decode.Preference = "maybe" },
			wantErr: "decode.preference",
		},
		{
			name:    "zero thumbnail capacity",
			mutate:  func(c *Config) { c.Thumbnail.Capacity = 0 },
			wantErr: "thumbnail.capacity",
		},
		{
			name:    "bad horizon thresholds",
			mutate:  func(c *Config) { c.Buffer.Horizon.MediumSpeedThreshold = 0.5 },
			wantErr: "horizon speed thresholds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
