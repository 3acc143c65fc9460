package buffer

import (
	"sync"
	"time"

	"github.com/kestrelmedia/playbuf/internal/config"
	"github.com/kestrelmedia/playbuf/internal/media"
)

// SchedulerConfig configures the preload scheduler.
type SchedulerConfig struct {
	Priority        config.PriorityConfig
	Horizon         config.HorizonConfig
	SegmentDuration time.Duration
}

// DefaultSchedulerConfig returns production defaults matching the config
// package.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Priority: config.PriorityConfig{
			NearWindow:   2 * time.Second,
			MidWindow:    5 * time.Second,
			FarWindow:    10 * time.Second,
			NearPriority: 10,
			MidPriority:  7,
			FarPriority:  4,
			BasePriority: 1,
		},
		Horizon: config.HorizonConfig{
			SlowSpeedThreshold:   1.0,
			MediumSpeedThreshold: 5.0,
			SlowSegments:         15,
			MediumSegments:       10,
			FastSegments:         5,
		},
		SegmentDuration: 2 * time.Second,
	}
}

// Scheduler decides which segments to preload around the playback position
// and what priority each segment carries. The preload horizon adapts to
// the measured network speed: slower networks buffer further ahead.
type Scheduler struct {
	config SchedulerConfig

	mu      sync.Mutex
	horizon int
}

// NewScheduler creates a scheduler starting at the medium horizon.
func NewScheduler(config SchedulerConfig) *Scheduler {
	if config.SegmentDuration <= 0 {
		config.SegmentDuration = 2 * time.Second
	}
	if config.Horizon.MediumSegments <= 0 {
		config = DefaultSchedulerConfig()
	}
	return &Scheduler{
		config:  config,
		horizon: config.Horizon.MediumSegments,
	}
}

// PriorityFor maps a segment's distance from the playback position to a
// priority band. Closer segments decode first and survive eviction longer.
func (s *Scheduler) PriorityFor(current time.Duration, r media.TimeRange) int {
	distance := r.Start - current
	if distance < 0 {
		distance = -distance
	}

	p := s.config.Priority
	switch {
	case distance < p.NearWindow:
		return p.NearPriority
	case distance < p.MidWindow:
		return p.MidPriority
	case distance < p.FarWindow:
		return p.FarPriority
	default:
		return p.BasePriority
	}
}

// HorizonFor maps a network speed estimate to a horizon in segments.
func (s *Scheduler) HorizonFor(speed float64) int {
	h := s.config.Horizon
	switch {
	case speed < h.SlowSpeedThreshold:
		return h.SlowSegments
	case speed < h.MediumSpeedThreshold:
		return h.MediumSegments
	default:
		return h.FastSegments
	}
}

// AdaptHorizon recomputes and stores the horizon for the given speed.
func (s *Scheduler) AdaptHorizon(speed float64) int {
	horizon := s.HorizonFor(speed)
	s.mu.Lock()
	s.horizon = horizon
	s.mu.Unlock()
	return horizon
}

// SetHorizon overrides the horizon directly, used by the underrun path to
// jump straight to the widest window.
func (s *Scheduler) SetHorizon(segments int) {
	s.mu.Lock()
	s.horizon = segments
	s.mu.Unlock()
}

// Horizon returns the current preload horizon in segments.
func (s *Scheduler) Horizon() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.horizon
}

// SegmentDuration returns the fixed segment length.
func (s *Scheduler) SegmentDuration() time.Duration {
	return s.config.SegmentDuration
}

// MissingSegments enumerates the horizon's segment ranges starting at the
// whole-second floor of the playback position, skipping ranges the store
// already holds.
func (s *Scheduler) MissingSegments(current time.Duration, has func(media.TimeRange) bool) []media.TimeRange {
	horizon := s.Horizon()
	start := current.Truncate(time.Second)
	if start < 0 {
		start = 0
	}

	missing := make([]media.TimeRange, 0, horizon)
	for i := 0; i < horizon; i++ {
		r := media.NewTimeRange(
			start+time.Duration(i)*s.config.SegmentDuration,
			start+time.Duration(i+1)*s.config.SegmentDuration,
		)
		if has != nil && has(r) {
			continue
		}
		missing = append(missing, r)
	}
	return missing
}
