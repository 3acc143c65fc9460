package buffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kestrelmedia/playbuf/internal/media"
)

func TestSchedulerPriorityFor_DistanceBands(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig())
	current := 10 * time.Second

	tests := []struct {
		name  string
		start time.Duration
		want  int
	}{
		{"at cursor", 10 * time.Second, 10},
		{"just ahead", 11 * time.Second, 10},
		{"just behind", 9 * time.Second, 10},
		{"mid band ahead", 13 * time.Second, 7},
		{"mid band behind", 7 * time.Second, 7},
		{"far band", 17 * time.Second, 4},
		{"beyond far window", 25 * time.Second, 1},
		{"far behind", 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := media.NewTimeRange(tt.start, tt.start+2*time.Second)
			assert.Equal(t, tt.want, s.PriorityFor(current, r))
		})
	}
}

func TestSchedulerHorizonFor_SpeedBuckets(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig())

	assert.Equal(t, 15, s.HorizonFor(0.5), "slow network buffers furthest ahead")
	assert.Equal(t, 15, s.HorizonFor(0.99))
	assert.Equal(t, 10, s.HorizonFor(1.0))
	assert.Equal(t, 10, s.HorizonFor(3))
	assert.Equal(t, 5, s.HorizonFor(5.0))
	assert.Equal(t, 5, s.HorizonFor(8))
}

func TestSchedulerAdaptHorizon(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig())
	assert.Equal(t, 10, s.Horizon(), "starts at the medium horizon")

	got := s.AdaptHorizon(0.5)
	assert.Equal(t, 15, got)
	assert.Equal(t, 15, s.Horizon())

	s.SetHorizon(3)
	assert.Equal(t, 3, s.Horizon())
}

func TestSchedulerMissingSegments(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	s := NewScheduler(cfg)
	s.SetHorizon(4)

	// Playback at 5.7s floors to 5s.
	missing := s.MissingSegments(5700*time.Millisecond, nil)
	assert.Len(t, missing, 4)
	assert.Equal(t, media.NewTimeRange(5*time.Second, 7*time.Second), missing[0])
	assert.Equal(t, media.NewTimeRange(11*time.Second, 13*time.Second), missing[3])
}

func TestSchedulerMissingSegments_SkipsExisting(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig())
	s.SetHorizon(4)

	have := map[media.TimeRange]bool{
		media.NewTimeRange(2*time.Second, 4*time.Second): true,
		media.NewTimeRange(6*time.Second, 8*time.Second): true,
	}

	missing := s.MissingSegments(0, func(r media.TimeRange) bool { return have[r] })
	assert.Equal(t, []media.TimeRange{
		media.NewTimeRange(0, 2*time.Second),
		media.NewTimeRange(4*time.Second, 6*time.Second),
	}, missing)
}

func TestSchedulerMissingSegments_NegativePositionClamps(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig())
	s.SetHorizon(2)

	missing := s.MissingSegments(-3*time.Second, nil)
	assert.Equal(t, media.NewTimeRange(0, 2*time.Second), missing[0])
}
