package buffer

import (
	"sync/atomic"
)

// SpeedClass labels a network speed estimate.
type SpeedClass string

const (
	SpeedFast     SpeedClass = "fast"
	SpeedMedium   SpeedClass = "medium"
	SpeedSlow     SpeedClass = "slow"
	SpeedVerySlow SpeedClass = "very-slow"
)

// Representative speed values per class, in segment-durations per second.
// They only need to land in the right horizon bucket.
const (
	speedValueFast     = 8.0
	speedValueMedium   = 3.0
	speedValueSlow     = 0.8
	speedValueVerySlow = 0.3
)

// Controller derives a network speed estimate from buffer health and
// tracks playback underruns. The buffer fill rate is used as a proxy for
// download speed: a consistently full buffer means the network keeps up.
type Controller struct {
	underruns atomic.Uint64
}

// NewController creates an adaptive controller.
func NewController() *Controller {
	return &Controller{}
}

// ClassifyHealth maps a buffer health percentage to a speed class.
func (c *Controller) ClassifyHealth(healthPercent float64) SpeedClass {
	switch {
	case healthPercent > 80:
		return SpeedFast
	case healthPercent > 50:
		return SpeedMedium
	case healthPercent > 20:
		return SpeedSlow
	default:
		return SpeedVerySlow
	}
}

// EstimateSpeed returns a representative speed value for the current
// buffer health, suitable for Scheduler.AdaptHorizon.
func (c *Controller) EstimateSpeed(healthPercent float64) float64 {
	switch c.ClassifyHealth(healthPercent) {
	case SpeedFast:
		return speedValueFast
	case SpeedMedium:
		return speedValueMedium
	case SpeedSlow:
		return speedValueSlow
	default:
		return speedValueVerySlow
	}
}

// RecordUnderrun counts a playback stall and returns the new total.
func (c *Controller) RecordUnderrun() uint64 {
	return c.underruns.Add(1)
}

// Underruns returns the total underrun count.
func (c *Controller) Underruns() uint64 {
	return c.underruns.Load()
}
