package buffer

import (
	"sync"
	"time"
)

// Health is a point-in-time snapshot of the buffer, delivered to
// subscribers whenever the store mutates (throttled) and immediately on
// significant events such as an underrun or a decode failure.
type Health struct {
	TotalSegments   int     `json:"total_segments"`
	DecodedSegments int     `json:"decoded_segments"`
	FailedSegments  int     `json:"failed_segments"`
	HealthPercent   float64 `json:"health_percent"`

	// PlayableSeconds is the contiguous run of decoded media starting at
	// the playback position.
	PlayableSeconds float64 `json:"playable_seconds"`

	MemoryUsage int64 `json:"memory_usage"`
	MemoryCap   int64 `json:"memory_cap"`

	Underruns     uint64 `json:"underruns"`
	DroppedFrames uint64 `json:"dropped_frames"`
	Evictions     uint64 `json:"evictions"`

	// LastError carries the most recent decode failure, if any.
	LastError string `json:"last_error,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// HealthFunc receives buffer health snapshots.
type HealthFunc func(Health)

// healthHub fans health snapshots out to subscribers. Recomputation is
// throttled to at most one snapshot per interval unless forced. Callbacks
// run without the hub lock held, so subscribers may unsubscribe (or new
// ones subscribe) during delivery.
type healthHub struct {
	compute  func() Health
	interval time.Duration

	mu         sync.Mutex
	subs       map[int]HealthFunc
	nextID     int
	lastNotify time.Time
}

func newHealthHub(interval time.Duration, compute func() Health) *healthHub {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &healthHub{
		compute:  compute,
		interval: interval,
		subs:     make(map[int]HealthFunc),
	}
}

// Subscribe registers a callback and returns its unsubscribe func. The
// returned func is idempotent.
func (h *healthHub) Subscribe(fn HealthFunc) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Publish recomputes health and delivers it to subscribers. Unforced
// publishes within the throttle interval of the previous one are dropped;
// the next mutation will carry the update.
func (h *healthHub) Publish(force bool) {
	h.mu.Lock()
	if len(h.subs) == 0 {
		h.mu.Unlock()
		return
	}
	now := time.Now()
	if !force && now.Sub(h.lastNotify) < h.interval {
		h.mu.Unlock()
		return
	}
	h.lastNotify = now

	targets := make([]HealthFunc, 0, len(h.subs))
	for _, fn := range h.subs {
		targets = append(targets, fn)
	}
	h.mu.Unlock()

	snapshot := h.compute()
	for _, fn := range targets {
		fn(snapshot)
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *healthHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
