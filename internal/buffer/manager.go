package buffer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/kestrelmedia/playbuf/internal/config"
	"github.com/kestrelmedia/playbuf/internal/decode"
	"github.com/kestrelmedia/playbuf/internal/fetch"
	"github.com/kestrelmedia/playbuf/internal/frame"
	"github.com/kestrelmedia/playbuf/internal/media"
)

// defaultFetchConcurrency bounds parallel segment fetches per engine.
const defaultFetchConcurrency = 4

// EngineOptions wires the engine's collaborators.
type EngineOptions struct {
	Config  config.Config
	Decoder decode.Decoder
	Fetcher fetch.Fetcher
	Pool    *frame.Pool
	Logger  *slog.Logger

	// FetchConcurrency bounds parallel preload fetches. Zero means the
	// default.
	FetchConcurrency int
}

// Metrics is the engine's aggregate counters, served over the debug API.
type Metrics struct {
	SessionID string `json:"session_id"`

	TotalSegments   int   `json:"total_segments"`
	DecodedSegments int   `json:"decoded_segments"`
	FailedSegments  int   `json:"failed_segments"`
	MemoryUsage     int64 `json:"memory_usage"`
	MemoryCap       int64 `json:"memory_cap"`

	QueueLen int `json:"queue_len"`
	Horizon  int `json:"horizon"`

	Underruns     uint64 `json:"underruns"`
	DroppedFrames uint64 `json:"dropped_frames"`
	Evictions     uint64 `json:"evictions"`

	FramePoolLen     int    `json:"frame_pool_len"`
	FramePoolEvicted uint64 `json:"frame_pool_evicted"`
}

// Engine is the playback buffering facade: it owns the segment store, the
// preload scheduler, the decode pipeline, and the adaptive controller, and
// exposes the operations a player calls during playback.
type Engine struct {
	sessionID ulid.ULID
	logger    *slog.Logger

	store    *Store
	sched    *Scheduler
	ctrl     *Controller
	hub      *healthHub
	pipeline *decode.Pipeline
	fetcher  fetch.Fetcher
	pool     *frame.Pool

	mu          sync.Mutex
	currentTime time.Duration
	sourceURL   string
	lastError   string
	inflight    map[media.TimeRange]struct{}

	fetchSem chan struct{}
	wg       sync.WaitGroup

	droppedFrames atomic.Uint64
	closed        atomic.Bool
}

// NewEngine builds an engine from its options. Call Start before use and
// Close on shutdown.
func NewEngine(opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	concurrency := opts.FetchConcurrency
	if concurrency <= 0 {
		concurrency = defaultFetchConcurrency
	}

	buf := opts.Config.Buffer
	e := &Engine{
		sessionID: ulid.Make(),
		logger:    logger.With(slog.String("component", "engine")),
		ctrl:      NewController(),
		fetcher:   opts.Fetcher,
		pool:      opts.Pool,
		inflight:  make(map[media.TimeRange]struct{}),
		fetchSem:  make(chan struct{}, concurrency),
	}

	e.store = NewStore(StoreConfig{
		MaxBufferSize:          int64(buf.MaxBufferSize),
		EvictionAge:            buf.EvictionAge,
		EvictionPriorityCutoff: buf.EvictionPriorityCutoff,
		EvictionTargetRatio:    buf.EvictionTargetRatio,
	}, logger)

	e.sched = NewScheduler(SchedulerConfig{
		Priority:        buf.Priority,
		Horizon:         buf.Horizon,
		SegmentDuration: buf.SegmentDuration,
	})

	e.hub = newHealthHub(buf.HealthInterval, e.computeHealth)

	e.pipeline = decode.NewPipeline(
		opts.Decoder,
		opts.Pool,
		e.store,
		decode.Events{
			OnDecoded: func(media.TimeRange) {
				e.hub.Publish(false)
			},
			OnFailed: func(err *media.DecodeError) {
				e.mu.Lock()
				e.lastError = err.Error()
				e.mu.Unlock()
				e.hub.Publish(true)
			},
		},
		opts.Config.Decode.QueueCapacity,
		logger,
	)

	return e
}

// SessionID returns the engine's playback session identifier.
func (e *Engine) SessionID() string {
	return e.sessionID.String()
}

// Start launches the decode worker.
func (e *Engine) Start() {
	e.pipeline.Start()
	e.logger.Info("engine started", slog.String("session", e.SessionID()))
}

// AddSegment admits fetched bytes for the given range and queues the
// segment for decoding. The returned ID identifies the segment for the
// engine's lifetime.
func (e *Engine) AddSegment(r media.TimeRange, data []byte, priority int) (uuid.UUID, error) {
	if e.closed.Load() {
		return uuid.Nil, media.ErrStoreClosed
	}

	id, err := e.store.Add(r, data, priority)
	if err != nil {
		return uuid.Nil, err
	}

	if err := e.pipeline.Submit(r, priority); err != nil {
		// Queue saturation is not fatal: the segment stays resident and
		// the next preload pass re-submits it.
		e.logger.Warn("decode submit failed",
			slog.String("range", r.String()),
			slog.String("error", err.Error()),
		)
	}

	e.hub.Publish(false)
	return id, nil
}

// GetSegment returns the segment covering the given playback time.
func (e *Engine) GetSegment(t time.Duration) (*media.Segment, error) {
	seg, ok := e.store.Get(t)
	if !ok {
		return nil, media.ErrSegmentNotFound
	}
	return seg, nil
}

// PreloadAroundTime recomputes priorities relative to the new playback
// position and fetches the horizon's missing segments from sourceURL.
func (e *Engine) PreloadAroundTime(ctx context.Context, t time.Duration, sourceURL string) {
	if e.closed.Load() {
		return
	}

	e.mu.Lock()
	e.currentTime = t
	if sourceURL != "" {
		e.sourceURL = sourceURL
	}
	url := e.sourceURL
	e.mu.Unlock()

	e.store.RecomputePriorities(func(r media.TimeRange) int {
		return e.sched.PriorityFor(t, r)
	})

	e.preload(ctx, t, url, 0)
}

// AdaptiveBuffering resizes the preload horizon for the measured network
// speed and preloads against the new horizon.
func (e *Engine) AdaptiveBuffering(ctx context.Context, speed float64, t time.Duration) int {
	horizon := e.sched.AdaptHorizon(speed)
	e.logger.Debug("horizon adapted",
		slog.Float64("speed", speed),
		slog.Int("horizon", horizon),
	)
	e.PreloadAroundTime(ctx, t, "")
	return horizon
}

// OnBufferUnderrun reacts to a playback stall: widen the horizon to its
// maximum and issue an emergency preload at elevated priority.
func (e *Engine) OnBufferUnderrun(ctx context.Context) {
	total := e.ctrl.RecordUnderrun()
	e.sched.SetHorizon(e.sched.config.Horizon.SlowSegments)

	e.mu.Lock()
	t := e.currentTime
	url := e.sourceURL
	e.mu.Unlock()

	e.logger.Warn("buffer underrun",
		slog.Uint64("total", total),
		slog.Duration("position", t),
	)

	e.preload(ctx, t, url, e.sched.config.Priority.NearPriority)
	e.hub.Publish(true)
}

// OnFrameDrop counts a dropped frame reported by the renderer.
func (e *Engine) OnFrameDrop() {
	e.droppedFrames.Add(1)
	e.hub.Publish(false)
}

// OnBufferHealth subscribes to health snapshots. The returned func
// unsubscribes.
func (e *Engine) OnBufferHealth(fn HealthFunc) func() {
	return e.hub.Subscribe(fn)
}

// Health computes a point-in-time snapshot directly.
func (e *Engine) Health() Health {
	return e.computeHealth()
}

// EstimateSpeed derives a network speed estimate from the current buffer
// health, usable as the speed input to AdaptiveBuffering.
func (e *Engine) EstimateSpeed() float64 {
	return e.ctrl.EstimateSpeed(e.computeHealth().HealthPercent)
}

// Metrics returns the engine's aggregate counters.
func (e *Engine) Metrics() Metrics {
	counts := e.store.CountByState()

	m := Metrics{
		SessionID:       e.SessionID(),
		TotalSegments:   e.store.Count(),
		DecodedSegments: counts[media.StateDecoded],
		FailedSegments:  counts[media.StateFailed],
		MemoryUsage:     e.store.Usage(),
		MemoryCap:       e.store.config.MaxBufferSize,
		QueueLen:        e.pipeline.QueueLen(),
		Horizon:         e.sched.Horizon(),
		Underruns:       e.ctrl.Underruns(),
		DroppedFrames:   e.droppedFrames.Load(),
		Evictions:       e.store.Evictions(),
	}
	if e.pool != nil {
		m.FramePoolLen = e.pool.Len()
		m.FramePoolEvicted = e.pool.Evicted()
	}
	return m
}

// Clear drops all buffered segments, pending decodes, and pooled frames,
// and resets memory accounting. An in-flight decode is not cancelled; its
// eventual result is discarded.
func (e *Engine) Clear() {
	e.pipeline.Clear()
	e.store.Clear()
	if e.pool != nil {
		e.pool.Clear()
	}

	e.mu.Lock()
	e.lastError = ""
	e.mu.Unlock()

	e.logger.Info("buffer cleared", slog.String("session", e.SessionID()))
	e.hub.Publish(true)
}

// Close stops the decode worker, waits for outstanding fetches, and closes
// the decoder.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := e.pipeline.Close()
	e.wg.Wait()
	e.logger.Info("engine closed", slog.String("session", e.SessionID()))
	return err
}

// preload fetches the horizon's missing segments around t. minPriority
// elevates every fetched segment to at least that priority (the underrun
// path). Fetch failures are logged, not retried: the next preload pass
// re-requests the range.
func (e *Engine) preload(ctx context.Context, t time.Duration, url string, minPriority int) {
	if e.fetcher == nil || url == "" {
		return
	}

	missing := e.sched.MissingSegments(t, e.store.Has)
	for _, r := range missing {
		if !e.claimFetch(r) {
			continue
		}

		priority := e.sched.PriorityFor(t, r)
		if priority < minPriority {
			priority = minPriority
		}

		e.wg.Add(1)
		go e.fetchOne(ctx, url, r, priority)
	}
}

// claimFetch marks a range in flight, deduplicating concurrent preloads.
func (e *Engine) claimFetch(r media.TimeRange) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[r]; busy {
		return false
	}
	e.inflight[r] = struct{}{}
	return true
}

func (e *Engine) fetchOne(ctx context.Context, url string, r media.TimeRange, priority int) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, r)
		e.mu.Unlock()
	}()

	select {
	case e.fetchSem <- struct{}{}:
		defer func() { <-e.fetchSem }()
	case <-ctx.Done():
		return
	}

	data, err := e.fetcher.FetchSegment(ctx, url, r)
	if err != nil {
		e.logger.Warn("segment fetch failed",
			slog.String("range", r.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	if _, err := e.AddSegment(r, data, priority); err != nil {
		e.logger.Debug("fetched segment not admitted",
			slog.String("range", r.String()),
			slog.String("error", err.Error()),
		)
	}
}

// computeHealth builds a health snapshot from the store and counters.
func (e *Engine) computeHealth() Health {
	counts := e.store.CountByState()
	total := e.store.Count()

	e.mu.Lock()
	t := e.currentTime
	lastErr := e.lastError
	e.mu.Unlock()

	decoded := counts[media.StateDecoded]
	var pct float64
	if total > 0 {
		pct = float64(decoded) / float64(total) * 100
	}

	return Health{
		TotalSegments:   total,
		DecodedSegments: decoded,
		FailedSegments:  counts[media.StateFailed],
		HealthPercent:   pct,
		PlayableSeconds: e.store.ContiguousDecoded(t).Seconds(),
		MemoryUsage:     e.store.Usage(),
		MemoryCap:       e.store.config.MaxBufferSize,
		Underruns:       e.ctrl.Underruns(),
		DroppedFrames:   e.droppedFrames.Load(),
		Evictions:       e.store.Evictions(),
		LastError:       lastErr,
		Timestamp:       time.Now(),
	}
}
