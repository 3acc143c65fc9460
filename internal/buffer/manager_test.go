package buffer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kestrelmedia/playbuf/internal/config"
	"github.com/kestrelmedia/playbuf/internal/decode"
	"github.com/kestrelmedia/playbuf/internal/frame"
	"github.com/kestrelmedia/playbuf/internal/media"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// engineDecoder completes every chunk through the chunk-done callback,
// failing the configured ranges.
type engineDecoder struct {
	mu         sync.Mutex
	onDone     decode.ChunkDoneFunc
	failRanges map[media.TimeRange]bool
}

func (d *engineDecoder) Configure(context.Context, string, decode.AccelPreference) error {
	return nil
}

func (d *engineDecoder) SetOnFrame(decode.FrameFunc) {}

func (d *engineDecoder) SetOnChunkDone(fn decode.ChunkDoneFunc) {
	d.mu.Lock()
	d.onDone = fn
	d.mu.Unlock()
}

func (d *engineDecoder) Decode(c decode.Chunk) error {
	d.mu.Lock()
	fail := d.failRanges[c.Range]
	done := d.onDone
	d.mu.Unlock()

	if fail {
		done(c.Range, errors.New("bitstream error"))
		return nil
	}
	done(c.Range, nil)
	return nil
}

func (d *engineDecoder) Close() error { return nil }

// engineFetcher serves a fixed payload and records per-range call counts.
type engineFetcher struct {
	mu      sync.Mutex
	payload []byte
	failAll bool
	gate    chan struct{}
	calls   map[media.TimeRange]int
}

func newEngineFetcher() *engineFetcher {
	return &engineFetcher{
		payload: []byte("segmentbytes"),
		calls:   make(map[media.TimeRange]int),
	}
}

func (f *engineFetcher) FetchSegment(ctx context.Context, url string, r media.TimeRange) ([]byte, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &media.FetchError{URL: url, Range: r, Err: ctx.Err()}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[r]++
	if f.failAll {
		return nil, &media.FetchError{URL: url, Range: r, Err: errors.New("connection refused")}
	}
	return f.payload, nil
}

func (f *engineFetcher) callCount(r media.TimeRange) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[r]
}

func (f *engineFetcher) setFailAll(fail bool) {
	f.mu.Lock()
	f.failAll = fail
	f.mu.Unlock()
}

func engineTestConfig() config.Config {
	var cfg config.Config
	cfg.Buffer.MaxBufferSize = config.ByteSize(1 << 20)
	cfg.Buffer.SegmentDuration = 2 * time.Second
	cfg.Buffer.EvictionAge = 30 * time.Second
	cfg.Buffer.EvictionPriorityCutoff = 5
	cfg.Buffer.EvictionTargetRatio = 0.8
	cfg.Buffer.HealthInterval = time.Millisecond
	cfg.Buffer.Priority = config.PriorityConfig{
		NearWindow: 2 * time.Second, MidWindow: 5 * time.Second, FarWindow: 10 * time.Second,
		NearPriority: 10, MidPriority: 7, FarPriority: 4, BasePriority: 1,
	}
	cfg.Buffer.Horizon = config.HorizonConfig{
		SlowSpeedThreshold:   1.0,
		MediumSpeedThreshold: 5.0,
		SlowSegments:         15,
		MediumSegments:       10,
		FastSegments:         5,
	}
	cfg.Decode.QueueCapacity = 64
	return cfg
}

func newTestEngine(t *testing.T, dec *engineDecoder, f *engineFetcher) *Engine {
	t.Helper()
	e := NewEngine(EngineOptions{
		Config:  engineTestConfig(),
		Decoder: dec,
		Fetcher: f,
		Pool:    frame.NewPool(4, nil, nil),
		Logger:  slog.New(slog.DiscardHandler),
	})
	e.Start()
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func TestEngineAddSegment_DecodesAndServesLookups(t *testing.T) {
	e := newTestEngine(t, &engineDecoder{}, nil)

	id, err := e.AddSegment(segRange(0), []byte("payload"), 10)
	require.NoError(t, err)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", id.String())

	require.Eventually(t, func() bool {
		return e.Metrics().DecodedSegments == 1
	}, time.Second, 5*time.Millisecond)

	seg, err := e.GetSegment(1 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, segRange(0), seg.Range)
	assert.Equal(t, media.StateDecoded, seg.State)

	_, err = e.GetSegment(30 * time.Second)
	assert.ErrorIs(t, err, media.ErrSegmentNotFound)
}

func TestEngineAddSegment_Validation(t *testing.T) {
	e := newTestEngine(t, &engineDecoder{}, nil)

	_, err := e.AddSegment(segRange(0), nil, 5)
	assert.ErrorIs(t, err, media.ErrEmptySegment)

	_, err = e.AddSegment(segRange(0), []byte("x"), 5)
	require.NoError(t, err)
	_, err = e.AddSegment(segRange(0), []byte("y"), 5)
	assert.ErrorIs(t, err, media.ErrSegmentExists)
}

func TestEngineAddSegment_AfterClose(t *testing.T) {
	e := NewEngine(EngineOptions{
		Config:  engineTestConfig(),
		Decoder: &engineDecoder{},
		Pool:    frame.NewPool(4, nil, nil),
		Logger:  slog.New(slog.DiscardHandler),
	})
	e.Start()
	require.NoError(t, e.Close())

	_, err := e.AddSegment(segRange(0), []byte("x"), 5)
	assert.ErrorIs(t, err, media.ErrStoreClosed)
}

func TestEngineAdaptiveBuffering_HorizonBuckets(t *testing.T) {
	e := newTestEngine(t, &engineDecoder{}, nil)
	ctx := context.Background()

	assert.Equal(t, 15, e.AdaptiveBuffering(ctx, 0.5, 0), "slow network widens the horizon")
	assert.Equal(t, 10, e.AdaptiveBuffering(ctx, 3, 0))
	assert.Equal(t, 5, e.AdaptiveBuffering(ctx, 8, 0))
	assert.Equal(t, 5, e.Metrics().Horizon)
}

func TestEnginePreload_FillsHorizon(t *testing.T) {
	f := newEngineFetcher()
	e := newTestEngine(t, &engineDecoder{}, f)
	ctx := context.Background()

	e.AdaptiveBuffering(ctx, 8, 0) // horizon 5
	e.PreloadAroundTime(ctx, 0, "http://delivery.local/stream")

	require.Eventually(t, func() bool {
		return e.Metrics().DecodedSegments == 5
	}, time.Second, 5*time.Millisecond)

	// Near segment got the top priority band.
	seg, err := e.GetSegment(1 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 10, seg.Priority)
}

func TestEnginePreload_DeduplicatesInflightFetches(t *testing.T) {
	f := newEngineFetcher()
	f.gate = make(chan struct{})
	e := newTestEngine(t, &engineDecoder{}, f)
	ctx := context.Background()

	e.AdaptiveBuffering(ctx, 8, 0)
	e.PreloadAroundTime(ctx, 0, "http://delivery.local/stream")
	e.PreloadAroundTime(ctx, 0, "http://delivery.local/stream")
	close(f.gate)

	require.Eventually(t, func() bool {
		return e.Metrics().TotalSegments == 5
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, f.callCount(segRange(0)), "concurrent preloads share one fetch")
}

func TestEngineUnderrun_WidensHorizonAndElevatesPriority(t *testing.T) {
	f := newEngineFetcher()
	e := newTestEngine(t, &engineDecoder{}, f)
	ctx := context.Background()

	// Establish the source URL without admitting anything.
	f.setFailAll(true)
	e.PreloadAroundTime(ctx, 0, "http://delivery.local/stream")
	f.setFailAll(false)

	e.OnBufferUnderrun(ctx)

	m := e.Metrics()
	assert.Equal(t, uint64(1), m.Underruns)
	assert.Equal(t, 15, m.Horizon, "underrun jumps to the widest horizon")

	// A segment far outside the priority windows still gets the emergency
	// priority.
	farRange := segRange(20)
	require.Eventually(t, func() bool {
		seg, err := e.GetSegment(farRange.Start)
		return err == nil && seg.Priority == 10
	}, time.Second, 5*time.Millisecond)
}

// Admission (store insert + decode queue push) and seeks (priority
// recompute across every resident segment) run from different goroutines
// in production: fetch workers versus the player loop. Exercised under the
// race detector this pins down that queue ordering never reads segment
// fields the store is rewriting.
func TestEngine_ConcurrentAdmissionAndSeek(t *testing.T) {
	f := newEngineFetcher()
	f.setFailAll(true)
	e := newTestEngine(t, &engineDecoder{}, f)
	ctx := context.Background()

	const segments = 40

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < segments; i++ {
			_, err := e.AddSegment(segRange(i*2), []byte("payload"), 1+i%9)
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < segments; i++ {
			e.PreloadAroundTime(ctx, time.Duration(i)*time.Second, "http://delivery.local/stream")
		}
	}()
	wg.Wait()

	require.Eventually(t, func() bool {
		return e.Metrics().DecodedSegments == segments
	}, time.Second, 5*time.Millisecond)
}

func TestEngineDecodeFailure_SurfacesInHealthAndContinues(t *testing.T) {
	dec := &engineDecoder{failRanges: map[media.TimeRange]bool{segRange(0): true}}
	e := newTestEngine(t, dec, nil)

	var mu sync.Mutex
	var lastErr string
	unsub := e.OnBufferHealth(func(h Health) {
		mu.Lock()
		if h.LastError != "" {
			lastErr = h.LastError
		}
		mu.Unlock()
	})
	defer unsub()

	_, err := e.AddSegment(segRange(0), []byte("bad"), 10)
	require.NoError(t, err)
	_, err = e.AddSegment(segRange(2), []byte("good"), 9)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		m := e.Metrics()
		return m.FailedSegments == 1 && m.DecodedSegments == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, lastErr, "bitstream error")
}

func TestEngineClear_ResetsCounters(t *testing.T) {
	e := newTestEngine(t, &engineDecoder{}, nil)

	for i := 0; i < 4; i++ {
		_, err := e.AddSegment(segRange(i*2), []byte("data"), 5)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return e.Metrics().DecodedSegments == 4
	}, time.Second, 5*time.Millisecond)

	e.Clear()

	m := e.Metrics()
	assert.Zero(t, m.TotalSegments)
	assert.Zero(t, m.MemoryUsage)
	assert.Zero(t, m.QueueLen)
	assert.Zero(t, m.FramePoolLen)

	// Engine stays usable.
	_, err := e.AddSegment(segRange(0), []byte("fresh"), 5)
	require.NoError(t, err)
}

func TestEngineHealthSubscription_Unsubscribe(t *testing.T) {
	e := newTestEngine(t, &engineDecoder{}, nil)

	var mu sync.Mutex
	count := 0
	unsub := e.OnBufferHealth(func(Health) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	e.Clear() // forced publish
	mu.Lock()
	first := count
	mu.Unlock()
	assert.Positive(t, first)

	unsub()
	e.Clear()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, first, count)
}

func TestEngineFrameDropCounter(t *testing.T) {
	e := newTestEngine(t, &engineDecoder{}, nil)

	e.OnFrameDrop()
	e.OnFrameDrop()
	assert.Equal(t, uint64(2), e.Metrics().DroppedFrames)
}

func TestEngineEstimateSpeed_TracksHealth(t *testing.T) {
	e := newTestEngine(t, &engineDecoder{}, nil)

	// Empty buffer reads as very slow.
	assert.Less(t, e.EstimateSpeed(), 1.0)

	for i := 0; i < 3; i++ {
		_, err := e.AddSegment(segRange(i*2), []byte("data"), 5)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return e.Metrics().DecodedSegments == 3
	}, time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, e.EstimateSpeed(), 5.0, "fully decoded buffer reads as fast")
}
