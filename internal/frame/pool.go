package frame

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultPoolCapacity is the default number of resident decoded frames.
const DefaultPoolCapacity = 30

// Pool is a bounded FIFO ring of decoded frames awaiting presentation.
// Inserting beyond capacity releases the oldest frame's resources before
// accepting the new one. Frames are owned by the pool while resident and
// by the caller after Acquire.
type Pool struct {
	mu       sync.Mutex
	capacity int
	frames   []*Frame

	importer TextureImporter
	logger   *slog.Logger

	evicted    uint64
	gpuMirrors uint64
	gpuFailed  bool
}

// NewPool creates a frame pool. importer may be nil for CPU-only handling;
// after the first import failure the importer is bypassed silently for the
// remainder of the session.
func NewPool(capacity int, importer TextureImporter, logger *slog.Logger) *Pool {
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		capacity: capacity,
		frames:   make([]*Frame, 0, capacity),
		importer: importer,
		logger:   logger,
	}
}

// Insert adds a decoded frame, evicting (and releasing) the oldest frame
// when the ring is full. The GPU mirror is attempted best-effort; a texture
// failure falls back to CPU-side handling without interrupting anything.
func (p *Pool) Insert(f *Frame) {
	if f == nil {
		return
	}

	p.mirrorToGPU(f)

	p.mu.Lock()
	var oldest *Frame
	if len(p.frames) >= p.capacity {
		oldest = p.frames[0]
		p.frames = p.frames[1:]
		p.evicted++
	}
	p.frames = append(p.frames, f)
	p.mu.Unlock()

	if oldest != nil {
		oldest.Release()
	}
}

// mirrorToGPU attaches a texture when an importer is available. Failures
// disable mirroring for the session and are logged once at debug level.
func (p *Pool) mirrorToGPU(f *Frame) {
	p.mu.Lock()
	importer := p.importer
	failed := p.gpuFailed
	p.mu.Unlock()

	if importer == nil || failed {
		return
	}

	if max := importer.MaxTextureDim(); max > 0 && (f.Width > max || f.Height > max) {
		return
	}

	tex, err := importer.ImportFrame(f)
	if err != nil {
		p.mu.Lock()
		p.gpuFailed = true
		p.mu.Unlock()
		p.logger.Debug("texture import failed, continuing with CPU bitmaps",
			slog.String("error", err.Error()),
		)
		return
	}

	f.AttachTexture(tex)
	p.mu.Lock()
	p.gpuMirrors++
	p.mu.Unlock()
}

// Acquire removes and returns the resident frame whose PTS is closest to t
// without exceeding it. Ownership (and the release obligation) transfers to
// the caller. Returns false when no frame at or before t is resident.
func (p *Pool) Acquire(t time.Duration) (*Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	best := -1
	for i, f := range p.frames {
		if f.PTS > t {
			continue
		}
		if best == -1 || f.PTS > p.frames[best].PTS {
			best = i
		}
	}
	if best == -1 {
		return nil, false
	}

	f := p.frames[best]
	p.frames = append(p.frames[:best], p.frames[best+1:]...)
	return f, true
}

// Len returns the number of resident frames.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// Capacity returns the configured ring capacity.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Evicted returns the number of frames released due to overflow.
func (p *Pool) Evicted() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evicted
}

// GPUMirrors returns the number of frames successfully mirrored to GPU.
func (p *Pool) GPUMirrors() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gpuMirrors
}

// Clear releases every resident frame and empties the ring.
func (p *Pool) Clear() {
	p.mu.Lock()
	frames := p.frames
	p.frames = make([]*Frame, 0, p.capacity)
	p.mu.Unlock()

	for _, f := range frames {
		f.Release()
	}
}
