// Package frame manages decoded frame lifecycle: a bounded pool of
// presentable frames and optional best-effort GPU texture mirroring.
package frame

import (
	"sync"
	"time"
)

// Texture is an opaque GPU-side mirror of a decoded frame. Implementations
// are provided by the embedding platform and are strictly best-effort.
type Texture interface {
	// Destroy releases the GPU resource. Must be safe to call once.
	Destroy()
}

// TextureImporter creates GPU textures from decoded frames. It is optional:
// a nil importer means CPU-only bitmap handling. Any error from the importer
// is treated as a silent fallback, never a decode failure.
type TextureImporter interface {
	// CreateTexture allocates an empty texture, used by the capability
	// probe to verify GPU support.
	CreateTexture(width, height int) (Texture, error)

	// ImportFrame mirrors the frame's pixels into GPU memory.
	ImportFrame(f *Frame) (Texture, error)

	// MaxTextureDim returns the largest supported texture dimension.
	MaxTextureDim() int

	// Info returns vendor and renderer identifiers for diagnostics.
	Info() (vendor, renderer string)
}

// Frame is an opaque decoded-image resource with explicit release.
// It is exclusively owned by the Pool while resident; once acquired, the
// consumer must call Release exactly once.
type Frame struct {
	// PTS is the presentation timestamp on the source timeline.
	PTS time.Duration

	// Width and Height are the pixel dimensions.
	Width  int
	Height int

	releaseOnce sync.Once
	release     func()

	mu      sync.Mutex
	texture Texture
}

// NewFrame wraps a platform decode result. release frees the underlying
// image resource and may be nil for frames without native backing.
func NewFrame(pts time.Duration, width, height int, release func()) *Frame {
	return &Frame{PTS: pts, Width: width, Height: height, release: release}
}

// AttachTexture records a GPU mirror for the frame. An existing mirror is
// destroyed first.
func (f *Frame) AttachTexture(t Texture) {
	f.mu.Lock()
	prev := f.texture
	f.texture = t
	f.mu.Unlock()

	if prev != nil {
		prev.Destroy()
	}
}

// Texture returns the GPU mirror, or nil when the frame is CPU-only.
func (f *Frame) Texture() Texture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.texture
}

// Release frees the frame's underlying resources. Safe to call more than
// once; only the first call has effect.
func (f *Frame) Release() {
	f.releaseOnce.Do(func() {
		f.mu.Lock()
		tex := f.texture
		f.texture = nil
		f.mu.Unlock()

		if tex != nil {
			tex.Destroy()
		}
		if f.release != nil {
			f.release()
		}
	})
}
