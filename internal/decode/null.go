package decode

import (
	"context"
	"sync"

	"github.com/kestrelmedia/playbuf/internal/media"
)

// NullDecoder accepts every chunk and completes it immediately without
// producing frames. It stands in for a platform decoder binding during
// headless operation and bring-up, letting the buffering pipeline run end
// to end without a GPU or codec library.
type NullDecoder struct {
	mu     sync.Mutex
	onDone ChunkDoneFunc
	closed bool
}

// NewNullDecoder creates a passthrough decoder.
func NewNullDecoder() *NullDecoder {
	return &NullDecoder{}
}

func (d *NullDecoder) Configure(context.Context, string, AccelPreference) error {
	return nil
}

func (d *NullDecoder) SetOnFrame(FrameFunc) {}

func (d *NullDecoder) SetOnChunkDone(fn ChunkDoneFunc) {
	d.mu.Lock()
	d.onDone = fn
	d.mu.Unlock()
}

// Decode reports the chunk complete immediately.
func (d *NullDecoder) Decode(c Chunk) error {
	d.mu.Lock()
	done := d.onDone
	closed := d.closed
	d.mu.Unlock()

	if closed {
		return media.ErrPipelineClosed
	}
	if done != nil {
		done(c.Range, nil)
	}
	return nil
}

func (d *NullDecoder) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}
