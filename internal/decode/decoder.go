// Package decode drives the platform-provided decoder: capability probing,
// a serialized decode pipeline, and codec support detection. It performs no
// bit-level codec work itself.
package decode

import (
	"context"

	"github.com/kestrelmedia/playbuf/internal/frame"
	"github.com/kestrelmedia/playbuf/internal/media"
)

// AccelPreference selects the acceleration path requested from the
// platform decoder.
type AccelPreference string

const (
	// PreferHardware asks for hardware decode, allowing the platform to
	// refuse.
	PreferHardware AccelPreference = "prefer-hardware"

	// PreferSoftware forces the software path.
	PreferSoftware AccelPreference = "prefer-software"
)

// ParsePreference maps a configuration string to an AccelPreference,
// defaulting to PreferHardware.
func ParsePreference(s string) AccelPreference {
	if s == string(PreferSoftware) {
		return PreferSoftware
	}
	return PreferHardware
}

// Chunk is one encoded segment handed to the decoder.
type Chunk struct {
	Range media.TimeRange
	Data  []byte
}

// FrameFunc receives decoded frames asynchronously. The callback owns the
// frame and must Release it or hand it to an owner that will.
type FrameFunc func(*frame.Frame)

// ChunkDoneFunc reports completion of one submitted chunk. A nil error
// means all of its frames were delivered.
type ChunkDoneFunc func(r media.TimeRange, err error)

// Decoder is the platform decoding capability consumed by this package.
// Decode is asynchronous: frames arrive via the callback registered with
// SetOnFrame, possibly after Decode returns.
type Decoder interface {
	// Configure prepares the decoder for a codec with the given
	// acceleration preference. Returning an error means this path is
	// unavailable; the probe falls back.
	Configure(ctx context.Context, codec string, pref AccelPreference) error

	// SetOnFrame registers the frame delivery callback. Must be called
	// before Decode.
	SetOnFrame(fn FrameFunc)

	// SetOnChunkDone registers the per-chunk completion callback. Must be
	// called before Decode.
	SetOnChunkDone(fn ChunkDoneFunc)

	// Decode submits one encoded chunk. The call must not block on the
	// actual decode work.
	Decode(chunk Chunk) error

	// Close releases decoder resources.
	Close() error
}

// CodecLister is optionally implemented by decoders that can enumerate
// their supported codecs.
type CodecLister interface {
	SupportedCodecs() []string
}
