// Package thumbs provides the seek-bar thumbnail cache: an LRU of encoded
// thumbnails keyed by source and time bucket, with deduplicated
// generation.
package thumbs

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"golang.org/x/image/draw"
)

// Generator produces a full-size still for a source at a playback time.
// Implementations typically seek a secondary decoder; failures are
// returned, not retried here.
type Generator interface {
	Generate(ctx context.Context, sourceID string, t time.Duration) (image.Image, error)
}

// GeneratorFunc adapts a func to the Generator interface.
type GeneratorFunc func(ctx context.Context, sourceID string, t time.Duration) (image.Image, error)

func (f GeneratorFunc) Generate(ctx context.Context, sourceID string, t time.Duration) (image.Image, error) {
	return f(ctx, sourceID, t)
}

// jpegQuality for encoded thumbnails. Seek-bar previews are small enough
// that a mid quality is indistinguishable.
const jpegQuality = 80

// renderThumbnail scales a still to fit within width x height, preserving
// aspect ratio, and encodes it as JPEG.
func renderThumbnail(src image.Image, width, height int) ([]byte, error) {
	bounds := src.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("source image has empty bounds %v", bounds)
	}

	dstW, dstH := fitWithin(bounds.Dx(), bounds.Dy(), width, height)
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encoding thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// fitWithin scales (srcW, srcH) down to fit inside (maxW, maxH) keeping
// aspect ratio. Images already smaller pass through unscaled.
func fitWithin(srcW, srcH, maxW, maxH int) (int, int) {
	if srcW <= maxW && srcH <= maxH {
		return srcW, srcH
	}

	scaleW := float64(maxW) / float64(srcW)
	scaleH := float64(maxH) / float64(srcH)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}

	w := int(float64(srcW) * scale)
	h := int(float64(srcH) * scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}
