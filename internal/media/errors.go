package media

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the buffering packages.
var (
	// ErrEmptySegment indicates an AddSegment call with no payload.
	ErrEmptySegment = errors.New("segment payload is empty")

	// ErrInvalidRange indicates a malformed segment time range.
	ErrInvalidRange = errors.New("invalid segment time range")

	// ErrSegmentExists indicates a duplicate (start, end) key.
	ErrSegmentExists = errors.New("segment already exists for time range")

	// ErrSegmentNotFound indicates no segment covers the requested time.
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrStoreClosed indicates an operation on a cleared/closed store.
	ErrStoreClosed = errors.New("segment store is closed")

	// ErrMemoryPressure indicates a segment cannot be admitted under the
	// memory cap even after eviction ran.
	ErrMemoryPressure = errors.New("memory cap reached, no eviction candidates")

	// ErrQueueFull indicates the decode queue is at capacity.
	ErrQueueFull = errors.New("decode queue is full")

	// ErrPipelineClosed indicates a submit to a stopped pipeline.
	ErrPipelineClosed = errors.New("decode pipeline is closed")
)

// FetchError wraps a network or range failure while fetching a segment.
// Fetches are not retried internally; the caller re-issues the preload.
type FetchError struct {
	URL   string
	Range TimeRange
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching segment %s from %s: %v", e.Range, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// DecodeError wraps a decoder failure for one segment. The pipeline marks
// the segment failed, surfaces the error through the health channel, and
// keeps draining.
type DecodeError struct {
	Range TimeRange
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding segment %s: %v", e.Range, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// CapabilityError records an internal probe failure. It is logged and
// resolved to the conservative fallback, never surfaced as fatal.
type CapabilityError struct {
	Stage string // "hardware", "software", "texture"
	Err   error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability probe (%s): %v", e.Stage, e.Err)
}

func (e *CapabilityError) Unwrap() error {
	return e.Err
}
