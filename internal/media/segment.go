// Package media defines the segment model shared by the buffering,
// decoding, and fetching packages.
package media

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimeRange identifies a segment by its half-open interval [Start, End)
// on the source timeline.
type TimeRange struct {
	Start time.Duration
	End   time.Duration
}

// NewTimeRange builds a TimeRange from start and end positions.
func NewTimeRange(start, end time.Duration) TimeRange {
	return TimeRange{Start: start, End: end}
}

// Duration returns the length of the range.
func (r TimeRange) Duration() time.Duration {
	return r.End - r.Start
}

// Contains reports whether t falls within [Start, End).
func (r TimeRange) Contains(t time.Duration) bool {
	return t >= r.Start && t < r.End
}

// Midpoint returns the center of the range, used for priority distance.
func (r TimeRange) Midpoint() time.Duration {
	return r.Start + r.Duration()/2
}

// Valid reports whether the range is well-formed.
func (r TimeRange) Valid() bool {
	return r.End > r.Start && r.Start >= 0
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%s,%s)", r.Start, r.End)
}

// State is the lifecycle state of a segment.
type State int

const (
	// StateFetched means the raw bytes are resident but not yet queued.
	StateFetched State = iota

	// StateQueued means the segment is waiting in the decode queue.
	StateQueued

	// StateDecoding means the segment is the single in-flight decode.
	StateDecoding

	// StateDecoded means decoded frames have been delivered.
	StateDecoded

	// StateFailed means decode failed; the segment is skipped, not retried.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateFetched:
		return "fetched"
	case StateQueued:
		return "queued"
	case StateDecoding:
		return "decoding"
	case StateDecoded:
		return "decoded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CanTransition reports whether moving from s to next is a legal
// lifecycle transition.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateFetched:
		return next == StateQueued
	case StateQueued:
		return next == StateDecoding
	case StateDecoding:
		return next == StateDecoded || next == StateFailed
	default:
		return false
	}
}

// Segment is a fixed-duration chunk of encoded media plus its buffering
// metadata. All fields except Data are owned by the segment store; Data is
// handed read-only to the decode pipeline.
type Segment struct {
	ID        uuid.UUID
	Range     TimeRange
	Data      []byte
	State     State
	Priority  int
	CreatedAt time.Time

	// InsertSeq is assigned by the store; earlier insertions win priority
	// ties during eviction and decode ordering.
	InsertSeq uint64
}

// Size returns the byte size of the segment payload.
func (s *Segment) Size() int64 {
	return int64(len(s.Data))
}

// IsEmpty reports whether the segment has no payload.
func (s *Segment) IsEmpty() bool {
	return len(s.Data) == 0
}
