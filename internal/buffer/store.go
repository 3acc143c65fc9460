// Package buffer implements the playback buffering core: the segment
// store with priority eviction, the preload scheduler, buffer health
// reporting, and the adaptive horizon controller, composed behind the
// Engine facade.
package buffer

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelmedia/playbuf/internal/media"
)

// StoreConfig configures the segment store.
type StoreConfig struct {
	// MaxBufferSize is the memory cap for resident segment bytes.
	MaxBufferSize int64

	// EvictionAge is the minimum age before a segment becomes an
	// eviction candidate.
	EvictionAge time.Duration

	// EvictionPriorityCutoff excludes segments at or above this priority
	// from the candidate set.
	EvictionPriorityCutoff int

	// EvictionTargetRatio is the usage fraction eviction drives towards
	// once triggered.
	EvictionTargetRatio float64
}

// DefaultStoreConfig returns production defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxBufferSize:          500 * 1024 * 1024,
		EvictionAge:            30 * time.Second,
		EvictionPriorityCutoff: 5,
		EvictionTargetRatio:    0.8,
	}
}

// Store owns segment metadata and raw bytes keyed by time range, and
// enforces the memory cap via eviction. All mutation goes through the
// store's single lock; reads hand out segment pointers whose Data the
// callers treat as read-only.
type Store struct {
	config StoreConfig
	logger *slog.Logger

	mu       sync.Mutex
	segments map[media.TimeRange]*media.Segment
	pins     map[media.TimeRange]int
	usage    int64
	nextSeq  uint64

	evictions uint64

	// bufPool recycles payload buffers freed by eviction.
	bufPool sync.Pool

	// now is replaceable for eviction-age tests.
	now func() time.Time
}

// NewStore creates a segment store.
func NewStore(config StoreConfig, logger *slog.Logger) *Store {
	if config.MaxBufferSize <= 0 {
		config = DefaultStoreConfig()
	}
	if config.EvictionTargetRatio <= 0 || config.EvictionTargetRatio > 1 {
		config.EvictionTargetRatio = 0.8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		config:   config,
		logger:   logger,
		segments: make(map[media.TimeRange]*media.Segment),
		pins:     make(map[media.TimeRange]int),
		now:      time.Now,
	}
}

// Add inserts a fetched segment. If admitting it would exceed the memory
// cap, eviction runs first. The payload is copied into a pooled buffer so
// the caller's slice is not retained.
func (s *Store) Add(r media.TimeRange, data []byte, priority int) (uuid.UUID, error) {
	if len(data) == 0 {
		return uuid.Nil, media.ErrEmptySegment
	}
	if !r.Valid() {
		return uuid.Nil, media.ErrInvalidRange
	}

	size := int64(len(data))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.segments[r]; exists {
		return uuid.Nil, media.ErrSegmentExists
	}

	if s.usage+size > s.config.MaxBufferSize {
		s.evictLocked(size)
	}
	if s.usage+size > s.config.MaxBufferSize {
		// Candidates exhausted and the segment still does not fit: the
		// cap is a hard invariant, so refuse rather than overshoot.
		return uuid.Nil, media.ErrMemoryPressure
	}

	seg := &media.Segment{
		ID:        uuid.New(),
		Range:     r,
		Data:      s.leaseBuffer(data),
		State:     media.StateFetched,
		Priority:  priority,
		CreatedAt: s.now(),
		InsertSeq: s.nextSeq,
	}
	s.nextSeq++

	s.segments[r] = seg
	s.usage += size
	return seg.ID, nil
}

// leaseBuffer copies data into a recycled buffer when one with enough
// capacity is available.
func (s *Store) leaseBuffer(data []byte) []byte {
	if pooled, ok := s.bufPool.Get().(*[]byte); ok && cap(*pooled) >= len(data) {
		buf := (*pooled)[:len(data)]
		copy(buf, data)
		return buf
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf
}

// evictLocked removes eviction candidates (older than EvictionAge, below
// the priority cutoff, not pinned) in ascending priority order until usage
// plus the incoming size falls under the target ratio of the cap, or
// candidates are exhausted. Freed buffers return to the reuse pool.
func (s *Store) evictLocked(incoming int64) {
	cutoffTime := s.now().Add(-s.config.EvictionAge)

	candidates := make([]*media.Segment, 0, len(s.segments))
	for r, seg := range s.segments {
		if s.pins[r] > 0 {
			continue
		}
		if seg.State == media.StateDecoding {
			continue
		}
		if seg.Priority >= s.config.EvictionPriorityCutoff {
			continue
		}
		if seg.CreatedAt.After(cutoffTime) {
			continue
		}
		candidates = append(candidates, seg)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].InsertSeq < candidates[j].InsertSeq
	})

	target := int64(float64(s.config.MaxBufferSize) * s.config.EvictionTargetRatio)
	for _, seg := range candidates {
		if s.usage+incoming <= target {
			break
		}
		s.removeLocked(seg.Range)
		s.evictions++
	}

	if s.usage+incoming > s.config.MaxBufferSize {
		s.logger.Debug("eviction candidates exhausted",
			slog.Int64("usage", s.usage),
			slog.Int64("incoming", incoming),
			slog.Int64("cap", s.config.MaxBufferSize),
		)
	}
}

// removeLocked drops a segment and recycles its buffer.
func (s *Store) removeLocked(r media.TimeRange) {
	seg, ok := s.segments[r]
	if !ok {
		return
	}
	delete(s.segments, r)
	s.usage -= seg.Size()

	buf := seg.Data[:0]
	seg.Data = nil
	s.bufPool.Put(&buf)
}

// Get returns the segment covering the given playback time.
func (s *Store) Get(t time.Duration) (*media.Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range s.segments {
		if seg.Range.Contains(t) {
			return seg, true
		}
	}
	return nil, false
}

// GetRange returns the segment with the exact time range key.
func (s *Store) GetRange(r media.TimeRange) (*media.Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[r]
	return seg, ok
}

// Has reports whether a segment exists for the exact range key.
func (s *Store) Has(r media.TimeRange) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.segments[r]
	return ok
}

// Remove drops a segment explicitly. Pinned segments are refused: their
// payload is on loan to the decode worker.
func (s *Store) Remove(r media.TimeRange) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.segments[r]; !ok {
		return false
	}
	if s.pins[r] > 0 {
		return false
	}
	s.removeLocked(r)
	return true
}

// SetState applies a lifecycle transition. Illegal transitions and unknown
// ranges are ignored (the segment may have been cleared mid-decode).
func (s *Store) SetState(r media.TimeRange, state media.State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[r]
	if !ok || !seg.State.CanTransition(state) {
		return false
	}
	seg.State = state
	return true
}

// StartDecode pins the segment against eviction, marks it decoding, and
// returns its payload, all under the store lock. The slice stays valid
// until the matching Unpin. A false return means the range is no longer
// resident (evicted or cleared while queued) or is not in a queueable
// state; nothing was pinned.
func (s *Store) StartDecode(r media.TimeRange) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[r]
	if !ok || !seg.State.CanTransition(media.StateDecoding) {
		return nil, false
	}
	seg.State = media.StateDecoding
	s.pins[r]++
	return seg.Data, true
}

// Pin guards a segment against eviction while it is mid-decode.
func (s *Store) Pin(r media.TimeRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[r]++
}

// Unpin releases an eviction guard.
func (s *Store) Unpin(r media.TimeRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pins[r] <= 1 {
		delete(s.pins, r)
		return
	}
	s.pins[r]--
}

// RecomputePriorities reassigns every segment's priority relative to the
// new reference playback time.
func (s *Store) RecomputePriorities(priorityFor func(media.TimeRange) int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range s.segments {
		seg.Priority = priorityFor(seg.Range)
	}
}

// Usage returns resident payload bytes.
func (s *Store) Usage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Count returns the number of resident segments.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments)
}

// Evictions returns the total number of evicted segments.
func (s *Store) Evictions() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictions
}

// CountByState returns segment counts keyed by lifecycle state.
func (s *Store) CountByState() map[media.State]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[media.State]int, 5)
	for _, seg := range s.segments {
		out[seg.State]++
	}
	return out
}

// ContiguousDecoded returns the length of the unbroken run of decoded
// segments starting at the segment covering t.
func (s *Store) ContiguousDecoded(t time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total time.Duration
	cursor := t
	for {
		found := false
		for _, seg := range s.segments {
			if seg.Range.Contains(cursor) && seg.State == media.StateDecoded {
				total += seg.Range.End - cursor
				cursor = seg.Range.End
				found = true
				break
			}
		}
		if !found {
			return total
		}
	}
}

// Clear drops every segment and resets memory accounting. Pins are kept:
// an in-flight decode may still unpin its (now absent) range afterwards.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = make(map[media.TimeRange]*media.Segment)
	s.usage = 0
}
