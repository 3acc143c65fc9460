package buffer

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmedia/playbuf/internal/media"
)

func segRange(startSec int) media.TimeRange {
	return media.NewTimeRange(
		time.Duration(startSec)*time.Second,
		time.Duration(startSec+2)*time.Second,
	)
}

// newAgedStore returns a store whose clock starts in the past, so every
// insertion is immediately old enough to evict, plus a func to move the
// clock forward.
func newAgedStore(cfg StoreConfig) (*Store, func(time.Duration)) {
	s := NewStore(cfg, nil)
	base := time.Now().Add(-time.Hour)
	s.now = func() time.Time { return base }
	return s, func(d time.Duration) { base = base.Add(d) }
}

func TestStoreAdd_Validation(t *testing.T) {
	s := NewStore(DefaultStoreConfig(), nil)

	_, err := s.Add(segRange(0), nil, 5)
	assert.ErrorIs(t, err, media.ErrEmptySegment)

	_, err = s.Add(media.NewTimeRange(4*time.Second, 2*time.Second), []byte("x"), 5)
	assert.ErrorIs(t, err, media.ErrInvalidRange)

	_, err = s.Add(segRange(0), []byte("x"), 5)
	require.NoError(t, err)

	_, err = s.Add(segRange(0), []byte("y"), 5)
	assert.ErrorIs(t, err, media.ErrSegmentExists)

	assert.Equal(t, 1, s.Count())
	assert.Equal(t, int64(1), s.Usage())
}

func TestStoreAdd_AssignsUniqueIDsAndSeq(t *testing.T) {
	s := NewStore(DefaultStoreConfig(), nil)

	id1, err := s.Add(segRange(0), []byte("a"), 5)
	require.NoError(t, err)
	id2, err := s.Add(segRange(2), []byte("b"), 5)
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)

	first, _ := s.GetRange(segRange(0))
	second, _ := s.GetRange(segRange(2))
	assert.Less(t, first.InsertSeq, second.InsertSeq)
	assert.Equal(t, media.StateFetched, first.State)
}

func TestStoreEviction_NeverExceedsCap(t *testing.T) {
	cfg := StoreConfig{
		MaxBufferSize:          1000,
		EvictionAge:            time.Minute,
		EvictionPriorityCutoff: 5,
		EvictionTargetRatio:    0.8,
	}
	s, advance := newAgedStore(cfg)

	payload := make([]byte, 100)
	for i := 0; i < 50; i++ {
		_, err := s.Add(segRange(i*2), payload, 1)
		require.NoError(t, err, "segment %d", i)
		assert.LessOrEqual(t, s.Usage(), cfg.MaxBufferSize)
		advance(2 * time.Minute)
	}

	assert.Positive(t, s.Evictions())
}

func TestStoreEviction_LowestPriorityFirst(t *testing.T) {
	cfg := StoreConfig{
		MaxBufferSize:          1000,
		EvictionAge:            time.Minute,
		EvictionPriorityCutoff: 5,
		EvictionTargetRatio:    0.8,
	}
	s, advance := newAgedStore(cfg)

	payload := make([]byte, 300)
	_, err := s.Add(segRange(0), payload, 4)
	require.NoError(t, err)
	_, err = s.Add(segRange(2), payload, 1)
	require.NoError(t, err)
	_, err = s.Add(segRange(4), payload, 2)
	require.NoError(t, err)
	advance(2 * time.Minute)

	// Forces eviction down to 800-byte target: only the priority-1
	// segment needs to go.
	_, err = s.Add(segRange(6), make([]byte, 150), 4)
	require.NoError(t, err)

	assert.False(t, s.Has(segRange(2)), "priority 1 evicted first")
	assert.True(t, s.Has(segRange(0)))
	assert.True(t, s.Has(segRange(4)))
}

func TestStoreEviction_SkipsYoungHighPriorityAndPinned(t *testing.T) {
	cfg := StoreConfig{
		MaxBufferSize:          1000,
		EvictionAge:            time.Minute,
		EvictionPriorityCutoff: 5,
		EvictionTargetRatio:    0.8,
	}
	s, advance := newAgedStore(cfg)

	payload := make([]byte, 250)
	_, err := s.Add(segRange(0), payload, 10) // at/above cutoff
	require.NoError(t, err)
	_, err = s.Add(segRange(2), payload, 1) // pinned below
	require.NoError(t, err)
	advance(2 * time.Minute)
	_, err = s.Add(segRange(4), payload, 1) // too young
	require.NoError(t, err)

	s.Pin(segRange(2))

	// No candidate qualifies, so the add is refused rather than breaking
	// the cap.
	_, err = s.Add(segRange(6), make([]byte, 500), 1)
	assert.ErrorIs(t, err, media.ErrMemoryPressure)
	assert.Equal(t, 3, s.Count())

	s.Unpin(segRange(2))
	_, err = s.Add(segRange(6), make([]byte, 500), 1)
	require.NoError(t, err)
	assert.False(t, s.Has(segRange(2)), "unpinned segment became evictable")
}

func TestStoreEviction_InsertionOrderBreaksTies(t *testing.T) {
	cfg := StoreConfig{
		MaxBufferSize:          1000,
		EvictionAge:            time.Minute,
		EvictionPriorityCutoff: 5,
		EvictionTargetRatio:    0.8,
	}
	s, advance := newAgedStore(cfg)

	payload := make([]byte, 300)
	for i := 0; i < 3; i++ {
		_, err := s.Add(segRange(i*2), payload, 2)
		require.NoError(t, err)
	}
	advance(2 * time.Minute)

	_, err := s.Add(segRange(10), make([]byte, 150), 2)
	require.NoError(t, err)

	assert.False(t, s.Has(segRange(0)), "earliest insertion evicted first")
	assert.True(t, s.Has(segRange(2)))
	assert.True(t, s.Has(segRange(4)))
}

func TestStoreGet_CoveringTime(t *testing.T) {
	s := NewStore(DefaultStoreConfig(), nil)
	_, err := s.Add(segRange(2), []byte("x"), 5)
	require.NoError(t, err)

	seg, ok := s.Get(3 * time.Second)
	require.True(t, ok)
	assert.Equal(t, segRange(2), seg.Range)

	_, ok = s.Get(4 * time.Second) // end is exclusive
	assert.False(t, ok)

	_, ok = s.Get(1 * time.Second)
	assert.False(t, ok)
}

func TestStoreSetState_EnforcesTransitions(t *testing.T) {
	s := NewStore(DefaultStoreConfig(), nil)
	_, err := s.Add(segRange(0), []byte("x"), 5)
	require.NoError(t, err)

	assert.False(t, s.SetState(segRange(0), media.StateDecoded), "fetched cannot jump to decoded")
	assert.True(t, s.SetState(segRange(0), media.StateQueued))
	assert.True(t, s.SetState(segRange(0), media.StateDecoding))
	assert.True(t, s.SetState(segRange(0), media.StateDecoded))
	assert.False(t, s.SetState(segRange(0), media.StateFailed), "decoded is terminal")

	assert.False(t, s.SetState(segRange(10), media.StateQueued), "unknown range ignored")
}

func TestStoreStartDecode(t *testing.T) {
	s := NewStore(DefaultStoreConfig(), nil)
	_, err := s.Add(segRange(0), []byte("payload"), 5)
	require.NoError(t, err)
	s.SetState(segRange(0), media.StateQueued)

	data, ok := s.StartDecode(segRange(0))
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), data)

	seg, _ := s.GetRange(segRange(0))
	assert.Equal(t, media.StateDecoding, seg.State)

	// The pin blocks explicit removal until the decode finishes.
	assert.False(t, s.Remove(segRange(0)))
	s.Unpin(segRange(0))
	assert.True(t, s.Remove(segRange(0)))
}

func TestStoreStartDecode_GoneRange(t *testing.T) {
	s := NewStore(DefaultStoreConfig(), nil)
	_, err := s.Add(segRange(0), []byte("x"), 5)
	require.NoError(t, err)
	s.SetState(segRange(0), media.StateQueued)
	require.True(t, s.Remove(segRange(0)))

	// Evicted while queued: no pin, no payload.
	_, ok := s.StartDecode(segRange(0))
	assert.False(t, ok)

	// A fetched-but-never-queued segment is not decodable either.
	_, err = s.Add(segRange(2), []byte("x"), 5)
	require.NoError(t, err)
	_, ok = s.StartDecode(segRange(2))
	assert.False(t, ok)
}

func TestStoreContiguousDecoded(t *testing.T) {
	s := NewStore(DefaultStoreConfig(), nil)

	for _, start := range []int{0, 2, 4, 8} {
		_, err := s.Add(segRange(start), []byte("x"), 5)
		require.NoError(t, err)
		s.SetState(segRange(start), media.StateQueued)
		s.SetState(segRange(start), media.StateDecoding)
		s.SetState(segRange(start), media.StateDecoded)
	}

	// [0,6) decoded contiguously, gap at [6,8).
	assert.Equal(t, 6*time.Second, s.ContiguousDecoded(0))
	assert.Equal(t, 5*time.Second, s.ContiguousDecoded(1*time.Second))
	assert.Equal(t, time.Duration(0), s.ContiguousDecoded(6*time.Second))
}

func TestStoreClear_ResetsAccounting(t *testing.T) {
	s := NewStore(DefaultStoreConfig(), nil)
	for i := 0; i < 5; i++ {
		_, err := s.Add(segRange(i*2), make([]byte, 100), 5)
		require.NoError(t, err)
	}

	s.Clear()

	assert.Zero(t, s.Count())
	assert.Zero(t, s.Usage())

	// Store stays usable after clear.
	_, err := s.Add(segRange(0), []byte("x"), 5)
	require.NoError(t, err)
}

func TestStoreBufferReuse(t *testing.T) {
	s := NewStore(DefaultStoreConfig(), nil)

	_, err := s.Add(segRange(0), make([]byte, 1024), 5)
	require.NoError(t, err)
	require.True(t, s.Remove(segRange(0)))

	// The recycled buffer must not alias newly admitted data.
	_, err = s.Add(segRange(2), []byte("abc"), 5)
	require.NoError(t, err)
	seg, ok := s.GetRange(segRange(2))
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), seg.Data)
}

func TestStoreRecomputePriorities(t *testing.T) {
	s := NewStore(DefaultStoreConfig(), nil)
	for i := 0; i < 3; i++ {
		_, err := s.Add(segRange(i*2), []byte("x"), 1)
		require.NoError(t, err)
	}

	s.RecomputePriorities(func(r media.TimeRange) int {
		return int(r.Start / time.Second)
	})

	for i := 0; i < 3; i++ {
		seg, ok := s.GetRange(segRange(i * 2))
		require.True(t, ok, fmt.Sprintf("segment %d", i))
		assert.Equal(t, i*2, seg.Priority)
	}
}
