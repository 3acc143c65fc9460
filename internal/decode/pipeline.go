package decode

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kestrelmedia/playbuf/internal/frame"
	"github.com/kestrelmedia/playbuf/internal/media"
)

// DefaultQueueCapacity bounds the pending decode queue.
const DefaultQueueCapacity = 64

// StateStore is the narrow store surface the pipeline needs: lifecycle
// transitions plus pinning a segment against eviction while it decodes.
// The pipeline never holds segment pointers of its own; every read of
// segment state or payload goes through the store under the store's lock.
type StateStore interface {
	SetState(r media.TimeRange, s media.State) bool

	// StartDecode pins the segment, marks it decoding, and returns its
	// payload. A false return means the range is no longer resident
	// (evicted or cleared while it sat in the queue); nothing was pinned.
	StartDecode(r media.TimeRange) ([]byte, bool)

	Unpin(r media.TimeRange)
}

// Events carries pipeline outcome callbacks. OnFailed feeds the buffer
// health channel; decode errors never abort the pipeline itself.
type Events struct {
	OnDecoded func(r media.TimeRange)
	OnFailed  func(err *media.DecodeError)
}

// queueItem is one pending decode: a value snapshot taken at submit time,
// so ordering never reads fields another lock domain may be writing.
type queueItem struct {
	r        media.TimeRange
	priority int
	seq      uint64
	epoch    uint64
	index    int
}

// decodeHeap orders pending work by priority (descending), breaking ties
// by earlier submission.
type decodeHeap []*queueItem

func (h decodeHeap) Len() int { return len(h) }

func (h decodeHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h decodeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *decodeHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *decodeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type chunkResult struct {
	r   media.TimeRange
	err error
}

// Pipeline serializes hand-off of encoded chunks to the platform decoder.
// Exactly one decode is in flight at a time; submission is non-blocking;
// decode order follows priority, not arrival order.
type Pipeline struct {
	decoder Decoder
	pool    *frame.Pool
	store   StateStore
	events  Events
	logger  *slog.Logger

	mu       sync.Mutex
	queue    decodeHeap
	queueCap int
	closed   bool
	epoch    uint64
	nextSeq  uint64
	started  bool

	wake        chan struct{}
	completions chan chunkResult
	stop        chan struct{}
	done        chan struct{}
}

// NewPipeline creates a decode pipeline. Call Start to launch the worker.
func NewPipeline(decoder Decoder, pool *frame.Pool, store StateStore, events Events, queueCap int, logger *slog.Logger) *Pipeline {
	if queueCap <= 0 {
		queueCap = DefaultQueueCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		decoder:     decoder,
		pool:        pool,
		store:       store,
		events:      events,
		logger:      logger,
		queueCap:    queueCap,
		wake:        make(chan struct{}, 1),
		completions: make(chan chunkResult, 4),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start registers decoder callbacks and launches the single decode worker.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.decoder.SetOnFrame(func(f *frame.Frame) {
		p.pool.Insert(f)
	})
	p.decoder.SetOnChunkDone(func(r media.TimeRange, err error) {
		select {
		case p.completions <- chunkResult{r: r, err: err}:
		default:
			// Completion buffer full: only possible if the decoder
			// misbehaves and reports more completions than submissions.
			p.logger.Warn("dropping unexpected decode completion",
				slog.String("range", r.String()),
			)
		}
	})

	go p.run()
}

// Submit queues a fetched segment for decoding. Non-blocking; returns
// ErrQueueFull when the queue is at capacity and ErrPipelineClosed after
// Close. Only the range key and a priority snapshot are retained; later
// priority changes in the store do not reorder already-queued work.
func (p *Pipeline) Submit(r media.TimeRange, priority int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return media.ErrPipelineClosed
	}
	if len(p.queue) >= p.queueCap {
		return media.ErrQueueFull
	}
	if !p.store.SetState(r, media.StateQueued) {
		return fmt.Errorf("segment %s cannot be queued", r)
	}

	heap.Push(&p.queue, &queueItem{r: r, priority: priority, seq: p.nextSeq, epoch: p.epoch})
	p.nextSeq++

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// QueueLen returns the number of pending decodes.
func (p *Pipeline) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Clear drops all pending queue entries and invalidates the eventual
// result of any in-flight decode. The in-flight decode itself is not
// cancelled.
func (p *Pipeline) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = p.queue[:0]
	p.epoch++
}

// Close stops the worker and closes the decoder. Pending entries are
// dropped; an in-flight decode result is discarded.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	p.queue = p.queue[:0]
	p.epoch++
	p.mu.Unlock()

	if started {
		close(p.stop)
		<-p.done
	} else {
		close(p.done)
	}
	return p.decoder.Close()
}

// run is the single decode worker: pop the highest-priority segment,
// hand it to the decoder, wait for its completion, repeat.
func (p *Pipeline) run() {
	defer close(p.done)

	for {
		item := p.nextItem()
		if item == nil {
			select {
			case <-p.wake:
				continue
			case <-p.stop:
				return
			}
		}

		p.decodeOne(item)
	}
}

// nextItem pops the best queued segment, or nil when the queue is empty.
func (p *Pipeline) nextItem() *queueItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	return heap.Pop(&p.queue).(*queueItem)
}

func (p *Pipeline) decodeOne(item *queueItem) {
	// Re-check residency: the store may have evicted or cleared the
	// segment while it sat in the queue. A vanished segment is not a
	// decode failure, just stale work.
	data, ok := p.store.StartDecode(item.r)
	if !ok {
		p.logger.Debug("queued segment no longer resident, skipping",
			slog.String("range", item.r.String()),
		)
		return
	}

	if err := p.submitChunk(item.r, data); err != nil {
		p.finish(item, err)
		return
	}

	// Exactly one decode in flight: wait for its completion. Stale or
	// mismatched completions (from a decoder flush after Clear) are
	// discarded.
	for {
		select {
		case res := <-p.completions:
			if res.r != item.r {
				continue
			}
			p.finish(item, res.err)
			return
		case <-p.stop:
			p.store.Unpin(item.r)
			return
		}
	}
}

// submitChunk hands the chunk to the decoder, converting panics from the
// platform binding into decode errors.
func (p *Pipeline) submitChunk(r media.TimeRange, data []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("decoder panic: %v", rec)
		}
	}()
	return p.decoder.Decode(Chunk{Range: r, Data: data})
}

func (p *Pipeline) finish(item *queueItem, err error) {
	p.store.Unpin(item.r)

	p.mu.Lock()
	stale := item.epoch != p.epoch
	p.mu.Unlock()
	if stale {
		return
	}

	if err != nil {
		p.store.SetState(item.r, media.StateFailed)
		decodeErr := &media.DecodeError{Range: item.r, Err: err}
		p.logger.Warn("segment decode failed, skipping",
			slog.String("range", item.r.String()),
			slog.String("error", err.Error()),
		)
		if p.events.OnFailed != nil {
			p.events.OnFailed(decodeErr)
		}
		return
	}

	p.store.SetState(item.r, media.StateDecoded)
	if p.events.OnDecoded != nil {
		p.events.OnDecoded(item.r)
	}
}
