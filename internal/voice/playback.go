package voice

import "sync"

// Backpressure modes for the playback queue.
const (
	BackpressureDropOldest = "drop_oldest"
	BackpressureBlock      = "block"
)

// PlaybackQueue buffers synthesized audio between the read loop and the
// device writer. A full queue either evicts the oldest chunk (the read
// loop must never stall behind a slow speaker) or blocks, per config.
type PlaybackQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	chunks   [][]byte
	capacity int
	mode     string
	dropped  uint64
	closed   bool
}

func NewPlaybackQueue(capacity int, mode string) *PlaybackQueue {
	if capacity <= 0 {
		capacity = 256
	}
	if mode != BackpressureBlock {
		mode = BackpressureDropOldest
	}
	q := &PlaybackQueue{capacity: capacity, mode: mode}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push enqueues one chunk. In drop_oldest mode a full queue evicts its
// head; in block mode Push waits for room. Push on a closed queue is a
// silent no-op.
func (q *PlaybackQueue) Push(chunk []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	if len(q.chunks) >= q.capacity {
		switch q.mode {
		case BackpressureBlock:
			for len(q.chunks) >= q.capacity && !q.closed {
				q.notFull.Wait()
			}
			if q.closed {
				return
			}
		default:
			q.chunks = q.chunks[1:]
			q.dropped++
		}
	}
	q.chunks = append(q.chunks, chunk)
	q.notEmpty.Signal()
}

// Pop blocks until a chunk is available or the queue closes. The second
// return is false once the queue is closed and drained.
func (q *PlaybackQueue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.chunks) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.chunks) == 0 {
		return nil, false
	}
	chunk := q.chunks[0]
	q.chunks = q.chunks[1:]
	q.notFull.Signal()
	return chunk, true
}

// Clear discards all buffered audio. Used on barge-in so stale speech
// never plays after the user interrupts.
func (q *PlaybackQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.chunks = nil
	q.notFull.Broadcast()
}

// Close wakes all waiters; buffered chunks remain poppable until drained.
func (q *PlaybackQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}

// Dropped reports how many chunks drop_oldest mode has evicted.
func (q *PlaybackQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
