package pipeline

import (
	"context"
	"sync"

	"github.com/banshee-data/scanalign/internal/raster"
)

// Queue is a bounded FIFO of strips between the acquisition side and the
// processing goroutine. Pushes never block; when the queue is full the
// strip is dropped and counted.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []raster.Strip
	head     int
	size     int
	closed   bool
	pushed   uint64
	dropped  uint64
	maxDepth int
}

// NewQueue returns a queue holding at most capacity strips.
func NewQueue(capacity int) *Queue {
	q := &Queue{items: make([]raster.Strip, max(capacity, 1))}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// TryPush enqueues s and reports whether it was accepted. It returns false
// when the queue is full or closed.
func (q *Queue) TryPush(s raster.Strip) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.size == len(q.items) {
		q.dropped++
		return false
	}
	q.items[(q.head+q.size)%len(q.items)] = s
	q.size++
	q.pushed++
	q.maxDepth = max(q.maxDepth, q.size)
	q.cond.Signal()
	return true
}

// Pop blocks until a strip is available, the queue is closed and drained,
// or ctx is done. ok is false in the last two cases.
func (q *Queue) Pop(ctx context.Context) (s raster.Strip, ok bool) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size == 0 && !q.closed && ctx.Err() == nil {
		q.cond.Wait()
	}
	if ctx.Err() != nil || q.size == 0 {
		return raster.Strip{}, false
	}
	s = q.items[q.head]
	q.items[q.head] = raster.Strip{}
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return s, true
}

// Close stops accepting strips. Queued strips can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Len is the number of queued strips.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap is the queue capacity.
func (q *Queue) Cap() int { return len(q.items) }

// QueueCounts are cumulative queue counters.
type QueueCounts struct {
	Pushed   uint64 `json:"pushed"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	MaxDepth int    `json:"max_depth"`
}

// Counts returns the cumulative counters.
func (q *Queue) Counts() QueueCounts {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueCounts{Pushed: q.pushed, Dropped: q.dropped, Depth: q.size, MaxDepth: q.maxDepth}
}
