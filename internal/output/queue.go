package output

import (
	"container/list"
	"context"
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/JakeFAU/hel/internal/hconfig"
	"github.com/JakeFAU/hel/internal/metrics"
)

// item is one queued NDJSON line awaiting the writer goroutine.
type item struct {
	line      []byte
	sourceID  string
	enqueued  time.Time
}

// boundedQueue is the producer-facing half of the output sink: a bounded
// FIFO the poll tick offers lines to, with block/drop/disk_buffer behavior
// when it's full. Grounded on internal/queue/memory/queue.go's bounded
// channel shape, generalized beyond a plain channel because drop and
// disk_buffer need to inspect/evict queued items rather than just block.
type boundedQueue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	items    *list.List
	capacity int
	maxBytes int64
	bytes    int64
	maxAge   time.Duration

	strategy   hconfig.OutputStrategy
	dropPolicy hconfig.DropPolicy

	closed bool
	memPressure bool

	dropped atomicCounter
}

// newBoundedQueue bounds the queue by both item count (event_queue_size)
// and total queued bytes (stdout_buffer_size), per spec.md section 3's
// "(source_id, envelope_bytes, enqueue_time)... configured max item count
// and max byte size".
func newBoundedQueue(cfg hconfig.OutputConfig) *boundedQueue {
	q := &boundedQueue{
		items:      list.New(),
		capacity:   cfg.EventQueueSize,
		maxBytes:   int64(cfg.StdoutBufferSize),
		strategy:   cfg.Strategy,
		dropPolicy: cfg.DropPolicy,
	}
	if cfg.MaxQueueAgeSecs > 0 {
		q.maxAge = time.Duration(cfg.MaxQueueAgeSecs * float64(time.Second))
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// full reports whether it would push the queue past its item-count or
// byte-size bound.
func (q *boundedQueue) full(it item) bool {
	if q.capacity > 0 && q.items.Len() >= q.capacity {
		return true
	}
	if q.maxBytes > 0 && q.bytes+int64(len(it.line)) > q.maxBytes {
		return true
	}
	return q.memPressure
}

// offer accepts it per the configured strategy. For block it waits (honoring
// ctx) until space is free. For drop it evicts one already-queued item per
// drop_policy and then accepts it; the offered item itself is never the one
// dropped. droppedSelf is true only when it was not accepted because the
// queue is closed or ctx ended, and err is then non-nil. disk_buffer is
// handled one layer up by Sink, which only calls offer when the spill path
// isn't in play.
func (q *boundedQueue) offer(ctx context.Context, it item) (droppedSelf bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return true, context.Canceled
	}

	q.evictExpired()

	if q.full(it) {
		switch q.strategy {
		case hconfig.OutputDrop:
			q.evictOne()
		default: // block
			for !q.closed && q.full(it) {
				waitDone := make(chan struct{})
				go func() {
					select {
					case <-ctx.Done():
						q.mu.Lock()
						q.notFull.Broadcast()
						q.mu.Unlock()
					case <-waitDone:
					}
				}()
				q.notFull.Wait()
				close(waitDone)
				if ctx.Err() != nil {
					return true, ctx.Err()
				}
			}
			if q.closed {
				return true, context.Canceled
			}
		}
	}

	q.items.PushBack(it)
	q.bytes += int64(len(it.line))
	q.notEmpty.Signal()
	return false, nil
}

// evictOne drops one queued item per dropPolicy and increments the dropped
// counter with reason backpressure.
func (q *boundedQueue) evictOne() {
	if q.items.Len() == 0 {
		return
	}
	var el *list.Element
	switch q.dropPolicy {
	case hconfig.DropNewestFirst:
		el = q.items.Back()
	case hconfig.DropRandom:
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(q.items.Len())))
		el = q.items.Front()
		for i := int64(0); i < n.Int64(); i++ {
			el = el.Next()
		}
	default: // oldest_first
		el = q.items.Front()
	}
	if el != nil {
		evicted := el.Value.(item)
		q.items.Remove(el)
		q.bytes -= int64(len(evicted.line))
		q.dropped.add(1)
		metrics.IncEventsDropped(evicted.sourceID, "backpressure")
	}
}

// evictExpired drops items older than maxAge (max_queue_age_secs), counted
// separately as a max_queue_age drop.
func (q *boundedQueue) evictExpired() {
	if q.maxAge <= 0 {
		return
	}
	now := time.Now()
	for {
		front := q.items.Front()
		if front == nil {
			return
		}
		it := front.Value.(item)
		if now.Sub(it.enqueued) <= q.maxAge {
			return
		}
		q.items.Remove(front)
		q.bytes -= int64(len(it.line))
		q.dropped.add(1)
		metrics.IncEventsDropped(it.sourceID, "max_queue_age")
	}
}

// take blocks until an item is available or the queue is closed and
// drained, matching the writer's drain loop.
func (q *boundedQueue) take(ctx context.Context) (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() == 0 && !q.closed {
		if ctx.Err() != nil {
			return item{}, false
		}
		waitDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				q.mu.Lock()
				q.notEmpty.Broadcast()
				q.mu.Unlock()
			case <-waitDone:
			}
		}()
		q.notEmpty.Wait()
		close(waitDone)
	}
	if q.items.Len() == 0 {
		return item{}, false
	}
	front := q.items.Front()
	q.items.Remove(front)
	q.bytes -= int64(len(front.Value.(item).line))
	q.notFull.Signal()
	return front.Value.(item), true
}

// close marks the queue closed and wakes any blocked producers/consumers.
func (q *boundedQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

func (q *boundedQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *boundedQueue) droppedCount() int64 {
	return q.dropped.get()
}

// setMemoryPressure records the memory guard's verdict; while true, offer
// treats the queue as full regardless of item count, per spec.md 4.H's
// "apply the configured strategy as if the queue were full".
func (q *boundedQueue) setMemoryPressure(exceeded bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.memPressure == exceeded {
		return
	}
	q.memPressure = exceeded
	if !exceeded {
		q.notFull.Broadcast()
	}
}

// atomicCounter is a tiny mutex-guarded int64, matching the teacher's
// preference for plain primitives over importing sync/atomic wrappers for a
// single counter used under a lock that's already held elsewhere.
type atomicCounter struct {
	mu sync.Mutex
	n  int64
}

func (c *atomicCounter) add(delta int64) {
	c.mu.Lock()
	c.n += delta
	c.mu.Unlock()
}

func (c *atomicCounter) get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
