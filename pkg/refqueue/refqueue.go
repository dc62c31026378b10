// Package refqueue implements cross-heap deferred reference counting for
// shared-memory handles published from one worker heap's Map/Foreign
// values into another's. Per spec.md's Concurrency Model, a heap never
// mutates another heap's refcounts directly: it posts signed deltas into
// the owning heap's queue, and only the owner ever drains its own queue.
package refqueue

import (
	"math/rand"
	"sync"
	"time"

	"github.com/memhive/memhive/pkg/hamtmap"
	"github.com/memhive/memhive/pkg/utils"
)

// HeapID identifies a worker heap (or the parent Hive heap, by
// convention HeapID 0) as the owner of a RefQueue.
type HeapID uint64

// Entry is a single deferred refcount adjustment: Delta is applied to
// Target's refcount once it reaches Target's owning heap's queue.
type Entry struct {
	Target hamtmap.ObjectHandle
	Delta  int
}

// Queue accumulates deltas destined for a single owning heap. Any
// goroutine may Post; only the owner is expected to call Drain.
type Queue struct {
	mu      sync.Mutex
	pending []Entry
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Post appends a delta to be applied once the owner drains. It never
// blocks: spec.md requires posting to be cheap enough to happen inline
// wherever a handle is copied or dropped.
func (q *Queue) Post(target hamtmap.ObjectHandle, delta int) {
	q.mu.Lock()
	q.pending = append(q.pending, Entry{Target: target, Delta: delta})
	q.mu.Unlock()
}

// Drain removes and returns every entry posted since the last Drain,
// coalescing multiple deltas against the same target into one entry so
// the owner applies a single net adjustment per object.
func (q *Queue) Drain() []Entry {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	order := make([]hamtmap.ObjectHandle, 0, len(pending))
	net := make(map[hamtmap.ObjectHandle]int, len(pending))
	for _, e := range pending {
		if _, seen := net[e.Target]; !seen {
			order = append(order, e.Target)
		}
		net[e.Target] += e.Delta
	}
	out := make([]Entry, 0, len(order))
	for _, t := range order {
		if d := net[t]; d != 0 {
			out = append(out, Entry{Target: t, Delta: d})
		}
	}
	return out
}

// Len reports the number of undrained entries, for diagnostics and tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Registry holds one Queue per heap, scoped to a single Hive instance
// (spec.md explicitly rejects a process-wide singleton registry, since a
// process may host more than one Hive concurrently in tests).
type Registry struct {
	mu     sync.RWMutex
	queues map[HeapID]*Queue
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{queues: make(map[HeapID]*Queue)}
}

// QueueFor returns the Queue owned by heap, creating it on first use.
func (r *Registry) QueueFor(heap HeapID) *Queue {
	r.mu.RLock()
	q, ok := r.queues[heap]
	r.mu.RUnlock()
	if ok {
		return q
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok = r.queues[heap]; ok {
		return q
	}
	q = NewQueue()
	r.queues[heap] = q
	return q
}

// Post routes a delta to target's owning heap's queue.
func (r *Registry) Post(target hamtmap.ObjectHandle, delta int) {
	r.QueueFor(HeapID(target.OwnerHeap)).Post(target, delta)
}

// Forget removes a heap's queue, discarding any undrained entries. Called
// once a worker heap is torn down; its queue's remaining entries refer
// to objects the heap is about to free regardless, matching spec.md's
// "a closed heap's pending deltas are moot".
func (r *Registry) Forget(heap HeapID) {
	r.mu.Lock()
	delete(r.queues, heap)
	r.mu.Unlock()
}

// DrainFunc applies a drained Entry to heap's live object, decrementing
// or incrementing its refcount and freeing it if the count reaches zero.
type DrainFunc func(heap HeapID, entry Entry)

// Processor periodically drains one heap's Queue on a jittered tick,
// modeled on spec.md's "10-50ms jittered tick" requirement and on this
// repo's utils.Clock abstraction so the interval is test-controllable.
type Processor struct {
	heap   HeapID
	queue  *Queue
	apply  DrainFunc
	clock  utils.Clock
	minInt time.Duration
	maxInt time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewProcessor builds a Processor that drains queue on behalf of heap,
// ticking at a random interval in [minInterval, maxInterval) each round.
func NewProcessor(heap HeapID, queue *Queue, apply DrainFunc, clock utils.Clock, minInterval, maxInterval time.Duration) *Processor {
	if clock == nil {
		clock = utils.NewRealClock()
	}
	if minInterval <= 0 {
		minInterval = 10 * time.Millisecond
	}
	if maxInterval <= minInterval {
		maxInterval = minInterval + 40*time.Millisecond
	}
	return &Processor{
		heap:   heap,
		queue:  queue,
		apply:  apply,
		clock:  clock,
		minInt: minInterval,
		maxInt: maxInterval,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run drains queue on a jittered tick until Stop is called. It runs in
// its own goroutine for the lifetime of the owning heap.
func (p *Processor) Run() {
	defer close(p.doneCh)
	for {
		d := p.jitteredInterval()
		select {
		case <-p.stopCh:
			p.DrainOnce()
			return
		case <-p.clock.After(d):
			p.DrainOnce()
		}
	}
}

func (p *Processor) jitteredInterval() time.Duration {
	span := p.maxInt - p.minInt
	if span <= 0 {
		return p.minInt
	}
	return p.minInt + time.Duration(rand.Int63n(int64(span)))
}

// DrainOnce performs a single synchronous drain. Run calls it on every
// tick and once more when stopped; nothing in this repository calls it
// at receive or publish points.
func (p *Processor) DrainOnce() {
	for _, e := range p.queue.Drain() {
		p.apply(p.heap, e)
	}
}

// Stop signals Run to perform a final drain and exit, and blocks until
// it has done so.
func (p *Processor) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	<-p.doneCh
}
