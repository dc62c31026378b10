// Package hive implements the parent side of a memhive-style runtime: a
// shared persistent map, a bounded work queue, per-worker inboxes, and a
// health-reporting queue that a dedicated listener drains to track
// worker lifecycle transitions. See spec.md §4.4 (C4) and §5.
package hive

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/memhive/memhive/pkg/config"
	hiveerrors "github.com/memhive/memhive/pkg/errors"
	"github.com/memhive/memhive/pkg/hamtmap"
	"github.com/memhive/memhive/pkg/mpmcqueue"
	"github.com/memhive/memhive/pkg/refqueue"
	"github.com/memhive/memhive/pkg/utils"
)

// tracer names every span this package emits; a no-op unless telemetry.Init
// has configured a real TracerProvider, the same "always safe to call"
// contract gorm.io/plugin/opentelemetry relies on in internal/repository.
var tracer = otel.Tracer("github.com/memhive/memhive/internal/hive")

// ParentHeap is the refqueue.HeapID reserved for the Hive's own shared
// map root, matching spec.md's "HeapID 0 is the parent, by convention".
const ParentHeap refqueue.HeapID = 0

// firstWorkerID is the first ID the monotonic counter hands out; spec.md
// requires it be >= 42 so worker IDs are never confused with low-valued
// OS-level context IDs.
const firstWorkerID = 42

// WorkerState mirrors spec.md's Worker record state machine.
type WorkerState int

const (
	StatePending WorkerState = iota
	StateReady
	StateClosed
	StateFailed
)

func (s WorkerState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HealthEventKind identifies which lifecycle signal a worker reported.
type HealthEventKind int

const (
	HealthStart HealthEventKind = iota
	HealthClose
	HealthError
)

// HealthEvent is posted by a worker's Sub (via Hive.runWorker) to
// the Hive's health queue. See spec.md §4.4 "Health listener".
type HealthEvent struct {
	Kind      HealthEventKind
	WorkerID  uint64
	ClassName string
	Message   string
	Cause     error
}

// workerRecord tracks one worker's lifecycle, per spec.md's Worker
// record in the Data Model.
type workerRecord struct {
	id    uint64
	state atomic.Int32

	readyOnce sync.Once
	ready     chan struct{}
	doneOnce  sync.Once
	done      chan struct{}

	mu  sync.Mutex
	err *hiveerrors.WorkerError
}

func newWorkerRecord(id uint64) *workerRecord {
	return &workerRecord{
		id:    id,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (w *workerRecord) setState(s WorkerState) {
	w.state.Store(int32(s))
}

func (w *workerRecord) State() WorkerState {
	return WorkerState(w.state.Load())
}

func (w *workerRecord) signalReady() {
	w.readyOnce.Do(func() { close(w.ready) })
}

func (w *workerRecord) signalDone(err *hiveerrors.WorkerError) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.doneOnce.Do(func() { close(w.done) })
}

// Hive is the parent-side owner of the shared map, the queues, and the
// worker registry. Construct with New; the zero value is not usable.
type Hive struct {
	id HiveID

	root atomic.Pointer[hamtmap.Map]

	workQueue   *mpmcqueue.Queue[hamtmap.Value]
	healthQueue *mpmcqueue.Queue[HealthEvent]
	inbox       *mpmcqueue.Queue[hamtmap.Value]

	subMu  sync.RWMutex
	subs   map[uint64]*mpmcqueue.Queue[hamtmap.Value]

	refs      *refqueue.Registry
	refProc   *refqueue.Processor
	refProcs  map[uint64]*refqueue.Processor
	refLiveMu sync.Mutex
	refLive   map[refqueue.HeapID]map[hamtmap.ObjectHandle]int

	workerSlots *semaphore.Weighted

	nextID    atomic.Uint64
	workersMu sync.Mutex
	workers   map[uint64]*workerRecord

	cfg    config.HiveConfig
	logger utils.Logger
	clock  utils.Clock
	sink   HealthSink

	healthDone chan struct{}
	closeOnce  sync.Once
}

// HealthSink observes terminal worker outcomes (CLOSED/FAILED), the
// opt-in persistence hook SPEC_FULL.md adds on top of spec.md's health
// listener so a run's worker history can outlive the process.
type HealthSink interface {
	OnTerminal(evt HealthEvent)
}

// Option customizes a Hive at construction time.
type Option func(*Hive)

// WithLogger overrides the Hive's logger; default is utils.GetGlobalLogger().
func WithLogger(l utils.Logger) Option {
	return func(h *Hive) { h.logger = l }
}

// WithHealthSink registers sink to observe every CLOSED/FAILED event the
// health listener processes.
func WithHealthSink(sink HealthSink) Option {
	return func(h *Hive) { h.sink = sink }
}

// WithClock overrides the Hive's clock, for deterministic tests of the
// ref-processor's jittered tick.
func WithClock(c utils.Clock) Option {
	return func(h *Hive) { h.clock = c }
}

// New constructs a Hive with empty shared state and starts its health
// listener and ref-processor goroutines.
func New(cfg config.HiveConfig, opts ...Option) *Hive {
	if cfg.WorkQueueCapacity <= 0 {
		cfg.WorkQueueCapacity = 256
	}
	if cfg.HealthQueueCapacity <= 0 {
		cfg.HealthQueueCapacity = 64
	}
	if cfg.InboxCapacity <= 0 {
		cfg.InboxCapacity = 64
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1024
	}

	h := &Hive{
		workQueue:   mpmcqueue.New[hamtmap.Value](cfg.WorkQueueCapacity),
		healthQueue: mpmcqueue.New[HealthEvent](cfg.HealthQueueCapacity),
		inbox:       mpmcqueue.New[hamtmap.Value](cfg.InboxCapacity),
		subs:        make(map[uint64]*mpmcqueue.Queue[hamtmap.Value]),
		refs:        refqueue.NewRegistry(),
		refProcs:    make(map[uint64]*refqueue.Processor),
		refLive:     make(map[refqueue.HeapID]map[hamtmap.ObjectHandle]int),
		workerSlots: semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		workers:     make(map[uint64]*workerRecord),
		cfg:         cfg,
		logger:      utils.GetGlobalLogger(),
		clock:       utils.NewRealClock(),
		healthDone:  make(chan struct{}),
	}
	h.nextID.Store(firstWorkerID - 1)
	h.root.Store(hamtmap.New())

	for _, opt := range opts {
		opt(h)
	}

	h.id = globalRegistry.register(h)

	minI := time.Duration(cfg.RefDrainIntervalMinMs) * time.Millisecond
	maxI := time.Duration(cfg.RefDrainIntervalMaxMs) * time.Millisecond
	h.refProc = refqueue.NewProcessor(ParentHeap, h.refs.QueueFor(ParentHeap), h.applyRefDelta, h.clock, minI, maxI)
	go h.refProc.Run()

	go h.runHealthListener()

	return h
}

// ID returns the HiveID a worker's Sub uses to look this Hive up through
// the handle registry.
func (h *Hive) ID() HiveID { return h.id }

// applyRefDelta is the refqueue.DrainFunc every heap's Processor invokes
// for each entry it drains: it folds delta into heap's live-handle table,
// releasing (and logging the release of) any handle whose count reaches
// zero, per spec.md §4.2's "owner drains and applies".
func (h *Hive) applyRefDelta(heap refqueue.HeapID, entry refqueue.Entry) {
	h.refLiveMu.Lock()
	defer h.refLiveMu.Unlock()

	live := h.refLive[heap]
	if live == nil {
		live = make(map[hamtmap.ObjectHandle]int)
		h.refLive[heap] = live
	}
	live[entry.Target] += entry.Delta
	if live[entry.Target] <= 0 {
		delete(live, entry.Target)
		h.logger.Debug("refqueue: heap %d released %s handle %#x", heap, entry.Target.TypeName, entry.Target.Pointer)
	}
}

// liveRefCount reports the current outstanding foreign-reference count
// applyRefDelta has recorded for handle on heap, for tests to observe the
// drain's effect without racing the background Processor.
func (h *Hive) liveRefCount(heap refqueue.HeapID, handle hamtmap.ObjectHandle) int {
	h.refLiveMu.Lock()
	defer h.refLiveMu.Unlock()
	return h.refLive[heap][handle]
}

// refCleanupArg is the argument runtime.AddCleanup hands back to
// releaseRefHandle; it must not itself reference the Map being cleaned up,
// or the Map would never become unreachable.
type refCleanupArg struct {
	refs   *refqueue.Registry
	handle hamtmap.ObjectHandle
}

func releaseRefHandle(a refCleanupArg) {
	a.refs.Post(a.handle, -1)
}

// publishHandles implements spec.md §4.3's re-homing contract: for every
// Map/Foreign handle msg carries, post a +1 to owner's RefQueue (the
// heap now holding a foreign reference to it), and for Map handles -
// which, unlike Foreign handles, are live Go objects this process
// actually collects - arrange a matching -1 once the underlying *Map
// becomes unreachable, the closest a garbage-collected host can come to
// spec.md's "the value's eventual drop posts -1 back".
func (h *Hive) publishHandles(msg hamtmap.Value, owner refqueue.HeapID) {
	if !msg.HasHandle() {
		return
	}
	for _, handle := range msg.Handles(uint64(owner)) {
		h.refs.Post(handle.ObjectHandle, 1)
		if handle.MapVal != nil {
			runtime.AddCleanup(handle.MapVal, releaseRefHandle, refCleanupArg{refs: h.refs, handle: handle.ObjectHandle})
		}
	}
}

// Set applies a compare-and-swap retry loop over the shared map root,
// per spec.md's "loop { r = load(); r' = r.set(k,v); if cas(r, r') break }".
func (h *Hive) Set(key, val hamtmap.Value) {
	for {
		old := h.root.Load()
		next := old.Set(key, val)
		if h.root.CompareAndSwap(old, next) {
			return
		}
	}
}

// Get reads key from the current map root. Each call re-reads the root
// atomically; see spec.md §4.5 "Observability of map updates".
func (h *Hive) Get(key hamtmap.Value) (hamtmap.Value, bool) {
	return h.root.Load().Get(key)
}

// Contains reports whether key is currently bound.
func (h *Hive) Contains(key hamtmap.Value) bool {
	return h.root.Load().Contains(key)
}

// Push enqueues msg on the shared work queue for any worker to claim.
// Claiming a message publishes it across the parent/worker boundary, so
// any handle msg carries is posted to the RefQueue against ParentHeap
// before the message becomes visible to a claimant.
func (h *Hive) Push(ctx context.Context, msg hamtmap.Value) error {
	ctx, span := tracer.Start(ctx, "Hive.Push")
	defer span.End()
	h.publishHandles(msg, ParentHeap)
	err := h.workQueue.Push(ctx, msg)
	recordErr(span, err)
	return err
}

// Broadcast snapshots the currently registered subs and posts msg to
// each one's inbox. No delivery ordering across subs is promised. The
// Hive is the publisher of record for a broadcast regardless of which
// Sub initiated it (Sub.Broadcast delegates here without threading its
// own identity through), so a handle-carrying msg is posted once
// against ParentHeap rather than per recipient.
func (h *Hive) Broadcast(ctx context.Context, msg hamtmap.Value) error {
	ctx, span := tracer.Start(ctx, "Hive.Broadcast")
	defer span.End()
	h.publishHandles(msg, ParentHeap)

	h.subMu.RLock()
	targets := make([]*mpmcqueue.Queue[hamtmap.Value], 0, len(h.subs))
	for _, q := range h.subs {
		targets = append(targets, q)
	}
	h.subMu.RUnlock()
	span.SetAttributes(attribute.Int("hive.sub_count", len(targets)))

	var firstErr error
	for _, q := range targets {
		if err := q.Push(ctx, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	recordErr(span, firstErr)
	return firstErr
}

// Listen reads the next message from the parent's own inbound queue,
// the channel workers write to via Sub.Push (the "push-back protocol").
func (h *Hive) Listen(ctx context.Context) (hamtmap.Value, error) {
	ctx, span := tracer.Start(ctx, "Hive.Listen")
	defer span.End()
	v, err := h.inbox.Pop(ctx)
	recordErr(span, err)
	return v, err
}

// recordErr marks span as failed when err is non-nil; a thin helper so
// every blocking Hive operation reports failures the same way.
func recordErr(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// WorkerFunc is a worker's entry point: the Go analogue of shipping a
// serialized code object into an isolated heap (spec.md §9 prefers a
// registry of named entry points for statically compiled targets — here
// that registry is simply "the Go function value itself").
type WorkerFunc func(ctx context.Context, sub *Sub) error

// AddWorker launches a worker running fn and returns once it reports
// READY (or the configured ready timeout elapses). Concurrent workers
// are bounded by cfg.MaxWorkers: AddWorker blocks on a semaphore slot
// before spawning the worker goroutine, per spec.md §3's worker-pool
// sizing contract.
func (h *Hive) AddWorker(ctx context.Context, fn WorkerFunc) (uint64, error) {
	_, span := tracer.Start(ctx, "Hive.AddWorker")
	defer span.End()

	if err := h.workerSlots.Acquire(ctx, 1); err != nil {
		recordErr(span, err)
		return 0, err
	}

	id := h.nextID.Add(1)
	span.SetAttributes(attribute.Int64("hive.worker_id", int64(id)))
	rec := newWorkerRecord(id)

	h.workersMu.Lock()
	h.workers[id] = rec
	h.workersMu.Unlock()

	subQueue := mpmcqueue.New[hamtmap.Value](h.cfg.InboxCapacity)
	h.subMu.Lock()
	h.subs[id] = subQueue
	h.subMu.Unlock()

	sub := newSub(h.id, id, subQueue)

	heapID := refqueue.HeapID(id)
	minI := time.Duration(h.cfg.RefDrainIntervalMinMs) * time.Millisecond
	maxI := time.Duration(h.cfg.RefDrainIntervalMaxMs) * time.Millisecond
	proc := refqueue.NewProcessor(heapID, h.refs.QueueFor(heapID), h.applyRefDelta, h.clock, minI, maxI)
	h.workersMu.Lock()
	h.refProcs[id] = proc
	h.workersMu.Unlock()
	go proc.Run()

	go h.runWorker(ctx, rec, sub, fn)

	timeout := time.Duration(h.cfg.WorkerReadyTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-rec.ready:
		return id, nil
	case <-rec.done:
		// Bootstrap failed before reaching READY.
		err := hiveerrors.Wrap(hiveerrors.CodeWorkerStartFailed, fmt.Sprintf("worker %d failed before reporting start", id), nil)
		recordErr(span, err)
		return id, err
	case <-h.clock.After(timeout):
		err := hiveerrors.Wrap(hiveerrors.CodeWorkerStartFailed, fmt.Sprintf("worker %d did not report start within %s", id, timeout), nil)
		recordErr(span, err)
		return id, err
	}
}

// runWorker drives fn to completion and reports its outcome to the
// health queue, mirroring the bootstrap → READY → main() → {CLOSED,
// FAILED} state machine of spec.md §4.6, collapsed here since in a Go
// program "bootstrap" is just calling fn with a constructed Sub.
func (h *Hive) runWorker(ctx context.Context, rec *workerRecord, sub *Sub, fn WorkerFunc) {
	defer h.workerSlots.Release(1)
	defer func() {
		if r := recover(); r != nil {
			sub.ReportError("PanicError", fmt.Sprintf("unhandled exception during the main() worker call: %v", r), nil)
		}
	}()

	sub.ReportStart()
	rec.setState(StateReady)
	rec.signalReady()

	err := fn(ctx, sub)
	switch {
	case err == nil:
		sub.ReportClose()
	case hiveerrors.IsClosedQueue(err):
		sub.ReportClose()
	default:
		sub.ReportError("", fmt.Sprintf("unhandled exception during the main() worker call: %s", err.Error()), err)
	}
}

func (h *Hive) postHealth(evt HealthEvent) {
	_ = h.healthQueue.Push(context.Background(), evt)
}

// runHealthListener is the dedicated goroutine described in spec.md
// §4.4 that pops from the health queue and updates worker records.
func (h *Hive) runHealthListener() {
	defer close(h.healthDone)
	ctx := context.Background()
	for {
		evt, err := h.healthQueue.Pop(ctx)
		if err != nil {
			return
		}
		h.workersMu.Lock()
		rec, ok := h.workers[evt.WorkerID]
		h.workersMu.Unlock()
		if !ok {
			continue
		}
		switch evt.Kind {
		case HealthStart:
			rec.setState(StateReady)
			rec.signalReady()
		case HealthClose:
			rec.setState(StateClosed)
			rec.signalDone(nil)
			if h.sink != nil {
				h.sink.OnTerminal(evt)
			}
		case HealthError:
			rec.setState(StateFailed)
			rec.signalDone(&hiveerrors.WorkerError{
				WorkerID:  evt.WorkerID,
				ClassName: evt.ClassName,
				Message:   evt.Message,
				Cause:     evt.Cause,
			})
			if h.sink != nil {
				h.sink.OnTerminal(evt)
			}
		}
	}
}

// Close shuts the Hive down: it closes the work queue, waits for every
// worker's completion signal (or for ctx to end), aggregates worker
// failures into a MemhiveGroupError, closes the health queue and joins
// its listener, then stops every ref-queue Processor (each performs one
// final drain) and forgets the worker heaps' queues. It does not join
// the worker goroutines themselves, does not repeat the drain until the
// queues are empty, and does not release the map root: Get keeps
// answering after Close.
func (h *Hive) Close(ctx context.Context) error {
	_, span := tracer.Start(ctx, "Hive.Close")
	defer span.End()

	var group hiveerrors.MemhiveGroupError
	h.closeOnce.Do(func() {
		h.workQueue.Close()

		h.workersMu.Lock()
		recs := make([]*workerRecord, 0, len(h.workers))
		for _, r := range h.workers {
			recs = append(recs, r)
		}
		h.workersMu.Unlock()

		for _, r := range recs {
			select {
			case <-r.done:
			case <-ctx.Done():
			}
			r.mu.Lock()
			if r.err != nil {
				group.Add(*r.err)
			}
			r.mu.Unlock()
		}

		h.healthQueue.Close()
		<-h.healthDone

		h.refProc.Stop()
		h.workersMu.Lock()
		procs := make([]*refqueue.Processor, 0, len(h.refProcs))
		for _, p := range h.refProcs {
			procs = append(procs, p)
		}
		h.workersMu.Unlock()
		for _, p := range procs {
			p.Stop()
		}
		for _, id := range h.workerHeapIDs() {
			h.refs.Forget(id)
		}
		globalRegistry.unregister(h.id)
	})
	err := group.AsError()
	recordErr(span, err)
	return err
}

func (h *Hive) workerHeapIDs() []refqueue.HeapID {
	h.workersMu.Lock()
	defer h.workersMu.Unlock()
	ids := make([]refqueue.HeapID, 0, len(h.workers))
	for id := range h.workers {
		ids = append(ids, refqueue.HeapID(id))
	}
	return ids
}

// Run is a convenience helper (spec.md's supplemented "scoped
// acquisition" contract): it runs fn with a fresh Hive and guarantees
// Close is called even if fn panics, returning any aggregated worker
// error alongside fn's own error.
func Run(ctx context.Context, cfg config.HiveConfig, fn func(h *Hive) error) error {
	h := New(cfg)
	var fnErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				fnErr = fmt.Errorf("hive.Run: panic in body: %v", r)
			}
		}()
		fnErr = fn(h)
	}()
	closeErr := h.Close(ctx)
	if fnErr != nil {
		return fnErr
	}
	return closeErr
}
