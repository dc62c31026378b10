package hive

import (
	"context"
	"fmt"
	"sync"

	"github.com/memhive/memhive/pkg/hamtmap"
	"github.com/memhive/memhive/pkg/mpmcqueue"
	"github.com/memhive/memhive/pkg/refqueue"
)

// Sub is the worker-side handle onto a Hive, constructed by AddWorker
// and passed to the worker's WorkerFunc. It implements spec.md §4.5
// (C5): get/contains against the shared map, push/broadcast/listen over
// the queues, request onto the work queue, and the report_* lifecycle
// signals.
type Sub struct {
	hiveID HiveID
	id     uint64
	inbox  *mpmcqueue.Queue[hamtmap.Value]

	startOnce sync.Once
	closeOnce sync.Once
}

func newSub(hiveID HiveID, id uint64, inbox *mpmcqueue.Queue[hamtmap.Value]) *Sub {
	return &Sub{hiveID: hiveID, id: id, inbox: inbox}
}

// ID returns this worker's ID, as assigned by Hive.AddWorker.
func (s *Sub) ID() uint64 { return s.id }

func (s *Sub) hive() (*Hive, error) {
	h, ok := Lookup(s.hiveID)
	if !ok {
		return nil, fmt.Errorf("sub %d: hive %d is no longer registered", s.id, s.hiveID)
	}
	return h, nil
}

// Get reads key from the Hive's current map root. Each call re-reads the
// root atomically per spec.md's observability contract.
func (s *Sub) Get(key hamtmap.Value) (hamtmap.Value, bool, error) {
	h, err := s.hive()
	if err != nil {
		return hamtmap.Value{}, false, err
	}
	v, ok := h.Get(key)
	return v, ok, nil
}

// Contains reports whether key is currently bound in the shared map.
func (s *Sub) Contains(key hamtmap.Value) (bool, error) {
	h, err := s.hive()
	if err != nil {
		return false, err
	}
	return h.Contains(key), nil
}

// Set publishes a new binding into the shared map, same CAS discipline
// as Hive.Set; any heap may write, not just the parent.
func (s *Sub) Set(key, val hamtmap.Value) error {
	h, err := s.hive()
	if err != nil {
		return err
	}
	h.Set(key, val)
	return nil
}

// Push sends msg to the parent's inbound queue (the "push-back
// protocol" the parent reads via Hive.Listen). This worker is the
// publisher of record for any handle msg carries.
func (s *Sub) Push(ctx context.Context, msg hamtmap.Value) error {
	h, err := s.hive()
	if err != nil {
		return err
	}
	h.publishHandles(msg, refqueue.HeapID(s.id))
	return h.inbox.Push(ctx, msg)
}

// Broadcast fans msg out to every currently registered sub, including
// this one.
func (s *Sub) Broadcast(ctx context.Context, msg hamtmap.Value) error {
	h, err := s.hive()
	if err != nil {
		return err
	}
	return h.Broadcast(ctx, msg)
}

// Listen blocks until a message arrives on this worker's own inbox,
// populated by Hive.Broadcast.
func (s *Sub) Listen(ctx context.Context) (hamtmap.Value, error) {
	return s.inbox.Pop(ctx)
}

// Request writes arg onto the shared work queue, symmetric to
// Hive.Push, so other workers (or this one) may later claim it. This
// worker is the publisher of record for any handle arg carries.
func (s *Sub) Request(ctx context.Context, arg hamtmap.Value) error {
	h, err := s.hive()
	if err != nil {
		return err
	}
	h.publishHandles(arg, refqueue.HeapID(s.id))
	return h.workQueue.Push(ctx, arg)
}

// Claim pops the next item from the shared work queue, the operation a
// worker performs to pick up pushed work.
func (s *Sub) Claim(ctx context.Context) (hamtmap.Value, error) {
	h, err := s.hive()
	if err != nil {
		return hamtmap.Value{}, err
	}
	return h.workQueue.Pop(ctx)
}

// ReportStart posts the START health event. Idempotent; Hive.runWorker
// calls it before invoking the worker's function, but user code may call
// it directly too.
func (s *Sub) ReportStart() {
	s.startOnce.Do(func() {
		if h, err := s.hive(); err == nil {
			h.postHealth(HealthEvent{Kind: HealthStart, WorkerID: s.id})
		}
	})
}

// ReportClose posts the CLOSE health event, signalling normal
// termination. Idempotent.
func (s *Sub) ReportClose() {
	s.closeOnce.Do(func() {
		if h, err := s.hive(); err == nil {
			h.postHealth(HealthEvent{Kind: HealthClose, WorkerID: s.id})
		}
	})
}

// ReportError posts the ERROR health event with a serialized exception
// payload, per spec.md §4.6's error-propagation-across-heaps contract:
// the cause cannot be transplanted as a live object, only as
// (kind_name, message, opaque cause).
func (s *Sub) ReportError(className, message string, cause error) {
	s.closeOnce.Do(func() {
		if h, err := s.hive(); err == nil {
			h.postHealth(HealthEvent{Kind: HealthError, WorkerID: s.id, ClassName: className, Message: message, Cause: cause})
		}
	})
}

// Close releases this Sub's resources. It is safe to call multiple
// times; it does not itself report a lifecycle event (Hive.runWorker
// reports CLOSED or FAILED from the worker function's return value).
func (s *Sub) Close() error {
	return nil
}
