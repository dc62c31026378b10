// Package worker implements the worker lifecycle controller (spec.md's
// C6): it stands up an isolated heap for each worker, runs the bootstrap
// sequence through to READY, drives the worker's main function, and
// aggregates results back through the owning Hive's health queue.
//
// The "isolated heap" spec.md treats as an external collaborator is
// represented here by a dop251/goja *goja.Runtime: a fully separate,
// single-threaded JS evaluation context, the Go-native analogue of a
// CPython subinterpreter. This codebase's worker main functions are
// ordinary Go closures rather than shipped JS source — per spec.md §9's
// guidance that a registry of named entry points is the better fit for
// a statically compiled target — but every worker still owns a distinct
// Runtime so the host-incompatibility check in spec.md §6 has something
// concrete to inspect.
package worker

import (
	"context"
	"fmt"

	"github.com/dop251/goja"

	"github.com/memhive/memhive/internal/hive"
	hiveerrors "github.com/memhive/memhive/pkg/errors"
	"github.com/memhive/memhive/pkg/parallel"
	"github.com/memhive/memhive/pkg/utils"
)

// sentinelGlobal is the well-known property name a freshly built Runtime
// must not already have. Its presence means something upstream already
// reused the runtime for a purpose incompatible with hosting a Sub, i.e.
// spec.md's "hostile host-runtime configuration".
const sentinelGlobal = "__memhive_sub__"

// MainFunc is a worker's entry point, given its Sub once bootstrap has
// completed.
type MainFunc func(ctx context.Context, sub *hive.Sub) error

// Controller drives one worker through spec.md's C6 state machine:
// INIT -> bootstrap-built -> heap-created -> bootstrap-running ->
// SUB-INSTANTIATED -> [report_start] -> READY -> main() executing ->
// {CLOSED|FAILED} -> JOINED.
type Controller struct {
	logger utils.Logger
}

// NewController returns a Controller using the given logger for
// bootstrap-phase diagnostics (errors before SUB-INSTANTIATED have no
// health channel to report through, per spec.md §4.6).
func NewController(logger utils.Logger) *Controller {
	if logger == nil {
		logger = utils.GetGlobalLogger()
	}
	return &Controller{logger: logger}
}

// buildHeap constructs the isolated goja.Runtime standing in for this
// worker's heap, failing if it detects a pre-existing sentinel global —
// the hostile-host-runtime check from spec.md §6.
func (c *Controller) buildHeap() (*goja.Runtime, error) {
	rt := goja.New()
	if err := checkHostCompatible(rt); err != nil {
		return nil, err
	}
	if err := rt.Set(sentinelGlobal, true); err != nil {
		return nil, hiveerrors.Wrap(hiveerrors.CodeHostIncompatible, "failed to mark host runtime", err)
	}
	return rt, nil
}

// checkHostCompatible fails if rt already carries the sentinel global,
// i.e. it was handed to us already in use as a Sub host.
func checkHostCompatible(rt *goja.Runtime) error {
	if v := rt.GlobalObject().Get(sentinelGlobal); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		return hiveerrors.Wrap(hiveerrors.CodeHostIncompatible,
			"host runtime already defines "+sentinelGlobal, nil)
	}
	return nil
}

// bindSub exposes sub on rt's global object as "sub", the step that
// makes rt the worker's actual heap rather than a Runtime built and
// discarded: any code the Runtime later evaluates can reach the worker's
// Sub through this binding.
func bindSub(rt *goja.Runtime, sub *hive.Sub) error {
	if err := rt.Set("sub", sub); err != nil {
		return hiveerrors.Wrap(hiveerrors.CodeHostIncompatible, "failed to bind sub onto worker heap", err)
	}
	return nil
}

// Launch builds a fresh heap, verifies it is suitable, and adds a worker
// to h running main. It blocks until the worker reports READY (or the
// configured timeout elapses), matching spec.md's "add_worker returns
// only after READY."
//
// The heap's Runtime is bound onto its own global object as "sub" once
// the worker's Sub exists, so spec.md §6's "bootstrapped with a Sub
// binding" is something the Runtime actually carries, not a Runtime
// built and thrown away.
//
// Bootstrap failures (a bad heap) happen before there is any Sub to
// report through, so per spec.md §4.6 they are logged to the diagnostic
// stream and returned directly rather than surfaced via the health
// queue.
func (c *Controller) Launch(ctx context.Context, h *hive.Hive, main MainFunc) (uint64, error) {
	rt, err := c.buildHeap()
	if err != nil {
		c.logger.Error("worker bootstrap failed: %v", err)
		return 0, err
	}

	return h.AddWorker(ctx, func(ctx context.Context, sub *hive.Sub) error {
		if err := bindSub(rt, sub); err != nil {
			return err
		}
		return main(ctx, sub)
	})
}

// indexedMain pairs a worker's position in a Group call with its entry
// point, so pkg/parallel.ForEach's per-item callback can report launch
// failures against the right index.
type indexedMain struct {
	idx  int
	main MainFunc
}

// Group runs several workers concurrently and waits for all of them to
// reach READY, fanning out through pkg/parallel.ForEach the way this
// codebase's other bounded concurrent fan-outs do. A failure launching
// any one worker is collected and returned once every launch attempt has
// settled.
func (c *Controller) Group(ctx context.Context, h *hive.Hive, mains ...MainFunc) ([]uint64, error) {
	ids := make([]uint64, len(mains))
	items := make([]indexedMain, len(mains))
	for i, m := range mains {
		items[i] = indexedMain{idx: i, main: m}
	}

	cfg := parallel.DefaultPoolConfig().WithWorkers(len(mains))
	_, err := parallel.ForEach(ctx, items, cfg, func(ctx context.Context, item indexedMain) error {
		id, err := c.Launch(ctx, h, item.main)
		if err != nil {
			return fmt.Errorf("launching worker %d: %w", item.idx, err)
		}
		ids[item.idx] = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
