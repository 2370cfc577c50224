package core

import (
	"sync"
	"sync/atomic"
)

// ReadyFiberBundle ties a parked fiber to the handshake state that makes it
// safe to resume.
//
// FiberIsSwitched is the stale-fiber flag: it becomes true only after the
// parking carrier has fully vacated the fiber's stack (set by
// cleanUpOldFiber in the fiber that replaced it). No worker may run the
// fiber before observing it true.
//
// SpinCount is a liveness hedge for pickers. Each readiness test that finds
// FiberIsSwitched true decrements it; a bundle parked with a positive count
// is passed over that many times after the handshake,
// so a re-enqueued fiber (predicate waits) is not the immediate next pick.
type ReadyFiberBundle struct {
	Fiber           *Fiber
	FiberIsSwitched atomic.Bool
	SpinCount       atomic.Int32
}

// readyFiberPool recycles bundles. A bundle lives from the moment a fiber
// parks until the worker that resumes it releases it (or until the parking
// thread releases it when the counter fired before the bundle was listed),
// so reuse is safe: each bundle is freed exactly once.
var readyFiberPool = sync.Pool{
	New: func() any { return new(ReadyFiberBundle) },
}

// acquireFiberBundle returns a reset bundle for the given fiber.
func acquireFiberBundle(fiber *Fiber, spinCount int32) *ReadyFiberBundle {
	b := readyFiberPool.Get().(*ReadyFiberBundle)
	b.Fiber = fiber
	b.FiberIsSwitched.Store(false)
	b.SpinCount.Store(spinCount)
	return b
}

// releaseFiberBundle returns a bundle to the pool.
func releaseFiberBundle(b *ReadyFiberBundle) {
	b.Fiber = nil
	readyFiberPool.Put(b)
}
