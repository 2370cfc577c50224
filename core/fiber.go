package core

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// Fiber is a cooperatively switched execution context: a dedicated goroutine
// plus a one-slot handoff channel acting as its resume token.
//
// A fiber does not run until it is first switched to. SwitchTo resumes the
// target and parks the caller; the call returns only when some fiber later
// switches back. The carrier index travels with every switch, so code running
// inside a fiber always knows which worker is executing it.
//
// Two axioms the scheduler relies on:
//  1. A fiber is live on at most one carrier at any instant. The handoff
//     channel enforces this: there is exactly one resume token per switch.
//  2. A fiber is destroyed only while parked (or before it ever ran), by
//     closing its channel. The closure is observed solely by the fiber's own
//     goroutine, which unwinds via runtime.Goexit.
type Fiber struct {
	resume chan struct{}

	// threadIndex is the logical carrier currently (or last) executing this
	// fiber. Written by the switching fiber immediately before the handoff.
	threadIndex atomic.Int32
}

// newFiber creates a fiber whose goroutine runs entry on first switch.
// The goroutine registers itself so registry lookups resolve it while live.
func newFiber(reg *fiberRegistry, entry func(f *Fiber)) *Fiber {
	f := &Fiber{resume: make(chan struct{}, 1)}
	f.threadIndex.Store(invalidThreadIndex)
	go func() {
		gid := goid.Get()
		reg.attach(gid, f)
		defer reg.detach(gid)

		if _, ok := <-f.resume; !ok {
			// Destroyed before first run.
			return
		}
		entry(f)
	}()
	return f
}

// adoptFiber wraps the calling goroutine in a Fiber without spawning a new
// one. Used for the main fiber and for worker thread fibers, which already
// have a live goroutine. The caller must eventually call releaseAdopted.
func adoptFiber(reg *fiberRegistry, threadIndex int) *Fiber {
	f := &Fiber{resume: make(chan struct{}, 1)}
	f.threadIndex.Store(int32(threadIndex))
	reg.attach(goid.Get(), f)
	return f
}

// releaseAdopted removes the calling goroutine's registry entry.
func releaseAdopted(reg *fiberRegistry) {
	reg.detach(goid.Get())
}

// SwitchTo resumes target and parks the calling fiber. It returns when some
// fiber switches back to f. Must be called from f's own goroutine.
func (f *Fiber) SwitchTo(target *Fiber) {
	target.threadIndex.Store(f.threadIndex.Load())
	target.resume <- struct{}{}
	if _, ok := <-f.resume; !ok {
		// Destroyed while parked. Unwind this goroutine; deferred registry
		// cleanup runs on the way out.
		runtime.Goexit()
	}
}

// finishTo resumes target and terminates the calling fiber instead of
// parking it. Used at the two places a fiber leaves the scheduler for good:
// a dispatch fiber jumping to its quit fiber, and a quit fiber returning
// control to its carrier's thread fiber.
func (f *Fiber) finishTo(target *Fiber) {
	target.threadIndex.Store(f.threadIndex.Load())
	target.resume <- struct{}{}
	runtime.Goexit()
}

// destroy frees a fiber that is parked or has never run. The fiber's
// goroutine observes the closed channel and exits. Calling destroy on a
// running fiber is a fatal misuse; the handshake in cleanUpOldFiber is what
// guarantees the fiber has fully vacated its carrier first.
func (f *Fiber) destroy() {
	close(f.resume)
}

// currentThreadIndex returns the carrier this fiber last ran on.
func (f *Fiber) currentThreadIndex() int {
	return int(f.threadIndex.Load())
}

// =============================================================================
// fiberRegistry: goroutine-id -> Fiber lookup
// =============================================================================

// fiberRegistry resolves the calling goroutine to its Fiber. It is the
// analog of scanning OS thread ids: each fiber is one goroutine, so the
// goroutine id identifies the current fiber exactly.
type fiberRegistry struct {
	m sync.Map // goroutine id (int64) -> *Fiber
}

func (r *fiberRegistry) attach(gid int64, f *Fiber) {
	r.m.Store(gid, f)
}

func (r *fiberRegistry) detach(gid int64) {
	r.m.Delete(gid)
}

// current returns the fiber of the calling goroutine, or nil when the
// goroutine is not a scheduler fiber.
func (r *fiberRegistry) current() *Fiber {
	if v, ok := r.m.Load(goid.Get()); ok {
		return v.(*Fiber)
	}
	return nil
}
