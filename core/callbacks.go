package core

// EventCallbacks is the hook table for tracers and profilers. Every field is
// optional. Context is passed back verbatim on each call.
//
// Attach/detach callbacks fire at every switch point, including the initial
// adoption of the main fiber. OnFiberDetached's isMidTask is true when the
// fiber is leaving its carrier because it parked inside a wait (its work is
// unfinished), false when it is done dispatching.
type EventCallbacks struct {
	Context any

	OnThreadsCreated      func(ctx any, count int)
	OnFibersCreated       func(ctx any, count int)
	OnWorkerThreadStarted func(ctx any, threadIndex int)
	OnWorkerThreadEnded   func(ctx any, threadIndex int)
	OnFiberAttached       func(ctx any, fiber *Fiber)
	OnFiberDetached       func(ctx any, fiber *Fiber, isMidTask bool)
}

func (c *EventCallbacks) threadsCreated(count int) {
	if c.OnThreadsCreated != nil {
		c.OnThreadsCreated(c.Context, count)
	}
}

func (c *EventCallbacks) fibersCreated(count int) {
	if c.OnFibersCreated != nil {
		c.OnFibersCreated(c.Context, count)
	}
}

func (c *EventCallbacks) workerThreadStarted(threadIndex int) {
	if c.OnWorkerThreadStarted != nil {
		c.OnWorkerThreadStarted(c.Context, threadIndex)
	}
}

func (c *EventCallbacks) workerThreadEnded(threadIndex int) {
	if c.OnWorkerThreadEnded != nil {
		c.OnWorkerThreadEnded(c.Context, threadIndex)
	}
}

func (c *EventCallbacks) fiberAttached(fiber *Fiber) {
	if c.OnFiberAttached != nil {
		c.OnFiberAttached(c.Context, fiber)
	}
}

func (c *EventCallbacks) fiberDetached(fiber *Fiber, isMidTask bool) {
	if c.OnFiberDetached != nil {
		c.OnFiberDetached(c.Context, fiber, isMidTask)
	}
}
