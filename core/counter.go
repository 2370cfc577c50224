package core

import (
	"sync"
	"sync/atomic"
)

// numWaitingFiberSlots is the fixed capacity of a counter's fast waiter set.
// Additional waiters spill into the auxiliary overflow list.
const numWaitingFiberSlots = 4

// waitingFiberSlot is one reusable parking slot on a counter.
//
// inUse is the slot's firing latch. false means the slot is published and an
// observer that sees the target value may claim it; the CAS false->true is
// what makes a waiter fire exactly once, no matter how many decrementers and
// wait-callers race on it.
type waitingFiberSlot struct {
	inUse             atomic.Bool
	bundle            *ReadyFiberBundle
	targetValue       int64
	pinnedThreadIndex int
}

// overflowWaiter is a spilled waiter. fired plays the role of the slot's
// inUse latch.
type overflowWaiter struct {
	fired             atomic.Bool
	bundle            *ReadyFiberBundle
	targetValue       int64
	pinnedThreadIndex int
}

// =============================================================================
// baseCounter: shared machinery for the counter family
// =============================================================================

// baseCounter is an atomic value plus a waiter set. Wait-callers park fibers
// on it; value transitions fire any waiter whose target matches.
//
// lock counts threads currently inside the waiter-publication critical
// section (value mutation plus waiter firing). The wait fast path drains it
// to zero before returning, so a caller that observes the target value never
// overtakes an in-flight firing of a just-published waiter.
type baseCounter struct {
	sched *TaskScheduler

	value atomic.Int64
	lock  atomic.Int32

	freeSlots     [numWaitingFiberSlots]atomic.Bool
	waitingFibers [numWaitingFiberSlots]waitingFiberSlot

	overflowMu sync.Mutex
	overflow   []*overflowWaiter
}

func (c *baseCounter) init(sched *TaskScheduler, initialValue int64) {
	c.sched = sched
	c.value.Store(initialValue)
	for i := range c.freeSlots {
		c.freeSlots[i].Store(true)
		// Unpublished slots start latched, so no observer can fire a slot
		// before addFiberToWaitingList has filled it in and published it.
		c.waitingFibers[i].inUse.Store(true)
	}
}

// addFiberToWaitingList installs a parked fiber waiting for value to equal
// targetValue. It returns true when the counter already satisfies the target
// (after racing with concurrent firing), in which case the fiber must not
// park and the caller reclaims the bundle.
func (c *baseCounter) addFiberToWaitingList(bundle *ReadyFiberBundle, targetValue int64, pinnedThreadIndex int) bool {
	for i := range c.waitingFibers {
		if !c.freeSlots[i].CompareAndSwap(true, false) {
			continue
		}

		slot := &c.waitingFibers[i]
		slot.bundle = bundle
		slot.targetValue = targetValue
		slot.pinnedThreadIndex = pinnedThreadIndex
		// Publish: from here a decrementer may fire the slot.
		slot.inUse.Store(false)

		// Re-check the value now that the slot is visible. The counter may
		// have hit the target while we were filling the slot in.
		value := c.value.Load()
		if slot.inUse.Load() {
			// A concurrent transition already fired us; the bundle is
			// republished and the fiber must park.
			return false
		}
		if slot.targetValue == value {
			if !slot.inUse.CompareAndSwap(false, true) {
				// Lost the fire race; the bundle is in someone else's hands.
				return false
			}
			c.freeSlots[i].Store(true)
			return true
		}
		return false
	}

	// Slots exhausted: spill to the auxiliary list.
	w := &overflowWaiter{
		bundle:            bundle,
		targetValue:       targetValue,
		pinnedThreadIndex: pinnedThreadIndex,
	}
	c.overflowMu.Lock()
	c.overflow = append(c.overflow, w)
	c.overflowMu.Unlock()

	value := c.value.Load()
	if w.targetValue == value && w.fired.CompareAndSwap(false, true) {
		c.removeOverflow(w)
		return true
	}
	return false
}

// checkWaitingFibers fires every waiter whose target equals value. Callers
// hold the publication lock (c.lock) across the call.
func (c *baseCounter) checkWaitingFibers(value int64) {
	for i := range c.waitingFibers {
		if c.freeSlots[i].Load() {
			continue
		}
		slot := &c.waitingFibers[i]
		if slot.inUse.Load() {
			continue
		}
		if slot.targetValue == value {
			if !slot.inUse.CompareAndSwap(false, true) {
				continue
			}
			c.sched.addReadyFiber(slot.pinnedThreadIndex, slot.bundle)
			c.freeSlots[i].Store(true)
		}
	}

	var fired []*overflowWaiter
	c.overflowMu.Lock()
	for i := 0; i < len(c.overflow); {
		w := c.overflow[i]
		if w.targetValue == value && w.fired.CompareAndSwap(false, true) {
			fired = append(fired, w)
			c.overflow = append(c.overflow[:i], c.overflow[i+1:]...)
			continue
		}
		i++
	}
	c.overflowMu.Unlock()
	for _, w := range fired {
		c.sched.addReadyFiber(w.pinnedThreadIndex, w.bundle)
	}
}

// removeOverflow drops a fired waiter from the spill list.
func (c *baseCounter) removeOverflow(w *overflowWaiter) {
	c.overflowMu.Lock()
	for i, cand := range c.overflow {
		if cand == w {
			c.overflow = append(c.overflow[:i], c.overflow[i+1:]...)
			break
		}
	}
	c.overflowMu.Unlock()
}

// Load returns the current value.
func (c *baseCounter) Load() int64 {
	return c.value.Load()
}

// =============================================================================
// TaskCounter: counts outstanding tasks; waiters release at zero
// =============================================================================

// TaskCounter counts outstanding tasks. AddTask(s) increments it before any
// covered task is enqueued, each completed task decrements it, and waiters
// release when it reaches zero.
type TaskCounter struct {
	baseCounter
}

// NewTaskCounter creates a counter bound to the scheduler that will resume
// its waiters.
func NewTaskCounter(s *TaskScheduler) *TaskCounter {
	c := &TaskCounter{}
	c.init(s, 0)
	return c
}

// Add increases the outstanding-task count by n. It must happen before the
// tasks it covers are enqueued so waiters cannot observe zero prematurely.
func (c *TaskCounter) Add(n int64) {
	c.lock.Add(1)
	c.value.Add(n)
	c.lock.Add(-1)
}

// Decrement marks one task complete. Reaching zero fires all waiters.
func (c *TaskCounter) Decrement() {
	c.lock.Add(1)
	newValue := c.value.Add(-1)
	if newValue < 0 {
		c.lock.Add(-1)
		panic("fibertasking: TaskCounter decremented below zero")
	}
	if newValue == 0 {
		c.checkWaitingFibers(0)
	}
	c.lock.Add(-1)
}

// =============================================================================
// AtomicFlag: binary counter
// =============================================================================

// AtomicFlag is the binary variant of TaskCounter: an event that starts set
// (value 1) and releases waiters when cleared to zero.
type AtomicFlag struct {
	baseCounter
}

// NewAtomicFlag creates a set flag bound to the scheduler.
func NewAtomicFlag(s *TaskScheduler) *AtomicFlag {
	f := &AtomicFlag{}
	f.init(s, 1)
	return f
}

// Set raises the flag. Waiters installed afterwards block until Clear.
func (f *AtomicFlag) Set() {
	f.lock.Add(1)
	f.value.Store(1)
	f.lock.Add(-1)
}

// Clear lowers the flag and fires all waiters.
func (f *AtomicFlag) Clear() {
	f.lock.Add(1)
	f.value.Store(0)
	f.checkWaitingFibers(0)
	f.lock.Add(-1)
}

// IsSet reports whether the flag is raised.
func (f *AtomicFlag) IsSet() bool {
	return f.value.Load() != 0
}

// =============================================================================
// FullAtomicCounter: arbitrary-target counter
// =============================================================================

// FullAtomicCounter is a counter whose waiters each carry their own target
// value; every value transition checks the waiter set.
type FullAtomicCounter struct {
	baseCounter
}

// NewFullAtomicCounter creates a counter with the given initial value.
func NewFullAtomicCounter(s *TaskScheduler, initialValue int64) *FullAtomicCounter {
	c := &FullAtomicCounter{}
	c.init(s, initialValue)
	return c
}

// Store sets the value and fires matching waiters.
func (c *FullAtomicCounter) Store(v int64) {
	c.lock.Add(1)
	c.value.Store(v)
	c.checkWaitingFibers(v)
	c.lock.Add(-1)
}

// Add adjusts the value by n and fires matching waiters.
func (c *FullAtomicCounter) Add(n int64) {
	c.lock.Add(1)
	newValue := c.value.Add(n)
	c.checkWaitingFibers(newValue)
	c.lock.Add(-1)
}

// Decrement subtracts one and fires matching waiters.
func (c *FullAtomicCounter) Decrement() {
	c.Add(-1)
}
