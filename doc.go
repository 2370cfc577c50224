// Package fibertasking provides a fiber-based task scheduler for parallel
// game-engine-style workloads: many small tasks executed on a fixed pool of
// worker carriers, with the ability for tasks to wait on synchronization
// counters without blocking their carrier.
//
// Waits are implemented by switching the carrier to a fresh fiber (a
// dedicated goroutine with a handoff channel) rather than blocking, so
// very large numbers of lightweight in-flight coroutines stay cheap.
//
// # Quick Start
//
// Initialize the global scheduler at application startup:
//
//	fibertasking.Init(core.DefaultOptions())
//	defer fibertasking.Shutdown()
//
// Schedule tasks against a counter and wait for them:
//
//	s := fibertasking.Scheduler()
//	counter := core.NewTaskCounter(s)
//	for i := 0; i < 100; i++ {
//		s.AddTask(core.Task{Function: work}, core.PriorityNormal, counter)
//	}
//	s.WaitForCounter(counter, false)
//
// # Key Concepts
//
// TaskScheduler: owns the worker carriers and their work-stealing deques.
// The goroutine that calls Init becomes worker 0 and its stack becomes the
// main fiber; it joins dispatching whenever it waits.
//
// Counters: TaskCounter counts outstanding tasks and releases waiters at
// zero; AtomicFlag is its binary event form; FullAtomicCounter lets each
// waiter pick its own target value.
//
// Pinning: WaitForCounter(..., true) guarantees the fiber resumes on the
// worker it parked on, preserving carrier-local resources across the wait.
//
// # Thread Safety
//
// Tasks are single-threaded within a carrier and parallel across carriers.
// A task that waits may resume on a different worker unless pinned.
//
// # Example
//
//	import (
//		fibertasking "github.com/Swind/go-fiber-tasking"
//		"github.com/Swind/go-fiber-tasking/core"
//	)
//
//	func main() {
//		fibertasking.Init(core.DefaultOptions())
//		defer fibertasking.Shutdown()
//
//		s := fibertasking.Scheduler()
//		flag := core.NewAtomicFlag(s)
//		s.AddTask(core.Task{Function: func(s *core.TaskScheduler, arg any) {
//			// ... work ...
//			flag.Clear()
//		}}, core.PriorityHigh, nil)
//		s.WaitForFlag(flag, false)
//	}
package fibertasking
