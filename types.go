package fibertasking

import "github.com/Swind/go-fiber-tasking/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the fibertasking package for most use cases.

// Task pairs a function with its opaque argument
type Task = core.Task

// TaskFunc is the unit of work executed by the scheduler
type TaskFunc = core.TaskFunc

// TaskScheduler runs tasks on a fixed pool of worker carriers
type TaskScheduler = core.TaskScheduler

// TaskPriority defines the two-level scheduling priority
type TaskPriority = core.TaskPriority

// Options configures scheduler initialization
type Options = core.Options

// EmptyQueueBehavior selects what idle workers do
type EmptyQueueBehavior = core.EmptyQueueBehavior

// TaskCounter counts outstanding tasks; waiters release at zero
type TaskCounter = core.TaskCounter

// AtomicFlag is the binary event form of TaskCounter
type AtomicFlag = core.AtomicFlag

// FullAtomicCounter is a counter with per-waiter target values
type FullAtomicCounter = core.FullAtomicCounter

// Fiber is a cooperatively switched execution context
type Fiber = core.Fiber

// EventCallbacks is the tracer/profiler hook table
type EventCallbacks = core.EventCallbacks

// Priority constants
const (
	PriorityNormal TaskPriority = core.PriorityNormal
	PriorityHigh   TaskPriority = core.PriorityHigh
)

// Empty-queue behaviors
const (
	BehaviorSpin  EmptyQueueBehavior = core.BehaviorSpin
	BehaviorYield EmptyQueueBehavior = core.BehaviorYield
	BehaviorSleep EmptyQueueBehavior = core.BehaviorSleep
)

// Convenience constructors
var (
	DefaultOptions       = core.DefaultOptions
	NewTaskScheduler     = core.NewTaskScheduler
	NewTaskCounter       = core.NewTaskCounter
	NewAtomicFlag        = core.NewAtomicFlag
	NewFullAtomicCounter = core.NewFullAtomicCounter
)
