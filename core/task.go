package core

import (
	"fmt"
)

// TaskFunc is the unit of work executed by the scheduler.
// The scheduler passes itself as the first argument so tasks can submit
// follow-up work and wait on counters without reaching for a global.
type TaskFunc func(s *TaskScheduler, arg any)

// Task pairs a function with its opaque argument.
// A Task is a pure value and is immutable after submission.
type Task struct {
	Function TaskFunc
	Arg      any
}

// =============================================================================
// TaskPriority: Two-level scheduling priority
// =============================================================================

type TaskPriority int

const (
	// PriorityNormal: Default priority. Normal tasks are dispatched after all
	// high priority work (including fiber resumption) has drained.
	PriorityNormal TaskPriority = iota

	// PriorityHigh: Dispatched first. Resumed fibers are always republished
	// at this level so that a parked caller is unblocked with bounded latency.
	PriorityHigh
)

// String returns the priority name for logs and metrics labels.
func (p TaskPriority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// =============================================================================
// TaskBundle: The unit enqueued on the per-worker deques
// =============================================================================

// TaskBundle is either a real task or a ready-fiber resumption record.
// The two variants are distinguished by the readyFiber pointer: when it is
// non-nil the bundle carries a parked fiber waiting to be resumed, and the
// Task/Counter fields are unused.
type TaskBundle struct {
	TaskToExecute Task
	Counter       *TaskCounter
	Name          string
	Priority      TaskPriority

	readyFiber *ReadyFiberBundle
}

// isReadyFiber reports whether this bundle resumes a parked fiber rather
// than executing a task.
func (b *TaskBundle) isReadyFiber() bool {
	return b.readyFiber != nil
}

// =============================================================================
// EmptyQueueBehavior: What a worker does when it finds no work
// =============================================================================

type EmptyQueueBehavior int32

const (
	// BehaviorSpin: Loop without OS interaction.
	BehaviorSpin EmptyQueueBehavior = iota

	// BehaviorYield: After repeated failed pops, yield the OS thread.
	BehaviorYield

	// BehaviorSleep: After repeated failed pops, sleep on the scheduler's
	// condition variable until a producer wakes the worker.
	BehaviorSleep
)

// String returns the behavior name for logs and stats.
func (b EmptyQueueBehavior) String() string {
	switch b {
	case BehaviorSpin:
		return "spin"
	case BehaviorYield:
		return "yield"
	case BehaviorSleep:
		return "sleep"
	default:
		return fmt.Sprintf("behavior(%d)", int32(b))
	}
}

// failedPopAttemptsHeuristic is how many consecutive empty dispatch rounds a
// worker tolerates before it yields or sleeps, depending on the behavior.
const failedPopAttemptsHeuristic = 25

// NoThreadPinning marks a parked fiber as resumable by any worker.
const NoThreadPinning = -1

// invalidThreadIndex is returned by GetCurrentThreadIndex when the calling
// goroutine is not a scheduler fiber.
const invalidThreadIndex = -1

// =============================================================================
// Options: Scheduler configuration
// =============================================================================

// Options configures TaskScheduler.Init.
type Options struct {
	// ThreadPoolSize is the number of worker carriers. 0 selects one worker
	// per logical CPU.
	ThreadPoolSize int

	// SetAffinity pins each carrier's work to core (index % NumCPU).
	// Because fibers hop between goroutines, the pin travels with the
	// carrier: whichever fiber is running on carrier i holds an OS-thread
	// lock with that core's affinity, taken on switch-in and released on
	// switch-out. Costs an affinity syscall per fiber switch. Only
	// effective on platforms with a thread affinity syscall; elsewhere the
	// running fiber is still OS-thread locked but floats across cores.
	SetAffinity bool

	// Behavior is the empty-queue policy. Defaults to BehaviorSpin.
	Behavior EmptyQueueBehavior

	// Callbacks receive scheduler lifecycle events, intended for tracers
	// and profilers.
	Callbacks EventCallbacks

	// FiberStackSize is recorded in stats for parity with fiber runtimes
	// that preallocate stacks. Fibers here are goroutines, whose stacks the
	// runtime grows on demand, so the value does not reserve memory.
	FiberStackSize int

	// PredicateSpinCount is the SpinCount given to fibers parked by
	// WaitForPredicate. It keeps a re-enqueued predicate fiber from being
	// the immediate next pick, forcing progress elsewhere between
	// re-evaluations.
	PredicateSpinCount int32

	Logger       Logger
	PanicHandler PanicHandler
	Metrics      Metrics
}

const (
	defaultFiberStackSize     = 512 * 1024
	defaultPredicateSpinCount = 15
)

// DefaultOptions returns the baseline configuration: one worker per logical
// CPU, spin on empty queues, no affinity.
func DefaultOptions() Options {
	return Options{
		Behavior:           BehaviorSpin,
		FiberStackSize:     defaultFiberStackSize,
		PredicateSpinCount: defaultPredicateSpinCount,
	}
}
