package core

import (
	"fmt"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a task panics during execution.
// The dispatch loop recovers the panic, reports it here, and keeps running;
// the task's counter is still decremented so waiters are not leaked.
//
// Implementations must be thread-safe, they may be called from any worker
// concurrently.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - threadIndex: The worker carrier the task was running on
	// - taskName: The debug name of the task, if one was given
	// - panicInfo: The panic value recovered from the task
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(threadIndex int, taskName string, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler provides a basic panic handler that logs to stdout.
type DefaultPanicHandler struct{}

// HandlePanic prints panic information to stdout.
func (h *DefaultPanicHandler) HandlePanic(threadIndex int, taskName string, panicInfo any, stackTrace []byte) {
	if taskName != "" {
		fmt.Printf("[Worker %d] Panic in task %q: %v\nStack trace:\n%s",
			threadIndex, taskName, panicInfo, stackTrace)
	} else {
		fmt.Printf("[Worker %d] Panic: %v\nStack trace:\n%s",
			threadIndex, panicInfo, stackTrace)
	}
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting scheduler execution metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// Methods must be non-blocking and fast; they are called from the dispatch
// loop of every worker.
type Metrics interface {
	// RecordTaskExecuted records a completed task and how long it ran.
	RecordTaskExecuted(threadIndex int, priority TaskPriority, duration time.Duration)

	// RecordTaskStolen records a successful steal from another worker's deque.
	RecordTaskStolen(thiefIndex, victimIndex int, priority TaskPriority)

	// RecordTaskPanic records that a task panicked during execution.
	RecordTaskPanic(threadIndex int, panicInfo any)

	// RecordFiberCreated records allocation of a fresh fiber.
	RecordFiberCreated()

	// RecordFiberFreed records retirement of a fiber.
	RecordFiberFreed()

	// RecordWaitParked records a fiber parking on a counter or predicate.
	RecordWaitParked(pinned bool)

	// RecordWaitResumed records a parked fiber being switched back in.
	RecordWaitResumed()

	// RecordWorkerSleep records a worker going to sleep on the empty-queue CV.
	RecordWorkerSleep(threadIndex int)

	// RecordWorkerWake records a worker waking from the empty-queue CV.
	RecordWorkerWake(threadIndex int)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

// RecordTaskExecuted is a no-op.
func (m *NilMetrics) RecordTaskExecuted(threadIndex int, priority TaskPriority, duration time.Duration) {
}

// RecordTaskStolen is a no-op.
func (m *NilMetrics) RecordTaskStolen(thiefIndex, victimIndex int, priority TaskPriority) {}

// RecordTaskPanic is a no-op.
func (m *NilMetrics) RecordTaskPanic(threadIndex int, panicInfo any) {}

// RecordFiberCreated is a no-op.
func (m *NilMetrics) RecordFiberCreated() {}

// RecordFiberFreed is a no-op.
func (m *NilMetrics) RecordFiberFreed() {}

// RecordWaitParked is a no-op.
func (m *NilMetrics) RecordWaitParked(pinned bool) {}

// RecordWaitResumed is a no-op.
func (m *NilMetrics) RecordWaitResumed() {}

// RecordWorkerSleep is a no-op.
func (m *NilMetrics) RecordWorkerSleep(threadIndex int) {}

// RecordWorkerWake is a no-op.
func (m *NilMetrics) RecordWorkerWake(threadIndex int) {}
