package core

import (
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// fiberDestination records what must happen to a carrier's previous fiber
// once the incoming fiber has landed. It is None except during the window
// between entering a switch and the next cleanUpOldFiber.
type fiberDestination int

const (
	fiberDestinationNone fiberDestination = iota
	fiberDestinationToPool
	fiberDestinationToWaiting
)

// threadLocalStorage is the per-carrier scheduler state. Except for the
// pinned list (mutex) and the deques (their own protocol), fields are only
// touched by whichever fiber currently runs on the carrier; fiber handoffs
// serialize the accesses.
type threadLocalStorage struct {
	currentFiber *Fiber

	// The stale-fiber handshake state. See cleanUpOldFiber.
	oldFiber            *Fiber
	oldFiberDestination fiberDestination
	oldFiberStoredFlag  *atomic.Bool

	// threadFiber wraps the carrier goroutine itself; the quit fiber
	// switches back to it during shutdown.
	threadFiber *Fiber

	hiPriTaskQueue *WaitFreeDeque
	loPriTaskQueue *WaitFreeDeque

	hiPriLastSuccessfulSteal int
	loPriLastSuccessfulSteal int
	failedQueuePopAttempts   int

	pinnedReadyFibersLock sync.Mutex
	pinnedReadyFibers     []*ReadyFiberBundle
}

// schedulerCounters are the cumulative event counts behind Stats().
type schedulerCounters struct {
	tasksExecuted atomic.Int64
	tasksStolen   atomic.Int64
	taskPanics    atomic.Int64
	fibersCreated atomic.Int64
	fibersFreed   atomic.Int64
	waitsParked   atomic.Int64
	waitsResumed  atomic.Int64
	workerSleeps  atomic.Int64
}

// TaskScheduler runs tasks on a fixed pool of worker carriers. Tasks may
// wait on counters without blocking their carrier: the waiting fiber parks
// onto the counter and the carrier picks up a fresh fiber to keep
// dispatching. A scheduler is created with NewTaskScheduler, started once
// with Init, and torn down once with Shutdown.
type TaskScheduler struct {
	numThreads int
	tls        []threadLocalStorage

	mainFiber  *Fiber
	quitFibers []*Fiber
	fibers     fiberRegistry

	initialized atomic.Bool
	quit        atomic.Bool
	quitCount   atomic.Int32

	emptyQueueBehavior atomic.Int32

	callbacks    EventCallbacks
	logger       Logger
	panicHandler PanicHandler
	metrics      Metrics

	predicateSpinCount int32
	fiberStackSize     int
	setAffinity        bool

	threadSleepLock sync.Mutex
	threadSleepCV   *sync.Cond

	workerWG sync.WaitGroup

	counters schedulerCounters
}

// NewTaskScheduler creates an uninitialized scheduler. Call Init before use.
func NewTaskScheduler() *TaskScheduler {
	s := &TaskScheduler{}
	s.threadSleepCV = sync.NewCond(&s.threadSleepLock)
	return s
}

// =============================================================================
// Lifecycle
// =============================================================================

// Init starts the scheduler. It claims the calling goroutine as worker 0
// (the "main" carrier, running the main fiber) and spawns the remaining
// workers. Calling Init twice returns ErrDoubleInit.
//
// The caller remains worker 0 until Shutdown: its carrier participates in
// dispatching whenever the main fiber is parked in a wait.
func (s *TaskScheduler) Init(opts Options) error {
	if s.initialized.Load() {
		return ErrDoubleInit
	}

	if opts.Logger == nil {
		opts.Logger = NewDefaultLogger()
	}
	if opts.PanicHandler == nil {
		opts.PanicHandler = &DefaultPanicHandler{}
	}
	if opts.Metrics == nil {
		opts.Metrics = &NilMetrics{}
	}
	if opts.FiberStackSize == 0 {
		opts.FiberStackSize = defaultFiberStackSize
	}
	if opts.PredicateSpinCount == 0 {
		opts.PredicateSpinCount = defaultPredicateSpinCount
	}

	s.callbacks = opts.Callbacks
	s.logger = opts.Logger
	s.panicHandler = opts.PanicHandler
	s.metrics = opts.Metrics
	s.predicateSpinCount = opts.PredicateSpinCount
	s.fiberStackSize = opts.FiberStackSize
	s.setAffinity = opts.SetAffinity
	s.emptyQueueBehavior.Store(int32(opts.Behavior))

	if opts.ThreadPoolSize == 0 {
		s.numThreads = runtime.NumCPU()
	} else {
		s.numThreads = opts.ThreadPoolSize
	}

	s.tls = make([]threadLocalStorage, s.numThreads)
	for i := range s.tls {
		s.tls[i].hiPriTaskQueue = NewWaitFreeDeque()
		s.tls[i].loPriTaskQueue = NewWaitFreeDeque()
	}

	s.callbacks.threadsCreated(s.numThreads)
	s.callbacks.fibersCreated(1)

	// Claim the calling goroutine as worker 0. The main fiber holds carrier
	// 0's pin while it runs; parking hands the pin over to the next fiber.
	s.pinCarrier(0)
	s.mainFiber = adoptFiber(&s.fibers, 0)
	s.tls[0].currentFiber = s.mainFiber
	s.tls[0].threadFiber = s.mainFiber

	// Spawn the worker carriers.
	for i := 1; i < s.numThreads; i++ {
		s.workerWG.Add(1)
		go s.threadStartFunc(i)
	}

	s.callbacks.fiberAttached(s.mainFiber)

	// Signal the worker threads that we're fully initialized.
	s.initialized.Store(true)

	s.logger.Info("scheduler initialized",
		F("workers", s.numThreads),
		F("behavior", EmptyQueueBehavior(s.emptyQueueBehavior.Load()).String()),
		F("affinity", s.setAffinity))
	return nil
}

// threadStartFunc is the worker carrier body for workers 1..N-1.
func (s *TaskScheduler) threadStartFunc(threadIndex int) {
	defer s.workerWG.Done()

	s.pinCarrier(threadIndex)

	// Spin wait until everything is initialized.
	for !s.initialized.Load() {
		runtime.Gosched()
	}

	s.callbacks.workerThreadStarted(threadIndex)
	s.logger.Debug("worker started", F("worker", threadIndex))

	tls := &s.tls[threadIndex]
	tls.threadFiber = adoptFiber(&s.fibers, threadIndex)

	// Get a free fiber and start dispatching on it. The dispatch fiber
	// re-pins this carrier's CPU on entry; release it here so the parked
	// worker goroutine does not hold a pinned OS thread for the scheduler's
	// whole lifetime.
	freeFiber := s.getNextFreeFiber()
	tls.currentFiber = freeFiber
	s.releaseCarrier()
	tls.threadFiber.SwitchTo(freeFiber)

	// The quit fiber switched back to us: the scheduler is shutting down.
	releaseAdopted(&s.fibers)
	s.logger.Debug("worker ended", F("worker", threadIndex))
	s.callbacks.workerThreadEnded(threadIndex)
}

// Shutdown tears the scheduler down. It must be called from the main fiber
// (the goroutine that called Init), with no fiber still parked on a counter.
// All workers drain out through their quit fibers and are joined before
// Shutdown returns.
func (s *TaskScheduler) Shutdown() {
	s.logger.Info("scheduler shutting down")

	// Create the quit fibers.
	s.quitFibers = make([]*Fiber, s.numThreads)
	for i := range s.quitFibers {
		s.quitFibers[i] = newFiber(&s.fibers, s.threadEndFunc)
	}

	// Request that all the carriers quit.
	s.quit.Store(true)

	// Wake any sleeping workers so they can observe the quit flag. The
	// sleep lock orders this against a worker between its quit check and
	// its CV wait.
	s.threadSleepLock.Lock()
	s.threadSleepCV.Broadcast()
	s.threadSleepLock.Unlock()

	// Jump to this carrier's quit fiber; it rendezvouses with the others
	// and switches back to the main fiber once every carrier has quit. The
	// caller's goroutine leaves the scheduler for good, so drop its pin
	// rather than re-pinning on resume.
	s.callbacks.fiberDetached(s.GetCurrentFiber(), false)
	index := s.GetCurrentThreadIndex()
	s.releaseCarrier()
	s.tls[index].currentFiber.SwitchTo(s.quitFibers[index])

	// We're back on the main fiber; join the worker carriers.
	s.workerWG.Wait()
	releaseAdopted(&s.fibers)

	s.logger.Info("scheduler shut down")
}

// threadEndFunc is the quit-fiber body. Every carrier's last dispatch fiber
// switches into one; the quit fibers wait until all carriers have arrived,
// then each returns control to its carrier's original fiber.
func (s *TaskScheduler) threadEndFunc(f *Fiber) {
	threadIndex := f.currentThreadIndex()

	s.quitCount.Add(1)
	for int(s.quitCount.Load()) != s.numThreads {
		time.Sleep(50 * time.Millisecond)
	}

	if threadIndex == 0 {
		// Special case for the main carrier: control returns to the main
		// fiber, which is parked inside Shutdown.
		f.finishTo(s.mainFiber)
	} else {
		f.finishTo(s.tls[threadIndex].threadFiber)
	}

	s.logger.Error("ThreadEndFunc should never return")
}

// =============================================================================
// Submission
// =============================================================================

// AddTask schedules a single task. If counter is non-nil it is incremented
// before the task is enqueued and decremented when the task completes.
//
// AddTask must be called from a scheduler fiber or from the goroutine that
// owns the main fiber; calls from unrelated goroutines fall back to worker
// 0's queue, whose ownership they cannot share safely with a running
// carrier.
func (s *TaskScheduler) AddTask(task Task, priority TaskPriority, counter *TaskCounter) {
	s.addTaskInternal(task, priority, counter, "")
}

// AddTaskNamed is AddTask with a debug name attached for panic reports,
// tracers and profilers.
func (s *TaskScheduler) AddTaskNamed(task Task, priority TaskPriority, counter *TaskCounter, name string) {
	s.addTaskInternal(task, priority, counter, name)
}

func (s *TaskScheduler) addTaskInternal(task Task, priority TaskPriority, counter *TaskCounter, name string) {
	if task.Function == nil {
		panic("fibertasking: AddTask requires a non-nil task function")
	}

	if counter != nil {
		counter.Add(1)
	}

	threadIndex := s.GetCurrentThreadIndex()
	if threadIndex == invalidThreadIndex {
		threadIndex = 0
	}

	bundle := &TaskBundle{
		TaskToExecute: task,
		Counter:       counter,
		Name:          name,
		Priority:      priority,
	}

	switch priority {
	case PriorityHigh:
		s.tls[threadIndex].hiPriTaskQueue.Push(bundle)
	case PriorityNormal:
		s.tls[threadIndex].loPriTaskQueue.Push(bundle)
	default:
		panic("fibertasking: unknown task priority")
	}

	if s.GetEmptyQueueBehavior() == BehaviorSleep {
		// Wake a sleeping worker.
		s.threadSleepCV.Signal()
	}
}

// AddTasks schedules a batch. The counter is incremented by the full batch
// size before any task is enqueued, so a waiter can never observe it at
// zero between the individual enqueues.
func (s *TaskScheduler) AddTasks(tasks []Task, priority TaskPriority, counter *TaskCounter) {
	if counter != nil {
		counter.Add(int64(len(tasks)))
	}

	threadIndex := s.GetCurrentThreadIndex()
	if threadIndex == invalidThreadIndex {
		threadIndex = 0
	}

	var queue *WaitFreeDeque
	switch priority {
	case PriorityHigh:
		queue = s.tls[threadIndex].hiPriTaskQueue
	case PriorityNormal:
		queue = s.tls[threadIndex].loPriTaskQueue
	default:
		panic("fibertasking: unknown task priority")
	}

	for i := range tasks {
		if tasks[i].Function == nil {
			panic("fibertasking: AddTasks requires non-nil task functions")
		}
		queue.Push(&TaskBundle{
			TaskToExecute: tasks[i],
			Counter:       counter,
			Priority:      priority,
		})
	}

	if s.GetEmptyQueueBehavior() == BehaviorSleep {
		// Wake everyone; a batch can feed multiple workers.
		s.threadSleepCV.Broadcast()
	}
}

// =============================================================================
// Introspection
// =============================================================================

// GetCurrentThreadIndex returns the worker carrier executing the calling
// fiber, or -1 when the caller is not a scheduler fiber.
func (s *TaskScheduler) GetCurrentThreadIndex() int {
	if f := s.fibers.current(); f != nil {
		return f.currentThreadIndex()
	}
	return invalidThreadIndex
}

// GetCurrentFiber returns the calling goroutine's fiber, or nil when the
// caller is not a scheduler fiber.
func (s *TaskScheduler) GetCurrentFiber() *Fiber {
	return s.fibers.current()
}

// GetMainFiber returns the fiber adopted from the goroutine that called Init.
func (s *TaskScheduler) GetMainFiber() *Fiber {
	return s.mainFiber
}

// NumThreads returns the worker count.
func (s *TaskScheduler) NumThreads() int {
	return s.numThreads
}

// GetEmptyQueueBehavior returns the current empty-queue policy.
func (s *TaskScheduler) GetEmptyQueueBehavior() EmptyQueueBehavior {
	return EmptyQueueBehavior(s.emptyQueueBehavior.Load())
}

// SetEmptyQueueBehavior switches the empty-queue policy at runtime. Workers
// already asleep are woken so none of them outlives the Sleep policy.
func (s *TaskScheduler) SetEmptyQueueBehavior(behavior EmptyQueueBehavior) {
	s.emptyQueueBehavior.Store(int32(behavior))
	s.threadSleepCV.Broadcast()
}

// =============================================================================
// Dispatch loop
// =============================================================================

// fiberStartFunc is the dispatch loop, the entry of every pooled fiber.
func (s *TaskScheduler) fiberStartFunc(f *Fiber) {
	threadIndex := f.currentThreadIndex()
	tls := &s.tls[threadIndex]

	// Take over the carrier's CPU pin; the fiber that switched to us
	// released it before the handoff.
	s.pinCarrier(threadIndex)

	s.callbacks.fiberAttached(f)

	// If we just started from the pool, we may need to clean up from the
	// fiber that carried this worker before us.
	s.cleanUpOldFiber()

	var taskBuffer []*TaskBundle

	for !s.quit.Load() {
		var waitingFiber *Fiber
		readyWaitingFibers := false
		foundTask := false

		// Check for a ready pinned waiting fiber first.
		tls.pinnedReadyFibersLock.Lock()
		for i, bundle := range tls.pinnedReadyFibers {
			readyWaitingFibers = true

			// Same readiness test as taskIsReadyToExecute: a parked fiber is
			// never resumable until its source carrier has switched away from
			// it, and its spin budget must have decayed.
			if !(bundle.FiberIsSwitched.Load() && bundle.SpinCount.Add(-1)+1 <= 0) {
				continue
			}

			waitingFiber = bundle.Fiber
			releaseFiberBundle(bundle)
			tls.pinnedReadyFibers = append(tls.pinnedReadyFibers[:i], tls.pinnedReadyFibers[i+1:]...)
			foundTask = true
			break
		}
		tls.pinnedReadyFibersLock.Unlock()

		var nextTask *TaskBundle

		// If nothing was found, check for a high priority task.
		if !foundTask {
			nextTask, foundTask = s.getNextHiPriTask(threadIndex, &taskBuffer)

			if foundTask && nextTask.isReadyFiber() {
				bundle := nextTask.readyFiber
				waitingFiber = bundle.Fiber
				releaseFiberBundle(bundle)
			}
		}

		// Still nothing: look for a low priority task. Ready fibers are only
		// ever published high priority, so no readiness unwrap here.
		if !foundTask {
			nextTask, foundTask = s.getNextLoPriTask(threadIndex)
		}

		if waitingFiber != nil {
			// Found a parked fiber that is ready to continue.
			tls.oldFiber = tls.currentFiber
			tls.currentFiber = waitingFiber
			tls.oldFiberDestination = fiberDestinationToPool

			s.callbacks.fiberDetached(tls.oldFiber, false)
			s.counters.waitsResumed.Add(1)
			s.metrics.RecordWaitResumed()

			s.releaseCarrier()
			tls.oldFiber.SwitchTo(tls.currentFiber)

			s.callbacks.fiberAttached(f)
			// And we're back.
			s.cleanUpOldFiber()

			// Refresh the carrier view; we may be on a different worker now.
			threadIndex = f.currentThreadIndex()
			tls = &s.tls[threadIndex]
			s.pinCarrier(threadIndex)
			tls.failedQueuePopAttempts = 0
		} else if foundTask {
			tls.failedQueuePopAttempts = 0

			s.runTask(nextTask, threadIndex)
			if nextTask.Counter != nil {
				nextTask.Counter.Decrement()
			}

			// The task may have waited and resumed elsewhere.
			threadIndex = f.currentThreadIndex()
			tls = &s.tls[threadIndex]
		} else if !readyWaitingFibers {
			// No work anywhere, and no pinned fiber pending: apply the
			// empty-queue policy. A pending pinned fiber always prevents
			// sleeping, its handshake will complete shortly.
			switch s.GetEmptyQueueBehavior() {
			case BehaviorYield:
				tls.failedQueuePopAttempts++
				if tls.failedQueuePopAttempts >= failedPopAttemptsHeuristic {
					runtime.Gosched()
					tls.failedQueuePopAttempts = 0
				}

			case BehaviorSleep:
				tls.failedQueuePopAttempts++
				if tls.failedQueuePopAttempts >= failedPopAttemptsHeuristic {
					s.threadSleepLock.Lock()
					// Check the pinned list under both locks. Either this
					// carrier wins and a later publisher wakes it through
					// the CV, or the publisher wins and the non-empty list
					// keeps us awake.
					tls.pinnedReadyFibersLock.Lock()
					empty := len(tls.pinnedReadyFibers) == 0
					tls.pinnedReadyFibersLock.Unlock()
					// Re-check quit under the sleep lock: Shutdown's
					// broadcast must not slip between our loop check and
					// the wait.
					if empty && !s.quit.Load() {
						s.counters.workerSleeps.Add(1)
						s.metrics.RecordWorkerSleep(threadIndex)
						s.threadSleepCV.Wait()
						s.metrics.RecordWorkerWake(threadIndex)
					}
					s.threadSleepLock.Unlock()
					tls.failedQueuePopAttempts = 0
				}

			case BehaviorSpin:
			default:
				// Fall through and try again.
			}
		}
	}

	// Quit: leave through this carrier's quit fiber.
	s.callbacks.fiberDetached(f, false)
	index := f.currentThreadIndex()
	s.releaseCarrier()
	f.finishTo(s.quitFibers[index])

	s.logger.Error("FiberStart should never return")
}

// runTask executes one real task, recovering panics so a misbehaving task
// cannot take the carrier down. The caller decrements the task's counter
// afterwards regardless of panic, so waiters are never leaked.
func (s *TaskScheduler) runTask(bundle *TaskBundle, threadIndex int) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.counters.taskPanics.Add(1)
			s.metrics.RecordTaskPanic(threadIndex, r)
			s.panicHandler.HandlePanic(threadIndex, bundle.Name, r, debug.Stack())
		}
	}()

	bundle.TaskToExecute.Function(s, bundle.TaskToExecute.Arg)

	s.counters.tasksExecuted.Add(1)
	s.metrics.RecordTaskExecuted(threadIndex, bundle.Priority, time.Since(start))
}

// taskIsReadyToExecute filters dispatch candidates. Real tasks are always
// ready; a ready-fiber bundle is ready only once its fiber has fully
// switched away from its old carrier and its spin budget has decayed.
func (s *TaskScheduler) taskIsReadyToExecute(bundle *TaskBundle) bool {
	if !bundle.isReadyFiber() {
		return true
	}
	rf := bundle.readyFiber
	return rf.FiberIsSwitched.Load() && rf.SpinCount.Add(-1)+1 <= 0
}

// =============================================================================
// Queue scanning and stealing
// =============================================================================

// getNextHiPriTask pops from the worker's own hi-pri deque, then steals
// round-robin from the other workers starting at the last successful steal
// victim. Entries that are not ready (parked fibers whose handshake hasn't
// completed) are held in taskBuffer and re-pushed, in reverse, at the end so
// their order is preserved.
func (s *TaskScheduler) getNextHiPriTask(currentThreadIndex int, taskBuffer *[]*TaskBundle) (*TaskBundle, bool) {
	tls := &s.tls[currentThreadIndex]

	var nextTask *TaskBundle
	found := false

	// Try to pop from our own queue.
	for !found {
		bundle, ok := tls.hiPriTaskQueue.Pop()
		if !ok {
			break
		}
		if s.taskIsReadyToExecute(bundle) {
			nextTask = bundle
			found = true
			break
		}
		// A ready-fiber whose source hasn't switched away yet; buffer it.
		*taskBuffer = append(*taskBuffer, bundle)
	}

	if !found {
		// Ours is empty, try to steal from the others'.
		start := tls.hiPriLastSuccessfulSteal
	steal:
		for i := 0; i < s.numThreads; i++ {
			victimIndex := (start + i) % s.numThreads
			if victimIndex == currentThreadIndex {
				continue
			}
			victim := &s.tls[victimIndex]

			for {
				bundle, ok := victim.hiPriTaskQueue.Steal()
				if !ok {
					break
				}
				tls.hiPriLastSuccessfulSteal = victimIndex
				s.counters.tasksStolen.Add(1)
				s.metrics.RecordTaskStolen(currentThreadIndex, victimIndex, PriorityHigh)

				if s.taskIsReadyToExecute(bundle) {
					nextTask = bundle
					found = true
					break steal
				}
				*taskBuffer = append(*taskBuffer, bundle)
			}
		}
	}

	if len(*taskBuffer) > 0 {
		// Re-push the held-back entries in the opposite order we popped
		// them, restoring their order. We (or another worker) get them next
		// round.
		for i := len(*taskBuffer) - 1; i >= 0; i-- {
			tls.hiPriTaskQueue.Push((*taskBuffer)[i])
			(*taskBuffer)[i] = nil
		}
		*taskBuffer = (*taskBuffer)[:0]

		// Under the Sleep policy the other workers may have found nothing
		// while we were holding these entries; wake them all.
		if s.GetEmptyQueueBehavior() == BehaviorSleep {
			s.threadSleepCV.Broadcast()
		}
	}

	return nextTask, found
}

// getNextLoPriTask is the same scan without the readiness filter: the
// lo-pri queues only ever carry real tasks.
func (s *TaskScheduler) getNextLoPriTask(currentThreadIndex int) (*TaskBundle, bool) {
	tls := &s.tls[currentThreadIndex]

	if bundle, ok := tls.loPriTaskQueue.Pop(); ok {
		return bundle, true
	}

	start := tls.loPriLastSuccessfulSteal
	for i := 0; i < s.numThreads; i++ {
		victimIndex := (start + i) % s.numThreads
		if victimIndex == currentThreadIndex {
			continue
		}
		if bundle, ok := s.tls[victimIndex].loPriTaskQueue.Steal(); ok {
			tls.loPriLastSuccessfulSteal = victimIndex
			s.counters.tasksStolen.Add(1)
			s.metrics.RecordTaskStolen(currentThreadIndex, victimIndex, PriorityNormal)
			return bundle, true
		}
	}

	return nil, false
}

// =============================================================================
// Carrier affinity
// =============================================================================

// pinCarrier locks the calling goroutine to its OS thread and pins that
// thread to the carrier's CPU (index % NumCPU). No-op unless SetAffinity.
//
// Fibers hop between goroutines, so a carrier's pin cannot live on any one
// goroutine: instead, every fiber takes the pin when it gains a carrier and
// releases it (releaseCarrier) before switching away. The handoff costs an
// affinity syscall per switch, which is the price of keeping carrier i's
// work on CPU i no matter which fiber is executing it.
func (s *TaskScheduler) pinCarrier(threadIndex int) {
	if !s.setAffinity {
		return
	}
	runtime.LockOSThread()
	if err := setThreadAffinity(threadIndex % runtime.NumCPU()); err != nil {
		s.logger.Warn("failed to set carrier affinity",
			F("worker", threadIndex), F("error", err))
	}
}

// releaseCarrier undoes pinCarrier: the thread's mask is restored to all
// CPUs before it is unlocked, so the runtime's thread pool never inherits a
// single-CPU mask. No-op unless SetAffinity.
func (s *TaskScheduler) releaseCarrier() {
	if !s.setAffinity {
		return
	}
	if err := clearThreadAffinity(); err != nil {
		s.logger.Warn("failed to clear carrier affinity", F("error", err))
	}
	runtime.UnlockOSThread()
}

// =============================================================================
// Fiber pool
// =============================================================================

// getNextFreeFiber returns a fresh dispatch fiber.
func (s *TaskScheduler) getNextFreeFiber() *Fiber {
	s.counters.fibersCreated.Add(1)
	s.metrics.RecordFiberCreated()
	return newFiber(&s.fibers, s.fiberStartFunc)
}

// setFreeFiber retires a fiber that no carrier references anymore.
func (s *TaskScheduler) setFreeFiber(f *Fiber) {
	s.counters.fibersFreed.Add(1)
	s.metrics.RecordFiberFreed()
	f.destroy()
}

// cleanUpOldFiber completes the previous fiber's handoff.
//
// When a carrier switches fibers, the outgoing fiber cannot be published
// (pooled or marked resumable) before the switch completes: another worker
// could pick it up and run it while this carrier is still executing on its
// stack. Instead of per-carrier helper fibers, the commit is deferred to the
// incoming fiber. Control always lands in one of exactly two places after a
// switch, the top of fiberStartFunc or the post-switch point of a wait, and
// both call cleanUpOldFiber first:
//
//   - ToPool: the old fiber was done dispatching; retire it. Nothing else
//     holds a reference, so it is gone for good.
//   - ToWaiting: the old fiber parked on a counter; store true through
//     OldFiberStoredFlag (the bundle's FiberIsSwitched). Only from that
//     moment may a firer's republication of the fiber be acted upon.
func (s *TaskScheduler) cleanUpOldFiber() {
	tls := &s.tls[s.GetCurrentThreadIndex()]
	switch tls.oldFiberDestination {
	case fiberDestinationToPool:
		s.setFreeFiber(tls.oldFiber)
		tls.oldFiberDestination = fiberDestinationNone
		tls.oldFiber = nil
	case fiberDestinationToWaiting:
		tls.oldFiberStoredFlag.Store(true)
		tls.oldFiberDestination = fiberDestinationNone
		tls.oldFiber = nil
	case fiberDestinationNone:
	}
}

// =============================================================================
// Readying parked fibers
// =============================================================================

// addReadyFiber republishes a parked fiber so some worker resumes it.
//
// Unpinned fibers are pushed as ready-fiber bundles onto the calling
// worker's hi-pri deque; they are deliberately never posted lo-pri so that
// resume latency stays bounded by the hi-pri scan. Pinned fibers go onto
// the target worker's pinned list instead.
func (s *TaskScheduler) addReadyFiber(pinnedThreadIndex int, bundle *ReadyFiberBundle) {
	if pinnedThreadIndex == NoThreadPinning {
		threadIndex := s.GetCurrentThreadIndex()
		if threadIndex == invalidThreadIndex {
			threadIndex = 0
		}
		s.tls[threadIndex].hiPriTaskQueue.Push(&TaskBundle{
			Priority:   PriorityHigh,
			readyFiber: bundle,
		})

		// Under the Sleep policy the other workers could all be asleep;
		// kick one awake to take the readied fiber.
		if s.GetEmptyQueueBehavior() == BehaviorSleep {
			s.threadSleepCV.Signal()
		}
	} else {
		tls := &s.tls[pinnedThreadIndex]
		tls.pinnedReadyFibersLock.Lock()
		tls.pinnedReadyFibers = append(tls.pinnedReadyFibers, bundle)
		tls.pinnedReadyFibersLock.Unlock()

		// The pinned worker picks the fiber up on its next dispatch round.
		// If it is asleep under the Sleep policy, only a broadcast is
		// guaranteed to reach it.
		if s.GetEmptyQueueBehavior() == BehaviorSleep {
			if s.GetCurrentThreadIndex() != pinnedThreadIndex {
				s.threadSleepLock.Lock()
				s.threadSleepCV.Broadcast()
				s.threadSleepLock.Unlock()
			}
		}
	}
}

// =============================================================================
// Waiting
// =============================================================================

// WaitForCounter parks the calling fiber until the counter reaches zero.
// With pinToCurrentThread the fiber resumes on the same worker it parked
// on; the main fiber is always pinned, because only worker 0 may ever
// switch back into it.
func (s *TaskScheduler) WaitForCounter(counter *TaskCounter, pinToCurrentThread bool) {
	s.waitForCounterInternal(&counter.baseCounter, 0, pinToCurrentThread)
}

// WaitForFlag parks the calling fiber until the flag is cleared.
func (s *TaskScheduler) WaitForFlag(flag *AtomicFlag, pinToCurrentThread bool) {
	s.waitForCounterInternal(&flag.baseCounter, 0, pinToCurrentThread)
}

// WaitForCounterTarget parks the calling fiber until the counter equals
// value.
func (s *TaskScheduler) WaitForCounterTarget(counter *FullAtomicCounter, value int64, pinToCurrentThread bool) {
	s.waitForCounterInternal(&counter.baseCounter, value, pinToCurrentThread)
}

func (s *TaskScheduler) waitForCounterInternal(counter *baseCounter, value int64, pinToCurrentThread bool) {
	// Fast out.
	if counter.value.Load() == value {
		// Drain in-flight publishers from the counter logic, otherwise we
		// might continue before a just-published waiter is fully fired.
		for counter.lock.Load() > 0 {
			runtime.Gosched()
		}
		return
	}

	threadIndex := s.GetCurrentThreadIndex()
	tls := &s.tls[threadIndex]
	currentFiber := tls.currentFiber

	pinnedThreadIndex := NoThreadPinning
	if pinToCurrentThread || currentFiber == s.mainFiber {
		pinnedThreadIndex = threadIndex
	}

	// Create the ready fiber bundle and attempt to add it to the waiting
	// list.
	bundle := acquireFiberBundle(currentFiber, 0)

	if counter.addFiberToWaitingList(bundle, value, pinnedThreadIndex) {
		// The counter finished while we were joining the list; no parking
		// needed.
		releaseFiberBundle(bundle)
		return
	}

	s.counters.waitsParked.Add(1)
	s.metrics.RecordWaitParked(pinnedThreadIndex != NoThreadPinning)

	// Get a free fiber for this carrier to keep dispatching on.
	freeFiber := s.getNextFreeFiber()

	tls.oldFiber = currentFiber
	tls.currentFiber = freeFiber
	tls.oldFiberDestination = fiberDestinationToWaiting
	tls.oldFiberStoredFlag = &bundle.FiberIsSwitched

	s.callbacks.fiberDetached(currentFiber, true)

	s.releaseCarrier()
	currentFiber.SwitchTo(freeFiber)

	s.callbacks.fiberAttached(s.GetCurrentFiber())
	// And we're back.
	s.cleanUpOldFiber()
	s.pinCarrier(s.GetCurrentThreadIndex())
}

// WaitForPredicate re-evaluates pred each time the calling fiber is
// rescheduled, parking between evaluations. The fiber is republished
// immediately with a spin budget so it is not the very next pick; other
// work makes progress before each re-check.
func (s *TaskScheduler) WaitForPredicate(pred func() bool, pinToCurrentThread bool) {
	threadIndex := s.GetCurrentThreadIndex()
	tls := &s.tls[threadIndex]

	for !pred() {
		currentFiber := tls.currentFiber

		pinnedThreadIndex := NoThreadPinning
		if pinToCurrentThread || currentFiber == s.mainFiber {
			pinnedThreadIndex = threadIndex
		}

		bundle := acquireFiberBundle(currentFiber, s.predicateSpinCount)

		s.counters.waitsParked.Add(1)
		s.metrics.RecordWaitParked(pinnedThreadIndex != NoThreadPinning)

		freeFiber := s.getNextFreeFiber()

		// Republish ourselves before switching away; the readiness test
		// holds the resume back until the handshake sets FiberIsSwitched,
		// and the spin budget defers it further after that.
		s.addReadyFiber(pinnedThreadIndex, bundle)

		tls.oldFiber = currentFiber
		tls.currentFiber = freeFiber
		tls.oldFiberDestination = fiberDestinationToWaiting
		tls.oldFiberStoredFlag = &bundle.FiberIsSwitched

		s.callbacks.fiberDetached(currentFiber, true)

		s.releaseCarrier()
		currentFiber.SwitchTo(freeFiber)

		s.callbacks.fiberAttached(s.GetCurrentFiber())
		// And we're back.
		s.cleanUpOldFiber()

		threadIndex = s.GetCurrentThreadIndex()
		tls = &s.tls[threadIndex]
		s.pinCarrier(threadIndex)
	}
}
