package core

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

// newTestScheduler initializes a scheduler on the test goroutine, which
// becomes worker 0. The caller must defer Shutdown from the same goroutine.
func newTestScheduler(t *testing.T, workers int, behavior EmptyQueueBehavior) *TaskScheduler {
	t.Helper()

	s := NewTaskScheduler()
	opts := DefaultOptions()
	opts.ThreadPoolSize = workers
	opts.Behavior = behavior
	opts.Logger = NewNoOpLogger()
	if err := s.Init(opts); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return s
}

// TestInit_DoubleInit tests double initialization rejection
// Given: an initialized scheduler
// When: Init is called a second time
// Then: ErrDoubleInit is returned with the -30 code
func TestInit_DoubleInit(t *testing.T) {
	s := newTestScheduler(t, 2, BehaviorYield)
	defer s.Shutdown()

	err := s.Init(DefaultOptions())
	if err == nil {
		t.Fatal("second Init: expected error, got nil")
	}
	var ie *InitError
	if !errors.As(err, &ie) {
		t.Fatalf("second Init: expected *InitError, got %T", err)
	}
	if ie.Code != CodeDoubleInit {
		t.Errorf("init error code: got %d, want %d", ie.Code, CodeDoubleInit)
	}
}

// TestScheduler_SingleJob tests basic task execution and event signaling
// Given: a 4 worker scheduler
// When: a task sets a = 10 and clears event E, and the main fiber waits on E
// Then: a == 10 after the wait returns
func TestScheduler_SingleJob(t *testing.T) {
	s := newTestScheduler(t, 4, BehaviorYield)
	defer s.Shutdown()

	var a atomic.Int32
	event := NewAtomicFlag(s)

	s.AddTask(Task{Function: func(ts *TaskScheduler, arg any) {
		a.Store(10)
		event.Clear()
	}}, PriorityHigh, nil)

	s.WaitForFlag(event, false)

	if got := a.Load(); got != 10 {
		t.Errorf("a: got %d, want 10", got)
	}
}

// TestScheduler_MultipleJob tests two independent tasks with separate events
// Given: two tasks signaling separate events
// When: the main fiber waits on both
// Then: both side effects are visible
func TestScheduler_MultipleJob(t *testing.T) {
	s := newTestScheduler(t, 4, BehaviorYield)
	defer s.Shutdown()

	var a, b atomic.Int32
	event := NewAtomicFlag(s)
	event2 := NewAtomicFlag(s)

	s.AddTask(Task{Function: func(ts *TaskScheduler, arg any) {
		a.Store(10)
		event.Clear()
	}}, PriorityNormal, nil)
	s.AddTask(Task{Function: func(ts *TaskScheduler, arg any) {
		b.Store(10)
		event2.Clear()
	}}, PriorityNormal, nil)

	s.WaitForFlag(event, false)
	s.WaitForFlag(event2, false)

	if got := a.Load(); got != 10 {
		t.Errorf("a: got %d, want 10", got)
	}
	if got := b.Load(); got != 10 {
		t.Errorf("b: got %d, want 10", got)
	}
}

// TestScheduler_JobWithDeps tests a coroutine waiting on another task's event
// Given: T1 sets a = 10 and clears E1; T2 waits on E1, adds 10, clears E2
// When: the main fiber waits on E2
// Then: a == 20
func TestScheduler_JobWithDeps(t *testing.T) {
	s := newTestScheduler(t, 4, BehaviorYield)
	defer s.Shutdown()

	var a atomic.Int32
	event := NewAtomicFlag(s)
	event2 := NewAtomicFlag(s)

	s.AddTask(Task{Function: func(ts *TaskScheduler, arg any) {
		a.Store(10)
		event.Clear()
	}}, PriorityNormal, nil)

	s.AddTask(Task{Function: func(ts *TaskScheduler, arg any) {
		ts.WaitForFlag(event, false)
		a.Add(10)
		event2.Clear()
	}}, PriorityNormal, nil)

	s.WaitForFlag(event2, false)

	if got := a.Load(); got != 20 {
		t.Errorf("a: got %d, want 20", got)
	}
}

// TestScheduler_NestedJob tests a task scheduling and awaiting a child task
// Given: T1 sets a = 10, schedules T2 (a += 10) and waits for it, then adds
// 10 more and clears the outer event
// When: the main fiber waits on the outer event
// Then: a == 30
func TestScheduler_NestedJob(t *testing.T) {
	s := newTestScheduler(t, 4, BehaviorYield)
	defer s.Shutdown()

	var a atomic.Int32
	event := NewAtomicFlag(s)

	s.AddTask(Task{Function: func(ts *TaskScheduler, arg any) {
		a.Store(10)

		inner := NewTaskCounter(ts)
		ts.AddTask(Task{Function: func(ts *TaskScheduler, arg any) {
			a.Add(10)
		}}, PriorityNormal, inner)
		ts.WaitForCounter(inner, false)

		a.Add(10)
		event.Clear()
	}}, PriorityNormal, nil)

	s.WaitForFlag(event, false)

	if got := a.Load(); got != 30 {
		t.Errorf("a: got %d, want 30", got)
	}
}

// TestScheduler_ParallelFor tests fan-out with a task counter
// Given: an outer task scheduling 100 increments under one counter
// When: the outer task awaits the counter, adds a final increment, and the
// main fiber awaits the outer event
// Then: a == 1010
func TestScheduler_ParallelFor(t *testing.T) {
	s := newTestScheduler(t, 4, BehaviorYield)
	defer s.Shutdown()

	var a atomic.Int32
	event := NewAtomicFlag(s)

	s.AddTask(Task{Function: func(ts *TaskScheduler, arg any) {
		counter := NewTaskCounter(ts)

		tasks := make([]Task, 100)
		for i := range tasks {
			tasks[i] = Task{Function: func(ts *TaskScheduler, arg any) {
				a.Add(10)
			}}
		}
		ts.AddTasks(tasks, PriorityNormal, counter)

		ts.WaitForCounter(counter, false)
		a.Add(10)
		event.Clear()
	}}, PriorityNormal, nil)

	s.WaitForFlag(event, false)

	if got := a.Load(); got != 1010 {
		t.Errorf("a: got %d, want 1010", got)
	}
}

// TestScheduler_ParallelForMassive tests nested fan-out from several outer
// coroutines
// Given: 10 outer tasks, each scheduling 1000 increments and awaiting them
// When: the main fiber awaits the outer counter
// Then: a == 100100
func TestScheduler_ParallelForMassive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping massive scenario in short mode")
	}

	s := newTestScheduler(t, 4, BehaviorYield)
	defer s.Shutdown()

	var a atomic.Int32
	event := NewTaskCounter(s)
	event.Add(10)

	outer := Task{Function: func(ts *TaskScheduler, arg any) {
		counter := NewTaskCounter(ts)

		tasks := make([]Task, 1000)
		for i := range tasks {
			tasks[i] = Task{Function: func(ts *TaskScheduler, arg any) {
				a.Add(10)
			}}
		}
		ts.AddTasks(tasks, PriorityNormal, counter)

		ts.WaitForCounter(counter, false)
		a.Add(10)
		event.Decrement()
	}}
	for i := 0; i < 10; i++ {
		s.AddTask(outer, PriorityNormal, nil)
	}

	s.WaitForCounter(event, false)

	if got := a.Load(); got != 100100 {
		t.Errorf("a: got %d, want 100100", got)
	}
}

// TestScheduler_MassiveCoroutine tests very large numbers of in-flight
// coroutines under the Sleep policy
// Given: 1000 outer coroutines each awaiting 100 inner tasks, Sleep policy
// When: the main fiber awaits the outer counter
// Then: a == 1010000, every parked wait resumed exactly once, no deadlock
func TestScheduler_MassiveCoroutine(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping massive scenario in short mode")
	}

	s := newTestScheduler(t, 4, BehaviorSleep)
	defer s.Shutdown()

	var a atomic.Int32
	event := NewTaskCounter(s)
	event.Add(1000)

	outer := Task{Function: func(ts *TaskScheduler, arg any) {
		counter := NewTaskCounter(ts)

		tasks := make([]Task, 100)
		for i := range tasks {
			tasks[i] = Task{Function: func(ts *TaskScheduler, arg any) {
				a.Add(10)
			}}
		}
		ts.AddTasks(tasks, PriorityNormal, counter)

		ts.WaitForCounter(counter, false)
		a.Add(10)
		event.Decrement()
	}}
	for i := 0; i < 1000; i++ {
		s.AddTask(outer, PriorityNormal, nil)
	}

	s.WaitForCounter(event, false)

	if got := a.Load(); got != 1010000 {
		t.Errorf("a: got %d, want 1010000", got)
	}

	stats := s.Stats()
	if stats.WaitsParked != stats.WaitsResumed {
		t.Errorf("waits: parked %d, resumed %d, want equal",
			stats.WaitsParked, stats.WaitsResumed)
	}
}

// TestScheduler_PinToCurrentThread tests that a pinned wait resumes on the
// same worker
// Given: a task that records its worker index and waits pinned
// When: the wait resumes
// Then: GetCurrentThreadIndex is unchanged, across repeated rounds
func TestScheduler_PinToCurrentThread(t *testing.T) {
	s := newTestScheduler(t, 4, BehaviorYield)
	defer s.Shutdown()

	var mismatches atomic.Int32
	done := NewAtomicFlag(s)

	s.AddTask(Task{Function: func(ts *TaskScheduler, arg any) {
		for round := 0; round < 50; round++ {
			before := ts.GetCurrentThreadIndex()

			counter := NewTaskCounter(ts)
			tasks := make([]Task, 8)
			for i := range tasks {
				tasks[i] = Task{Function: func(ts *TaskScheduler, arg any) {}}
			}
			ts.AddTasks(tasks, PriorityNormal, counter)
			ts.WaitForCounter(counter, true)

			if after := ts.GetCurrentThreadIndex(); after != before {
				mismatches.Add(1)
			}
		}
		done.Clear()
	}}, PriorityNormal, nil)

	s.WaitForFlag(done, false)

	if got := mismatches.Load(); got != 0 {
		t.Errorf("pinned wait resumed on a different worker %d times", got)
	}
}

// TestScheduler_MainFiberStaysOnWorkerZero tests the main fiber's implicit
// pinning
// Given: the main fiber waiting unpinned
// When: the wait resumes
// Then: the main fiber is still on worker 0
func TestScheduler_MainFiberStaysOnWorkerZero(t *testing.T) {
	s := newTestScheduler(t, 4, BehaviorYield)
	defer s.Shutdown()

	for round := 0; round < 20; round++ {
		counter := NewTaskCounter(s)
		tasks := make([]Task, 16)
		for i := range tasks {
			tasks[i] = Task{Function: func(ts *TaskScheduler, arg any) {}}
		}
		s.AddTasks(tasks, PriorityNormal, counter)
		s.WaitForCounter(counter, false)

		if idx := s.GetCurrentThreadIndex(); idx != 0 {
			t.Fatalf("main fiber on worker %d after wait, want 0", idx)
		}
		if s.GetCurrentFiber() != s.GetMainFiber() {
			t.Fatal("current fiber is not the main fiber after wait")
		}
	}
}

// TestScheduler_HighPriorityFirst tests the two-level dispatch order
// Given: a single-worker scheduler with queued normal tasks and one high task
// When: the main fiber parks and the lone carrier drains the queues
// Then: the high priority task runs before any normal task
func TestScheduler_HighPriorityFirst(t *testing.T) {
	s := newTestScheduler(t, 1, BehaviorYield)
	defer s.Shutdown()

	// Nothing dispatches until the main fiber parks, so the enqueue order
	// is fixed before the first pop.
	var order []int32
	var orderMu sync.Mutex
	counter := NewTaskCounter(s)

	record := func(v int32) {
		orderMu.Lock()
		order = append(order, v)
		orderMu.Unlock()
	}

	for i := 0; i < 8; i++ {
		s.AddTask(Task{Function: func(ts *TaskScheduler, arg any) {
			record(0)
		}}, PriorityNormal, counter)
	}
	s.AddTask(Task{Function: func(ts *TaskScheduler, arg any) {
		record(1)
	}}, PriorityHigh, counter)

	s.WaitForCounter(counter, false)

	if len(order) != 9 {
		t.Fatalf("executed %d tasks, want 9", len(order))
	}
	if order[0] != 1 {
		t.Error("high priority task did not run first")
	}
}

// TestScheduler_WaitForPredicate tests predicate waits
// Given: a predicate satisfied by a later task
// When: the main fiber waits for the predicate
// Then: the wait returns after the predicate holds
func TestScheduler_WaitForPredicate(t *testing.T) {
	s := newTestScheduler(t, 4, BehaviorYield)
	defer s.Shutdown()

	var ready atomic.Bool
	var a atomic.Int32

	s.AddTask(Task{Function: func(ts *TaskScheduler, arg any) {
		a.Store(42)
		ready.Store(true)
	}}, PriorityNormal, nil)

	s.WaitForPredicate(func() bool { return ready.Load() }, false)

	if got := a.Load(); got != 42 {
		t.Errorf("a: got %d, want 42", got)
	}
}

// TestScheduler_WaitForPredicateInTask tests predicate waits from inside a
// running task
// Given: a task polling a flag set by another task
// When: both run to completion
// Then: the observed order is poll-after-set
func TestScheduler_WaitForPredicateInTask(t *testing.T) {
	s := newTestScheduler(t, 4, BehaviorYield)
	defer s.Shutdown()

	var ready atomic.Bool
	var observed atomic.Bool
	done := NewAtomicFlag(s)

	s.AddTask(Task{Function: func(ts *TaskScheduler, arg any) {
		ts.WaitForPredicate(func() bool { return ready.Load() }, false)
		observed.Store(ready.Load())
		done.Clear()
	}}, PriorityNormal, nil)

	s.AddTask(Task{Function: func(ts *TaskScheduler, arg any) {
		ready.Store(true)
	}}, PriorityNormal, nil)

	s.WaitForFlag(done, false)

	if !observed.Load() {
		t.Error("predicate wait returned before the flag was set")
	}
}

// TestScheduler_FullAtomicCounterTarget tests arbitrary-target waits
// Given: a FullAtomicCounter and tasks incrementing it to 5
// When: the main fiber waits for the value 5
// Then: the wait returns once the counter equals the target
func TestScheduler_FullAtomicCounterTarget(t *testing.T) {
	s := newTestScheduler(t, 4, BehaviorYield)
	defer s.Shutdown()

	counter := NewFullAtomicCounter(s, 0)

	for i := 0; i < 5; i++ {
		s.AddTask(Task{Function: func(ts *TaskScheduler, arg any) {
			counter.Add(1)
		}}, PriorityNormal, nil)
	}

	s.WaitForCounterTarget(counter, 5, false)

	if got := counter.Load(); got != 5 {
		t.Errorf("counter: got %d, want 5", got)
	}
}

// TestScheduler_WaitAlreadyDone tests the wait fast path
// Given: a counter already at its target
// When: the main fiber waits on it
// Then: the wait returns without parking
func TestScheduler_WaitAlreadyDone(t *testing.T) {
	s := newTestScheduler(t, 2, BehaviorYield)
	defer s.Shutdown()

	parkedBefore := s.Stats().WaitsParked

	counter := NewTaskCounter(s)
	s.WaitForCounter(counter, false)

	if parkedAfter := s.Stats().WaitsParked; parkedAfter != parkedBefore {
		t.Errorf("fast-path wait parked a fiber: before %d, after %d",
			parkedBefore, parkedAfter)
	}
}

// TestScheduler_TaskPanicStillDecrements tests panic recovery
// Given: a panicking task attached to a counter
// When: the main fiber waits on that counter
// Then: the wait returns (the counter was decremented) and the panic was
// reported
func TestScheduler_TaskPanicStillDecrements(t *testing.T) {
	s := NewTaskScheduler()
	opts := DefaultOptions()
	opts.ThreadPoolSize = 2
	opts.Behavior = BehaviorYield
	opts.Logger = NewNoOpLogger()
	handler := &recordingPanicHandler{}
	opts.PanicHandler = handler
	if err := s.Init(opts); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer s.Shutdown()

	counter := NewTaskCounter(s)
	s.AddTaskNamed(Task{Function: func(ts *TaskScheduler, arg any) {
		panic("boom")
	}}, PriorityNormal, counter, "exploding-task")

	s.WaitForCounter(counter, false)

	if got := handler.count.Load(); got != 1 {
		t.Errorf("panic handler calls: got %d, want 1", got)
	}
	if got := s.Stats().TaskPanics; got != 1 {
		t.Errorf("TaskPanics: got %d, want 1", got)
	}
}

// TestScheduler_StealFairness tests that an idle worker eventually takes
// work queued on another worker
// Given: tasks queued only on worker 0's deque
// When: the main fiber parks waiting for all of them
// Then: more than one worker executes tasks
func TestScheduler_StealFairness(t *testing.T) {
	s := newTestScheduler(t, 4, BehaviorYield)
	defer s.Shutdown()

	var workersSeen [4]atomic.Int32
	counter := NewTaskCounter(s)

	tasks := make([]Task, 400)
	for i := range tasks {
		tasks[i] = Task{Function: func(ts *TaskScheduler, arg any) {
			idx := ts.GetCurrentThreadIndex()
			workersSeen[idx].Add(1)
			spinWork(200)
		}}
	}
	s.AddTasks(tasks, PriorityNormal, counter)

	s.WaitForCounter(counter, false)

	distinct := 0
	for i := range workersSeen {
		if workersSeen[i].Load() > 0 {
			distinct++
		}
	}
	if distinct < 2 {
		t.Errorf("tasks ran on %d workers, want at least 2", distinct)
	}
	if s.Stats().TasksStolen == 0 {
		t.Error("expected at least one steal")
	}
}

// TestScheduler_CallbackTable tests lifecycle event callbacks
// Given: a callback table counting events
// When: a scheduler runs a waiting workload and shuts down
// Then: thread and fiber events fired with sane counts
func TestScheduler_CallbackTable(t *testing.T) {
	var threadsCreated, workerStarts, workerEnds atomic.Int32
	var attaches, detaches atomic.Int32

	s := NewTaskScheduler()
	opts := DefaultOptions()
	opts.ThreadPoolSize = 3
	opts.Behavior = BehaviorYield
	opts.Logger = NewNoOpLogger()
	opts.Callbacks = EventCallbacks{
		OnThreadsCreated:      func(ctx any, count int) { threadsCreated.Store(int32(count)) },
		OnWorkerThreadStarted: func(ctx any, index int) { workerStarts.Add(1) },
		OnWorkerThreadEnded:   func(ctx any, index int) { workerEnds.Add(1) },
		OnFiberAttached:       func(ctx any, f *Fiber) { attaches.Add(1) },
		OnFiberDetached:       func(ctx any, f *Fiber, mid bool) { detaches.Add(1) },
	}
	if err := s.Init(opts); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	counter := NewTaskCounter(s)
	tasks := make([]Task, 32)
	for i := range tasks {
		tasks[i] = Task{Function: func(ts *TaskScheduler, arg any) {}}
	}
	s.AddTasks(tasks, PriorityNormal, counter)
	s.WaitForCounter(counter, false)

	s.Shutdown()

	if got := threadsCreated.Load(); got != 3 {
		t.Errorf("OnThreadsCreated count: got %d, want 3", got)
	}
	if got := workerStarts.Load(); got != 2 {
		t.Errorf("worker starts: got %d, want 2", got)
	}
	if got := workerEnds.Load(); got != 2 {
		t.Errorf("worker ends: got %d, want 2", got)
	}
	if attaches.Load() == 0 || detaches.Load() == 0 {
		t.Error("expected fiber attach/detach events")
	}
}

// TestScheduler_SetAffinity tests the pinned-carrier configuration
// Given: a scheduler initialized with SetAffinity
// When: a fan-out workload with nested waits runs and the scheduler shuts
// down
// Then: results are correct and every pin/release pair balanced (shutdown
// completes without a leaked locked thread)
func TestScheduler_SetAffinity(t *testing.T) {
	s := NewTaskScheduler()
	opts := DefaultOptions()
	opts.ThreadPoolSize = 2
	opts.Behavior = BehaviorYield
	opts.SetAffinity = true
	opts.Logger = NewNoOpLogger()
	if err := s.Init(opts); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	var a atomic.Int32
	event := NewAtomicFlag(s)

	s.AddTask(Task{Function: func(ts *TaskScheduler, arg any) {
		counter := NewTaskCounter(ts)
		tasks := make([]Task, 50)
		for i := range tasks {
			tasks[i] = Task{Function: func(ts *TaskScheduler, arg any) {
				a.Add(1)
				spinWork(500)
			}}
		}
		ts.AddTasks(tasks, PriorityNormal, counter)
		ts.WaitForCounter(counter, false)
		event.Clear()
	}}, PriorityNormal, nil)

	s.WaitForFlag(event, false)
	s.Shutdown()

	if got := a.Load(); got != 50 {
		t.Errorf("a: got %d, want 50", got)
	}
}

// TestScheduler_ShutdownIdle tests teardown with no work ever submitted
// Given: an initialized scheduler with idle workers
// When: Shutdown is called
// Then: it returns (workers drained through their quit fibers)
func TestScheduler_ShutdownIdle(t *testing.T) {
	s := newTestScheduler(t, 4, BehaviorSleep)
	s.Shutdown()
}

// =============================================================================
// Helpers
// =============================================================================

// spinWork burns a little CPU so tasks have nonzero duration.
func spinWork(n int) {
	acc := 1
	for i := 0; i < n; i++ {
		acc = acc*31 + i
	}
	_ = acc
}

type recordingPanicHandler struct {
	count atomic.Int32
}

func (h *recordingPanicHandler) HandlePanic(threadIndex int, taskName string, panicInfo any, stackTrace []byte) {
	h.count.Add(1)
}
