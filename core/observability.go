package core

import (
	"github.com/sugawarayuuta/sonnet"
)

// WorkerStats represents runtime observability state for one worker carrier.
type WorkerStats struct {
	Index             int `json:"index"`
	HiPriQueueLen     int `json:"hi_pri_queue_len"`
	LoPriQueueLen     int `json:"lo_pri_queue_len"`
	PinnedReadyFibers int `json:"pinned_ready_fibers"`
}

// SchedulerStats represents cumulative and instantaneous scheduler state.
// Queue depths are advisory snapshots; the cumulative counts are exact.
type SchedulerStats struct {
	NumThreads     int    `json:"num_threads"`
	Behavior       string `json:"behavior"`
	FiberStackSize int    `json:"fiber_stack_size"`

	TasksExecuted int64 `json:"tasks_executed"`
	TasksStolen   int64 `json:"tasks_stolen"`
	TaskPanics    int64 `json:"task_panics"`
	FibersCreated int64 `json:"fibers_created"`
	FibersFreed   int64 `json:"fibers_freed"`
	LiveFibers    int64 `json:"live_fibers"`
	WaitsParked   int64 `json:"waits_parked"`
	WaitsResumed  int64 `json:"waits_resumed"`
	WorkerSleeps  int64 `json:"worker_sleeps"`

	Workers []WorkerStats `json:"workers"`
}

// Stats captures the current scheduler state. Safe to call from any
// goroutine at any time after Init.
func (s *TaskScheduler) Stats() SchedulerStats {
	stats := SchedulerStats{
		NumThreads:     s.numThreads,
		Behavior:       s.GetEmptyQueueBehavior().String(),
		FiberStackSize: s.fiberStackSize,
		TasksExecuted:  s.counters.tasksExecuted.Load(),
		TasksStolen:    s.counters.tasksStolen.Load(),
		TaskPanics:     s.counters.taskPanics.Load(),
		FibersCreated:  s.counters.fibersCreated.Load(),
		FibersFreed:    s.counters.fibersFreed.Load(),
		WaitsParked:    s.counters.waitsParked.Load(),
		WaitsResumed:   s.counters.waitsResumed.Load(),
		WorkerSleeps:   s.counters.workerSleeps.Load(),
	}
	stats.LiveFibers = stats.FibersCreated - stats.FibersFreed

	stats.Workers = make([]WorkerStats, s.numThreads)
	for i := range s.tls {
		tls := &s.tls[i]
		tls.pinnedReadyFibersLock.Lock()
		pinned := len(tls.pinnedReadyFibers)
		tls.pinnedReadyFibersLock.Unlock()

		stats.Workers[i] = WorkerStats{
			Index:             i,
			HiPriQueueLen:     tls.hiPriTaskQueue.Len(),
			LoPriQueueLen:     tls.loPriTaskQueue.Len(),
			PinnedReadyFibers: pinned,
		}
	}
	return stats
}

// DumpStats serializes the current stats snapshot as JSON.
func (s *TaskScheduler) DumpStats() ([]byte, error) {
	return sonnet.Marshal(s.Stats())
}
