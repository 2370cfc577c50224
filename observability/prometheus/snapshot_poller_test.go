package prometheus

import (
	"testing"
	"time"

	"github.com/Swind/go-fiber-tasking/core"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type staticStatsProvider struct {
	stats core.SchedulerStats
}

func (p *staticStatsProvider) Stats() core.SchedulerStats {
	return p.stats
}

// TestSnapshotPoller_Poll tests gauge export from a stats snapshot
// Given: a registered provider with fixed stats
// When: Poll runs once
// Then: the gauges carry the snapshot values
func TestSnapshotPoller_Poll(t *testing.T) {
	reg := prom.NewRegistry()
	p, err := NewSnapshotPoller(reg, time.Second)
	if err != nil {
		t.Fatalf("NewSnapshotPoller failed: %v", err)
	}

	p.RegisterScheduler("main", &staticStatsProvider{stats: core.SchedulerStats{
		NumThreads:    2,
		FibersCreated: 7,
		FibersFreed:   3,
		LiveFibers:    4,
		WaitsParked:   11,
		WaitsResumed:  10,
		Workers: []core.WorkerStats{
			{Index: 0, HiPriQueueLen: 5, LoPriQueueLen: 2, PinnedReadyFibers: 1},
			{Index: 1, HiPriQueueLen: 0, LoPriQueueLen: 9, PinnedReadyFibers: 0},
		},
	}})

	p.Poll()

	if got := testutil.ToFloat64(p.liveFibers.WithLabelValues("main")); got != 4 {
		t.Errorf("live_fibers: got %v, want 4", got)
	}
	if got := testutil.ToFloat64(p.waitsParked.WithLabelValues("main")); got != 11 {
		t.Errorf("waits_parked: got %v, want 11", got)
	}
	if got := testutil.ToFloat64(p.workerQueueDepth.WithLabelValues("main", "0", "high")); got != 5 {
		t.Errorf("worker_queue_depth{0,high}: got %v, want 5", got)
	}
	if got := testutil.ToFloat64(p.workerQueueDepth.WithLabelValues("main", "1", "normal")); got != 9 {
		t.Errorf("worker_queue_depth{1,normal}: got %v, want 9", got)
	}
	if got := testutil.ToFloat64(p.pinnedReadyFibers.WithLabelValues("main", "0")); got != 1 {
		t.Errorf("worker_pinned_ready_fibers{0}: got %v, want 1", got)
	}
}

// TestSnapshotPoller_StartStop tests the polling loop lifecycle
// Given: a running poller on a short interval
// When: Stop is called
// Then: the loop exits and repeated Start/Stop stays safe
func TestSnapshotPoller_StartStop(t *testing.T) {
	reg := prom.NewRegistry()
	p, err := NewSnapshotPoller(reg, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSnapshotPoller failed: %v", err)
	}
	p.RegisterScheduler("s", &staticStatsProvider{})

	p.Start()
	p.Start() // no-op on a running poller
	time.Sleep(20 * time.Millisecond)
	p.Stop()
	p.Stop() // no-op on a stopped poller

	p.UnregisterScheduler("s")
	p.Poll() // nothing registered; must not panic
}
