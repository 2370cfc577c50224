package prometheus

import (
	"testing"
	"time"

	"github.com/Swind/go-fiber-tasking/core"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestMetricsExporter_RecordsEvents tests collector wiring
// Given: an exporter on a fresh registry
// When: core.Metrics events are recorded
// Then: the corresponding collectors hold the expected values
func TestMetricsExporter_RecordsEvents(t *testing.T) {
	reg := prom.NewRegistry()
	e, err := NewMetricsExporter("test", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("NewMetricsExporter failed: %v", err)
	}

	e.RecordTaskExecuted(1, core.PriorityHigh, 5*time.Millisecond)
	e.RecordTaskStolen(2, 0, core.PriorityNormal)
	e.RecordTaskPanic(1, "boom")
	e.RecordFiberCreated()
	e.RecordFiberCreated()
	e.RecordFiberFreed()
	e.RecordWaitParked(true)
	e.RecordWaitResumed()
	e.RecordWorkerSleep(3)
	e.RecordWorkerWake(3)

	if got := testutil.ToFloat64(e.fibersCreatedTotal); got != 2 {
		t.Errorf("fibers_created_total: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(e.fibersFreedTotal); got != 1 {
		t.Errorf("fibers_freed_total: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(e.waitsResumedTotal); got != 1 {
		t.Errorf("waits_resumed_total: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(e.tasksStolenTotal.WithLabelValues("2", "0", "normal")); got != 1 {
		t.Errorf("tasks_stolen_total{2,0,normal}: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(e.taskPanicTotal.WithLabelValues("1")); got != 1 {
		t.Errorf("task_panic_total{1}: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(e.waitsParkedTotal.WithLabelValues("true")); got != 1 {
		t.Errorf("waits_parked_total{true}: got %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"test_task_duration_seconds",
		"test_tasks_stolen_total",
		"test_fibers_created_total",
	} {
		if !names[want] {
			t.Errorf("metric family %q not gathered", want)
		}
	}
}

// TestMetricsExporter_DoubleRegister tests idempotent registration
// Given: an exporter registered on a registry
// When: a second exporter is created on the same registry and namespace
// Then: creation succeeds by reusing the registered collectors
func TestMetricsExporter_DoubleRegister(t *testing.T) {
	reg := prom.NewRegistry()
	if _, err := NewMetricsExporter("dup", reg, ExporterOptions{}); err != nil {
		t.Fatalf("first exporter: %v", err)
	}
	if _, err := NewMetricsExporter("dup", reg, ExporterOptions{}); err != nil {
		t.Fatalf("second exporter: %v", err)
	}
}

// TestMetricsExporter_EndToEnd tests the exporter wired into a scheduler
// Given: a scheduler configured with the exporter as its Metrics
// When: a waiting workload runs
// Then: the duration histogram saw every task
func TestMetricsExporter_EndToEnd(t *testing.T) {
	reg := prom.NewRegistry()
	e, err := NewMetricsExporter("e2e", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("NewMetricsExporter failed: %v", err)
	}

	s := core.NewTaskScheduler()
	opts := core.DefaultOptions()
	opts.ThreadPoolSize = 2
	opts.Behavior = core.BehaviorYield
	opts.Logger = core.NewNoOpLogger()
	opts.Metrics = e
	if err := s.Init(opts); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer s.Shutdown()

	counter := core.NewTaskCounter(s)
	tasks := make([]core.Task, 20)
	for i := range tasks {
		tasks[i] = core.Task{Function: func(ts *core.TaskScheduler, arg any) {}}
	}
	s.AddTasks(tasks, core.PriorityNormal, counter)
	s.WaitForCounter(counter, false)

	observed := testutil.CollectAndCount(e.taskDurationSeconds, "e2e_task_duration_seconds")
	if observed == 0 {
		t.Error("duration histogram collected no series")
	}
}
