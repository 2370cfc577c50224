package prometheus

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Swind/go-fiber-tasking/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// MetricsExporter adapts core.Metrics to Prometheus collectors.
type MetricsExporter struct {
	taskDurationSeconds *prom.HistogramVec
	tasksStolenTotal    *prom.CounterVec
	taskPanicTotal      *prom.CounterVec
	fibersCreatedTotal  prom.Counter
	fibersFreedTotal    prom.Counter
	waitsParkedTotal    *prom.CounterVec
	waitsResumedTotal   prom.Counter
	workerSleepTotal    *prom.CounterVec
	workerWakeTotal     *prom.CounterVec
}

var _ core.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for core.Metrics.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "fibertasking"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Task execution duration in seconds.",
		Buckets:   buckets,
	}, []string{"worker", "priority"})

	stolenVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_stolen_total",
		Help:      "Tasks taken from another worker's deque.",
	}, []string{"thief", "victim", "priority"})

	panicVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_panic_total",
		Help:      "Tasks that panicked during execution.",
	}, []string{"worker"})

	fibersCreated := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "fibers_created_total",
		Help:      "Fibers allocated by the scheduler.",
	})

	fibersFreed := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "fibers_freed_total",
		Help:      "Fibers retired by the scheduler.",
	})

	parkedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "waits_parked_total",
		Help:      "Fibers parked on a counter or predicate.",
	}, []string{"pinned"})

	resumed := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "waits_resumed_total",
		Help:      "Parked fibers switched back in.",
	})

	sleepVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "worker_sleep_total",
		Help:      "Workers going to sleep on the empty-queue CV.",
	}, []string{"worker"})

	wakeVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "worker_wake_total",
		Help:      "Workers waking from the empty-queue CV.",
	}, []string{"worker"})

	collectors := []prom.Collector{
		durationVec, stolenVec, panicVec, fibersCreated, fibersFreed,
		parkedVec, resumed, sleepVec, wakeVec,
	}
	for i, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prom.AlreadyRegisteredError
			if errors.As(err, &are) {
				collectors[i] = are.ExistingCollector
				continue
			}
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}

	return &MetricsExporter{
		taskDurationSeconds: collectors[0].(*prom.HistogramVec),
		tasksStolenTotal:    collectors[1].(*prom.CounterVec),
		taskPanicTotal:      collectors[2].(*prom.CounterVec),
		fibersCreatedTotal:  collectors[3].(prom.Counter),
		fibersFreedTotal:    collectors[4].(prom.Counter),
		waitsParkedTotal:    collectors[5].(*prom.CounterVec),
		waitsResumedTotal:   collectors[6].(prom.Counter),
		workerSleepTotal:    collectors[7].(*prom.CounterVec),
		workerWakeTotal:     collectors[8].(*prom.CounterVec),
	}, nil
}

// RecordTaskExecuted observes a completed task duration.
func (e *MetricsExporter) RecordTaskExecuted(threadIndex int, priority core.TaskPriority, duration time.Duration) {
	e.taskDurationSeconds.WithLabelValues(strconv.Itoa(threadIndex), priority.String()).
		Observe(duration.Seconds())
}

// RecordTaskStolen counts a successful steal.
func (e *MetricsExporter) RecordTaskStolen(thiefIndex, victimIndex int, priority core.TaskPriority) {
	e.tasksStolenTotal.WithLabelValues(strconv.Itoa(thiefIndex), strconv.Itoa(victimIndex), priority.String()).Inc()
}

// RecordTaskPanic counts a recovered task panic.
func (e *MetricsExporter) RecordTaskPanic(threadIndex int, panicInfo any) {
	e.taskPanicTotal.WithLabelValues(strconv.Itoa(threadIndex)).Inc()
}

// RecordFiberCreated counts a fiber allocation.
func (e *MetricsExporter) RecordFiberCreated() {
	e.fibersCreatedTotal.Inc()
}

// RecordFiberFreed counts a fiber retirement.
func (e *MetricsExporter) RecordFiberFreed() {
	e.fibersFreedTotal.Inc()
}

// RecordWaitParked counts a fiber parking.
func (e *MetricsExporter) RecordWaitParked(pinned bool) {
	e.waitsParkedTotal.WithLabelValues(strconv.FormatBool(pinned)).Inc()
}

// RecordWaitResumed counts a parked fiber resuming.
func (e *MetricsExporter) RecordWaitResumed() {
	e.waitsResumedTotal.Inc()
}

// RecordWorkerSleep counts a worker going to sleep.
func (e *MetricsExporter) RecordWorkerSleep(threadIndex int) {
	e.workerSleepTotal.WithLabelValues(strconv.Itoa(threadIndex)).Inc()
}

// RecordWorkerWake counts a worker waking up.
func (e *MetricsExporter) RecordWorkerWake(threadIndex int) {
	e.workerWakeTotal.WithLabelValues(strconv.Itoa(threadIndex)).Inc()
}
