package prometheus

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/Swind/go-fiber-tasking/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// StatsProvider provides current scheduler stats snapshots.
type StatsProvider interface {
	Stats() core.SchedulerStats
}

// SnapshotPoller periodically exports scheduler Stats() snapshots into
// Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	schedulersMu sync.RWMutex
	schedulers   map[string]StatsProvider

	workerQueueDepth  *prom.GaugeVec
	pinnedReadyFibers *prom.GaugeVec
	liveFibers        *prom.GaugeVec
	waitsParked       *prom.GaugeVec
	waitsResumed      *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	workerQueueDepth := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "fibertasking",
		Name:      "worker_queue_depth",
		Help:      "Tasks queued per worker and priority.",
	}, []string{"scheduler", "worker", "priority"})

	pinnedReadyFibers := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "fibertasking",
		Name:      "worker_pinned_ready_fibers",
		Help:      "Ready fibers pinned to each worker.",
	}, []string{"scheduler", "worker"})

	liveFibers := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "fibertasking",
		Name:      "live_fibers",
		Help:      "Fibers currently alive (created minus freed).",
	}, []string{"scheduler"})

	waitsParked := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "fibertasking",
		Name:      "waits_parked",
		Help:      "Cumulative parked waits snapshot.",
	}, []string{"scheduler"})

	waitsResumed := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "fibertasking",
		Name:      "waits_resumed",
		Help:      "Cumulative resumed waits snapshot.",
	}, []string{"scheduler"})

	for _, c := range []prom.Collector{workerQueueDepth, pinnedReadyFibers, liveFibers, waitsParked, waitsResumed} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return &SnapshotPoller{
		interval:          interval,
		schedulers:        make(map[string]StatsProvider),
		workerQueueDepth:  workerQueueDepth,
		pinnedReadyFibers: pinnedReadyFibers,
		liveFibers:        liveFibers,
		waitsParked:       waitsParked,
		waitsResumed:      waitsResumed,
	}, nil
}

// RegisterScheduler adds a scheduler to the polling set under a name.
func (p *SnapshotPoller) RegisterScheduler(name string, provider StatsProvider) {
	p.schedulersMu.Lock()
	defer p.schedulersMu.Unlock()
	p.schedulers[name] = provider
}

// UnregisterScheduler removes a scheduler from the polling set.
func (p *SnapshotPoller) UnregisterScheduler(name string) {
	p.schedulersMu.Lock()
	defer p.schedulersMu.Unlock()
	delete(p.schedulers, name)
}

// Start begins periodic polling. Calling Start on a running poller is a no-op.
func (p *SnapshotPoller) Start() {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.loop(ctx)
}

// Stop halts polling and waits for the loop to exit.
func (p *SnapshotPoller) Stop() {
	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	p.cancel()
	done := p.done
	p.running = false
	p.stateMu.Unlock()

	<-done
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll()
		}
	}
}

// Poll exports one snapshot immediately. Exposed so tests and scrape
// handlers can force a refresh.
func (p *SnapshotPoller) Poll() {
	p.schedulersMu.RLock()
	defer p.schedulersMu.RUnlock()

	for name, provider := range p.schedulers {
		stats := provider.Stats()

		p.liveFibers.WithLabelValues(name).Set(float64(stats.LiveFibers))
		p.waitsParked.WithLabelValues(name).Set(float64(stats.WaitsParked))
		p.waitsResumed.WithLabelValues(name).Set(float64(stats.WaitsResumed))

		for _, w := range stats.Workers {
			worker := strconv.Itoa(w.Index)
			p.workerQueueDepth.WithLabelValues(name, worker, "high").Set(float64(w.HiPriQueueLen))
			p.workerQueueDepth.WithLabelValues(name, worker, "normal").Set(float64(w.LoPriQueueLen))
			p.pinnedReadyFibers.WithLabelValues(name, worker).Set(float64(w.PinnedReadyFibers))
		}
	}
}
