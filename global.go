package fibertasking

import (
	"sync"

	"github.com/Swind/go-fiber-tasking/core"
)

// The process-global scheduler. Optional: TaskScheduler is an ordinary
// value and multiple instances can coexist; this is a convenience for
// applications that want exactly one.
var (
	globalMu        sync.Mutex
	globalScheduler *core.TaskScheduler
)

// Init initializes the process-global scheduler. The calling goroutine
// becomes worker 0 and must also be the one to call Shutdown.
func Init(opts core.Options) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalScheduler != nil {
		return core.ErrDoubleInit
	}

	s := core.NewTaskScheduler()
	if err := s.Init(opts); err != nil {
		return err
	}
	globalScheduler = s
	return nil
}

// Scheduler returns the global scheduler. Panics if Init has not been
// called; fail fast here beats a nil dereference inside a worker.
func Scheduler() *core.TaskScheduler {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalScheduler == nil {
		panic("fibertasking: global scheduler not initialized, call fibertasking.Init first")
	}
	return globalScheduler
}

// Shutdown tears down the global scheduler. Must be called from the same
// goroutine that called Init. Safe to call when Init never ran.
func Shutdown() {
	globalMu.Lock()
	s := globalScheduler
	globalScheduler = nil
	globalMu.Unlock()

	if s != nil {
		s.Shutdown()
	}
}
