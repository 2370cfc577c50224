//go:build linux

package core

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// setThreadAffinity pins the calling OS thread to the given logical CPU.
// The caller must already be locked to its OS thread.
func setThreadAffinity(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

// clearThreadAffinity restores the calling OS thread's mask to all logical
// CPUs. Called before an OS thread is unlocked and handed back to the
// runtime, so pooled threads never keep a single-CPU mask.
func clearThreadAffinity() error {
	var set unix.CPUSet
	set.Zero()
	for cpu := 0; cpu < runtime.NumCPU(); cpu++ {
		set.Set(cpu)
	}
	return unix.SchedSetaffinity(0, &set)
}
