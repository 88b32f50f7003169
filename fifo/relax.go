// relax.go
//
// Portable spin-loop back-off. Yields the processor to other goroutines so
// a stage waiting on an empty queue does not starve the stage that fills it.

package fifo

import "runtime"

// cpuRelax yields the current goroutine.
//
//go:nosplit
func cpuRelax() {
	runtime.Gosched()
}
