// control.go — Stage lifecycle bookkeeping and stop signalling
// ============================================================================
// PIPELINE CONTROL ORCHESTRATION
// ============================================================================
//
// Control package tracks which pipeline stage instances are running and
// which failed to start, and launches the dedicated thread of each stage.
//
// Architecture overview:
//   • One Group per stage class (listeners, processors, streamers) per receiver
//   • One bit per stage instance in the running mask and in the error mask
//   • A single mutex guards both masks and the instance count
//   • Stop flags are plain uint32 words polled atomically by blocking waits
//
// Threading model:
//   • Launch spawns one goroutine per stage run, locked to its OS thread and
//     optionally pinned to a core; it is recreated for every acquisition
//   • A stage marks itself running before it starts and not running when it
//     observes the end-of-stream slot
//   • The receiver reads masks to decide when all stages have unwound

package control

import (
	"fmt"
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"
)

// MaxInstances bounds the number of stage instances per group (mask width).
const MaxInstances = 64

// ============================================================================
// STAGE GROUP (RUNNING / ERROR MASKS)
// ============================================================================

// Group holds the running and error masks of one stage class.
type Group struct {
	name string

	mu      sync.Mutex
	count   int
	running uint64
	errors  uint64
}

// NewGroup returns an empty group; name appears in diagnostics.
func NewGroup(name string) *Group {
	return &Group{name: name}
}

// Name returns the stage class name.
func (g *Group) Name() string { return g.name }

// Add registers a new stage instance and returns its bit index.
func (g *Group) Add() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count >= MaxInstances {
		panic(fmt.Sprintf("control: %s group full (%d instances)", g.name, MaxInstances))
	}
	i := g.count
	g.count++
	return i
}

// Count returns the number of registered instances.
func (g *Group) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// StartRunning sets instance i's running bit.
func (g *Group) StartRunning(i int) {
	g.mu.Lock()
	g.running |= 1 << uint(i)
	g.mu.Unlock()
}

// StopRunning clears instance i's running bit.
func (g *Group) StopRunning(i int) {
	g.mu.Lock()
	g.running &^= 1 << uint(i)
	g.mu.Unlock()
}

// IsRunning reports instance i's running bit.
func (g *Group) IsRunning(i int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running&(1<<uint(i)) != 0
}

// RunningMask returns all running bits.
func (g *Group) RunningMask() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// NumRunning returns the number of running instances.
func (g *Group) NumRunning() int {
	return bits.OnesCount64(g.RunningMask())
}

// AnyRunning reports whether any instance is still running.
func (g *Group) AnyRunning() bool {
	return g.RunningMask() != 0
}

// SetError records a start-up or fatal error for instance i.
func (g *Group) SetError(i int) {
	g.mu.Lock()
	g.errors |= 1 << uint(i)
	g.mu.Unlock()
}

// ClearError clears instance i's error bit.
func (g *Group) ClearError(i int) {
	g.mu.Lock()
	g.errors &^= 1 << uint(i)
	g.mu.Unlock()
}

// ErrorMask returns all error bits.
func (g *Group) ErrorMask() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.errors
}

// ResetErrors clears the error mask before a new acquisition.
func (g *Group) ResetErrors() {
	g.mu.Lock()
	g.errors = 0
	g.mu.Unlock()
}

// ============================================================================
// STOP FLAGS
// ============================================================================

// Flag is a stop/request word shared between a controller and one stage.
type Flag struct {
	v uint32
}

// Raise sets the flag.
func (f *Flag) Raise() { atomic.StoreUint32(&f.v, 1) }

// Clear resets the flag.
func (f *Flag) Clear() { atomic.StoreUint32(&f.v, 0) }

// Raised reports whether the flag is set.
func (f *Flag) Raised() bool { return atomic.LoadUint32(&f.v) != 0 }

// Ptr exposes the word for blocking waits that poll a *uint32.
func (f *Flag) Ptr() *uint32 { return &f.v }

// ============================================================================
// STAGE THREADS
// ============================================================================

// Launch runs fn on a dedicated goroutine locked to its OS thread. If core
// is non-negative the thread is also pinned to that CPU (best effort).
// The returned channel is closed when fn returns.
func Launch(core int, fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		runtime.LockOSThread()
		if core >= 0 {
			setAffinity(core)
		}
		defer func() {
			runtime.UnlockOSThread()
			close(done)
		}()
		fn()
	}()
	return done
}
