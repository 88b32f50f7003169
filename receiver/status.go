package receiver

import (
	"fmt"
	"strings"

	"receiver/listener"
	"receiver/processor"
	"receiver/streamer"
)

// PortStatus is one pipeline's view of the current or last acquisition.
type PortStatus struct {
	Listener       listener.Stats
	Processor      processor.Stats
	Streamer       streamer.Stats
	MissingPackets uint64
	FifoFree       int
}

// Status is a snapshot of every control group and pipeline.
type Status struct {
	Running   bool
	FileIndex uint64 // index of the current or last acquisition

	ListenersRunning  uint64
	ProcessorsRunning uint64
	StreamersRunning  uint64
	ListenerErrors    uint64
	ProcessorErrors   uint64
	StreamerErrors    uint64

	Ports []PortStatus
}

// Errors reports whether any stage instance is marked in error.
func (s Status) Errors() bool {
	return s.ListenerErrors|s.ProcessorErrors|s.StreamerErrors != 0
}

// String renders the one-line summary logged while running.
func (s Status) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "acq %d running=%v masks l=%#x p=%#x s=%#x", s.FileIndex, s.Running,
		s.ListenersRunning, s.ProcessorsRunning, s.StreamersRunning)
	if s.Errors() {
		fmt.Fprintf(&b, " errors l=%#x p=%#x s=%#x", s.ListenerErrors, s.ProcessorErrors, s.StreamerErrors)
	}
	for i, p := range s.Ports {
		fmt.Fprintf(&b, " | %d: frames %d complete %d missing %d free %d",
			i, p.Listener.FramesCaught, p.Processor.TotalFramesCaught, p.MissingPackets, p.FifoFree)
	}
	return b.String()
}

// Status snapshots the running masks, error masks and counters.
func (r *Receiver) Status() Status {
	r.mu.Lock()
	acq := r.acq
	s := Status{Running: r.runningLocked()}
	r.mu.Unlock()

	s.ListenersRunning = r.listeners.RunningMask()
	s.ProcessorsRunning = r.processors.RunningMask()
	s.StreamersRunning = r.streamers.RunningMask()
	s.ListenerErrors = r.listeners.ErrorMask()
	s.ProcessorErrors = r.processors.ErrorMask()
	s.StreamerErrors = r.streamers.ErrorMask()
	if acq == nil {
		return s
	}
	s.FileIndex = acq.fileIndex
	for i, p := range acq.ports {
		ps := PortStatus{FifoFree: r.fifos[i].FreeLevel()}
		if p.listener != nil {
			ps.Listener = p.listener.Stats()
			ps.MissingPackets = ps.Listener.MissingPackets(r.geo.PacketsPerFrame)
		}
		if p.processor != nil {
			ps.Processor = p.processor.Stats()
		}
		if p.streamer != nil {
			ps.Streamer = p.streamer.Stats()
		}
		s.Ports = append(s.Ports, ps)
	}
	return s
}
