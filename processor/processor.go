// ════════════════════════════════════════════════════════════════════════════════════════════════
// Data Processor — Per-Pipeline Frame Consumer
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Pipeline Stage 2 (filled queue → file / handler / stream queue)
//
// Description:
//   Consumes filled slots of one fifo in listener order. For each data slot:
//     1. counts the frame (complete frames only for the caught counters)
//     2. inserts gap pixels when the geometry asks for them
//     3. appends the frame to the data file, index relative to the measurement
//     4. offers the frame to the FrameHandler, which may shrink its size
//     5. hands the slot to the streamer when the rate limiter allows, else frees it
//
// Lifecycle:
//   Idle ──first data slot──▶ Running ──end-of-stream──▶ Draining ──files closed──▶ Idle
//   The end-of-stream slot is forwarded to the streamer (or freed) and Run returns.
//
// Errors:
//   A file failure sets this instance's error bit and disables writing for the
//   rest of the measurement; frames keep flowing.
// ════════════════════════════════════════════════════════════════════════════════════════════════

package processor

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"receiver/constants"
	"receiver/control"
	"receiver/debug"
	"receiver/fifo"
	"receiver/filewriter"
	"receiver/geometry"
	"receiver/types"

	"github.com/go-daq/tdaq/log"
)

// State is the processor's position in its per-measurement state machine.
type State int32

const (
	Idle State = iota
	Running
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// FrameHandler is offered every processed frame before it is streamed or
// freed. It returns the payload size to keep: values below len(payload)
// shrink the frame for every later consumer, anything else keeps it whole.
// It runs on the processor thread and must not block.
type FrameHandler interface {
	HandleFrame(h *types.DetectorHeader, payload []byte) int
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(h *types.DetectorHeader, payload []byte) int

func (f FrameHandlerFunc) HandleFrame(h *types.DetectorHeader, payload []byte) int {
	return f(h, payload)
}

// Config wires one processor into its pipeline.
type Config struct {
	Index    int
	Geometry geometry.Geometry
	Fifo     *fifo.Fifo
	Group    *control.Group

	Writer    filewriter.Writer // nil: no file output
	FileWrite bool

	Streaming          bool
	StreamingFrequency uint32        // every Nth frame; 0 selects timer mode
	StreamingTimer     time.Duration // minimum gap in timer mode

	Handler FrameHandler
}

// Stats is a snapshot of the processor's counters.
type Stats struct {
	State                 State
	FramesCaught          uint64 // complete frames this measurement
	TotalFramesCaught     uint64 // complete frames this acquisition
	FramesProcessed       uint64 // all data slots this measurement
	FramesStreamed        uint64
	CurrentFrameIndex     uint64 // last frame number relative to the measurement start
	LastFrameNumber       uint64
	FirstAcquisitionIndex uint64
	FirstMeasurementIndex uint64
	FileErrors            uint64
	WritingEnabled        bool
}

// Processor is stage 2 of one pipeline.
type Processor struct {
	cfg     Config
	log     log.MsgStream
	limiter *RateLimiter
	scratch []byte // gap-pixel staging image, private to this processor

	writing  bool // file writing active for this measurement
	acqStart bool // first acquisition index recorded

	state        atomic.Int32
	caught       atomic.Uint64
	totalCaught  atomic.Uint64
	processed    atomic.Uint64
	streamed     atomic.Uint64
	currentIndex atomic.Uint64
	lastFrame    atomic.Uint64
	firstAcq     atomic.Uint64
	firstMeas    atomic.Uint64
	fileErrors   atomic.Uint64
	writingFlag  atomic.Bool
}

// New validates cfg and allocates the scratch buffer.
func New(cfg Config) (*Processor, error) {
	if cfg.Fifo == nil || cfg.Group == nil {
		return nil, errors.New("processor: fifo and group are required")
	}
	if cfg.FileWrite && cfg.Writer == nil {
		return nil, errors.New("processor: file write enabled without a writer")
	}
	if cfg.Fifo.SlotSize() < cfg.Geometry.SlotSize() {
		return nil, fmt.Errorf("processor: slot of %d bytes cannot hold %d", cfg.Fifo.SlotSize(), cfg.Geometry.SlotSize())
	}
	p := &Processor{
		cfg:     cfg,
		log:     debug.Stream(fmt.Sprintf("processor-%d", cfg.Index)),
		limiter: NewRateLimiter(cfg.StreamingFrequency, cfg.StreamingTimer),
	}
	if cfg.Geometry.GapPixels {
		p.scratch = make([]byte, cfg.Geometry.GapImageSize)
	}
	return p, nil
}

// ResetMeasurement clears per-measurement counters before the stage is
// launched again.
func (p *Processor) ResetMeasurement() {
	p.state.Store(int32(Idle))
	p.caught.Store(0)
	p.processed.Store(0)
	p.streamed.Store(0)
	p.currentIndex.Store(0)
	p.firstMeas.Store(0)
	p.fileErrors.Store(0)
	p.writing = false
	p.writingFlag.Store(false)
}

// ResetAcquisition also clears the acquisition-wide counters.
func (p *Processor) ResetAcquisition() {
	p.ResetMeasurement()
	p.totalCaught.Store(0)
	p.firstAcq.Store(0)
	p.lastFrame.Store(0)
	p.acqStart = false
}

// State returns the current lifecycle state.
func (p *Processor) State() State { return State(p.state.Load()) }

// Stats snapshots the counters.
func (p *Processor) Stats() Stats {
	return Stats{
		State:                 p.State(),
		FramesCaught:          p.caught.Load(),
		TotalFramesCaught:     p.totalCaught.Load(),
		FramesProcessed:       p.processed.Load(),
		FramesStreamed:        p.streamed.Load(),
		CurrentFrameIndex:     p.currentIndex.Load(),
		LastFrameNumber:       p.lastFrame.Load(),
		FirstAcquisitionIndex: p.firstAcq.Load(),
		FirstMeasurementIndex: p.firstMeas.Load(),
		FileErrors:            p.fileErrors.Load(),
		WritingEnabled:        p.writingFlag.Load(),
	}
}

// Run is the processor thread body. It returns after forwarding the
// end-of-stream slot; the caller marks the instance running beforehand.
func (p *Processor) Run() {
	defer p.cfg.Group.StopRunning(p.cfg.Index)
	f := p.cfg.Fifo
	for {
		ref := f.ConsumeFilled()
		if ref.Kind == fifo.EndOfStream {
			p.endOfStream(ref)
			return
		}
		p.process(ref)
	}
}

// startMeasurement runs on the first data slot after a reset.
func (p *Processor) startMeasurement(frame uint64) {
	p.firstMeas.Store(frame)
	if !p.acqStart {
		p.acqStart = true
		p.firstAcq.Store(frame)
	}
	p.limiter.Prime()
	if p.cfg.FileWrite {
		if err := p.cfg.Writer.CreateFile(0); err != nil {
			p.fileFailed(err)
		} else {
			p.writing = true
			p.writingFlag.Store(true)
		}
	}
	p.state.Store(int32(Running))
	p.log.Debugf("measurement started at frame %d", frame)
}

func (p *Processor) process(ref fifo.Ref) {
	g := &p.cfg.Geometry
	f := p.cfg.Fifo
	h := &f.Header(ref).Detector
	frame := h.FrameNumber

	if p.State() == Idle {
		p.startMeasurement(frame)
	}
	if h.PacketNumber == g.PacketsPerFrame {
		p.caught.Add(1)
		p.totalCaught.Add(1)
	}
	p.processed.Add(1)
	rel := frame - p.firstMeas.Load()
	p.currentIndex.Store(rel)
	p.lastFrame.Store(frame)

	if g.GapPixels {
		insertGapPixels(g, p.cfg.Index, f.Payload(ref), p.scratch)
		f.SetLength(ref, uint32(g.GapImageSize))
	}

	if p.writing {
		n := int(f.Length(ref))
		rec := f.Bytes(ref)[constants.FifoHeaderBytes : constants.FifoHeaderBytes+types.ReceiverHeaderSize+n]
		if err := p.cfg.Writer.WriteToFile(rec, rel, h.PacketNumber); err != nil {
			p.fileFailed(err)
		}
	}

	if p.cfg.Handler != nil {
		payload := f.Frame(ref)
		if n := p.cfg.Handler.HandleFrame(h, payload); n >= 0 && n < len(payload) {
			f.SetLength(ref, uint32(n))
		}
	}

	if p.cfg.Streaming && p.limiter.Send() {
		p.streamed.Add(1)
		f.PublishStream(ref)
		return
	}
	f.Release(ref)
}

// fileFailed records a file error and stops writing for this measurement.
func (p *Processor) fileFailed(err error) {
	p.fileErrors.Add(1)
	p.cfg.Group.SetError(p.cfg.Index)
	p.log.Errorf("file writing disabled: %v", err)
	if p.writing {
		if cerr := p.cfg.Writer.CloseCurrentFile(); cerr != nil {
			p.log.Warnf("closing failed file: %v", cerr)
		}
	}
	p.writing = false
	p.writingFlag.Store(false)
}

func (p *Processor) endOfStream(ref fifo.Ref) {
	p.state.Store(int32(Draining))
	if w := p.cfg.Writer; w != nil && p.cfg.FileWrite {
		for _, step := range []struct {
			what string
			fn   func() error
		}{
			{"close file", w.CloseCurrentFile},
			{"end of acquisition", func() error { return w.EndOfAcquisition(p.processed.Load()) }},
			{"close files", w.CloseAllFiles},
		} {
			if err := step.fn(); err != nil {
				p.fileErrors.Add(1)
				p.cfg.Group.SetError(p.cfg.Index)
				p.log.Errorf("%s: %v", step.what, err)
			}
		}
	}
	p.writing = false
	p.writingFlag.Store(false)
	p.state.Store(int32(Idle))

	s := p.Stats()
	p.log.Infof("end of acquisition: %d frames processed, %d complete, %d streamed, last frame %d",
		s.FramesProcessed, s.FramesCaught, s.FramesStreamed, s.LastFrameNumber)

	if p.cfg.Streaming {
		p.cfg.Fifo.PublishStream(ref)
		return
	}
	p.cfg.Fifo.Release(ref)
}
