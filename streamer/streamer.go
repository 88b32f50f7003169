// streamer.go
//
// Streamer: stage 3 of a pipeline. Drains the stream queue the processor
// fills, publishes a JSON header and the frame for every slot, then frees
// the slot. Publishers copy what they keep, so the slot is reusable as
// soon as Send returns. The end-of-stream slot produces a header with
// data=0 and no frame, after which Run returns.
//
// Send failures are logged and counted; a viewer going away never stalls or
// stops the pipeline.

package streamer

import (
	"errors"
	"fmt"
	"maps"
	"sync/atomic"

	"receiver/control"
	"receiver/debug"
	"receiver/fifo"
	"receiver/geometry"
	"receiver/zmqstream"

	"github.com/go-daq/tdaq/log"
)

const maxLoggedErrors = 5

// Config wires one streamer into its pipeline.
type Config struct {
	Index     int
	Geometry  geometry.Geometry
	Fifo      *fifo.Fifo
	Group     *control.Group
	Publisher zmqstream.Publisher

	DetShape         [2]uint32 // modules in x and y
	FlippedDataX     bool
	Quad             bool
	AdditionalHeader map[string]string

	FileIndex   uint64
	FileName    string // announced in every header
	TotalFrames uint64 // frames expected in the acquisition; 0 leaves progress at 0
}

// Stats is a snapshot of the streamer's counters.
type Stats struct {
	FramesSent            uint64
	SendErrors            uint64
	FirstAcquisitionIndex uint64
	FirstMeasurementIndex uint64
}

// Streamer publishes processed frames.
type Streamer struct {
	cfg Config
	log log.MsgStream
	hdr zmqstream.Header

	measStart bool
	acqStart  bool

	sent      atomic.Uint64
	sendErrs  atomic.Uint64
	firstAcq  atomic.Uint64
	firstMeas atomic.Uint64
}

// New validates cfg.
func New(cfg Config) (*Streamer, error) {
	if cfg.Fifo == nil || cfg.Group == nil || cfg.Publisher == nil {
		return nil, errors.New("streamer: fifo, group and publisher are required")
	}
	if cfg.DetShape == [2]uint32{} {
		cfg.DetShape = [2]uint32{1, 1}
	}
	return &Streamer{
		cfg: cfg,
		log: debug.Stream(fmt.Sprintf("streamer-%d", cfg.Index)),
	}, nil
}

// SetAdditionalHeader replaces the free-form key/value pairs sent with every
// header. Must not be called while Run is active.
func (s *Streamer) SetAdditionalHeader(kv map[string]string) {
	s.cfg.AdditionalHeader = maps.Clone(kv)
}

// SetFile updates the announced file name and index for the next run.
func (s *Streamer) SetFile(name string, index uint64) {
	s.cfg.FileName, s.cfg.FileIndex = name, index
}

// ResetMeasurement makes the next frame the measurement's first.
func (s *Streamer) ResetMeasurement() {
	s.measStart = false
	s.sent.Store(0)
	s.sendErrs.Store(0)
	s.firstMeas.Store(0)
}

// ResetAcquisition also forgets the acquisition's first frame.
func (s *Streamer) ResetAcquisition() {
	s.ResetMeasurement()
	s.acqStart = false
	s.firstAcq.Store(0)
}

// Stats snapshots the counters.
func (s *Streamer) Stats() Stats {
	return Stats{
		FramesSent:            s.sent.Load(),
		SendErrors:            s.sendErrs.Load(),
		FirstAcquisitionIndex: s.firstAcq.Load(),
		FirstMeasurementIndex: s.firstMeas.Load(),
	}
}

// Run is the streamer thread body.
func (s *Streamer) Run() {
	defer s.cfg.Group.StopRunning(s.cfg.Index)
	f := s.cfg.Fifo
	for {
		ref := f.ConsumeStream()
		if ref.Kind == fifo.EndOfStream {
			s.endOfStream()
			f.Release(ref)
			return
		}
		s.stream(ref)
		f.Release(ref)
	}
}

// fillCommon sets the fields shared by data and end-of-stream headers.
func (s *Streamer) fillCommon(h *zmqstream.Header) {
	x, y := s.cfg.Geometry.OutputShape()
	*h = zmqstream.Header{
		DynamicRange:  uint32(s.cfg.Geometry.DynamicRange),
		FileIndex:     s.cfg.FileIndex,
		DetShape:      s.cfg.DetShape,
		Shape:         [2]uint32{uint32(x), uint32(y)},
		FileName:      s.cfg.FileName,
		AddJSONHeader: s.cfg.AdditionalHeader,
	}
	if s.cfg.FlippedDataX {
		h.FlippedDataX = 1
	}
	if s.cfg.Quad {
		h.Quad = 1
	}
}

func (s *Streamer) stream(ref fifo.Ref) {
	f := s.cfg.Fifo
	d := &f.Header(ref).Detector
	frame := f.Frame(ref)
	fn := d.FrameNumber

	if !s.measStart {
		s.measStart = true
		s.firstMeas.Store(fn)
		if !s.acqStart {
			s.acqStart = true
			s.firstAcq.Store(fn)
		}
	}

	h := &s.hdr
	s.fillCommon(h)
	h.SetDetector(d)
	h.Size = uint32(len(frame))
	h.AcqIndex = fn - s.firstAcq.Load()
	h.FrameIndex = fn - s.firstMeas.Load()
	h.Progress = s.progress(h.FrameIndex + 1)
	h.Data = 1
	if d.PacketNumber == s.cfg.Geometry.PacketsPerFrame {
		h.CompleteImage = 1
	}

	if err := s.cfg.Publisher.Send(h, frame); err != nil {
		s.failed(fn, err)
		return
	}
	s.sent.Add(1)
}

func (s *Streamer) progress(done uint64) float64 {
	if s.cfg.TotalFrames == 0 {
		return 0
	}
	p := float64(done) / float64(s.cfg.TotalFrames) * 100
	if p > 100 {
		p = 100
	}
	return p
}

func (s *Streamer) failed(frame uint64, err error) {
	if c := s.sendErrs.Add(1); c <= maxLoggedErrors {
		s.log.Warnf("frame %d not streamed: %v", frame, err)
	}
}

func (s *Streamer) endOfStream() {
	h := &s.hdr
	s.fillCommon(h)
	h.Data = 0
	h.Progress = 100
	if err := s.cfg.Publisher.Send(h, nil); err != nil {
		s.sendErrs.Add(1)
		s.log.Errorf("end-of-acquisition header: %v", err)
	}
	st := s.Stats()
	s.log.Infof("end of acquisition: %d frames streamed, %d send errors", st.FramesSent, st.SendErrors)
}
