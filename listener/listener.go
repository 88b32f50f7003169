// listener.go
//
// UDP listener: one per data port.
//
//   • Acquires a zeroed free slot, then reads datagrams into it until the
//     frame is complete, a packet of a newer frame arrives (that packet is
//     carried over into the next slot) or a read times out with a partial
//     frame pending.
//   • Publishes the slot to the processor with PacketNumber rewritten to the
//     number of packets caught and the packet mask filled in.
//   • On stop, flushes the partial frame and publishes exactly one
//     end-of-stream slot, then returns.
//
// Only the listener goroutine touches the slot and the scratch packet; the
// statistics are atomics so Status can read them concurrently.

package listener

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"receiver/capture"
	"receiver/constants"
	"receiver/control"
	"receiver/debug"
	"receiver/fifo"
	"receiver/geometry"
	"receiver/types"

	"github.com/go-daq/tdaq/log"
)

// maxLoggedErrors limits per-acquisition warnings for malformed datagrams
// and socket errors; the counters keep counting.
const maxLoggedErrors = 5

// Config wires one listener into its pipeline.
type Config struct {
	Index       int               // pipeline index; also its bit in Group
	Geometry    geometry.Geometry
	Fifo        *fifo.Fifo
	Group       *control.Group // listeners' running/error masks
	Conn        net.PacketConn // bound data socket (or a test source)
	Discard     types.FrameDiscardPolicy
	ReadTimeout time.Duration // ≤ 0 → constants.ListenerReadTimeout
	// FramesToReceive ends the acquisition on its own after that many
	// frames are published; 0 runs until Stop.
	FramesToReceive uint64
}

// Stats is a snapshot of the listener's counters for one acquisition.
type Stats struct {
	PacketsCaught   uint64
	FramesCaught    uint64 // frames published, partial included
	FramesDiscarded uint64 // partial frames dropped by DiscardPartial
	Malformed       uint64
	Duplicates      uint64
	SocketErrors    uint64
	FirstFrame      uint64 // frame number of the first frame of the acquisition
	LastFrame       uint64
	Started         bool
}

// MissingPackets is the number of packets expected between the first and
// last frame numbers seen that never arrived.
func (s Stats) MissingPackets(packetsPerFrame uint32) uint64 {
	if !s.Started || s.LastFrame < s.FirstFrame {
		return 0
	}
	expected := (s.LastFrame - s.FirstFrame + 1) * uint64(packetsPerFrame)
	if expected < s.PacketsCaught {
		return 0
	}
	return expected - s.PacketsCaught
}

// Listener turns datagrams of one port into fifo slots.
type Listener struct {
	cfg     Config
	log     log.MsgStream
	stop    control.Flag
	capture *capture.Writer

	pkt      []byte // scratch datagram, also holds the carried-over packet
	carryLen int    // > 0: pkt[:carryLen] starts the next frame
	hdr      types.DetectorHeader
	eosSent  bool

	packets    atomic.Uint64
	frames     atomic.Uint64
	discarded  atomic.Uint64
	malformed  atomic.Uint64
	duplicates atomic.Uint64
	sockErrs   atomic.Uint64
	firstFrame atomic.Uint64
	lastFrame  atomic.Uint64
	started    atomic.Bool
}

// New validates cfg and returns an idle listener.
func New(cfg Config) (*Listener, error) {
	if cfg.Fifo == nil || cfg.Group == nil || cfg.Conn == nil {
		return nil, errors.New("listener: fifo, group and conn are required")
	}
	if cfg.Fifo.SlotSize() < cfg.Geometry.SlotSize() {
		return nil, fmt.Errorf("listener: slot of %d bytes cannot hold %d", cfg.Fifo.SlotSize(), cfg.Geometry.SlotSize())
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = constants.ListenerReadTimeout
	}
	size := constants.MaxDatagramSize
	if n := cfg.Geometry.PacketSize(); n+1 > size {
		size = n + 1
	}
	return &Listener{
		cfg: cfg,
		log: debug.Stream(fmt.Sprintf("listener-%d", cfg.Index)),
		pkt: make([]byte, size),
	}, nil
}

// SetCapture attaches a pcap writer that receives every datagram read.
// Pass nil to detach. Must not be called while Run is active.
func (l *Listener) SetCapture(w *capture.Writer) {
	l.capture = w
}

// Reset clears counters and the stop flag before a new acquisition.
func (l *Listener) Reset() {
	l.stop.Clear()
	l.carryLen = 0
	l.eosSent = false
	l.packets.Store(0)
	l.frames.Store(0)
	l.discarded.Store(0)
	l.malformed.Store(0)
	l.duplicates.Store(0)
	l.sockErrs.Store(0)
	l.firstFrame.Store(0)
	l.lastFrame.Store(0)
	l.started.Store(false)
}

// Stop asks Run to flush and publish the end-of-stream slot. It returns
// immediately; the listener notices within one read timeout at worst.
func (l *Listener) Stop() {
	l.stop.Raise()
	_ = l.cfg.Conn.SetReadDeadline(time.Now())
}

// Stats snapshots the counters.
func (l *Listener) Stats() Stats {
	return Stats{
		PacketsCaught:   l.packets.Load(),
		FramesCaught:    l.frames.Load(),
		FramesDiscarded: l.discarded.Load(),
		Malformed:       l.malformed.Load(),
		Duplicates:      l.duplicates.Load(),
		SocketErrors:    l.sockErrs.Load(),
		FirstFrame:      l.firstFrame.Load(),
		LastFrame:       l.lastFrame.Load(),
		Started:         l.started.Load(),
	}
}

// Run is the listener thread body. The caller marks the instance running
// before launching; Run clears the bit when it returns.
func (l *Listener) Run() {
	defer l.cfg.Group.StopRunning(l.cfg.Index)
	f := l.cfg.Fifo

	for {
		ref, err := f.AcquireFree(l.stop.Ptr())
		if err != nil {
			// Stopped while every slot was downstream; the processor is
			// still draining, so a slot for the sentinel will come back.
			ref, _ = f.AcquireFree(nil)
			l.publishEndOfStream(ref)
			return
		}

		n, stopped := l.fillFrame(ref)
		if n > 0 && l.publishFrame(ref, n) {
			if stopped || l.reachedFrameTarget() {
				ref, _ = f.AcquireFree(nil)
				l.publishEndOfStream(ref)
				return
			}
			continue
		}
		// Nothing published: the slot is still ours.
		if stopped {
			clear(f.Bytes(ref))
			l.publishEndOfStream(ref)
			return
		}
		f.Release(ref)
	}
}

func (l *Listener) reachedFrameTarget() bool {
	return l.cfg.FramesToReceive > 0 && l.frames.Load() >= l.cfg.FramesToReceive
}

// fillFrame reads datagrams into ref until the frame ends. It returns the
// packets placed and whether a stop was observed.
func (l *Listener) fillFrame(ref fifo.Ref) (n uint32, stopped bool) {
	g := &l.cfg.Geometry
	f := l.cfg.Fifo
	rh := f.Header(ref)
	payload := f.Payload(ref)

	var current uint64
	for {
		var pkt []byte
		if l.carryLen > 0 {
			pkt = l.pkt[:l.carryLen]
			l.carryLen = 0
		} else {
			var ok bool
			pkt, ok, stopped = l.read()
			if stopped {
				return n, true
			}
			if !ok {
				if n > 0 {
					return n, false // timeout: flush partial frame
				}
				continue
			}
		}

		data, err := g.DecodePacket(pkt, &l.hdr)
		if err != nil {
			if c := l.malformed.Add(1); c <= maxLoggedErrors {
				l.log.Warnf("dropping malformed datagram of %d bytes (want %d)", len(pkt), g.PacketSize())
			}
			continue
		}

		if n == 0 {
			current = l.hdr.FrameNumber
			rh.Detector = l.hdr
		} else if l.hdr.FrameNumber != current {
			l.carryLen = len(pkt)
			return n, false
		}

		if rh.PacketMask.Has(l.hdr.PacketNumber) {
			l.duplicates.Add(1)
			continue
		}
		rh.PacketMask.Set(l.hdr.PacketNumber)
		copy(payload[g.PayloadOffset(l.hdr.PacketNumber):], data)
		l.packets.Add(1)
		if n++; n == g.PacketsPerFrame {
			return n, false
		}
	}
}

// read waits up to the read timeout for one datagram. ok is false on
// timeout or a transient socket error.
func (l *Listener) read() (pkt []byte, ok, stopped bool) {
	if l.stop.Raised() {
		return nil, false, true
	}
	conn := l.cfg.Conn
	_ = conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
	// Stop may have set its deadline just before ours replaced it.
	if l.stop.Raised() {
		return nil, false, true
	}
	m, _, err := conn.ReadFrom(l.pkt)
	if err == nil {
		pkt = l.pkt[:m]
		if l.capture != nil {
			if cerr := l.capture.Write(time.Now(), pkt); cerr != nil {
				l.log.Errorf("capture disabled: %v", cerr)
				l.capture = nil
			}
		}
		return pkt, true, false
	}
	if l.stop.Raised() || errors.Is(err, net.ErrClosed) {
		return nil, false, true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return nil, false, false
	}
	if c := l.sockErrs.Add(1); c <= maxLoggedErrors {
		l.log.Errorf("socket read: %v", err)
	}
	return nil, false, false
}

// publishFrame finalises the header of a filled slot and hands it to the
// processor. It reports false when the discard policy drops the frame.
func (l *Listener) publishFrame(ref fifo.Ref, n uint32) bool {
	g := &l.cfg.Geometry
	f := l.cfg.Fifo
	if n < g.PacketsPerFrame && l.cfg.Discard == types.DiscardPartial {
		l.discarded.Add(1)
		clear(f.Bytes(ref))
		return false
	}

	rh := f.Header(ref)
	rh.Detector.PacketNumber = n
	rh.Detector.Version = constants.DetectorHeaderVersion
	f.SetLength(ref, uint32(g.ImageSize))

	frame := rh.Detector.FrameNumber
	if !l.started.Load() {
		l.firstFrame.Store(frame)
		l.started.Store(true)
	}
	l.lastFrame.Store(frame)
	l.frames.Add(1)
	f.PublishFilled(ref)
	return true
}

// publishEndOfStream sends the sentinel downstream, at most once per Run.
func (l *Listener) publishEndOfStream(ref fifo.Ref) {
	f := l.cfg.Fifo
	if l.eosSent {
		f.Release(ref)
		return
	}
	l.eosSent = true
	f.PublishFilled(f.MarkEndOfStream(ref))

	s := l.Stats()
	l.log.Infof("end of acquisition: %d frames, %d packets, %d missing, %d malformed, %d discarded",
		s.FramesCaught, s.PacketsCaught, s.MissingPackets(l.cfg.Geometry.PacketsPerFrame), s.Malformed, s.FramesDiscarded)
}
