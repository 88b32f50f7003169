// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: receiver.go — Acquisition orchestration
//
// Purpose:
//   - Owns one pipeline per UDP port: fifo, listener, processor, streamer.
//   - Opens sockets, files and publishers, launches the stage threads and
//     unwinds them again when the acquisition stops.
//
// Notes:
//   - Each StartReceiver is one acquisition. Stages are rebuilt for it; fifos
//     and publishers live as long as the Receiver so subscribers stay
//     connected between acquisitions.
//   - Start-up failures set the failing instance's error bit and abort before
//     any thread is launched.
//   - Stop is cooperative: listeners flush and send one end-of-stream slot
//     that every later stage forwards before returning.
// ─────────────────────────────────────────────────────────────────────────────

package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"receiver/capture"
	"receiver/config"
	"receiver/constants"
	"receiver/control"
	"receiver/debug"
	"receiver/fifo"
	"receiver/filewriter"
	"receiver/geometry"
	"receiver/listener"
	"receiver/processor"
	"receiver/streamer"
	"receiver/types"
	"receiver/zmqstream"

	"github.com/go-daq/tdaq/log"
)

var (
	// ErrRunning rejects reconfiguration during an acquisition.
	ErrRunning = errors.New("receiver: acquisition running")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("receiver: closed")
)

// Receiver runs acquisitions on NumPorts pipelines.
type Receiver struct {
	cfg config.Config
	geo geometry.Geometry
	log log.MsgStream

	// listen opens the data socket of port i.
	listen func(i int) (net.PacketConn, error)

	listeners  *control.Group
	processors *control.Group
	streamers  *control.Group
	fifos      []*fifo.Fifo

	mu         sync.Mutex
	format     types.FileFormat
	handler    processor.FrameHandler
	fileIndex  uint64
	publishers []zmqstream.Publisher
	acq        *acquisition // running, or the last one finished
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// acquisition holds the per-run resources of every port.
type acquisition struct {
	fileIndex uint64
	started   time.Time
	ports     []*port
	finished  chan struct{}
}

type port struct {
	conn      net.PacketConn
	capture   *capture.Writer
	writer    filewriter.Writer
	listener  *listener.Listener
	processor *processor.Processor
	streamer  *streamer.Streamer
	done      []<-chan struct{}
}

// New validates cfg and allocates the fifos.
func New(cfg *config.Config) (*Receiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	geo, _ := cfg.Geometry()
	format, _ := cfg.Format()

	r := &Receiver{
		cfg:        *cfg,
		geo:        geo,
		log:        debug.Stream("receiver"),
		listeners:  control.NewGroup("listeners"),
		processors: control.NewGroup("processors"),
		streamers:  control.NewGroup("streamers"),
		format:     format,
		fileIndex:  cfg.FileIndex,
		publishers: make([]zmqstream.Publisher, cfg.NumPorts),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.listen = func(i int) (net.PacketConn, error) {
		conn, got, err := listener.OpenSocket(r.cfg.UDPIP, r.cfg.UDPPort+i, r.cfg.UDPSocketBufferSize)
		if err != nil {
			return nil, err
		}
		if got < r.cfg.UDPSocketBufferSize {
			r.log.Warnf("port %d: receive buffer %d bytes, asked for %d", r.cfg.UDPPort+i, got, r.cfg.UDPSocketBufferSize)
		}
		return conn, nil
	}
	for i := 0; i < cfg.NumPorts; i++ {
		r.listeners.Add()
		r.processors.Add()
		r.streamers.Add()
		r.fifos = append(r.fifos, fifo.New(geo.FifoDepth, geo.SlotSize()))
	}
	r.log.Infof("%d port(s): %v, fifo depth %d", cfg.NumPorts, geo, geo.FifoDepth)
	return r, nil
}

// Geometry returns the per-port geometry.
func (r *Receiver) Geometry() geometry.Geometry { return r.geo }

// SetFileFormat selects the writer used by the next acquisition. An
// unknown format marks every processor in error and is refused.
func (r *Receiver) SetFileFormat(f types.FileFormat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runningLocked() {
		return ErrRunning
	}
	if !f.Valid() {
		for i := 0; i < r.cfg.NumPorts; i++ {
			r.processors.SetError(i)
		}
		return fmt.Errorf("%w: %v", filewriter.ErrInvalidFormat, f)
	}
	r.format = f
	return nil
}

// SetFrameHandler installs h on the processors of the next acquisition.
func (r *Receiver) SetFrameHandler(h processor.FrameHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runningLocked() {
		return ErrRunning
	}
	r.handler = h
	return nil
}

// FileIndex is the index the next acquisition will use.
func (r *Receiver) FileIndex() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fileIndex
}

func (r *Receiver) runningLocked() bool {
	if r.acq == nil {
		return false
	}
	select {
	case <-r.acq.finished:
		return false
	default:
		return true
	}
}

// Running reports whether an acquisition is in progress.
func (r *Receiver) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runningLocked()
}

// StartReceiver opens every resource of a new acquisition and launches
// the stages. Cancelling ctx stops the acquisition like StopReceiver.
func (r *Receiver) StartReceiver(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.runningLocked() {
		return ErrRunning
	}
	r.listeners.ResetErrors()
	r.processors.ResetErrors()
	r.streamers.ResetErrors()

	acq := &acquisition{fileIndex: r.fileIndex, finished: make(chan struct{})}
	if err := r.prepare(acq); err != nil {
		acq.abandon(r.log)
		return err
	}

	// Downstream first so nothing is queued to a stage that is not running.
	for i, p := range acq.ports {
		if p.streamer != nil {
			r.streamers.StartRunning(i)
			p.done = append(p.done, control.Launch(config.Core(r.cfg.StreamerCores, i), p.streamer.Run))
		}
		r.processors.StartRunning(i)
		p.done = append(p.done, control.Launch(config.Core(r.cfg.ProcessorCores, i), p.processor.Run))
	}
	for i, p := range acq.ports {
		r.listeners.StartRunning(i)
		p.done = append(p.done, control.Launch(config.Core(r.cfg.ListenerCores, i), p.listener.Run))
	}
	acq.started = time.Now()
	r.acq = acq
	r.fileIndex++

	go r.wait(ctx, acq)
	debug.DropMessage("START", fmt.Sprintf("acquisition %d on %d port(s)", acq.fileIndex, len(acq.ports)))
	return nil
}

// prepare builds every port of acq without launching anything.
func (r *Receiver) prepare(acq *acquisition) error {
	cfg := &r.cfg
	discard, _ := cfg.DiscardPolicy()
	attrs := filewriter.MasterAttributes{
		DetectorType:      r.geo.Type.String(),
		DynamicRange:      r.geo.DynamicRange,
		TenGiga:           r.geo.TenGiga,
		ImageSize:         r.geo.OutputImageSize(),
		PixelsX:           r.geo.PixelsX,
		PixelsY:           r.geo.PixelsY,
		PacketsPerFrame:   r.geo.PacketsPerFrame,
		MaxFramesPerFile:  r.geo.FramesPerFile,
		GapPixels:         r.geo.GapPixels,
		TotalFrames:       cfg.NumFrames,
		AcquisitionTime:   time.Duration(cfg.AcquisitionTimeNs),
		SubExposureTime:   time.Duration(cfg.SubExposureTimeNs),
		AcquisitionPeriod: time.Duration(cfg.AcquisitionPeriodNs),
		HeaderVersion:     constants.DetectorHeaderVersion,
	}

	for i := 0; i < cfg.NumPorts; i++ {
		p := &port{}
		acq.ports = append(acq.ports, p)
		f := r.fifos[i]

		if cfg.FileWrite {
			w, err := filewriter.New(r.format, filewriter.Options{
				Path:          cfg.FilePath,
				Prefix:        cfg.FilePrefix,
				DetectorIndex: i,
				FileIndex:     acq.fileIndex,
				FramesPerFile: r.geo.FramesPerFile,
				Overwrite:     cfg.Overwrite,
				Master:        cfg.MasterFile && i == 0,
			})
			if err != nil {
				r.processors.SetError(i)
				return err
			}
			p.writer = w
			if err := w.CreateMasterFile(attrs); err != nil {
				r.processors.SetError(i)
				return err
			}
		}

		proc, err := processor.New(processor.Config{
			Index:              i,
			Geometry:           r.geo,
			Fifo:               f,
			Group:              r.processors,
			Writer:             p.writer,
			FileWrite:          cfg.FileWrite,
			Streaming:          cfg.Streaming,
			StreamingFrequency: cfg.StreamingFrequency,
			StreamingTimer:     cfg.StreamingTimer(),
			Handler:            r.handler,
		})
		if err != nil {
			r.processors.SetError(i)
			return err
		}
		p.processor = proc

		if cfg.Streaming {
			pub, err := r.publisher(i)
			if err != nil {
				r.streamers.SetError(i)
				return err
			}
			s, err := streamer.New(streamer.Config{
				Index:            i,
				Geometry:         r.geo,
				Fifo:             f,
				Group:            r.streamers,
				Publisher:        pub,
				DetShape:         cfg.DetShape,
				FlippedDataX:     cfg.FlippedDataX,
				Quad:             cfg.Quad,
				AdditionalHeader: cfg.AdditionalJSONHeader,
				FileIndex:        acq.fileIndex,
				FileName:         filepath.Join(cfg.FilePath, cfg.FilePrefix),
				TotalFrames:      cfg.NumFrames,
			})
			if err != nil {
				r.streamers.SetError(i)
				return err
			}
			p.streamer = s
		}

		conn, err := r.listen(i)
		if err != nil {
			r.listeners.SetError(i)
			return err
		}
		p.conn = conn
		l, err := listener.New(listener.Config{
			Index:           i,
			Geometry:        r.geo,
			Fifo:            f,
			Group:           r.listeners,
			Conn:            conn,
			Discard:         discard,
			ReadTimeout:     cfg.ReadTimeout(),
			FramesToReceive: cfg.NumFrames,
		})
		if err != nil {
			r.listeners.SetError(i)
			return err
		}
		p.listener = l

		if cfg.CapturePath != "" {
			name := filepath.Join(cfg.CapturePath, fmt.Sprintf("%s_d%d_%d.pcap", cfg.FilePrefix, i, acq.fileIndex))
			w, err := capture.Open(name, cfg.UDPPort+i, cfg.UDPPort+i)
			if err != nil {
				r.listeners.SetError(i)
				return err
			}
			p.capture = w
			l.SetCapture(w)
		}
	}
	return nil
}

// publisher returns the long-lived publisher of port i, opening it on
// first use.
func (r *Receiver) publisher(i int) (zmqstream.Publisher, error) {
	if p := r.publishers[i]; p != nil {
		return p, nil
	}
	opts, err := r.cfg.StreamOptions(i)
	if err != nil {
		return nil, err
	}
	p, err := zmqstream.NewPublisher(r.ctx, opts)
	if err != nil {
		return nil, err
	}
	r.log.Infof("port %d streaming on %v %s", i, opts.Transport, opts.Endpoint)
	r.publishers[i] = p
	return p, nil
}

// wait unwinds acq once every stage has returned, or stops it when ctx
// is cancelled first.
func (r *Receiver) wait(ctx context.Context, acq *acquisition) {
	all := make(chan struct{})
	go func() {
		for _, p := range acq.ports {
			for _, d := range p.done {
				<-d
			}
		}
		close(all)
	}()

	select {
	case <-all:
	case <-ctx.Done():
		acq.stop()
		<-all
	}

	for i, f := range r.fifos {
		if err := f.Check(); err != nil {
			r.listeners.SetError(i)
			r.log.Errorf("port %d: %v", i, err)
		}
	}
	acq.release(r.log)

	var caught, missing uint64
	for _, p := range acq.ports {
		ls := p.listener.Stats()
		caught += p.processor.Stats().TotalFramesCaught
		missing += ls.MissingPackets(r.geo.PacketsPerFrame)
	}
	debug.DropMessage("STOP", fmt.Sprintf("acquisition %d: %d complete frames, %d missing packets in %v",
		acq.fileIndex, caught, missing, time.Since(acq.started).Round(time.Millisecond)))
	close(acq.finished)
}

// stop asks every listener to flush and send its end-of-stream slot.
func (a *acquisition) stop() {
	for _, p := range a.ports {
		if p.listener != nil {
			p.listener.Stop()
		}
	}
}

// release closes sockets and capture files.
func (a *acquisition) release(lg log.MsgStream) {
	for i, p := range a.ports {
		if p.conn != nil {
			if err := p.conn.Close(); err != nil {
				lg.Warnf("port %d: close socket: %v", i, err)
			}
		}
		if p.capture != nil {
			if err := p.capture.Close(); err != nil {
				lg.Warnf("port %d: close capture: %v", i, err)
			}
		}
	}
}

// abandon releases a start that failed before any stage was launched.
func (a *acquisition) abandon(lg log.MsgStream) {
	a.release(lg)
	for i, p := range a.ports {
		if p.writer == nil {
			continue
		}
		if err := p.writer.CloseAllFiles(); err != nil {
			lg.Warnf("port %d: close files: %v", i, err)
		}
	}
}

// StopReceiver ends the running acquisition and waits until every stage
// has drained. It is a no-op when nothing runs.
func (r *Receiver) StopReceiver() {
	r.mu.Lock()
	acq := r.acq
	r.mu.Unlock()
	if acq == nil {
		return
	}
	acq.stop()
	<-acq.finished
}

// Done is closed when the current acquisition has fully unwound, either
// through StopReceiver or after the configured number of frames.
func (r *Receiver) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.acq == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return r.acq.finished
}

// Close stops any acquisition and closes the publishers.
func (r *Receiver) Close() error {
	r.StopReceiver()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var errs []error
	for i, p := range r.publishers {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("port %d: %w", i, err))
		}
		r.publishers[i] = nil
	}
	r.cancel()
	return errors.Join(errs...)
}
