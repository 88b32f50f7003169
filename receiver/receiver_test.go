package receiver

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"receiver/config"
	"receiver/filewriter"
	"receiver/geometry"
	"receiver/processor"
	"receiver/types"
	"receiver/zmqstream"

	"github.com/sugawarayuuta/sonnet"
)

// ─────────────────────── in-memory datagram source ───────────────────────

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type memConn struct {
	mu       sync.Mutex
	queue    [][]byte
	deadline time.Time
	closed   bool
}

func (c *memConn) push(pkts ...[]byte) {
	c.mu.Lock()
	c.queue = append(c.queue, pkts...)
	c.mu.Unlock()
}

func (c *memConn) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return 0, nil, net.ErrClosed
		}
		if len(c.queue) > 0 {
			p := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return copy(b, p), &net.UDPAddr{}, nil
		}
		dl := c.deadline
		c.mu.Unlock()
		if !dl.IsZero() && !time.Now().Before(dl) {
			return 0, nil, timeoutError{}
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *memConn) WriteTo(b []byte, _ net.Addr) (int, error) { return len(b), nil }
func (c *memConn) LocalAddr() net.Addr                        { return &net.UDPAddr{} }
func (c *memConn) SetDeadline(t time.Time) error              { return c.SetReadDeadline(t) }
func (c *memConn) SetWriteDeadline(time.Time) error           { return nil }

func (c *memConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *memConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type memPublisher struct {
	mu      sync.Mutex
	headers []zmqstream.Header
	data    [][]byte
}

func (p *memPublisher) Send(h *zmqstream.Header, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.headers = append(p.headers, *h)
	if data != nil {
		p.data = append(p.data, bytes.Clone(data))
	}
	return nil
}

func (p *memPublisher) Close() error { return nil }

// ───────────────────────────── helpers ─────────────────────────────

type rig struct {
	r     *Receiver
	geo   geometry.Geometry
	conns []*memConn
	dir   string
}

func newRig(t *testing.T, mutate func(*config.Config)) *rig {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DetectorType = "moench"
	cfg.FifoDepth = 8
	cfg.ReadTimeoutMs = 50
	cfg.FileWrite = true
	cfg.FilePath = dir
	if mutate != nil {
		mutate(cfg)
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	rg := &rig{r: r, geo: r.Geometry(), dir: dir}
	for i := 0; i < cfg.NumPorts; i++ {
		rg.conns = append(rg.conns, &memConn{})
	}
	r.listen = func(i int) (net.PacketConn, error) {
		c := rg.conns[i]
		c.mu.Lock()
		c.closed = false
		c.mu.Unlock()
		return c, nil
	}
	t.Cleanup(func() { r.Close() })
	return rg
}

func (rg *rig) packets(fn uint64, n uint32) [][]byte {
	g := rg.geo
	var out [][]byte
	for pn := uint32(0); pn < n; pn++ {
		h := types.DetectorHeader{FrameNumber: fn, PacketNumber: pn}
		payload := bytes.Repeat([]byte{byte(pn + 1)}, g.DataSize)
		out = append(out, g.EncodePacket(make([]byte, g.PacketSize()), &h, payload))
	}
	return out
}

// waitFor polls Status until cond holds.
func (rg *rig) waitFor(t *testing.T, what string, cond func(Status) bool) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		s := rg.r.Status()
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %s", what, s)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (rg *rig) stop(t *testing.T) Status {
	t.Helper()
	done := make(chan struct{})
	go func() {
		rg.r.StopReceiver()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("StopReceiver did not return")
	}
	s := rg.r.Status()
	if s.Running || s.ListenersRunning|s.ProcessorsRunning|s.StreamersRunning != 0 {
		t.Fatalf("stages still running after stop: %s", s)
	}
	return s
}

func readRecords(t *testing.T, path string, recSize int) []types.DetectorHeader {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(b)%recSize != 0 {
		t.Fatalf("%s: %d bytes is not a whole number of %d-byte records", path, len(b), recSize)
	}
	var hs []types.DetectorHeader
	for off := 0; off < len(b); off += recSize {
		var h types.DetectorHeader
		types.DecodeDetectorHeader(b[off:], &h)
		hs = append(hs, h)
	}
	return hs
}

// ───────────────────────────── tests ─────────────────────────────

func TestCompleteFrameEndToEnd(t *testing.T) {
	rg := newRig(t, nil)
	rg.conns[0].push(rg.packets(7, 40)...)
	if err := rg.r.StartReceiver(context.Background()); err != nil {
		t.Fatal(err)
	}
	rg.waitFor(t, "frame 7", func(s Status) bool { return s.Ports[0].Processor.FramesProcessed == 1 })
	s := rg.stop(t)

	p := s.Ports[0]
	if p.Processor.TotalFramesCaught != 1 || p.Listener.PacketsCaught != 40 || p.MissingPackets != 0 {
		t.Fatalf("status %s", s)
	}
	if p.FifoFree != 8 || s.Errors() {
		t.Fatalf("free %d, errors %v", p.FifoFree, s.Errors())
	}

	recSize := types.ReceiverHeaderSize + rg.geo.ImageSize
	hs := readRecords(t, filepath.Join(rg.dir, "run_d0_f0_0.raw"), recSize)
	if len(hs) != 1 || hs[0].FrameNumber != 7 || hs[0].PacketNumber != 40 {
		t.Fatalf("records %+v", hs)
	}

	b, err := os.ReadFile(filepath.Join(rg.dir, "run_master_0.json"))
	if err != nil {
		t.Fatal(err)
	}
	var m filewriter.Master
	if err := sonnet.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m.FramesTotal != 1 || len(m.Files) != 1 || m.Attributes.DetectorType != "moench" || m.Finished == "" {
		t.Fatalf("master %+v", m)
	}
	if rg.r.FileIndex() != 1 {
		t.Fatalf("file index %d after one acquisition", rg.r.FileIndex())
	}
}

func TestPartialFrameEndToEnd(t *testing.T) {
	rg := newRig(t, nil)
	rg.conns[0].push(rg.packets(7, 38)...)
	if err := rg.r.StartReceiver(context.Background()); err != nil {
		t.Fatal(err)
	}
	// The read timeout flushes the partial frame.
	rg.waitFor(t, "partial frame 7", func(s Status) bool { return s.Ports[0].Processor.FramesProcessed == 1 })
	s := rg.stop(t)

	p := s.Ports[0]
	if p.Processor.TotalFramesCaught != 0 || p.Listener.FramesCaught != 1 || p.MissingPackets != 2 {
		t.Fatalf("status %s", s)
	}
	recSize := types.ReceiverHeaderSize + rg.geo.ImageSize
	hs := readRecords(t, filepath.Join(rg.dir, "run_d0_f0_0.raw"), recSize)
	if len(hs) != 1 || hs[0].PacketNumber != 38 {
		t.Fatalf("records %+v", hs)
	}
}

func TestFrameTargetEndsAcquisition(t *testing.T) {
	rg := newRig(t, func(c *config.Config) {
		c.NumFrames = 2
		c.FileWrite = false
		c.Streaming = true
		c.StreamingFrequency = 1
	})
	pub := &memPublisher{}
	rg.r.publishers[0] = pub

	rg.conns[0].push(rg.packets(1, 40)...)
	rg.conns[0].push(rg.packets(2, 40)...)
	if err := rg.r.StartReceiver(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-rg.r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("acquisition did not end after the frame target")
	}

	s := rg.r.Status()
	if s.Running || s.Ports[0].Processor.TotalFramesCaught != 2 || s.Ports[0].Streamer.FramesSent != 2 {
		t.Fatalf("status %s", s)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.headers) != 3 || len(pub.data) != 2 {
		t.Fatalf("%d headers, %d data messages", len(pub.headers), len(pub.data))
	}
	if last := pub.headers[2]; last.Data != 0 || last.Progress != 100 {
		t.Fatalf("end-of-acquisition header %+v", last)
	}
	if h := pub.headers[1]; h.FrameIndex != 1 || h.CompleteImage != 1 || h.Progress != 100 {
		t.Fatalf("second header %+v", h)
	}
}

func TestFrameHandlerAndTwoPorts(t *testing.T) {
	rg := newRig(t, func(c *config.Config) { c.NumPorts = 2 })
	var mu sync.Mutex
	seen := map[uint64]int{}
	err := rg.r.SetFrameHandler(processor.FrameHandlerFunc(func(h *types.DetectorHeader, payload []byte) int {
		mu.Lock()
		seen[h.FrameNumber]++
		mu.Unlock()
		return len(payload)
	}))
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range rg.conns {
		c.push(rg.packets(3, 40)...)
	}
	if err := rg.r.StartReceiver(context.Background()); err != nil {
		t.Fatal(err)
	}
	rg.waitFor(t, "both ports", func(s Status) bool {
		return s.Ports[0].Processor.FramesProcessed == 1 && s.Ports[1].Processor.FramesProcessed == 1
	})
	rg.stop(t)

	mu.Lock()
	defer mu.Unlock()
	if seen[3] != 2 {
		t.Fatalf("handler saw frame 3 %d times", seen[3])
	}
	for _, name := range []string{"run_d0_f0_0.raw", "run_d1_f0_0.raw", "run_master_0.json"} {
		if _, err := os.Stat(filepath.Join(rg.dir, name)); err != nil {
			t.Error(err)
		}
	}
	if _, err := os.Stat(filepath.Join(rg.dir, "run_master_1.json")); err == nil {
		t.Error("second pipeline wrote a master file")
	}
}

func TestStartTwiceAndRestart(t *testing.T) {
	rg := newRig(t, nil)
	if err := rg.r.StartReceiver(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := rg.r.StartReceiver(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("second start: %v", err)
	}
	if err := rg.r.SetFileFormat(types.SQLite); !errors.Is(err, ErrRunning) {
		t.Fatalf("format change while running: %v", err)
	}
	rg.stop(t)

	// No data: the master file is still finished with zero frames.
	if err := rg.r.SetFileFormat(types.SQLite); err != nil {
		t.Fatal(err)
	}
	rg.conns[0].push(rg.packets(9, 40)...)
	if err := rg.r.StartReceiver(context.Background()); err != nil {
		t.Fatal(err)
	}
	rg.waitFor(t, "frame 9", func(s Status) bool { return s.Ports[0].Processor.FramesProcessed == 1 })
	s := rg.stop(t)
	if s.FileIndex != 1 || s.Ports[0].Processor.TotalFramesCaught != 1 {
		t.Fatalf("status %s", s)
	}
	if _, err := os.Stat(filepath.Join(rg.dir, "run_d0_1.sqlite")); err != nil {
		t.Fatal(err)
	}
}

func TestStartFailsOnExistingFiles(t *testing.T) {
	rg := newRig(t, nil)
	if err := os.WriteFile(filepath.Join(rg.dir, "run_master_0.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := rg.r.StartReceiver(context.Background())
	if !errors.Is(err, filewriter.ErrFileExists) {
		t.Fatalf("err = %v, want ErrFileExists", err)
	}
	s := rg.r.Status()
	if s.Running || s.ProcessorErrors != 1 {
		t.Fatalf("status %s", s)
	}
	if rg.r.FileIndex() != 0 {
		t.Fatal("file index advanced on a failed start")
	}
}

func TestInvalidFileFormatSetsErrorMask(t *testing.T) {
	rg := newRig(t, func(c *config.Config) { c.NumPorts = 3 })
	err := rg.r.SetFileFormat(types.FileFormat(9))
	if !errors.Is(err, filewriter.ErrInvalidFormat) {
		t.Fatalf("err = %v", err)
	}
	if s := rg.r.Status(); s.ProcessorErrors != 0b111 {
		t.Fatalf("processor errors %#x", s.ProcessorErrors)
	}
}

func TestContextCancelStops(t *testing.T) {
	rg := newRig(t, func(c *config.Config) { c.FileWrite = false })
	ctx, cancel := context.WithCancel(context.Background())
	if err := rg.r.StartReceiver(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case <-rg.r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not stop the acquisition")
	}
	if rg.r.Running() {
		t.Fatal("still running")
	}
}

func TestCloseRejectsStart(t *testing.T) {
	rg := newRig(t, nil)
	if err := rg.r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := rg.r.StartReceiver(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
}
