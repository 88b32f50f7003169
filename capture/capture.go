// Package capture dumps received detector datagrams to a pcap file so a run
// can be inspected offline with standard tools.
//
// Datagram payloads are wrapped in synthetic IPv4/UDP headers carrying the
// listener's ports; the file uses the raw-IP link type.
package capture

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// SnapLen is the largest datagram recorded in full.
const SnapLen = 65536

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("capture: closed")

// Writer appends datagrams to one pcap file. Safe for use by one listener;
// the mutex only guards Close racing a late Write.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	pcap    *pcapgo.Writer
	buf     gopacket.SerializeBuffer
	opts    gopacket.SerializeOptions
	ip      layers.IPv4
	udp     layers.UDP
	packets uint64
}

// Open creates path and writes the pcap file header. srcPort/dstPort label
// the synthetic UDP header (detector port → listener port).
func Open(path string, srcPort, dstPort int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	w := &Writer{
		file: f,
		pcap: pcapgo.NewWriter(f),
		buf:  gopacket.NewSerializeBuffer(),
		opts: gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		ip: layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(10, 0, 0, 2),
			DstIP:    net.IPv4(10, 0, 0, 1),
		},
		udp: layers.UDP{
			SrcPort: layers.UDPPort(srcPort),
			DstPort: layers.UDPPort(dstPort),
		},
	}
	if err := w.pcap.WriteFileHeader(SnapLen, layers.LinkTypeRaw); err != nil {
		f.Close()
		return nil, fmt.Errorf("capture: header: %w", err)
	}
	if err := w.udp.SetNetworkLayerForChecksum(&w.ip); err != nil {
		f.Close()
		return nil, fmt.Errorf("capture: %w", err)
	}
	return w, nil
}

// Write records one datagram received at ts.
func (w *Writer) Write(ts time.Time, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ErrClosed
	}
	if err := gopacket.SerializeLayers(w.buf, w.opts, &w.ip, &w.udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("capture: serialize: %w", err)
	}
	data := w.buf.Bytes()
	n := len(data)
	if n > SnapLen {
		data = data[:SnapLen]
	}
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: n}
	if err := w.pcap.WritePacket(ci, data); err != nil {
		return fmt.Errorf("capture: write: %w", err)
	}
	w.packets++
	return nil
}

// Packets returns the number of datagrams written.
func (w *Writer) Packets() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.packets
}

// Close flushes and closes the file. Further writes fail with ErrClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
