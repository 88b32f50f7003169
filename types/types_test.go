package types

import (
	"testing"
	"unsafe"
)

func sampleHeader() DetectorHeader {
	return DetectorHeader{
		FrameNumber:  0x0102030405060708,
		ExpLength:    11,
		PacketNumber: 39,
		BunchID:      0xAABBCCDD,
		Timestamp:    123456789,
		ModID:        3,
		Row:          1,
		Column:       2,
		Reserved:     4,
		Debug:        0xCAFE,
		RoundRNumber: 9,
		DetType:      uint8(Moench),
		Version:      2,
	}
}

// TestLayoutSizes pins the in-memory sizes to the wire sizes so headers can
// be overlaid on slot memory.
func TestLayoutSizes(t *testing.T) {
	if got := unsafe.Sizeof(DetectorHeader{}); got != DetectorHeaderSize {
		t.Fatalf("sizeof(DetectorHeader) = %d, want %d", got, DetectorHeaderSize)
	}
	if got := unsafe.Sizeof(ReceiverHeader{}); got != ReceiverHeaderSize {
		t.Fatalf("sizeof(ReceiverHeader) = %d, want %d", got, ReceiverHeaderSize)
	}
	if ReceiverHeaderSize != 112 {
		t.Fatalf("ReceiverHeaderSize = %d, want 112", ReceiverHeaderSize)
	}
}

func TestDetectorHeaderEncodeDecode(t *testing.T) {
	want := sampleHeader()
	buf := make([]byte, DetectorHeaderSize+3)

	// Unaligned placement, as inside a datagram buffer.
	EncodeDetectorHeader(buf[3:], &want)
	var got DetectorHeader
	DecodeDetectorHeader(buf[3:], &got)
	if got != want {
		t.Fatalf("decode mismatch:\n got %+v\nwant %+v", got, want)
	}
}

// TestWireMatchesMemory checks the encoded bytes equal the struct's memory
// image on this (little-endian) host.
func TestWireMatchesMemory(t *testing.T) {
	h := ReceiverHeader{Detector: sampleHeader()}
	wire := make([]byte, DetectorHeaderSize)
	EncodeDetectorHeader(wire, &h.Detector)
	mem := h.Bytes()[:DetectorHeaderSize]
	for i := range wire {
		if wire[i] != mem[i] {
			t.Fatalf("byte %d: wire %#x, memory %#x", i, wire[i], mem[i])
		}
	}
}

func TestPacketMask(t *testing.T) {
	var m PacketMask
	for _, i := range []uint32{0, 1, 63, 64, 200, 511} {
		m.Set(i)
	}
	m.Set(512) // ignored
	m.Set(63)  // duplicate

	if m.Count() != 6 {
		t.Fatalf("Count = %d, want 6", m.Count())
	}
	if !m.Has(64) || !m.Has(511) || m.Has(2) || m.Has(512) {
		t.Fatal("Has reports wrong membership")
	}
	m.Reset()
	if m.Count() != 0 {
		t.Fatal("Reset left bits set")
	}
}

func TestComplete(t *testing.T) {
	h := ReceiverHeader{}
	h.Detector.PacketNumber = 40
	if !h.Complete(40) {
		t.Error("40/40 should be complete")
	}
	h.Detector.PacketNumber = 38
	if h.Complete(40) {
		t.Error("38/40 should not be complete")
	}
}

func TestEnumParsing(t *testing.T) {
	if d, err := ParseDetectorType("eiger"); err != nil || d != Eiger {
		t.Errorf("ParseDetectorType(eiger) = %v, %v", d, err)
	}
	if _, err := ParseDetectorType("mythen"); err == nil {
		t.Error("unknown detector should fail")
	}
	if f, err := ParseFileFormat("sqlite"); err != nil || f != SQLite {
		t.Errorf("ParseFileFormat(sqlite) = %v, %v", f, err)
	}
	if FileFormat(7).Valid() {
		t.Error("format 7 should be invalid")
	}
	if p, err := ParseFrameDiscardPolicy("discardpartial"); err != nil || p != DiscardPartial {
		t.Errorf("ParseFrameDiscardPolicy = %v, %v", p, err)
	}
	if Jungfrau.String() != "jungfrau" || DetectorType(42).String() != "detector(42)" {
		t.Error("DetectorType.String mismatch")
	}
}
