package types

import (
	"fmt"
	"math/bits"
	"unsafe"

	"receiver/constants"
	"receiver/utils"
)

// ============================================================================
// DETECTOR HEADER - FIXED 48-BYTE WIRE LAYOUT
// ============================================================================

// DetectorHeaderSize is the byte size of DetectorHeader on the wire and in a slot.
const DetectorHeaderSize = 48

// DetectorHeader is the per-packet metadata every supported detector sends in
// front of its pixel sub-block. Field order matches the wire layout, so the
// struct has no padding and can be overlaid on slot memory.
//
//go:align 8
type DetectorHeader struct {
	FrameNumber  uint64 // monotonic frame counter
	ExpLength    uint32 // exposure length or sub-frame number
	PacketNumber uint32 // packet index on the wire; packets caught in a slot
	BunchID      uint64
	Timestamp    uint64 // 10 MHz clock
	ModID        uint16
	Row          uint16 // x coordinate of the module
	Column       uint16 // y coordinate of the module
	Reserved     uint16 // z coordinate
	Debug        uint32
	RoundRNumber uint16
	DetType      uint8
	Version      uint8
}

// DecodeDetectorHeader fills h from the first DetectorHeaderSize bytes of b.
// b may have any alignment.
func DecodeDetectorHeader(b []byte, h *DetectorHeader) {
	_ = b[DetectorHeaderSize-1]
	h.FrameNumber = utils.LoadLE64(b[0:])
	h.ExpLength = utils.LoadLE32(b[8:])
	h.PacketNumber = utils.LoadLE32(b[12:])
	h.BunchID = utils.LoadLE64(b[16:])
	h.Timestamp = utils.LoadLE64(b[24:])
	h.ModID = utils.LoadLE16(b[32:])
	h.Row = utils.LoadLE16(b[34:])
	h.Column = utils.LoadLE16(b[36:])
	h.Reserved = utils.LoadLE16(b[38:])
	h.Debug = utils.LoadLE32(b[40:])
	h.RoundRNumber = utils.LoadLE16(b[44:])
	h.DetType = b[46]
	h.Version = b[47]
}

// EncodeDetectorHeader writes h into b[0:DetectorHeaderSize] in wire order.
func EncodeDetectorHeader(b []byte, h *DetectorHeader) {
	_ = b[DetectorHeaderSize-1]
	utils.StoreLE64(b[0:], h.FrameNumber)
	utils.StoreLE32(b[8:], h.ExpLength)
	utils.StoreLE32(b[12:], h.PacketNumber)
	utils.StoreLE64(b[16:], h.BunchID)
	utils.StoreLE64(b[24:], h.Timestamp)
	utils.StoreLE16(b[32:], h.ModID)
	utils.StoreLE16(b[34:], h.Row)
	utils.StoreLE16(b[36:], h.Column)
	utils.StoreLE16(b[38:], h.Reserved)
	utils.StoreLE32(b[40:], h.Debug)
	utils.StoreLE16(b[44:], h.RoundRNumber)
	b[46] = h.DetType
	b[47] = h.Version
}

// ============================================================================
// PACKET MASK - WHICH PACKETS OF A FRAME ARRIVED
// ============================================================================

// PacketMask records received packet indices, one bit each, up to
// constants.MaxPacketsPerFrame.
type PacketMask [constants.PacketMaskWords]uint64

// Set marks packet i as received. Out-of-range indices are ignored.
//
//go:nosplit
//go:inline
func (m *PacketMask) Set(i uint32) {
	if i >= constants.MaxPacketsPerFrame {
		return
	}
	m[i>>6] |= 1 << (i & 63)
}

// Has reports whether packet i was received.
//
//go:nosplit
//go:inline
func (m *PacketMask) Has(i uint32) bool {
	if i >= constants.MaxPacketsPerFrame {
		return false
	}
	return m[i>>6]&(1<<(i&63)) != 0
}

// Count returns the number of received packets.
func (m *PacketMask) Count() int {
	n := 0
	for _, w := range m {
		n += bits.OnesCount64(w)
	}
	return n
}

// Reset clears every bit.
func (m *PacketMask) Reset() {
	*m = PacketMask{}
}

// ============================================================================
// RECEIVER HEADER - WHAT EACH FIFO SLOT CARRIES AHEAD OF THE PAYLOAD
// ============================================================================

// ReceiverHeaderSize is the byte size of ReceiverHeader.
const ReceiverHeaderSize = DetectorHeaderSize + constants.PacketMaskWords*8

// ReceiverHeader is the detector header of the frame's first packet, with
// PacketNumber rewritten to the count of packets caught, plus the mask of
// which packets were caught.
//
// Slot memory stores this struct in host byte order; the receiver only runs
// on little-endian hosts so slot bytes equal the wire layout.
//
//go:align 8
type ReceiverHeader struct {
	Detector   DetectorHeader
	PacketMask PacketMask
}

// Bytes views h as its raw ReceiverHeaderSize bytes without copying.
func (h *ReceiverHeader) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(h)), ReceiverHeaderSize)
}

// Complete reports whether every one of packetsPerFrame packets was caught.
func (h *ReceiverHeader) Complete(packetsPerFrame uint32) bool {
	return h.Detector.PacketNumber == packetsPerFrame
}

// ============================================================================
// ENUMERATIONS
// ============================================================================

// DetectorType selects the geometry of a module.
type DetectorType uint8

const (
	Generic DetectorType = iota
	Eiger
	Jungfrau
	Moench
	Gotthard2
)

var detectorNames = [...]string{"generic", "eiger", "jungfrau", "moench", "gotthard2"}

func (d DetectorType) String() string {
	if int(d) < len(detectorNames) {
		return detectorNames[d]
	}
	return fmt.Sprintf("detector(%d)", uint8(d))
}

// ParseDetectorType maps a name to a DetectorType.
func ParseDetectorType(s string) (DetectorType, error) {
	for i, n := range detectorNames {
		if n == s {
			return DetectorType(i), nil
		}
	}
	return Generic, fmt.Errorf("unknown detector type %q", s)
}

// FileFormat selects the file writer implementation.
type FileFormat uint8

const (
	Binary FileFormat = iota
	SQLite
	numFileFormats
)

var formatNames = [...]string{"binary", "sqlite"}

func (f FileFormat) String() string {
	if f < numFileFormats {
		return formatNames[f]
	}
	return fmt.Sprintf("format(%d)", uint8(f))
}

// Valid reports whether f names an implemented writer.
func (f FileFormat) Valid() bool { return f < numFileFormats }

// ParseFileFormat maps a name to a FileFormat.
func ParseFileFormat(s string) (FileFormat, error) {
	for i, n := range formatNames {
		if n == s {
			return FileFormat(i), nil
		}
	}
	return Binary, fmt.Errorf("unknown file format %q", s)
}

// FrameDiscardPolicy decides which frames the listener forwards.
type FrameDiscardPolicy uint8

const (
	NoDiscard      FrameDiscardPolicy = iota // forward every frame, complete or not
	DiscardPartial                           // drop frames missing any packet
)

var discardNames = [...]string{"nodiscard", "discardpartial"}

func (p FrameDiscardPolicy) String() string {
	if int(p) < len(discardNames) {
		return discardNames[p]
	}
	return fmt.Sprintf("discard(%d)", uint8(p))
}

// ParseFrameDiscardPolicy maps a name to a FrameDiscardPolicy.
func ParseFrameDiscardPolicy(s string) (FrameDiscardPolicy, error) {
	for i, n := range discardNames {
		if n == s {
			return FrameDiscardPolicy(i), nil
		}
	}
	return NoDiscard, fmt.Errorf("unknown frame discard policy %q", s)
}
