// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: geometry.go — Per-port detector geometry and packet layout
//
// Purpose:
//   - Describes one UDP port's image: pixels, dynamic range, packet split.
//   - Validates and decodes datagrams into (frame, packet, header).
//   - Sizes fifo slots, including the gap-inclusive image when enabled.
//
// Notes:
//   - A Geometry value is immutable once an acquisition starts; every stage
//     holds a copy and reads it without locking.
//   - Packet → payload mapping is linear: packet i fills [i·DataSize, (i+1)·DataSize).
// ─────────────────────────────────────────────────────────────────────────────

package geometry

import (
	"errors"
	"fmt"

	"receiver/constants"
	"receiver/types"
)

var (
	// ErrMalformedPacket marks datagrams of the wrong size or with an
	// out-of-range packet index.
	ErrMalformedPacket = errors.New("geometry: malformed packet")

	// ErrDynamicRange rejects bit depths the detector cannot produce.
	ErrDynamicRange = errors.New("geometry: unsupported dynamic range")
)

// Eiger port layout: two 256×256 chips side by side per port. With gap
// pixels each port grows by a 2-pixel chip gap, a 1-pixel module seam and a
// 1-pixel line between the top and bottom half modules.
const (
	EigerChipPixels   = 256
	EigerPortPixelsX  = 2 * EigerChipPixels
	EigerPortPixelsY  = EigerChipPixels
	EigerGapPixelsX   = EigerPortPixelsX + 3
	EigerGapPixelsY   = EigerPortPixelsY + 1
	eigerDataSize10G  = 4096
	eigerDataSize1G   = 1024
	jungfrauDataSize  = 8192
	moenchDataSize    = 8000
	gotthard2DataSize = 1280
)

// Geometry is the read-only description of one port's frames.
type Geometry struct {
	Type            types.DetectorType
	PixelsX         int // per port, without gap pixels
	PixelsY         int
	DynamicRange    int // bits per pixel
	TenGiga         bool
	HeaderSize      int // detector header bytes in front of each packet
	DataSize        int // pixel bytes per packet
	PacketsPerFrame uint32
	ImageSize       int // PacketsPerFrame × DataSize
	FramesPerFile   int
	FifoDepth       int

	GapPixels    bool
	GapPixelsX   int
	GapPixelsY   int
	GapImageSize int // equals ImageSize when gap pixels are off or unsupported
}

// New builds the default geometry of a detector type.
func New(t types.DetectorType, dynamicRange int, tenGiga bool) (Geometry, error) {
	g := Geometry{
		Type:          t,
		DynamicRange:  dynamicRange,
		TenGiga:       tenGiga,
		HeaderSize:    types.DetectorHeaderSize,
		FramesPerFile: constants.DefaultFramesPerFile,
		FifoDepth:     constants.DefaultFifoDepth,
	}

	switch t {
	case types.Eiger:
		switch dynamicRange {
		case 4, 8, 16, 32:
		default:
			return Geometry{}, fmt.Errorf("%w: eiger %d bit", ErrDynamicRange, dynamicRange)
		}
		g.PixelsX, g.PixelsY = EigerPortPixelsX, EigerPortPixelsY
		g.DataSize = eigerDataSize1G
		if tenGiga {
			g.DataSize = eigerDataSize10G
		}
		g.FifoDepth = 100
	case types.Jungfrau:
		if dynamicRange != 16 {
			return Geometry{}, fmt.Errorf("%w: jungfrau %d bit", ErrDynamicRange, dynamicRange)
		}
		g.PixelsX, g.PixelsY = 1024, 512
		g.DataSize = jungfrauDataSize
	case types.Moench:
		if dynamicRange != 16 {
			return Geometry{}, fmt.Errorf("%w: moench %d bit", ErrDynamicRange, dynamicRange)
		}
		g.PixelsX, g.PixelsY = 400, 400
		g.DataSize = moenchDataSize
	case types.Gotthard2:
		if dynamicRange != 16 {
			return Geometry{}, fmt.Errorf("%w: gotthard2 %d bit", ErrDynamicRange, dynamicRange)
		}
		g.PixelsX, g.PixelsY = 1280, 1
		g.DataSize = gotthard2DataSize
		g.FramesPerFile = 20000
		g.FifoDepth = 25000
	case types.Generic:
		return Geometry{}, errors.New("geometry: generic detectors need NewGeneric")
	default:
		return Geometry{}, fmt.Errorf("geometry: unknown detector type %v", t)
	}

	return g.finish()
}

// NewGeneric builds a geometry from explicit dimensions. The image must
// split into whole packets of dataSize bytes.
func NewGeneric(pixelsX, pixelsY, dynamicRange, dataSize int) (Geometry, error) {
	if pixelsX <= 0 || pixelsY <= 0 || dataSize <= 0 {
		return Geometry{}, errors.New("geometry: dimensions must be positive")
	}
	switch dynamicRange {
	case 8, 16, 32:
	default:
		return Geometry{}, fmt.Errorf("%w: generic %d bit", ErrDynamicRange, dynamicRange)
	}
	g := Geometry{
		Type:          types.Generic,
		PixelsX:       pixelsX,
		PixelsY:       pixelsY,
		DynamicRange:  dynamicRange,
		HeaderSize:    types.DetectorHeaderSize,
		DataSize:      dataSize,
		FramesPerFile: constants.DefaultFramesPerFile,
		FifoDepth:     constants.DefaultFifoDepth,
	}
	return g.finish()
}

// finish derives the packet count and image sizes.
func (g Geometry) finish() (Geometry, error) {
	image := g.PixelsX * g.PixelsY * g.DynamicRange / 8
	if image%g.DataSize != 0 {
		return Geometry{}, fmt.Errorf("geometry: image of %d bytes does not split into %d-byte packets", image, g.DataSize)
	}
	ppf := image / g.DataSize
	if ppf == 0 || ppf > constants.MaxPacketsPerFrame {
		return Geometry{}, fmt.Errorf("geometry: %d packets per frame out of range", ppf)
	}
	g.ImageSize = image
	g.PacketsPerFrame = uint32(ppf)
	return g.WithGapPixels(g.GapPixels), nil
}

// WithGapPixels returns a copy with gap-pixel insertion switched on or off.
// Only Eiger supports gap pixels, and never in 4-bit mode.
func (g Geometry) WithGapPixels(enable bool) Geometry {
	g.GapPixels = enable && g.GapPixelsSupported()
	g.GapPixelsX, g.GapPixelsY, g.GapImageSize = g.PixelsX, g.PixelsY, g.ImageSize
	if g.GapPixels {
		g.GapPixelsX, g.GapPixelsY = EigerGapPixelsX, EigerGapPixelsY
		g.GapImageSize = g.GapPixelsX * g.GapPixelsY * g.DynamicRange / 8
	}
	return g
}

// WithFramesPerFile returns a copy with a new rollover threshold (n ≤ 0 keeps the default).
func (g Geometry) WithFramesPerFile(n int) Geometry {
	if n > 0 {
		g.FramesPerFile = n
	}
	return g
}

// WithFifoDepth returns a copy with a new slot count (n ≤ 0 keeps the default).
func (g Geometry) WithFifoDepth(n int) Geometry {
	if n > 0 {
		g.FifoDepth = n
	}
	return g
}

// GapPixelsSupported reports whether this geometry can insert gap pixels.
func (g Geometry) GapPixelsSupported() bool {
	return g.Type == types.Eiger && g.DynamicRange != 4
}

// PacketSize is the exact datagram size the listener accepts.
func (g Geometry) PacketSize() int {
	return g.HeaderSize + g.DataSize
}

// PayloadCapacity is the largest payload a slot must hold.
func (g Geometry) PayloadCapacity() int {
	if g.GapImageSize > g.ImageSize {
		return g.GapImageSize
	}
	return g.ImageSize
}

// SlotSize is the byte size of one fifo slot, rounded up to 8 bytes so
// every slot's receiver header stays aligned inside the arena.
func (g Geometry) SlotSize() int {
	n := constants.FifoHeaderBytes + types.ReceiverHeaderSize + g.PayloadCapacity()
	return (n + 7) &^ 7
}

// OutputShape is the image shape a consumer sees after processing.
func (g Geometry) OutputShape() (x, y int) {
	if g.GapPixels {
		return g.GapPixelsX, g.GapPixelsY
	}
	return g.PixelsX, g.PixelsY
}

// OutputImageSize is the payload size after processing.
func (g Geometry) OutputImageSize() int {
	if g.GapPixels {
		return g.GapImageSize
	}
	return g.ImageSize
}

// PayloadOffset maps a packet index to its byte offset in the payload.
//
//go:nosplit
//go:inline
func (g Geometry) PayloadOffset(packetNumber uint32) int {
	return int(packetNumber) * g.DataSize
}

// DecodePacket validates pkt and decodes its detector header into h.
// It returns the pixel sub-block of the packet.
func (g Geometry) DecodePacket(pkt []byte, h *types.DetectorHeader) ([]byte, error) {
	if len(pkt) != g.PacketSize() {
		return nil, ErrMalformedPacket
	}
	types.DecodeDetectorHeader(pkt, h)
	if h.PacketNumber >= g.PacketsPerFrame {
		return nil, ErrMalformedPacket
	}
	return pkt[g.HeaderSize:], nil
}

// EncodePacket builds one datagram for frame/packet with the given payload.
// Used by simulators and tests; dst must hold PacketSize bytes.
func (g Geometry) EncodePacket(dst []byte, h *types.DetectorHeader, payload []byte) []byte {
	dst = dst[:g.PacketSize()]
	types.EncodeDetectorHeader(dst, h)
	copy(dst[g.HeaderSize:], payload)
	return dst
}

func (g Geometry) String() string {
	x, y := g.OutputShape()
	return fmt.Sprintf("%v %dx%d %d-bit, %d packets × %d bytes, gap pixels %v (%dx%d)",
		g.Type, g.PixelsX, g.PixelsY, g.DynamicRange, g.PacketsPerFrame, g.DataSize, g.GapPixels, x, y)
}
