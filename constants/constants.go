// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: constants.go — Receiver-wide tunables & wire-layout constants
//
// Purpose:
//   - Defines the fifo slot layout shared by every pipeline stage.
//   - Holds protocol versions for the detector header and the stream header.
//   - Supplies defaults for sockets, fifo depth, file and stream settings.
//
// Notes:
//   - Runtime overrides live in the config package; values here are defaults.
//   - Layout constants must match what downstream viewers and file readers expect.
//
// ⚠️ No runtime logic here — all values must be compile-time resolvable
// ─────────────────────────────────────────────────────────────────────────────

package constants

import "time"

// ───────────────────────────── Fifo Slot Layout ─────────────────────────────

const (
	// FifoDataSizeBytes is the length prefix at the start of every slot.
	// Holds the payload size in bytes or DummyPacketValue.
	FifoDataSizeBytes = 4

	// FifoPaddingBytes keeps the receiver header 8-byte aligned.
	FifoPaddingBytes = 4

	// FifoHeaderBytes is the total prefix before the receiver header.
	FifoHeaderBytes = FifoDataSizeBytes + FifoPaddingBytes

	// DummyPacketValue marks an end-of-acquisition slot in the length prefix.
	DummyPacketValue = 0xFFFFFFFF

	// MaxPacketsPerFrame bounds the packet mask: 8 words × 64 bits.
	MaxPacketsPerFrame = 512

	// PacketMaskWords is the number of 64-bit words in the packet mask.
	PacketMaskWords = MaxPacketsPerFrame / 64
)

// ─────────────────────────── Protocol Versions ─────────────────────────────

const (
	// DetectorHeaderVersion is stamped into every receiver header.
	// Version 2 carries the packet mask after the detector header.
	DetectorHeaderVersion = 2

	// JSONHeaderVersion is the stream header protocol version.
	// Subscribers reject headers carrying any other value.
	JSONHeaderVersion = 4
)

// ───────────────────────────── Network Defaults ─────────────────────────────

const (
	// DefaultUDPPort is the data port of the first listener; port i uses +i.
	DefaultUDPPort = 50001

	// DefaultUDPIP binds every interface.
	DefaultUDPIP = "0.0.0.0"

	// DefaultUDPSocketBufferSize is requested via SO_RCVBUF (bytes).
	// 100 MiB absorbs a full Jungfrau burst while the processor catches up.
	DefaultUDPSocketBufferSize = 100 << 20

	// ListenerReadTimeout bounds one socket read; on expiry a partial frame is flushed.
	ListenerReadTimeout = 500 * time.Millisecond

	// MaxDatagramSize sizes the listener scratch packet buffer.
	MaxDatagramSize = 9000
)

// ───────────────────────────── Fifo Defaults ───────────────────────────────

const (
	// DefaultFifoDepth is the number of slots per pipeline when the
	// geometry does not suggest one.
	DefaultFifoDepth = 2500

	// FifoSpinBudget is the number of empty polls before a blocking pop backs off.
	FifoSpinBudget = 256

	// FifoMaxBackoff caps the sleep between polls of an idle queue.
	FifoMaxBackoff = 200 * time.Microsecond
)

// ───────────────────────────── File Defaults ───────────────────────────────

const (
	// DefaultFramesPerFile is the rollover threshold for data files.
	DefaultFramesPerFile = 10000

	// DefaultFilePrefix names the run when the caller gives none.
	DefaultFilePrefix = "run"
)

// ─────────────────────────── Streaming Defaults ────────────────────────────

const (
	// DefaultStreamPort is the publish port of the first streamer; port i uses +i.
	DefaultStreamPort = 30001

	// DefaultStreamIP is the interface the publisher binds.
	DefaultStreamIP = "0.0.0.0"

	// DefaultStreamTimer is the timer-mode minimum gap between sent frames.
	DefaultStreamTimer = 200 * time.Millisecond
)
