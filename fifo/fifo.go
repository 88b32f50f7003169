// ════════════════════════════════════════════════════════════════════════════════════════════════
// Frame Fifo — Pre-allocated Slot Arena With Free / Filled / Stream Queues
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Pipeline Ring Buffer
//
// Description:
//   One fifo per pipeline (UDP port). All slot memory is allocated once as a single arena; the
//   three queues only move integer handles between stages:
//
//     free ──AcquireFree──▶ Listener ──PublishFilled──▶ filled ──ConsumeFilled──▶ Processor
//     Processor ──Release──▶ free        Processor ──PublishStream──▶ stream ──ConsumeStream──▶ Streamer
//     Streamer ──Release──▶ free
//
// Slot layout:
//   [uint32 length | DummyPacketValue][uint32 padding][ReceiverHeader][payload …]
//
// Ownership:
//   A handle lives in exactly one queue or with exactly one stage. Queues are sized to a power of
//   two ≥ slot count, so a push can never find its queue full unless a handle was duplicated.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package fifo

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"receiver/constants"
	"receiver/types"
	"receiver/utils"
)

// ErrStopped is returned by AcquireFree when the caller's stop flag is raised.
var ErrStopped = errors.New("fifo: stopped")

// Kind tags what a slot carries.
type Kind uint8

const (
	Data        Kind = iota // a (possibly partial) frame
	EndOfStream             // acquisition ended; no payload
)

func (k Kind) String() string {
	switch k {
	case Data:
		return "data"
	case EndOfStream:
		return "end-of-stream"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Ref is a handle to one slot. It is the only thing that travels through
// the queues; whoever holds a Ref owns the slot.
type Ref struct {
	Index uint32
	Kind  Kind
}

//go:nosplit
//go:inline
func (r Ref) pack() uint64 { return uint64(r.Index) | uint64(r.Kind)<<32 }

//go:nosplit
//go:inline
func unpack(v uint64) Ref { return Ref{Index: uint32(v), Kind: Kind(v >> 32)} }

// Fifo owns the slot arena and the three hand-off queues of one pipeline.
type Fifo struct {
	arena    []byte
	slotSize int
	depth    int

	free   *ring
	filled *ring
	stream *ring

	inFlight atomic.Int64 // handles held by stages
}

// New allocates depth slots of slotSize bytes each. It panics on
// non-positive sizes or a slot too small for the prefix and header.
func New(depth, slotSize int) *Fifo {
	minSize := constants.FifoHeaderBytes + types.ReceiverHeaderSize
	if depth <= 0 || slotSize < minSize {
		panic(fmt.Sprintf("fifo: invalid depth %d or slot size %d (min %d)", depth, slotSize, minSize))
	}
	slotSize = (slotSize + 7) &^ 7

	// Backed by []uint64 so every slot's header is 8-byte aligned.
	words := make([]uint64, depth*slotSize/8)
	f := &Fifo{
		arena:    unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), depth*slotSize),
		slotSize: slotSize,
		depth:    depth,
		free:     newRing(utils.NextPow2(depth)),
		filled:   newRing(utils.NextPow2(depth)),
		stream:   newRing(utils.NextPow2(depth)),
	}
	for i := 0; i < depth; i++ {
		f.free.push(Ref{Index: uint32(i)}.pack())
	}
	return f
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// QUEUE HAND-OFF
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// AcquireFree blocks until a free slot is available and returns it zeroed.
// It returns ErrStopped as soon as *stop becomes non-zero while waiting.
func (f *Fifo) AcquireFree(stop *uint32) (Ref, error) {
	v, ok := waitPop(f.free, stop)
	if !ok {
		return Ref{}, ErrStopped
	}
	f.inFlight.Add(1)
	ref := Ref{Index: unpack(v).Index, Kind: Data}
	clear(f.Bytes(ref))
	return ref, nil
}

// PublishFilled hands a slot from the listener to the processor.
func (f *Fifo) PublishFilled(ref Ref) {
	f.hand(f.filled, ref)
}

// ConsumeFilled blocks until the listener publishes a slot.
func (f *Fifo) ConsumeFilled() Ref {
	v, _ := waitPop(f.filled, nil)
	f.inFlight.Add(1)
	return unpack(v)
}

// PublishStream hands a slot from the processor to the streamer without copying.
func (f *Fifo) PublishStream(ref Ref) {
	f.hand(f.stream, ref)
}

// ConsumeStream blocks until the processor publishes a slot for streaming.
func (f *Fifo) ConsumeStream() Ref {
	v, _ := waitPop(f.stream, nil)
	f.inFlight.Add(1)
	return unpack(v)
}

// Release returns a slot to the free queue. The kind tag is dropped: every
// free slot is reissued as Data.
func (f *Fifo) Release(ref Ref) {
	f.hand(f.free, Ref{Index: ref.Index})
}

// hand pushes ref and gives up the caller's ownership.
func (f *Fifo) hand(q *ring, ref Ref) {
	if int(ref.Index) >= f.depth {
		panic(fmt.Sprintf("fifo: slot %d out of range", ref.Index))
	}
	f.inFlight.Add(-1)
	if !q.push(ref.pack()) {
		panic("fifo: push into full queue (slot handed off twice)")
	}
}

// waitPop pops from q, spinning briefly and then backing off with short
// sleeps. A nil stop waits forever.
func waitPop(q *ring, stop *uint32) (uint64, bool) {
	miss := 0
	backoff := time.Microsecond
	for {
		if v, ok := q.pop(); ok {
			return v, true
		}
		if stop != nil && atomic.LoadUint32(stop) != 0 {
			return 0, false
		}
		if miss++; miss < constants.FifoSpinBudget {
			cpuRelax()
			continue
		}
		time.Sleep(backoff)
		if backoff < constants.FifoMaxBackoff {
			backoff *= 2
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SLOT ACCESS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Bytes returns the whole slot.
//
//go:nosplit
//go:inline
func (f *Fifo) Bytes(ref Ref) []byte {
	off := int(ref.Index) * f.slotSize
	return f.arena[off : off+f.slotSize : off+f.slotSize]
}

// Length returns the payload size stored in the slot prefix.
func (f *Fifo) Length(ref Ref) uint32 {
	return utils.LoadLE32(f.Bytes(ref))
}

// SetLength stores the payload size in the slot prefix.
func (f *Fifo) SetLength(ref Ref, n uint32) {
	utils.StoreLE32(f.Bytes(ref), n)
}

// Header overlays the receiver header on the slot.
func (f *Fifo) Header(ref Ref) *types.ReceiverHeader {
	b := f.Bytes(ref)
	return (*types.ReceiverHeader)(unsafe.Pointer(&b[constants.FifoHeaderBytes]))
}

// Payload returns the full payload capacity of the slot.
func (f *Fifo) Payload(ref Ref) []byte {
	return f.Bytes(ref)[constants.FifoHeaderBytes+types.ReceiverHeaderSize:]
}

// Frame returns the payload trimmed to the stored length. EndOfStream
// slots have no frame.
func (f *Fifo) Frame(ref Ref) []byte {
	if ref.Kind == EndOfStream {
		return nil
	}
	p := f.Payload(ref)
	n := f.Length(ref)
	if int(n) > len(p) {
		n = uint32(len(p))
	}
	return p[:n]
}

// MarkEndOfStream turns an owned slot into the end-of-acquisition sentinel.
func (f *Fifo) MarkEndOfStream(ref Ref) Ref {
	utils.StoreLE32(f.Bytes(ref), constants.DummyPacketValue)
	ref.Kind = EndOfStream
	return ref
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// INTROSPECTION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Capacity returns the number of slots.
func (f *Fifo) Capacity() int { return f.depth }

// SlotSize returns the byte size of one slot.
func (f *Fifo) SlotSize() int { return f.slotSize }

// Counts reports queue lengths and handles held by stages. Exact only when
// no stage is mid hand-off.
func (f *Fifo) Counts() (free, filled, stream, inFlight int) {
	return f.free.len(), f.filled.len(), f.stream.len(), int(f.inFlight.Load())
}

// Check verifies slot conservation: free + filled + stream + in-flight == capacity.
func (f *Fifo) Check() error {
	free, filled, stream, held := f.Counts()
	if sum := free + filled + stream + held; sum != f.depth {
		return fmt.Errorf("fifo: %d free + %d filled + %d stream + %d in flight = %d, want %d",
			free, filled, stream, held, sum, f.depth)
	}
	return nil
}

// FreeLevel is the number of free slots, used for the minimum-free statistic.
func (f *Fifo) FreeLevel() int { return f.free.len() }
