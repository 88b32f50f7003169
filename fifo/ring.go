// ring.go
//
// Lock-free bounded ring of uint64 slot handles. Each cell carries a
// sequence stamp so producers and consumers agree on ownership without a
// lock; cursors are claimed with CAS, which lets the free queue accept
// releases from both the processor and the streamer while the listener
// drains it.

package fifo

import "sync/atomic"

// cell couples a handle with its sequence stamp.
type cell struct {
	seq atomic.Uint64 // position in the sequence space
	val uint64        // packed Ref
}

// ring is a fixed-capacity circular queue. Cursors sit on separate cache
// lines to avoid false sharing between the producing and consuming stage.
type ring struct {
	_ [64]byte // consumer head isolated on its own cache-line
	head atomic.Uint64
	//lint:ignore U1000 padding to keep head & tail on different cache-lines
	_pad1 [56]byte
	tail  atomic.Uint64
	//lint:ignore U1000 padding to keep hot fields from colliding with metadata
	_pad2 [56]byte
	mask  uint64
	buf   []cell
}

// newRing allocates a ring whose size must be a power-of-two; otherwise it
// panics so that the bit-masking arithmetic stays valid.
func newRing(size int) *ring {
	if size <= 0 || size&(size-1) != 0 {
		panic("fifo: ring size must be >0 and a power of two")
	}
	r := &ring{
		mask: uint64(size - 1),
		buf:  make([]cell, size),
	}
	for i := range r.buf {
		r.buf[i].seq.Store(uint64(i))
	}
	return r
}

// push enqueues v, returning false if the ring is full.
func (r *ring) push(v uint64) bool {
	for {
		t := r.tail.Load()
		c := &r.buf[t&r.mask]
		seq := c.seq.Load()
		switch diff := int64(seq) - int64(t); {
		case diff == 0:
			if r.tail.CompareAndSwap(t, t+1) {
				c.val = v
				c.seq.Store(t + 1)
				return true
			}
		case diff < 0:
			return false // consumer has not yet reclaimed the cell
		}
		// another producer claimed t; retry with the new tail
	}
}

// pop dequeues one handle; ok is false if the ring is empty.
func (r *ring) pop() (v uint64, ok bool) {
	for {
		h := r.head.Load()
		c := &r.buf[h&r.mask]
		seq := c.seq.Load()
		switch diff := int64(seq) - int64(h+1); {
		case diff == 0:
			if r.head.CompareAndSwap(h, h+1) {
				v = c.val
				c.seq.Store(h + r.mask + 1)
				return v, true
			}
		case diff < 0:
			return 0, false // producer has not yet published to the cell
		}
	}
}

// len is exact when the ring is quiescent and approximate otherwise.
func (r *ring) len() int {
	t := r.tail.Load()
	h := r.head.Load()
	if t < h {
		return 0
	}
	return int(t - h)
}

// capacity returns the number of cells.
func (r *ring) capacity() int {
	return len(r.buf)
}
