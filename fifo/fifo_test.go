package fifo

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"receiver/constants"
	"receiver/types"
)

const testSlot = constants.FifoHeaderBytes + types.ReceiverHeaderSize + 64

// TestNewPanicsOnBadSize verifies the constructor rejects empty fifos and
// slots too small for the prefix and header.
func TestNewPanicsOnBadSize(t *testing.T) {
	bad := [][2]int{{0, testSlot}, {-1, testSlot}, {4, 16}}
	for _, c := range bad {
		func() {
			defer func() {
				if recover() == nil {
					t.Fatalf("New(%d, %d) should panic", c[0], c[1])
				}
			}()
			_ = New(c[0], c[1])
		}()
	}
}

func TestNewRingPanicsOnBadSize(t *testing.T) {
	for _, sz := range []int{0, 3, 1000} {
		func() {
			defer func() {
				if recover() == nil {
					t.Fatalf("newRing(%d) should panic", sz)
				}
			}()
			_ = newRing(sz)
		}()
	}
}

func TestRingPushPopAndFull(t *testing.T) {
	r := newRing(4)
	for i := 0; i < 4; i++ {
		if !r.push(uint64(i)) {
			t.Fatalf("push %d failed", i)
		}
	}
	if r.push(99) {
		t.Fatal("push into full ring should return false")
	}
	for i := 0; i < 4; i++ {
		v, ok := r.pop()
		if !ok || v != uint64(i) {
			t.Fatalf("pop %d = %d, %v", i, v, ok)
		}
	}
	if _, ok := r.pop(); ok {
		t.Fatal("ring should be empty")
	}
}

func TestRingWrapAround(t *testing.T) {
	r := newRing(4)
	for i := 0; i < 37; i++ {
		r.push(uint64(i))
		if v, ok := r.pop(); !ok || v != uint64(i) {
			t.Fatalf("iteration %d: got %d", i, v)
		}
	}
}

// TestSlotConservation walks a slot through every hand-off and checks
// free + filled + stream + in-flight stays equal to the capacity.
func TestSlotConservation(t *testing.T) {
	const n = 5
	f := New(n, testSlot)
	check := func(step string) {
		t.Helper()
		if err := f.Check(); err != nil {
			t.Fatalf("%s: %v", step, err)
		}
	}
	check("new")

	var stop uint32
	a, _ := f.AcquireFree(&stop)
	b, _ := f.AcquireFree(&stop)
	check("acquired two")

	f.PublishFilled(a)
	f.PublishFilled(b)
	check("published two")

	got := f.ConsumeFilled()
	if got.Index != a.Index {
		t.Fatalf("filled order: got slot %d, want %d", got.Index, a.Index)
	}
	check("consumed one")

	f.PublishStream(got)
	check("streamed one")

	s := f.ConsumeStream()
	f.Release(s)
	f.Release(f.ConsumeFilled())
	check("released all")

	free, filled, stream, held := f.Counts()
	if free != n || filled != 0 || stream != 0 || held != 0 {
		t.Fatalf("counts = %d/%d/%d/%d", free, filled, stream, held)
	}
}

func TestAcquireFreeZeroesSlot(t *testing.T) {
	f := New(1, testSlot)
	var stop uint32
	ref, _ := f.AcquireFree(&stop)
	f.Header(ref).Detector.FrameNumber = 42
	f.SetLength(ref, 64)
	f.Payload(ref)[0] = 0xAB
	f.Release(ref)

	ref, _ = f.AcquireFree(&stop)
	if f.Header(ref).Detector.FrameNumber != 0 || f.Length(ref) != 0 || f.Payload(ref)[0] != 0 {
		t.Fatal("reacquired slot not zeroed")
	}
}

func TestAcquireFreeStops(t *testing.T) {
	f := New(1, testSlot)
	var stop uint32
	held, _ := f.AcquireFree(&stop)

	done := make(chan error, 1)
	go func() {
		_, err := f.AcquireFree(&stop)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("AcquireFree returned with no free slot and no stop")
	case <-time.After(20 * time.Millisecond):
	}

	atomic.StoreUint32(&stop, 1)
	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("err = %v, want ErrStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("AcquireFree ignored stop")
	}
	f.Release(held)
}

func TestEndOfStreamTag(t *testing.T) {
	f := New(2, testSlot)
	var stop uint32
	ref, _ := f.AcquireFree(&stop)
	dummy := f.MarkEndOfStream(ref)
	if dummy.Kind != EndOfStream || f.Length(dummy) != constants.DummyPacketValue {
		t.Fatalf("dummy = %+v, prefix %#x", dummy, f.Length(dummy))
	}
	if f.Frame(dummy) != nil {
		t.Fatal("end-of-stream slot must have no frame")
	}
	f.PublishFilled(dummy)
	got := f.ConsumeFilled()
	if got.Kind != EndOfStream || got.Index != ref.Index {
		t.Fatalf("tag lost in transit: %+v", got)
	}
	f.Release(got)
	again, _ := f.AcquireFree(&stop)
	again2, _ := f.AcquireFree(&stop)
	if again.Kind != Data || again2.Kind != Data {
		t.Fatal("released slot must come back as data")
	}
}

func TestFrameHonoursLength(t *testing.T) {
	f := New(1, testSlot)
	var stop uint32
	ref, _ := f.AcquireFree(&stop)
	if len(f.Payload(ref)) < 64 {
		t.Fatalf("payload capacity %d", len(f.Payload(ref)))
	}
	f.SetLength(ref, 10)
	if len(f.Frame(ref)) != 10 {
		t.Fatalf("Frame len = %d", len(f.Frame(ref)))
	}
	f.SetLength(ref, 1<<20)
	if len(f.Frame(ref)) != len(f.Payload(ref)) {
		t.Fatal("oversized length must clamp to capacity")
	}
}

func TestDoubleReleasePanics(t *testing.T) {
	f := New(1, testSlot)
	defer func() {
		if recover() == nil {
			t.Fatal("releasing a slot already in the free queue should panic")
		}
	}()
	// The single slot is still in the free queue; ring capacity is 1.
	f.Release(Ref{Index: 0})
}

// TestConcurrentSingleOwner runs a listener, a processor and a streamer
// over one fifo, with both downstream stages releasing slots. Every slot
// must be owned by at most one goroutine at a time.
func TestConcurrentSingleOwner(t *testing.T) {
	const (
		depth  = 8
		frames = 20000
	)
	f := New(depth, testSlot)
	var owned [depth]atomic.Uint32
	take := func(ref Ref) {
		if !owned[ref.Index].CompareAndSwap(0, 1) {
			t.Errorf("slot %d owned twice", ref.Index)
		}
	}
	give := func(ref Ref) {
		owned[ref.Index].Store(0)
	}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() { // listener
		defer wg.Done()
		var stop uint32
		for i := 0; i < frames; i++ {
			ref, err := f.AcquireFree(&stop)
			if err != nil {
				t.Error(err)
				return
			}
			take(ref)
			f.Header(ref).Detector.FrameNumber = uint64(i)
			give(ref)
			f.PublishFilled(ref)
		}
		ref, _ := f.AcquireFree(&stop)
		take(ref)
		give(ref)
		f.PublishFilled(f.MarkEndOfStream(ref))
	}()

	go func() { // processor
		defer wg.Done()
		next := uint64(0)
		for {
			ref := f.ConsumeFilled()
			take(ref)
			if ref.Kind == EndOfStream {
				give(ref)
				f.PublishStream(ref)
				return
			}
			if got := f.Header(ref).Detector.FrameNumber; got != next {
				t.Errorf("frame order: got %d, want %d", got, next)
			}
			next++
			give(ref)
			if next%2 == 0 {
				f.PublishStream(ref)
			} else {
				f.Release(ref)
			}
		}
	}()

	go func() { // streamer
		defer wg.Done()
		for {
			ref := f.ConsumeStream()
			take(ref)
			give(ref)
			f.Release(ref)
			if ref.Kind == EndOfStream {
				return
			}
		}
	}()

	wg.Wait()
	if err := f.Check(); err != nil {
		t.Fatal(err)
	}
	if free, _, _, _ := f.Counts(); free != depth {
		t.Fatalf("free = %d after drain, want %d", free, depth)
	}
}
