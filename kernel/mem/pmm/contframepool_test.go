package pmm

import (
	"kernel386/kernel"
	"kernel386/kernel/mem"
	"testing"
	"unsafe"
)

// withBitmapBackingStore redirects bitmapPtrFn so that a pool's bitmap reads
// and writes to a plain Go byte array instead of a raw physical address,
// letting the allocator logic be exercised without a real frame mapping.
func withBitmapBackingStore(t *testing.T) {
	t.Helper()

	var backing [mem.FrameSize]byte
	origFn := bitmapPtrFn
	bitmapPtrFn = func(addr uintptr) unsafe.Pointer {
		return unsafe.Pointer(&backing[0])
	}

	origRegistry := registry
	registry = nil

	t.Cleanup(func() {
		bitmapPtrFn = origFn
		registry = origRegistry
	})
}

func TestContFramePoolGetAndReleaseFrames(t *testing.T) {
	withBitmapBackingStore(t)

	pool, err := NewContFramePool(Frame(100), 64, 0, NeededInfoFrames(64))
	if err != nil {
		t.Fatal(err)
	}

	infoFrames := NeededInfoFrames(64)
	if exp, got := uint32(64)-infoFrames, pool.FreeFrameCount(); exp != got {
		t.Fatalf("expected %d free frames after construction; got %d", exp, got)
	}

	head, err := pool.GetFrames(4)
	if err != nil {
		t.Fatalf("unexpected error allocating run: %v", err)
	}

	if exp, got := pool.baseFrame+Frame(infoFrames), head; exp != got {
		t.Fatalf("expected allocated run to start right after the info frames at %v; got %v", exp, got)
	}

	for i := Frame(0); i < 4; i++ {
		var expState frameState
		if i == 0 {
			expState = frameHeadOfSequence
		} else {
			expState = frameAllocated
		}
		if got := pool.stateAt(head + i); got != expState {
			t.Errorf("frame %d: expected state %v; got %v", i, expState, got)
		}
	}

	if err := ReleaseFrames(head); err != nil {
		t.Fatalf("unexpected error releasing run: %v", err)
	}

	for i := Frame(0); i < 4; i++ {
		if got := pool.stateAt(head + i); got != frameFree {
			t.Errorf("frame %d: expected to be free after release; got %v", i, got)
		}
	}
}

func TestContFramePoolGetFramesOutOfMemory(t *testing.T) {
	withBitmapBackingStore(t)

	pool, err := NewContFramePool(Frame(0), 8, 0, NeededInfoFrames(8))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := pool.GetFrames(pool.FreeFrameCount() + 1); err != errPoolOutOfFrames {
		t.Fatalf("expected errPoolOutOfFrames; got %v", err)
	}
}

func TestContFramePoolReleaseUnknownFrame(t *testing.T) {
	withBitmapBackingStore(t)

	if _, err := NewContFramePool(Frame(0), 8, 0, NeededInfoFrames(8)); err != nil {
		t.Fatal(err)
	}

	if err := ReleaseFrames(Frame(1000)); err != errFrameNotOwned {
		t.Fatalf("expected errFrameNotOwned; got %v", err)
	}
}

func TestContFramePoolReleaseNonHead(t *testing.T) {
	withBitmapBackingStore(t)

	pool, err := NewContFramePool(Frame(0), 16, 0, NeededInfoFrames(16))
	if err != nil {
		t.Fatal(err)
	}

	head, err := pool.GetFrames(4)
	if err != nil {
		t.Fatal(err)
	}

	var captured *kernel.Error
	origPanicFn := panicFn
	panicFn = func(e interface{}) {
		if err, ok := e.(*kernel.Error); ok {
			captured = err
		}
	}
	defer func() { panicFn = origPanicFn }()

	if err := ReleaseFrames(head + 1); err != nil {
		t.Fatalf("expected ReleaseFrames to return nil after a fatal assertion; got %v", err)
	}
	if captured != errNotHeadOfSequence {
		t.Fatalf("expected a fatal assertion with errNotHeadOfSequence; got %v", captured)
	}
}

func TestContFramePoolMarkInaccessible(t *testing.T) {
	withBitmapBackingStore(t)

	pool, err := NewContFramePool(Frame(0), 16, 0, NeededInfoFrames(16))
	if err != nil {
		t.Fatal(err)
	}

	before := pool.FreeFrameCount()
	pool.MarkInaccessible(Frame(10), 2)

	if exp, got := before-2, pool.FreeFrameCount(); exp != got {
		t.Fatalf("expected %d free frames; got %d", exp, got)
	}

	if got := pool.stateAt(Frame(10)); got != frameHeadOfSequence {
		t.Errorf("expected frame 10 to be head-of-sequence; got %v", got)
	}
	if got := pool.stateAt(Frame(11)); got != frameAllocated {
		t.Errorf("expected frame 11 to be allocated; got %v", got)
	}
}

func TestContFramePoolMarkInaccessibleOutOfRange(t *testing.T) {
	withBitmapBackingStore(t)

	pool, err := NewContFramePool(Frame(0), 16, 0, NeededInfoFrames(16))
	if err != nil {
		t.Fatal(err)
	}

	var captured *kernel.Error
	origPanicFn := panicFn
	panicFn = func(e interface{}) {
		if err, ok := e.(*kernel.Error); ok {
			captured = err
		}
	}
	defer func() { panicFn = origPanicFn }()

	pool.MarkInaccessible(Frame(15), 4)

	if captured != errMarkInaccessibleSpan {
		t.Fatalf("expected a fatal assertion with errMarkInaccessibleSpan; got %v", captured)
	}
}

func TestContFramePoolMarkInaccessibleAlreadyUsed(t *testing.T) {
	withBitmapBackingStore(t)

	pool, err := NewContFramePool(Frame(0), 16, 0, NeededInfoFrames(16))
	if err != nil {
		t.Fatal(err)
	}

	var captured *kernel.Error
	origPanicFn := panicFn
	panicFn = func(e interface{}) {
		if err, ok := e.(*kernel.Error); ok {
			captured = err
		}
	}
	defer func() { panicFn = origPanicFn }()

	// Frame 0 holds the pool's own self-hosted bitmap and is already marked
	// HEAD_OF_SEQUENCE.
	pool.MarkInaccessible(Frame(0), 2)

	if captured != errMarkInaccessibleUsed {
		t.Fatalf("expected a fatal assertion with errMarkInaccessibleUsed; got %v", captured)
	}
}

func TestContFramePoolTooLarge(t *testing.T) {
	withBitmapBackingStore(t)

	if _, err := NewContFramePool(Frame(0), uint32(mem.FrameSize)*framesPerInfoByte+1, 0, 1); err != errPoolTooLarge {
		t.Fatalf("expected errPoolTooLarge; got %v", err)
	}
}

func TestNeededInfoFrames(t *testing.T) {
	specs := []struct {
		nFrames uint32
		exp     uint32
	}{
		{0, 0},
		{1, 1},
		{uint32(mem.FrameSize) * framesPerInfoByte, 1},
		{uint32(mem.FrameSize)*framesPerInfoByte + 1, 2},
	}

	for specIndex, spec := range specs {
		if got := NeededInfoFrames(spec.nFrames); got != spec.exp {
			t.Errorf("[spec %d] expected %d; got %d", specIndex, spec.exp, got)
		}
	}
}
