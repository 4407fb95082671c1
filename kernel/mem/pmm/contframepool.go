package pmm

import (
	"kernel386/kernel"
	"kernel386/kernel/kfmt"
	"kernel386/kernel/mem"
	"reflect"
	"sync"
	"unsafe"
)

// frameState is the 2-bit encoding used by ContFramePool's bitmap to track
// the state of each frame it manages.
type frameState uint8

const (
	frameFree frameState = iota
	frameHeadOfSequence
	frameAllocated
)

// framesPerInfoByte is the number of frames whose state fits in a single
// bitmap byte (2 bits per frame).
const framesPerInfoByte = 4

var (
	errPoolOutOfFrames      = &kernel.Error{Module: "pmm", Message: "contiguous frame pool: no free sequence of the requested length"}
	errPoolTooLarge         = &kernel.Error{Module: "pmm", Message: "contiguous frame pool: frame count exceeds what a single info frame's bitmap can track"}
	errNotHeadOfSequence    = &kernel.Error{Module: "pmm", Message: "contiguous frame pool: frame is not the head of an allocated sequence"}
	errFrameNotOwned        = &kernel.Error{Module: "pmm", Message: "contiguous frame pool: frame does not belong to any registered pool"}
	errMarkInaccessibleSpan = &kernel.Error{Module: "pmm", Message: "contiguous frame pool: mark_inaccessible range is not entirely within the pool"}
	errMarkInaccessibleUsed = &kernel.Error{Module: "pmm", Message: "contiguous frame pool: mark_inaccessible range is not entirely free"}

	registryMu sync.Mutex
	registry   []*ContFramePool

	// bitmapPtrFn returns a pointer to the physical address where a pool's
	// bitmap is stored. Tests override it so that a pool's bitmap lives in
	// a regular Go-allocated byte slice instead of at a raw physical
	// address. It is automatically inlined by the compiler.
	bitmapPtrFn = func(addr uintptr) unsafe.Pointer {
		return unsafe.Pointer(addr)
	}

	// panicFn reports a fatal assertion failure. Defaults to kfmt.Panic;
	// swappable by tests so the fatal-assertion paths of releaseSequence and
	// MarkInaccessible can be exercised without halting the process.
	panicFn = kfmt.Panic
)

// bitmapAt returns a byte slice backed by the bitmapBytes bytes of physical
// memory located at the start of infoFrame.
func bitmapAt(infoFrame Frame, bitmapBytes uint32) []byte {
	var b []byte
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&b))
	hdr.Data = uintptr(bitmapPtrFn(infoFrame.Address()))
	hdr.Len = int(bitmapBytes)
	hdr.Cap = int(bitmapBytes)
	return b
}

// ContFramePool is a contiguous physical frame allocator. Unlike a pool that
// only tracks free/allocated frames, it can satisfy requests for a run of N
// physically contiguous frames and supports releasing a previously allocated
// run given only its first frame.
//
// The pool's accounting bitmap uses 2 bits per frame (free, head-of-sequence,
// allocated) and is stored in a single info frame (the pool's own first frame
// unless a separate info frame is given), so a pool can describe at most
// FrameSize*4 frames.
type ContFramePool struct {
	baseFrame   Frame
	nFrames     uint32
	infoFrame   Frame
	nInfoFrames uint32
	nFreeFrames uint32

	bitmap []byte
}

// NeededInfoFrames returns the number of frames required to hold the
// accounting bitmap for a pool managing nFrames frames.
func NeededInfoFrames(nFrames uint32) uint32 {
	framesPerInfoFrame := uint32(mem.FrameSize) * framesPerInfoByte
	n := nFrames / framesPerInfoFrame
	if nFrames%framesPerInfoFrame > 0 {
		n++
	}
	return n
}

// NewContFramePool creates a pool managing nFrames frames starting at
// baseFrame. The pool's bitmap is stored starting at infoFrame; if infoFrame
// is the zero value the pool stores its bitmap in its own first frame
// (baseFrame), which is then marked as allocated automatically. nInfoFrames
// must be at least NeededInfoFrames(nFrames).
//
// The returned pool is registered globally so that ReleaseFrames can later
// route a release to the pool that owns the released frame.
func NewContFramePool(baseFrame Frame, nFrames uint32, infoFrame Frame, nInfoFrames uint32) (*ContFramePool, *kernel.Error) {
	if nFrames > uint32(mem.FrameSize)*framesPerInfoByte {
		return nil, errPoolTooLarge
	}

	p := &ContFramePool{
		baseFrame:   baseFrame,
		nFrames:     nFrames,
		nInfoFrames: nInfoFrames,
		nFreeFrames: nFrames,
	}

	selfHosted := infoFrame == 0
	if selfHosted {
		p.infoFrame = baseFrame
	} else {
		p.infoFrame = infoFrame
	}

	bitmapBytes := (nFrames + framesPerInfoByte - 1) / framesPerInfoByte
	p.bitmap = bitmapAt(p.infoFrame, bitmapBytes)

	for i := range p.bitmap {
		p.bitmap[i] = 0
	}

	if selfHosted {
		p.markRange(baseFrame, Frame(nInfoFrames))
	}

	registryMu.Lock()
	registry = append(registry, p)
	registryMu.Unlock()

	return p, nil
}

// markRange marks the n frames starting at base (the frames used to store
// this pool's own bitmap) as allocated. Used only during construction of a
// self-hosted pool.
func (p *ContFramePool) markRange(base Frame, n Frame) {
	for i := Frame(0); i < n; i++ {
		state := frameAllocated
		if i == 0 {
			state = frameHeadOfSequence
		}
		p.setState(base+i, state)
		p.nFreeFrames--
	}
}

func (p *ContFramePool) frameIndex(f Frame) uint32 {
	return uint32(f - p.baseFrame)
}

func (p *ContFramePool) stateAt(f Frame) frameState {
	idx := p.frameIndex(f)
	shift := 6 - (idx%framesPerInfoByte)*2
	return frameState((p.bitmap[idx/framesPerInfoByte] >> shift) & 0x3)
}

func (p *ContFramePool) setState(f Frame, s frameState) {
	idx := p.frameIndex(f)
	shift := 6 - (idx%framesPerInfoByte)*2
	byteIdx := idx / framesPerInfoByte
	p.bitmap[byteIdx] = (p.bitmap[byteIdx] &^ (0x3 << shift)) | (byte(s) << shift)
}

// GetFrames searches for a run of nFrames contiguous free frames, marks the
// first as head-of-sequence and the remainder as allocated, and returns the
// index of the head frame.
func (p *ContFramePool) GetFrames(nFrames uint32) (Frame, *kernel.Error) {
	if nFrames == 0 || nFrames > p.nFreeFrames {
		return InvalidFrame, errPoolOutOfFrames
	}

	runStart := uint32(0)
	runLen := uint32(0)
	for i := uint32(0); i < p.nFrames; i++ {
		if p.stateAt(p.baseFrame+Frame(i)) == frameFree {
			if runLen == 0 {
				runStart = i
			}
			runLen++
			if runLen == nFrames {
				head := p.baseFrame + Frame(runStart)
				p.setState(head, frameHeadOfSequence)
				for j := uint32(1); j < nFrames; j++ {
					p.setState(head+Frame(j), frameAllocated)
				}
				p.nFreeFrames -= nFrames
				return head, nil
			}
			continue
		}
		runLen = 0
	}

	return InvalidFrame, errPoolOutOfFrames
}

// MarkInaccessible marks the nFrames frames starting at baseFrame as
// allocated, so that callers can carve out regions (e.g. the kernel image,
// MMIO holes) that must never be handed out by GetFrames. The range must lie
// entirely within the pool and be currently FREE; either violation is a
// fatal assertion.
func (p *ContFramePool) MarkInaccessible(baseFrame Frame, nFrames uint32) {
	if baseFrame < p.baseFrame || baseFrame+Frame(nFrames) > p.baseFrame+Frame(p.nFrames) {
		panicFn(errMarkInaccessibleSpan)
		return
	}

	for i := uint32(0); i < nFrames; i++ {
		if p.stateAt(baseFrame+Frame(i)) != frameFree {
			panicFn(errMarkInaccessibleUsed)
			return
		}
	}

	for i := uint32(0); i < nFrames; i++ {
		state := frameAllocated
		if i == 0 {
			state = frameHeadOfSequence
		}
		p.setState(baseFrame+Frame(i), state)
		p.nFreeFrames--
	}
}

// releaseSequence frees the run of frames starting at the head-of-sequence
// frame firstFrame, stopping at the first frame that is itself free or the
// head of another sequence. Releasing a frame that is not itself the head
// of an allocated sequence is a fatal assertion.
func (p *ContFramePool) releaseSequence(firstFrame Frame) *kernel.Error {
	if p.stateAt(firstFrame) != frameHeadOfSequence {
		panicFn(errNotHeadOfSequence)
		return nil
	}

	p.setState(firstFrame, frameFree)
	p.nFreeFrames++

	for f := firstFrame + 1; f < p.baseFrame+Frame(p.nFrames); f++ {
		if p.stateAt(f) != frameAllocated {
			break
		}
		p.setState(f, frameFree)
		p.nFreeFrames++
	}

	return nil
}

// FreeFrameCount returns the number of frames currently available for
// allocation.
func (p *ContFramePool) FreeFrameCount() uint32 {
	return p.nFreeFrames
}

// ReleaseFrames releases the frame sequence starting at firstFrame. The pool
// owning firstFrame is found by scanning the set of registered pools, so
// callers can release a frame without holding a reference to the
// *ContFramePool it was allocated from.
func ReleaseFrames(firstFrame Frame) *kernel.Error {
	registryMu.Lock()
	defer registryMu.Unlock()

	for _, p := range registry {
		if firstFrame >= p.baseFrame && firstFrame < p.baseFrame+Frame(p.nFrames) {
			return p.releaseSequence(firstFrame)
		}
	}

	return errFrameNotOwned
}
