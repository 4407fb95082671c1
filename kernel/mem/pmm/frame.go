// Package pmm contains the types shared by the physical memory frame
// allocators: a frame index and the invalid-frame sentinel.
package pmm

import (
	"kernel386/kernel/mem"
	"math"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by frame allocators when they fail to
	// reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint32)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// FrameFromAddress returns the frame that contains the given physical
// address.
func FrameFromAddress(addr uintptr) Frame {
	return Frame(addr >> mem.PageShift)
}
