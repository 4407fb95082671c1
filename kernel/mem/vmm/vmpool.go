package vmm

import (
	"kernel386/kernel"
	"kernel386/kernel/mem"
	"sort"
)

// regionCapacity bounds the number of distinct allocations a single VMPool
// can track, slot 0 (which reserves the pool's first page) included.
const regionCapacity = int(mem.PageSize) / 16

// lowMemoryCeiling is the address at or below which no VM pool may be based: the
// first 4MB of physical memory is reserved for the kernel's identity-mapped
// image.
const lowMemoryCeiling = uintptr(4 << 20)

// region describes one allocation carved out of a VMPool: a byte range
// [address, address+size).
type region struct {
	address uintptr
	size    mem.Size
}

// VMPool tracks the regions of a virtual address range [base, base+size)
// that have been handed out via Allocate, and answers whether a faulting
// address falls inside one of them. Allocation bookkeeping is expressed
// uniformly in bytes (both address and size), which resolves an ambiguity
// in byte-vs-page accounting that affected the pool this package is
// modeled on.
type VMPool struct {
	base           uintptr
	size           mem.Size
	frameAllocator FrameAllocatorFn

	regions [regionCapacity]region
}

var (
	errBaseTooLow     = &kernel.Error{Module: "vmm", Message: "VM pool base address must be above the first 4MB of physical memory"}
	errPoolFull       = &kernel.Error{Module: "vmm", Message: "VM pool has no free region slots left"}
	errPoolExhausted  = &kernel.Error{Module: "vmm", Message: "VM pool has no room left for a region of the requested size"}
	errRegionNotFound = &kernel.Error{Module: "vmm", Message: "address does not match the start of any allocated region"}
)

// NewVMPool creates a pool managing the byte range [base, base+size) and
// registers it with the page table so that HandleFault can route page
// faults for addresses inside it to frameAllocator. base must be above the
// first 4MB of physical memory, matching the kernel's own identity-mapped
// low memory region.
//
// The first PageSize bytes of the range are reserved as region slot 0 and are
// never handed out by Allocate; the region table itself is held in the
// VMPool value.
func NewVMPool(base uintptr, size mem.Size, frameAllocator FrameAllocatorFn) (*VMPool, *kernel.Error) {
	if base <= lowMemoryCeiling {
		return nil, errBaseTooLow
	}

	vp := &VMPool{
		base:           base,
		size:           size,
		frameAllocator: frameAllocator,
	}
	vp.regions[0] = region{address: base, size: mem.PageSize}

	RegisterPool(vp)

	return vp, nil
}

// Allocate reserves size bytes inside the pool and returns the byte address
// of the reservation. Pages backing the reservation are not allocated
// eagerly; they are faulted in lazily by HandleFault on first access.
//
// The address chosen is the lowest gap between successive in-use regions
// (region table entries are not required to be in address order, so the
// occupied addresses are sorted first) that is large enough to hold size
// bytes, so that a range freed by Release becomes available for reuse
// instead of address space growing monotonically.
func (vp *VMPool) Allocate(size mem.Size) (uintptr, *kernel.Error) {
	freeSlot := -1
	for i := 0; i < regionCapacity; i++ {
		if vp.regions[i].size == 0 {
			freeSlot = i
			break
		}
	}
	if freeSlot == -1 {
		return 0, errPoolFull
	}

	var active []region
	for i := 0; i < regionCapacity; i++ {
		if vp.regions[i].size != 0 {
			active = append(active, vp.regions[i])
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].address < active[j].address })

	cursor := vp.base
	for _, r := range active {
		if r.address > cursor && mem.Size(r.address-cursor) >= size {
			break
		}
		end := r.address + uintptr(r.size)
		if end > cursor {
			cursor = end
		}
	}

	if cursor+uintptr(size) > vp.base+uintptr(vp.size) {
		return 0, errPoolExhausted
	}

	vp.regions[freeSlot] = region{address: cursor, size: size}
	return cursor, nil
}

// Release frees the region that starts at startAddress, unmapping and
// releasing every physical frame backing it.
func (vp *VMPool) Release(startAddress uintptr) *kernel.Error {
	slot := -1
	for i := 0; i < regionCapacity; i++ {
		if vp.regions[i].size != 0 && vp.regions[i].address == startAddress {
			slot = i
			break
		}
	}
	if slot == -1 {
		return errRegionNotFound
	}

	size := vp.regions[slot].size
	vp.regions[slot] = region{}

	pageSize := uintptr(mem.PageSize)
	for off := uintptr(0); off < uintptr(size); off += pageSize {
		if err := FreePage(startAddress + off); err != nil {
			return err
		}
	}

	return nil
}

// IsLegitimate reports whether addr falls inside this pool's managed range
// and corresponds to either the pool's own region table or a previously
// allocated region.
func (vp *VMPool) IsLegitimate(addr uintptr) bool {
	if addr < lowMemoryCeiling || addr < vp.base || addr >= vp.base+uintptr(vp.size) {
		return false
	}

	if addr == vp.base {
		return true
	}

	for i := 0; i < regionCapacity; i++ {
		r := vp.regions[i]
		if r.size == 0 {
			continue
		}
		if addr >= r.address && addr < r.address+uintptr(r.size) {
			return true
		}
	}

	return false
}
