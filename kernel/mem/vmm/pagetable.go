// Package vmm implements the two-level x86 page table and the VM pool
// region tracker layered on top of it.
package vmm

import (
	"kernel386/kernel"
	"kernel386/kernel/cpu"
	"kernel386/kernel/irq"
	"kernel386/kernel/kfmt"
	"kernel386/kernel/mem"
	"kernel386/kernel/mem/pmm"
	"sync"
	"unsafe"
)

const (
	flagPresent  = uint32(1 << 0)
	flagWritable = uint32(1 << 1)
	flagUser     = uint32(1 << 2)

	entriesPerTable = 1024

	// recursiveDirIndex is the page directory slot that is mapped to point
	// back at the directory itself, making the directory and every page
	// table addressable as ordinary memory.
	recursiveDirIndex = 1023

	// directoryVirtualAddr is where the active page directory appears once
	// the recursive self-map and paging are both active.
	directoryVirtualAddr = uintptr(0xFFFFF000)

	// tableVirtualBase, OR-ed with a directory index shifted into position,
	// is where that directory index's page table appears.
	tableVirtualBase = uintptr(0xFFC00000)

	dirIndexMask    = uintptr(0xFFC00000)
	dirIndexShift   = 22
	tableIndexMask  = uintptr(0x3FF000)
	tableIndexShift = 12
)

var (
	errPagingNotInitialized = &kernel.Error{Module: "vmm", Message: "InitPaging must be called before constructing a page table"}
	errNoLegitimateVMPool   = &kernel.Error{Module: "vmm", Message: "page fault address does not belong to any registered VM pool"}
	errProtectionFault      = &kernel.Error{Module: "vmm", Message: "protection fault: access violates existing page permissions"}

	// memAtFn resolves an address to a pointer to the 1024 page-table-entry
	// slots located there. Production code addresses the directory and
	// page tables via the recursive self-map (a fixed virtual address);
	// tests substitute a function that returns ordinary Go-heap arrays so
	// the fault-handling and allocation logic can run without real paging
	// hardware. It is automatically inlined by the compiler.
	memAtFn = func(addr uintptr) *[entriesPerTable]uint32 {
		return (*[entriesPerTable]uint32)(unsafe.Pointer(addr))
	}

	// readCR2Fn returns the faulting address recorded by the last page
	// fault. Swappable by tests; automatically inlined by the compiler.
	readCR2Fn = func() uintptr {
		return uintptr(cpu.ReadCR2())
	}

	// releaseFrameFn releases a previously allocated frame. Defaults to
	// pmm.ReleaseFrames; swappable by tests so FreePage can be exercised
	// without a registered *pmm.ContFramePool.
	releaseFrameFn = pmm.ReleaseFrames

	// flushTLBFn reloads CR3 with its own value, which the CPU treats as a
	// request to flush the entire TLB. Swappable by tests.
	flushTLBFn = func() {
		cpu.WriteCR3(cpu.ReadCR3())
	}

	// panicFn reports a fatal assertion failure. Defaults to kfmt.Panic;
	// swappable by tests so the fatal-assertion branches of HandleFault can
	// be exercised without halting the process.
	panicFn = kfmt.Panic

	kernelFrameAllocator  FrameAllocatorFn
	processFrameAllocator FrameAllocatorFn
	sharedSize            mem.Size

	currentPageTable *PageTable
	pagingEnabled    bool

	poolsMu sync.Mutex
	vmPools []*VMPool
)

// FrameAllocatorFn allocates a run of nFrames contiguous physical frames.
// NewPageTable, HandleFault and VMPool all allocate frames through an
// injected FrameAllocatorFn rather than holding a direct reference to a
// *pmm.ContFramePool, so this package can be exercised against a fake
// allocator in tests.
type FrameAllocatorFn func(nFrames uint32) (pmm.Frame, *kernel.Error)

// FrameAllocatorFromPool adapts a *pmm.ContFramePool to a FrameAllocatorFn,
// so that a VMPool backed by a specific pool can be constructed outside
// this package (e.g. by boot code wiring a per-region VM pool).
func FrameAllocatorFromPool(pool *pmm.ContFramePool) FrameAllocatorFn {
	return pool.GetFrames
}

// InitPaging records the frame allocators used to back kernel-space and
// process-space page allocations. It must be called once, before the first
// call to NewPageTable.
func InitPaging(kernelMemPool, processMemPool *pmm.ContFramePool, shared mem.Size) {
	kernelFrameAllocator = FrameAllocatorFromPool(kernelMemPool)
	processFrameAllocator = FrameAllocatorFromPool(processMemPool)
	sharedSize = shared
}

// SharedSize returns the size of the region shared identically across every
// page table's first page table (the low 4MB identity map).
func SharedSize() mem.Size {
	return sharedSize
}

// PageTable is a two-level x86 page table: a page directory pointing at up
// to 1024 page tables, each mapping 1024 4KB pages. Slot 1023 of the
// directory is always mapped back to the directory itself, so once the
// table is loaded and paging is enabled, the directory and every page table
// it points to remain addressable as ordinary (if privileged) memory.
type PageTable struct {
	directoryFrame pmm.Frame
}

// NewPageTable allocates a fresh page directory and an initial page table
// that identity-maps the first 4MB of physical memory (where the kernel
// image lives), and installs the recursive self-map in directory slot 1023.
func NewPageTable() (*PageTable, *kernel.Error) {
	if processFrameAllocator == nil {
		return nil, errPagingNotInitialized
	}

	dirFrame, err := processFrameAllocator(1)
	if err != nil {
		return nil, err
	}

	tableFrame, err := processFrameAllocator(1)
	if err != nil {
		return nil, err
	}

	table := memAtFn(tableFrame.Address())
	for i := 0; i < entriesPerTable; i++ {
		table[i] = uint32(i<<tableIndexShift) | flagPresent | flagWritable
	}

	dir := memAtFn(dirFrame.Address())
	dir[0] = uint32(tableFrame.Address()) | flagPresent | flagWritable
	for i := 1; i < recursiveDirIndex; i++ {
		dir[i] = flagWritable
	}
	dir[recursiveDirIndex] = uint32(dirFrame.Address()) | flagPresent | flagWritable

	return &PageTable{directoryFrame: dirFrame}, nil
}

// Load installs this table as the one the CPU walks on the next memory
// access, by writing its directory's physical address into CR3.
func (pt *PageTable) Load() {
	currentPageTable = pt
	cpu.WriteCR3(uint32(pt.directoryFrame.Address()))
}

// EnablePaging turns on the paging bit in CR0. Must be called after Load.
func EnablePaging() {
	cpu.WriteCR0(cpu.ReadCR0() | 0x80000000)
	pagingEnabled = true
}

// PagingEnabled reports whether EnablePaging has run.
func PagingEnabled() bool {
	return pagingEnabled
}

// RegisterPool adds vp to the set of VM pools consulted by HandleFault when
// deciding whether a faulting address is legitimate.
func RegisterPool(vp *VMPool) {
	poolsMu.Lock()
	vmPools = append(vmPools, vp)
	poolsMu.Unlock()
}

// HandleFault services a page fault reported via regs. If the fault was
// caused by a reference to an unmapped but legitimate address (one that
// falls inside a registered VM pool's region), HandleFault allocates
// whatever page table and data frame are needed and returns nil. Any other
// fault (a protection violation, or a reference to an address no VM pool
// recognizes) is unrecoverable and fatal-asserts via kfmt.Panic: there is no
// ISR glue in this module to turn a returned error into anything else, so
// HandleFault itself is the last stop.
func HandleFault(regs *irq.Regs) *kernel.Error {
	errCode := regs.ErrCode & 0x7

	supervisorMode := errCode&4 == 0
	readOnly := errCode&2 == 0
	notPresent := errCode&1 == 0

	if !notPresent {
		panicFn(errProtectionFault)
		return nil
	}

	faultAddr := readCR2Fn()

	pool := poolFor(faultAddr)
	if pool == nil {
		panicFn(errNoLegitimateVMPool)
		return nil
	}

	dirIndex := (faultAddr & dirIndexMask) >> dirIndexShift
	ptIndex := (faultAddr & tableIndexMask) >> tableIndexShift

	dir := memAtFn(directoryVirtualAddr)
	table := memAtFn(tableVirtualBase | (dirIndex << tableIndexShift))

	if dir[dirIndex]&flagPresent == 0 {
		ptFrame, err := processFrameAllocator(1)
		if err != nil {
			return err
		}
		dir[dirIndex] = uint32(ptFrame.Address()) | flagPresent | flagWritable
	}

	var dataFrame pmm.Frame
	var err *kernel.Error
	if dirIndex == 0 {
		dataFrame, err = kernelFrameAllocator(1)
	} else {
		dataFrame, err = pool.frameAllocator(1)
	}
	if err != nil {
		return err
	}

	entry := uint32(dataFrame.Address()) | flagPresent
	if !readOnly {
		entry |= flagWritable
	}
	if !supervisorMode {
		entry |= flagUser
	}
	table[ptIndex] = entry

	return nil
}

// FreePage releases the physical frame backing the page containing pageAddr
// and marks the corresponding page table entry not-present, flushing the
// TLB so the change takes effect immediately. A page that is not currently
// mapped has no backing frame; FreePage leaves it untouched and returns nil.
func FreePage(pageAddr uintptr) *kernel.Error {
	dirIndex := (pageAddr & dirIndexMask) >> dirIndexShift
	ptIndex := (pageAddr & tableIndexMask) >> tableIndexShift

	if memAtFn(directoryVirtualAddr)[dirIndex]&flagPresent == 0 {
		return nil
	}

	table := memAtFn(tableVirtualBase | (dirIndex << tableIndexShift))
	if table[ptIndex]&flagPresent == 0 {
		return nil
	}

	frame := pmm.Frame((table[ptIndex] &^ 0xFFF) >> mem.PageShift)
	if err := releaseFrameFn(frame); err != nil {
		return err
	}

	table[ptIndex] &^= flagPresent

	flushTLBFn()
	return nil
}

func poolFor(addr uintptr) *VMPool {
	poolsMu.Lock()
	defer poolsMu.Unlock()

	for _, vp := range vmPools {
		if vp.IsLegitimate(addr) {
			return vp
		}
	}
	return nil
}
