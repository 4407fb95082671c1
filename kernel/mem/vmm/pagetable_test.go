package vmm

import (
	"kernel386/kernel"
	"kernel386/kernel/irq"
	"kernel386/kernel/mem"
	"kernel386/kernel/mem/pmm"
	"testing"
)

func resetGlobals(t *testing.T) {
	t.Helper()

	origMemAtFn := memAtFn
	origKernelAlloc := kernelFrameAllocator
	origProcessAlloc := processFrameAllocator
	origShared := sharedSize
	origCurrent := currentPageTable
	origEnabled := pagingEnabled
	origPools := vmPools
	origReadCR2 := readCR2Fn
	origReleaseFrame := releaseFrameFn
	origFlushTLB := flushTLBFn
	origPanicFn := panicFn

	t.Cleanup(func() {
		memAtFn = origMemAtFn
		kernelFrameAllocator = origKernelAlloc
		processFrameAllocator = origProcessAlloc
		sharedSize = origShared
		currentPageTable = origCurrent
		pagingEnabled = origEnabled
		vmPools = origPools
		readCR2Fn = origReadCR2
		releaseFrameFn = origReleaseFrame
		flushTLBFn = origFlushTLB
		panicFn = origPanicFn
	})

	flushTLBFn = func() {}
}

// fakeMemory backs memAtFn with plain Go arrays keyed by the address handed
// out at allocation time, so tests never dereference a real physical
// address.
type fakeMemory struct {
	pages map[uintptr]*[entriesPerTable]uint32
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{pages: make(map[uintptr]*[entriesPerTable]uint32)}
}

func (fm *fakeMemory) install() {
	memAtFn = func(addr uintptr) *[entriesPerTable]uint32 {
		if page, ok := fm.pages[addr]; ok {
			return page
		}
		page := &[entriesPerTable]uint32{}
		fm.pages[addr] = page
		return page
	}
}

func fakeFrameAllocator(next *uint32) FrameAllocatorFn {
	return func(nFrames uint32) (pmm.Frame, *kernel.Error) {
		f := pmm.Frame(*next)
		*next += nFrames
		return f, nil
	}
}

func TestNewPageTableBuildsIdentityMapAndRecursiveSlot(t *testing.T) {
	resetGlobals(t)
	fm := newFakeMemory()
	fm.install()

	var nextFrame uint32 = 10
	processFrameAllocator = fakeFrameAllocator(&nextFrame)

	pt, err := NewPageTable()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dir := memAtFn(pt.directoryFrame.Address())
	if dir[0]&flagPresent == 0 {
		t.Error("expected directory slot 0 to be present (identity-mapped low memory)")
	}
	if dir[recursiveDirIndex]&flagPresent == 0 {
		t.Error("expected directory slot 1023 to be present (recursive self-map)")
	}
	if uintptr(dir[recursiveDirIndex]&^0xFFF) != pt.directoryFrame.Address() {
		t.Error("expected the recursive slot to point back at the directory itself")
	}

	table := memAtFn(uintptr(dir[0] &^ 0xFFF))
	for i := 0; i < entriesPerTable; i++ {
		if table[i]&flagPresent == 0 {
			t.Fatalf("expected identity-mapped table entry %d to be present", i)
		}
		if uintptr(table[i]&^0xFFF) != uintptr(i)*uintptr(mem.PageSize) {
			t.Fatalf("entry %d: expected identity mapping to frame %d", i, i)
		}
	}
}

func TestNewPageTableBeforeInitPaging(t *testing.T) {
	resetGlobals(t)
	processFrameAllocator = nil

	if _, err := NewPageTable(); err != errPagingNotInitialized {
		t.Fatalf("expected errPagingNotInitialized; got %v", err)
	}
}

func TestHandleFaultAllocatesMissingTableAndFrame(t *testing.T) {
	resetGlobals(t)
	fm := newFakeMemory()
	fm.install()

	var kernelNext uint32 = 1
	var processNext uint32 = 100
	kernelFrameAllocator = fakeFrameAllocator(&kernelNext)
	processFrameAllocator = fakeFrameAllocator(&processNext)

	vp, err := NewVMPool(uintptr(8*mem.Mb), 4*mem.Mb, fakeFrameAllocator(&processNext))
	if err != nil {
		t.Fatalf("unexpected error setting up pool: %v", err)
	}

	allocAddr, err := vp.Allocate(mem.Size(mem.PageSize) * 8)
	if err != nil {
		t.Fatalf("unexpected error reserving region: %v", err)
	}

	faultAddr := allocAddr + uintptr(mem.PageSize)*3
	readCR2Fn = func() uintptr { return faultAddr }

	regs := &irq.Regs{ErrCode: 0} // not present, supervisor, read

	if err := HandleFault(regs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dirIndex := (faultAddr & dirIndexMask) >> dirIndexShift
	ptIndex := (faultAddr & tableIndexMask) >> tableIndexShift

	dir := memAtFn(directoryVirtualAddr)
	if dir[dirIndex]&flagPresent == 0 {
		t.Fatal("expected directory entry to become present")
	}

	table := memAtFn(tableVirtualBase | (dirIndex << tableIndexShift))
	if table[ptIndex]&flagPresent == 0 {
		t.Fatal("expected page table entry to become present")
	}
	if table[ptIndex]&flagWritable != 0 {
		t.Error("expected read-only fault to not grant the writable flag")
	}
}

func TestHandleFaultRejectsUnknownAddress(t *testing.T) {
	resetGlobals(t)
	newFakeMemory().install()
	vmPools = nil
	readCR2Fn = func() uintptr { return 0x2000000 }

	var panicked *kernel.Error
	panicFn = func(e interface{}) { panicked, _ = e.(*kernel.Error) }

	regs := &irq.Regs{ErrCode: 0}
	HandleFault(regs)

	if panicked != errNoLegitimateVMPool {
		t.Fatalf("expected a fatal assertion with errNoLegitimateVMPool; got %v", panicked)
	}
}

func TestHandleFaultProtectionFault(t *testing.T) {
	resetGlobals(t)
	newFakeMemory().install()

	var panicked *kernel.Error
	panicFn = func(e interface{}) { panicked, _ = e.(*kernel.Error) }

	regs := &irq.Regs{ErrCode: 1} // present bit set -> protection fault
	HandleFault(regs)

	if panicked != errProtectionFault {
		t.Fatalf("expected a fatal assertion with errProtectionFault; got %v", panicked)
	}
}
