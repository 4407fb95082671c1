// Package kmain wires together the kernel subsystems built in this
// module into the boot sequence spec.md describes: build the frame
// pools, stand up paging, register a VM pool for the process heap, bring
// up the scheduler and disk, mount the file system and start running
// threads.
package kmain

import (
	"kernel386/kernel"
	"kernel386/kernel/disk"
	"kernel386/kernel/fs"
	"kernel386/kernel/kfmt"
	"kernel386/kernel/mem"
	"kernel386/kernel/mem/pmm"
	"kernel386/kernel/mem/vmm"
	"kernel386/kernel/sched"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

const (
	// totalMemory is the amount of physical memory this boot sequence
	// assumes is available. A real boot would read this from the
	// bootloader-provided memory map; that probing is out of scope here,
	// the same way multiboot parsing sits outside gopher-os's own
	// allocator.Init.
	totalMemory = 32 * mem.Mb

	// kernelRegionSize is the portion of physical memory reserved for the
	// kernel image and its own data structures: everything below it is
	// identity-mapped and never handed out to process-space allocations.
	kernelRegionSize = 4 * mem.Mb

	// diskSizeBytes is the capacity reported by the boot disk, in bytes
	// (a whole number of file-system blocks).
	diskSizeBytes = 8 * mem.Mb

	workerStackSize = 4096
)

// Kmain is the only Go symbol expected to be visible from the rt0
// initialization code. It is invoked after the assembly entry point has
// set up a minimal stack; kernelStart and kernelEnd are the kernel image
// bounds the linker makes available at that point.
//
// Kmain is not expected to return. If it does, the rt0 code halts the
// CPU.
//
//go:noinline
func Kmain(kernelStart, kernelEnd uintptr) {
	kfmt.Printf("booting kernel386\n")

	kernelFrames := uint32(kernelRegionSize / mem.FrameSize)
	totalFrames := uint32(totalMemory / mem.FrameSize)
	processFrames := totalFrames - kernelFrames

	kernelPool, err := pmm.NewContFramePool(
		pmm.Frame(0), kernelFrames,
		pmm.Frame(0), pmm.NeededInfoFrames(kernelFrames),
	)
	if err != nil {
		kfmt.Panic(err)
	}

	// The kernel image itself occupies the low frames of its own pool;
	// the linker-provided bounds are marked inaccessible so GetFrames
	// never hands them back out.
	kernelPool.MarkInaccessible(pmm.FrameFromAddress(kernelStart), uint32(pmm.FrameFromAddress(kernelEnd)-pmm.FrameFromAddress(kernelStart))+1)

	processPool, err := pmm.NewContFramePool(
		pmm.Frame(kernelFrames), processFrames,
		pmm.Frame(0), pmm.NeededInfoFrames(processFrames),
	)
	if err != nil {
		kfmt.Panic(err)
	}

	vmm.InitPaging(kernelPool, processPool, mem.Size(kernelRegionSize))

	pt, err := vmm.NewPageTable()
	if err != nil {
		kfmt.Panic(err)
	}
	pt.Load()
	vmm.EnablePaging()

	// NewVMPool only accepts a base strictly above the low 4MB, so the heap
	// starts one page past the kernel region.
	processHeap, err := vmm.NewVMPool(
		uintptr(kernelRegionSize+mem.PageSize),
		mem.Size(totalMemory-kernelRegionSize),
		vmm.FrameAllocatorFromPool(processPool),
	)
	if err != nil {
		kfmt.Panic(err)
	}
	_ = processHeap

	dispatcher := sched.NewAsmDispatcher()
	scheduler := sched.NewScheduler(dispatcher)

	bootDisk := disk.NewBlockingDisk(disk.Master, uint32(diskSizeBytes), scheduler)
	scheduler.SetDiskQueue(bootDisk)

	fsys := fs.NewFileSystem()
	fsys.Mount(bootDisk)

	worker := sched.NewThread(1, func() {
		if _, lookupErr := fsys.LookupFile(0); lookupErr != nil {
			if err := fsys.CreateFile(0); err != nil {
				kfmt.Printf("worker: create file failed: %s\n", err.Error())
			}
		}
		for {
			scheduler.Yield()
		}
	}, workerStackSize)
	scheduler.Add(worker)

	scheduler.Yield()

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating this call as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}
