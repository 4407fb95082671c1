// Package disk implements a blocking ATA LBA28 PIO disk driver: issuing a
// read or write never busy-waits on the controller. A thread that must
// wait for the controller, or for another thread already using it, is
// parked on the disk's own wait queue and handed back to the scheduler via
// Block; the scheduler's Yield later moves it back onto the ready queue
// once the disk reports ready. Grounded on the LBA28 PIO protocol and
// integrated with kernel/sched exactly as described there.
package disk

import (
	"kernel386/kernel/cpu"
	"kernel386/kernel/sched"
)

// ID selects which of the two drives on the primary ATA channel a
// BlockingDisk talks to.
type ID uint8

const (
	Master ID = 0
	Slave  ID = 1
)

// BlockSize is the size, in bytes, of a single disk block.
const BlockSize = 512

const (
	portData      = 0x1F0
	portSectorCnt = 0x1F2
	portLBALow    = 0x1F3
	portLBAMid    = 0x1F4
	portLBAHigh   = 0x1F5
	portDriveHead = 0x1F6
	portCommand   = 0x1F7
	portStatus    = 0x1F7

	statusBusy = 0x80
	statusDRQ  = 0x08

	cmdRead  = 0x20
	cmdWrite = 0x30

	driveHeadBase = 0xE0
)

type operation uint8

const (
	opRead operation = iota
	opWrite
)

var (
	// inPortBFn, outPortBFn, inPortWFn and outPortWFn wrap the cpu
	// package's port I/O primitives. Swappable by tests.
	inPortBFn  = cpu.InPortB
	outPortBFn = cpu.OutPortB
	inPortWFn  = cpu.InPortW
	outPortWFn = cpu.OutPortW
)

// BlockingDisk drives a single ATA disk on the primary channel's LBA28 PIO
// interface. It satisfies sched.DiskQueue so a Scheduler can consult it
// directly.
type BlockingDisk struct {
	id        ID
	sizeBytes uint32
	scheduler *sched.Scheduler

	beg, end *sched.Thread
}

// NewBlockingDisk constructs a driver for the drive identified by id,
// reporting sizeBytes total capacity. scheduler is used to block the
// calling thread while an operation is outstanding.
func NewBlockingDisk(id ID, sizeBytes uint32, scheduler *sched.Scheduler) *BlockingDisk {
	return &BlockingDisk{id: id, sizeBytes: sizeBytes, scheduler: scheduler}
}

// Size reports the disk's total capacity in bytes.
func (d *BlockingDisk) Size() uint32 {
	return d.sizeBytes
}

// IsReady reports whether the controller has finished its last operation:
// the busy bit is clear and the data-request bit is set.
func (d *BlockingDisk) IsReady() bool {
	status := inPortBFn(portStatus)
	return status&statusBusy == 0 && status&statusDRQ != 0
}

// Dequeue removes and returns the thread at the head of the disk's wait
// queue, or nil if it is empty. Part of the sched.DiskQueue contract.
func (d *BlockingDisk) Dequeue() *sched.Thread {
	if d.beg == nil {
		return nil
	}
	t := d.beg
	d.beg = t.Next
	if d.beg == nil {
		d.end = nil
	}
	t.Next = nil
	return t
}

func (d *BlockingDisk) enqueue(t *sched.Thread) {
	t.Next = nil
	if d.beg == nil {
		d.beg = t
		d.end = t
		return
	}
	d.end.Next = t
	d.end = t
}

func (d *BlockingDisk) issueOperation(op operation, blockNo uint32) {
	outPortBFn(0x1F1, 0x00)
	outPortBFn(portSectorCnt, 0x01)
	outPortBFn(portLBALow, uint8(blockNo))
	outPortBFn(portLBAMid, uint8(blockNo>>8))
	outPortBFn(portLBAHigh, uint8(blockNo>>16))
	outPortBFn(portDriveHead, (uint8(blockNo>>24)&0x0F)|driveHeadBase|(uint8(d.id)<<4))

	cmd := uint8(cmdRead)
	if op == opWrite {
		cmd = cmdWrite
	}
	outPortBFn(portCommand, cmd)
}

// waitUntilReady parks the calling thread on the disk's wait queue and
// blocks it until the controller reports ready.
func (d *BlockingDisk) waitUntilReady() {
	if d.IsReady() {
		return
	}
	d.enqueue(d.scheduler.Current())
	d.scheduler.Block()
}

// queueBehindOthers blocks the calling thread until it reaches the head of
// the disk's wait queue, so that at most one thread drives the controller
// at a time.
func (d *BlockingDisk) queueBehindOthers() {
	if d.beg == nil {
		return
	}
	d.enqueue(d.scheduler.Current())
	d.scheduler.Block()
}

// Read fills buf (which must be at least BlockSize bytes) with the
// contents of block blockNo.
func (d *BlockingDisk) Read(blockNo uint32, buf []byte) {
	d.queueBehindOthers()

	d.issueOperation(opRead, blockNo)
	d.waitUntilReady()

	for i := 0; i < BlockSize/2; i++ {
		word := inPortWFn(portData)
		buf[i*2] = uint8(word)
		buf[i*2+1] = uint8(word >> 8)
	}
}

// Write stores buf (which must be at least BlockSize bytes) as block
// blockNo.
func (d *BlockingDisk) Write(blockNo uint32, buf []byte) {
	d.queueBehindOthers()

	d.issueOperation(opWrite, blockNo)
	d.waitUntilReady()

	for i := 0; i < BlockSize/2; i++ {
		word := uint16(buf[2*i]) | uint16(buf[2*i+1])<<8
		outPortWFn(portData, word)
	}
}
