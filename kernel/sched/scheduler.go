package sched

import (
	"kernel386/kernel"
	"kernel386/kernel/cpu"
	"kernel386/kernel/kfmt"
)

// errThreadNotResident is the fatal assertion raised when Terminate is
// asked to remove a thread that is neither the one currently running nor
// anywhere on the ready queue.
var errThreadNotResident = &kernel.Error{Module: "sched", Message: "terminate: thread is not current and not on the ready queue"}

// panicFn reports a fatal assertion failure. Defaults to kfmt.Panic;
// swappable by tests so Terminate's fatal-assertion path can be exercised
// without halting the process.
var panicFn = kfmt.Panic

// idleStackSize is the size, in bytes, of the idle thread's dedicated
// stack. The idle thread's body is trivial (an infinite yield loop) so it
// needs very little of it.
const idleStackSize = 1024

var (
	// interruptsEnabledFn, disableInterruptsFn and enableInterruptsFn wrap
	// the cpu package's interrupt-masking primitives. Swappable by tests so
	// Scheduler can be exercised without the asm-backed real ones.
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// Scheduler is a cooperative round-robin scheduler: a single FIFO ready
// queue plus an idle thread that is never itself enqueued. Every method that
// touches the ready queue disables interrupts on entry (if they were enabled)
// and re-enables them on every exit path, including early returns, so that
// ready-queue mutations are never observed half-done.
type Scheduler struct {
	dispatcher Dispatcher
	diskQueue  DiskQueue

	idle     *Thread
	beg, end *Thread
}

// NewScheduler constructs a scheduler dispatching through d, with its own
// idle thread whose body repeatedly calls Yield.
func NewScheduler(d Dispatcher) *Scheduler {
	s := &Scheduler{dispatcher: d}
	s.idle = NewThread(0, func() {
		for {
			s.Yield()
		}
	}, idleStackSize)
	return s
}

// SetDiskQueue registers the wait queue that Yield consults before
// selecting the next thread to run. A scheduler with no disk queue
// registered simply skips that step.
func (s *Scheduler) SetDiskQueue(dq DiskQueue) {
	s.diskQueue = dq
}

// IdleThread returns the scheduler's idle thread.
func (s *Scheduler) IdleThread() *Thread {
	return s.idle
}

// Current returns the thread presently executing, per the underlying
// Dispatcher.
func (s *Scheduler) Current() *Thread {
	return s.dispatcher.Current()
}

func (s *Scheduler) beginCriticalSection() {
	if interruptsEnabledFn() {
		disableInterruptsFn()
	}
}

func (s *Scheduler) enqueue(t *Thread) {
	t.Next = nil
	if s.beg == nil {
		s.beg = t
		s.end = t
		return
	}
	s.end.Next = t
	s.end = t
}

func (s *Scheduler) dequeue() *Thread {
	t := s.beg
	s.beg = t.Next
	if s.beg == nil {
		s.end = nil
	}
	t.Next = nil
	return t
}

// remove splices t out of the ready queue, wherever in it t happens to be,
// and reports whether t was actually found there.
func (s *Scheduler) remove(t *Thread) bool {
	if s.beg == t {
		s.beg = t.Next
		if s.end == t {
			s.end = s.beg
		}
		t.Next = nil
		return true
	}

	for iter := s.beg; iter != nil; iter = iter.Next {
		if iter.Next == t {
			iter.Next = t.Next
			if s.end == t {
				s.end = iter
			}
			t.Next = nil
			return true
		}
	}

	return false
}

// Yield gives up the CPU. It first checks whether the registered disk
// queue has become ready and, if so, moves the thread waiting at its head
// onto the ready queue. It then dispatches to the next runnable thread:
// the idle thread if none are ready (unless the idle thread is already
// current and the queue stays empty, in which case it simply returns), or
// the thread at the head of the ready queue after enqueueing the caller at
// its tail (the idle thread is never enqueued).
func (s *Scheduler) Yield() {
	s.beginCriticalSection()

	if s.diskQueue != nil && s.diskQueue.IsReady() {
		if ready := s.diskQueue.Dequeue(); ready != nil {
			s.enqueue(ready)
		}
	}

	curr := s.dispatcher.Current()

	if curr == s.idle && s.beg == nil {
		enableInterruptsFn()
		return
	}

	if s.beg == nil {
		s.beg = curr
		s.end = curr
		curr.Next = nil
		s.dispatcher.DispatchTo(s.idle)
		enableInterruptsFn()
		return
	}

	if curr != s.idle {
		s.enqueue(curr)
	}
	next := s.dequeue()
	s.dispatcher.DispatchTo(next)
	enableInterruptsFn()
}

// Block dispatches to the next ready thread, or to idle if none are ready,
// without enqueueing the current thread — the caller is responsible for
// having already placed it on some wait queue.
func (s *Scheduler) Block() {
	s.beginCriticalSection()

	if s.beg == nil {
		s.dispatcher.DispatchTo(s.idle)
		enableInterruptsFn()
		return
	}

	next := s.dequeue()
	s.dispatcher.DispatchTo(next)
	enableInterruptsFn()
}

// Resume appends t to the tail of the ready queue, making it eligible to
// run on some future Yield.
func (s *Scheduler) Resume(t *Thread) {
	s.beginCriticalSection()
	s.enqueue(t)
	enableInterruptsFn()
}

// Add registers a newly created thread with the scheduler. Equivalent to
// Resume.
func (s *Scheduler) Add(t *Thread) {
	s.Resume(t)
}

// Terminate removes t from scheduling entirely. If t is the thread
// currently running, Terminate dispatches to the next ready thread (or
// idle) without re-enqueueing t; otherwise it removes t from the ready
// queue, wherever in it t happens to be. Terminating a thread that is
// neither current nor anywhere on the ready queue is a fatal assertion:
// such a thread is not resident in this scheduler at all.
func (s *Scheduler) Terminate(t *Thread) {
	s.beginCriticalSection()

	if t == s.dispatcher.Current() {
		t.Next = nil

		var next *Thread
		if s.beg == nil {
			next = s.idle
		} else {
			next = s.dequeue()
		}

		s.dispatcher.DispatchTo(next)
		enableInterruptsFn()
		return
	}

	if !s.remove(t) {
		panicFn(errThreadNotResident)
		enableInterruptsFn()
		return
	}
	enableInterruptsFn()
}
