package sched

// dispatchTo performs the actual context switch to t: save the calling
// thread's register file onto its own stack, load t's, and resume
// execution there. It does not return to its caller until some later
// dispatch switches back to the thread that called it. Implemented in
// arch-specific assembly external to this module, the same way
// kernel/cpu's register accessors are.
func dispatchTo(t *Thread)

// currentThread returns the thread presently executing. TLS-free: the
// assembly context switch keeps track of it without relying on a thread
// register. Implemented in arch-specific assembly external to this
// module.
func currentThread() *Thread

// asmDispatcher is the production Dispatcher, backed by the assembly
// context switch above.
type asmDispatcher struct{}

func (asmDispatcher) DispatchTo(t *Thread) { dispatchTo(t) }
func (asmDispatcher) Current() *Thread     { return currentThread() }

// NewAsmDispatcher returns the production Dispatcher.
func NewAsmDispatcher() Dispatcher {
	return asmDispatcher{}
}
