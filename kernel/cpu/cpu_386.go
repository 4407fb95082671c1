// Package cpu declares the IA-32 primitives that the rest of the kernel
// treats as external collaborators: control-register access, port I/O,
// interrupt masking and the halt instruction. The function bodies live in
// arch-specific assembly that is outside the scope of this module; Go only
// sees the declarations below, the same way gopher-os's kernel/cpu package
// declares EnableInterrupts/Halt/FlushTLBEntry without a Go-level body.
package cpu

// ReadCR0 returns the value stored in the CR0 control register.
func ReadCR0() uint32

// ReadCR2 returns the value stored in the CR2 control register (the last
// faulting linear address).
func ReadCR2() uint32

// ReadCR3 returns the value stored in the CR3 control register (the
// physical address of the active page directory).
func ReadCR3() uint32

// WriteCR0 loads a new value into the CR0 control register.
func WriteCR0(val uint32)

// WriteCR3 loads a new value into the CR3 control register, flushing the
// TLB as a side effect.
func WriteCR3(val uint32)

// InPortB reads a single byte from the given I/O port.
func InPortB(port uint16) uint8

// InPortW reads a 16-bit word from the given I/O port.
func InPortW(port uint16) uint16

// OutPortB writes a single byte to the given I/O port.
func OutPortB(port uint16, val uint8)

// OutPortW writes a 16-bit word to the given I/O port.
func OutPortW(port uint16, val uint16)

// InterruptsEnabled reports whether maskable interrupts are currently
// enabled.
func InterruptsEnabled() bool

// EnableInterrupts enables maskable interrupt handling (sti).
func EnableInterrupts()

// DisableInterrupts disables maskable interrupt handling (cli).
func DisableInterrupts()

// Halt stops instruction execution until the next interrupt (hlt).
func Halt()
