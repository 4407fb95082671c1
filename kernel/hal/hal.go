// Package hal describes the byte-sink contract the kernel core consumes but
// does not implement: the console/serial device that early boot diagnostics
// and kfmt.Printf write to. Wiring an actual console (VGA text mode, serial
// port, ...) is out of scope for this module, exactly as spec.md scopes out
// "the console/serial output sink"; gopher-os's kernel/hal plus
// device/video/console is the driver-probing machinery that would normally
// sit behind this interface.
package hal

// Console is the minimal byte sink that kernel diagnostics are written to.
type Console interface {
	WriteByte(c byte) error
	Write(p []byte) (int, error)
}

// ActiveConsole is the console that kfmt/early writes to. It is nil until the
// boot sequence installs a real console, and early.Printf drops its output
// until then. kfmt.Printf does not use it: kfmt buffers its output in a ring
// buffer until a sink is installed with kfmt.SetOutputSink.
var ActiveConsole Console

// SetActiveConsole installs c as the active console.
func SetActiveConsole(c Console) {
	ActiveConsole = c
}
