// Package cpu exposes the processor primitives the hosted kernel needs.
package cpu

import "os"

// HaltExitStatus is the host exit status reported when the kernel halts.
const HaltExitStatus = 70

var exitFn = os.Exit

// Halt stops the machine. The hosted kernel has no way to park the CPU so
// it terminates the host process instead; Halt never returns.
func Halt() {
	exitFn(HaltExitStatus)
}
