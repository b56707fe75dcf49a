// Package kfmt implements the kernel console: formatted output that is
// buffered until a sink is attached, and the kernel panic routine.
package kfmt

import (
	"fmt"
	"io"
	"sync"
)

var (
	// outputMu serializes writes coming from concurrent kernel threads so
	// lines from different threads do not interleave.
	outputMu sync.Mutex

	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently active output sink or nil if output
// is being buffered.
func GetOutputSink() io.Writer {
	outputMu.Lock()
	defer outputMu.Unlock()
	return outputSink
}

// Printf formats according to a format specifier and writes to the active
// output sink. If no sink is attached, the output is buffered into a ring
// buffer and flushed to the sink installed by the next SetOutputSink call.
//
// Printf supports the formatting verbs of the fmt package.
func Printf(format string, args ...interface{}) {
	Fprintf(nil, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer selects the active output sink.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	outputMu.Lock()
	defer outputMu.Unlock()

	if w == nil {
		w = outputSink
	}
	if w == nil {
		w = &earlyPrintBuffer
	}

	_, _ = fmt.Fprintf(w, format, args...)
}
