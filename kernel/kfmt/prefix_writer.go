package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. Kernel subsystems use it to tag
// their console output with the module name.
type PrefixWriter struct {
	// A writer where all writes get sent to. If nil, writes go to the
	// active kernel output sink (or the early buffer).
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	bytesAfterPrefix int
}

// NewPrefixWriter returns a PrefixWriter that tags each line written to the
// kernel console with "[module] ".
func NewPrefixWriter(module string) *PrefixWriter {
	return &PrefixWriter{Prefix: []byte("[" + module + "] ")}
}

// Printf formats its arguments and writes them through the prefixing writer.
func (w *PrefixWriter) Printf(format string, args ...interface{}) {
	Fprintf(w, format, args...)
}

func (w *PrefixWriter) sink() io.Writer {
	switch {
	case w.Sink != nil:
		return w.Sink
	case outputSink != nil:
		return outputSink
	default:
		return &earlyPrintBuffer
	}
}

// Write writes len(p) bytes from p to the underlying data stream and returns
// back the number of bytes written. The PrefixWriter keeps track of the
// beginning of new lines and injects the configured prefix at each new line.
// The injected prefix is not included in the number of written bytes returned
// by this method.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var (
		sink                 = w.sink()
		written              int
		startIndex, curIndex int
	)

	if w.bytesAfterPrefix == 0 && len(p) != 0 {
		_, _ = sink.Write(w.Prefix)
	}

	for ; curIndex < len(p); curIndex++ {
		if p[curIndex] == '\n' {
			n, err := sink.Write(p[startIndex : curIndex+1])
			if curIndex+1 != len(p) {
				_, _ = sink.Write(w.Prefix)
			}
			written += n
			if err != nil {
				return written, err
			}
			w.bytesAfterPrefix = 0
			startIndex = curIndex + 1
		}
	}

	if startIndex < curIndex {
		n, err := sink.Write(p[startIndex:curIndex])
		written += n
		w.bytesAfterPrefix = n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}
