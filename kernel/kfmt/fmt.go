// Package kfmt provides the formatted output facilities used by the kernel
// subsystems. Output is sent to a configurable sink; until one is installed
// it accumulates in a ring buffer so that messages logged while booting are
// not lost.
package kfmt

import (
	"fmt"
	"io"
	"sync"
)

var (
	// outputMu serializes writes to the output sink.
	outputMu sync.Mutex

	// earlyPrintBuffer is a ring buffer that stores Printf output before
	// an output sink is installed.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// Output is an io.Writer that forwards all writes to the currently
	// active output sink. It allows other writers (e.g. a PrefixWriter) to
	// be stacked on top of the kfmt output without caring whether a sink
	// has been installed yet.
	Output io.Writer = sinkWriter{}
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

// Printf formats according to a format specifier and writes the result to
// the active output sink. It supports the same verbs as fmt.Printf.
func Printf(format string, args ...interface{}) {
	Fprintf(Output, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. Write errors are ignored; there is nowhere else to
// report them.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}

// sinkWriter implements io.Writer by forwarding data to outputSink or to the
// early ring buffer when no sink is set.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	outputMu.Lock()
	defer outputMu.Unlock()

	if outputSink == nil {
		return earlyPrintBuffer.Write(p)
	}

	return outputSink.Write(p)
}
