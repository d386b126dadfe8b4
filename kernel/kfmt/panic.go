package kfmt

import (
	"fmt"

	"vmcore/kernel"
)

var (
	// haltFn is invoked by Panic after the diagnostic has been printed. It
	// is mocked by tests. The default implementation aborts the calling
	// goroutine with a Go panic carrying the kernel error.
	haltFn = func(err *kernel.Error) { panic(err) }

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) and halts the system. Panic
// is reserved for contract violations where continuing risks silent data
// corruption; it never returns unless haltFn has been replaced by a test.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	if err == nil {
		err = errRuntimePanic
	}
	haltFn(err)
}

// Panicf formats a message according to format, wraps it in a kernel.Error
// for module and passes it to Panic.
func Panicf(module, format string, args ...interface{}) {
	Panic(&kernel.Error{Module: module, Message: fmt.Sprintf(format, args...)})
}
