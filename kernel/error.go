package kernel

// Error describes a kernel error. Subsystems define their errors as global
// variables that are pointers to the Error structure so callers can compare
// against them directly. Errors that wrap a failure reported by the host
// (for example an errno returned by a backing file) are allocated on the
// spot via Wrap.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Wrap returns a new Error for module whose message is the message of err.
// Wrap returns nil if err is nil.
func Wrap(module string, err error) *Error {
	if err == nil {
		return nil
	}

	if kErr, ok := err.(*Error); ok {
		return kErr
	}

	return &Error{Module: module, Message: err.Error()}
}
