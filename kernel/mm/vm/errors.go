package vm

import "vmcore/kernel"

var (
	// ErrNoMemory is returned when pages or memory commitment cannot be
	// obtained.
	ErrNoMemory = &kernel.Error{Module: "vm", Message: "out of memory"}

	// ErrBadAddress is returned by fault handlers for offsets that have no
	// backing.
	ErrBadAddress = &kernel.Error{Module: "vm", Message: "bad address"}

	// ErrBadHandler is returned by a cache Fault hook to request that the
	// generic soft fault path resolves the fault.
	ErrBadHandler = &kernel.Error{Module: "vm", Message: "fault not handled by cache"}

	// ErrNotSupported is returned by cache operations that the cache
	// variant does not implement.
	ErrNotSupported = &kernel.Error{Module: "vm", Message: "operation not supported"}

	// ErrIO is returned when a backing store transfer fails.
	ErrIO = &kernel.Error{Module: "vm", Message: "I/O error"}

	// ErrBusy is returned when a store reference cannot be acquired because
	// the store is being torn down.
	ErrBusy = &kernel.Error{Module: "vm", Message: "store is going away"}

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = &kernel.Error{Module: "vm", Message: "invalid configuration"}

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = &kernel.Error{Module: "vm", Message: "invalid argument"}

	// ErrUnknownCommand is returned by RunDebugCommand.
	ErrUnknownCommand = &kernel.Error{Module: "vm", Message: "unknown debugger command"}

	errPageHasCache       = &kernel.Error{Module: "vm", Message: "page already belongs to a cache"}
	errOffsetOccupied     = &kernel.Error{Module: "vm", Message: "cache offset already occupied"}
	errOffsetOutOfRange   = &kernel.Error{Module: "vm", Message: "cache offset outside of cache range"}
	errForeignPage        = &kernel.Error{Module: "vm", Message: "page does not belong to this cache"}
	errBadPageState       = &kernel.Error{Module: "vm", Message: "invalid page state transition"}
	errPageAlreadyFree    = &kernel.Error{Module: "vm", Message: "page is already free"}
	errFreeBusyPage       = &kernel.Error{Module: "vm", Message: "cannot free busy page"}
	errFreeMappedPage     = &kernel.Error{Module: "vm", Message: "cannot free mapped or wired page"}
	errEmptyReservation   = &kernel.Error{Module: "vm", Message: "allocation without reserved pages"}
	errReservedPageGone   = &kernel.Error{Module: "vm", Message: "had reserved page, but there is none"}
	errCacheInUse         = &kernel.Error{Module: "vm", Message: "deleting cache that still has areas or consumers"}
	errQueueCorrupted     = &kernel.Error{Module: "vm", Message: "page queue state mismatch"}
	errWrapperNotActive   = &kernel.Error{Module: "vm", Message: "page write wrapper is not active"}
	errMoveAllNonEmpty    = &kernel.Error{Module: "vm", Message: "moving pages into a non-empty cache"}
	errWiredCountNegative = &kernel.Error{Module: "vm", Message: "page wired count underflow"}
)
