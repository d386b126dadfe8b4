// Package store provides the backing stores of the vm caches: a file backed
// vnode for vnode caches and a swap file for swappable anonymous caches.
package store

import (
	"vmcore/kernel"
	"vmcore/kernel/kfmt"

	"golang.org/x/sys/unix"
)

var (
	// The following functions are used by tests to mock host I/O.
	preadvFn    = unix.Preadv
	pwritevFn   = unix.Pwritev
	fallocateFn = unix.Fallocate

	// ErrIO is returned when a host I/O operation fails; the host error is
	// logged.
	ErrIO = &kernel.Error{Module: "store", Message: "I/O error"}

	errVnodeRemoved = &kernel.Error{Module: "store", Message: "vnode is being removed"}
	errVnodeClosed  = &kernel.Error{Module: "store", Message: "vnode is closed"}
	errSwapFull     = &kernel.Error{Module: "store", Message: "no free swap slots"}
	errBadSlot      = &kernel.Error{Module: "store", Message: "swap slot out of range"}
	errBadSize      = &kernel.Error{Module: "store", Message: "store size must be a positive multiple of the page size"}
	errBufferCount  = &kernel.Error{Module: "store", Message: "number of buffers does not match number of slots"}
)

var log = kfmt.NewPrefixWriter("[store] ")

// ioError logs a host error and maps it to ErrIO.
func ioError(op string, err error) *kernel.Error {
	kfmt.Fprintf(log, "%s: %s\n", op, err.Error())
	return ErrIO
}

// vecLen returns the combined length of vecs.
func vecLen(vecs [][]byte) int {
	var n int
	for _, v := range vecs {
		n += len(v)
	}
	return n
}

// advanceVecs drops the first n bytes from vecs.
func advanceVecs(vecs [][]byte, n int) [][]byte {
	for len(vecs) > 0 && n >= len(vecs[0]) {
		n -= len(vecs[0])
		vecs = vecs[1:]
	}
	if len(vecs) > 0 && n > 0 {
		vecs = append([][]byte{vecs[0][n:]}, vecs[1:]...)
	}
	return vecs
}

// limitVecs truncates vecs to at most n bytes.
func limitVecs(vecs [][]byte, n int) [][]byte {
	out := make([][]byte, 0, len(vecs))
	for _, v := range vecs {
		if n <= 0 {
			break
		}
		if len(v) > n {
			v = v[:n]
		}
		out = append(out, v)
		n -= len(v)
	}
	return out
}

// preadvFull reads into vecs at offset until they are full or the end of
// the file is reached and returns the number of bytes read.
func preadvFull(fd int, vecs [][]byte, offset int64) (int, error) {
	var total int
	for len(vecs) > 0 {
		n, err := preadvFn(fd, vecs, offset+int64(total))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
		vecs = advanceVecs(vecs, n)
	}
	return total, nil
}

// pwritevFull writes all of vecs at offset.
func pwritevFull(fd int, vecs [][]byte, offset int64) (int, error) {
	var total int
	for len(vecs) > 0 {
		n, err := pwritevFn(fd, vecs, offset+int64(total))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, unix.EIO
		}
		total += n
		vecs = advanceVecs(vecs, n)
	}
	return total, nil
}
