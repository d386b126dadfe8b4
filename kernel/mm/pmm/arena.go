// Package pmm manages the physical memory backing the page frames tracked by
// the vm package. Physical memory is modelled as a single anonymous mapping
// that is split into mm.PageSize frames; frame N occupies bytes
// [N*PageSize, (N+1)*PageSize) of the mapping.
package pmm

import (
	"sync/atomic"

	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"

	"golang.org/x/sys/unix"
)

const (
	// zeroByAdviseThreshold is the minimum number of contiguous frames
	// that Zero releases to the host with madvise(MADV_DONTNEED) instead
	// of clearing them in place.
	zeroByAdviseThreshold = 16
)

var (
	// mmapFn, munmapFn and madviseFn are used by tests to mock host calls.
	mmapFn    = unix.Mmap
	munmapFn  = unix.Munmap
	madviseFn = unix.Madvise

	errArenaClosed   = &kernel.Error{Module: "pmm", Message: "physical memory arena has been released"}
	errBadFrameCount = &kernel.Error{Module: "pmm", Message: "physical memory arena requires at least one frame"}
	errFrameRange    = &kernel.Error{Module: "pmm", Message: "frame range outside of physical memory arena"}
)

// Arena is a contiguous block of host memory standing in for physical RAM.
type Arena struct {
	mem        []byte
	frameCount uint64
	closed     uint32

	// zeroedPages counts the frames cleared by Zero.
	zeroedPages uint64
}

// NewArena maps frameCount frames of anonymous memory.
func NewArena(frameCount uint64) (*Arena, *kernel.Error) {
	if frameCount == 0 {
		return nil, errBadFrameCount
	}

	mem, err := mmapFn(-1, 0, int(frameCount<<mm.PageShift), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, kernel.Wrap("pmm", err)
	}

	kfmt.Printf("[pmm] mapped %d frames (%s) of physical memory\n", frameCount, mm.Size(len(mem)))
	return &Arena{mem: mem, frameCount: frameCount}, nil
}

// FrameCount returns the number of frames in the arena.
func (a *Arena) FrameCount() uint64 {
	return a.frameCount
}

// Size returns the arena size in bytes.
func (a *Arena) Size() mm.Size {
	return mm.Size(a.frameCount << mm.PageShift)
}

// Frame returns the contents of frame f. The returned slice aliases the
// arena memory.
func (a *Arena) Frame(f mm.Frame) []byte {
	return a.FrameRange(f, 1)
}

// FrameRange returns the contents of count frames starting at first. It
// panics if the range does not lie within the arena.
func (a *Arena) FrameRange(first mm.Frame, count uint64) []byte {
	if atomic.LoadUint32(&a.closed) != 0 {
		kfmt.Panic(errArenaClosed)
		return nil
	}

	if !first.Valid() || uint64(first)+count > a.frameCount {
		kfmt.Panic(errFrameRange)
		return nil
	}

	start := uint64(first) << mm.PageShift
	return a.mem[start : start+count<<mm.PageShift : start+count<<mm.PageShift]
}

// Zero clears count frames starting at first. Large runs are handed back to
// the host which will provide zero-filled pages on the next access.
func (a *Arena) Zero(first mm.Frame, count uint64) {
	buf := a.FrameRange(first, count)
	if buf == nil {
		return
	}

	atomic.AddUint64(&a.zeroedPages, count)
	if count >= zeroByAdviseThreshold {
		if err := madviseFn(buf, unix.MADV_DONTNEED); err == nil {
			return
		}
	}

	kernel.Memset(buf, 0)
}

// ZeroedPages returns the total number of frames cleared by Zero.
func (a *Arena) ZeroedPages() uint64 {
	return atomic.LoadUint64(&a.zeroedPages)
}

// Close unmaps the arena memory. Any further frame access panics.
func (a *Arena) Close() *kernel.Error {
	if !atomic.CompareAndSwapUint32(&a.closed, 0, 1) {
		return nil
	}

	mem := a.mem
	a.mem = nil
	return kernel.Wrap("pmm", munmapFn(mem))
}
