package store

import (
	"math/bits"
	"os"
	"sort"
	"sync"

	"vmcore/kernel"
	"vmcore/kernel/mm"

	"golang.org/x/sys/unix"
)

// SwapFile stores pages in page sized slots of a host file. Slot usage is
// tracked in a bitmap; freed slots are punched out of the file.
type SwapFile struct {
	file      *os.File
	slotCount int64

	mu        sync.Mutex
	freeCount int64
	hint      int64

	// usedBitmap has one bit per slot; a set bit marks an allocated slot.
	usedBitmap []uint64
}

// CreateSwapFile creates a swap file of size bytes at path.
func CreateSwapFile(path string, size int64) (*SwapFile, *kernel.Error) {
	if size <= 0 || size%int64(mm.PageSize) != 0 {
		return nil, errBadSize
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, ioError("open "+path, err)
	}
	if err = f.Truncate(size); err != nil {
		f.Close()
		return nil, ioError("truncate "+path, err)
	}

	slots := size >> mm.PageShift
	return &SwapFile{
		file:       f,
		slotCount:  slots,
		freeCount:  slots,
		usedBitmap: make([]uint64, (slots+63)>>6),
	}, nil
}

// Size returns the capacity in bytes.
func (s *SwapFile) Size() int64 {
	return s.slotCount << mm.PageShift
}

// FreeSlotCount returns the number of unallocated slots.
func (s *SwapFile) FreeSlotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.freeCount)
}

func (s *SwapFile) isUsed(slot int64) bool {
	return s.usedBitmap[slot>>6]&(1<<uint(slot&63)) != 0
}

func (s *SwapFile) markSlot(slot int64, used bool) {
	if used {
		s.usedBitmap[slot>>6] |= 1 << uint(slot&63)
	} else {
		s.usedBitmap[slot>>6] &^= 1 << uint(slot&63)
	}
}

// nextFreeSlot returns the first free slot at or after from, wrapping
// around once, or -1.
func (s *SwapFile) nextFreeSlot(from int64) int64 {
	for i := int64(0); i < int64(len(s.usedBitmap)); i++ {
		block := (from>>6 + i) % int64(len(s.usedBitmap))
		free := ^s.usedBitmap[block]
		if block == from>>6 && i == 0 {
			free &^= (1 << uint(from&63)) - 1
		}
		if free == 0 {
			continue
		}
		slot := block<<6 + int64(bits.TrailingZeros64(free))
		if slot < s.slotCount {
			return slot
		}
	}

	if from > 0 {
		return s.nextFreeSlot(0)
	}
	return -1
}

// AllocateSlots allocates count slots. Consecutive slots are handed out
// when the bitmap has a long enough free run after the allocation hint.
func (s *SwapFile) AllocateSlots(count int) ([]int64, *kernel.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int64(count) > s.freeCount {
		return nil, errSwapFull
	}

	slots := make([]int64, 0, count)
	slot := s.hint
	for len(slots) < count {
		if slot >= s.slotCount || s.isUsed(slot) {
			if slot = s.nextFreeSlot(slot % s.slotCount); slot < 0 {
				break
			}
		}
		s.markSlot(slot, true)
		slots = append(slots, slot)
		slot++
	}

	s.freeCount -= int64(len(slots))
	s.hint = slot % s.slotCount
	return slots, nil
}

// FreeSlots releases slots and discards their contents.
func (s *SwapFile) FreeSlots(slots []int64) {
	freed := make([]int64, 0, len(slots))
	s.mu.Lock()
	for _, slot := range slots {
		if slot < 0 || slot >= s.slotCount || !s.isUsed(slot) {
			continue
		}
		s.markSlot(slot, false)
		s.freeCount++
		freed = append(freed, slot)
	}
	s.mu.Unlock()

	fd := int(s.file.Fd())
	for _, r := range slotRuns(freed, nil) {
		err := fallocateFn(fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, r.first<<mm.PageShift, int64(len(r.indices))<<mm.PageShift)
		if err != nil && err != unix.EOPNOTSUPP {
			ioError("punch swap slots", err)
		}
	}
}

// slotRun is a run of consecutive slots together with the positions of the
// slots in the caller's slot list.
type slotRun struct {
	first   int64
	indices []int
}

// slotRuns groups slots into runs of consecutive slots. If bufs is not nil
// only slots whose order matches the order of their buffers are merged.
func slotRuns(slots []int64, bufs [][]byte) []slotRun {
	order := make([]int, len(slots))
	for i := range order {
		order[i] = i
	}
	if bufs == nil {
		sort.Slice(order, func(i, j int) bool { return slots[order[i]] < slots[order[j]] })
	}

	var runs []slotRun
	for _, i := range order {
		if n := len(runs); n > 0 {
			last := &runs[n-1]
			if slots[i] == last.first+int64(len(last.indices)) {
				last.indices = append(last.indices, i)
				continue
			}
		}
		runs = append(runs, slotRun{first: slots[i], indices: []int{i}})
	}
	return runs
}

func (s *SwapFile) checkSlots(slots []int64, bufs [][]byte) *kernel.Error {
	if len(slots) != len(bufs) {
		return errBufferCount
	}
	for _, slot := range slots {
		if slot < 0 || slot >= s.slotCount {
			return errBadSlot
		}
	}
	return nil
}

// WriteSlots writes bufs[i] to slots[i]. Consecutive slots are written with
// a single vectored write.
func (s *SwapFile) WriteSlots(slots []int64, bufs [][]byte) (int, *kernel.Error) {
	if err := s.checkSlots(slots, bufs); err != nil {
		return 0, err
	}

	var total int
	for _, r := range slotRuns(slots, bufs) {
		vecs := make([][]byte, len(r.indices))
		for j, i := range r.indices {
			vecs[j] = bufs[i]
		}

		n, err := pwritevFull(int(s.file.Fd()), vecs, r.first<<mm.PageShift)
		total += n
		if err != nil {
			return total, ioError("swap write", err)
		}
	}
	return total, nil
}

// ReadSlots fills bufs[i] from slots[i].
func (s *SwapFile) ReadSlots(slots []int64, bufs [][]byte) (int, *kernel.Error) {
	if err := s.checkSlots(slots, bufs); err != nil {
		return 0, err
	}

	var total int
	for _, r := range slotRuns(slots, bufs) {
		vecs := make([][]byte, len(r.indices))
		for j, i := range r.indices {
			vecs[j] = bufs[i]
		}

		want := vecLen(vecs)
		n, err := preadvFull(int(s.file.Fd()), vecs, r.first<<mm.PageShift)
		total += n
		if err != nil {
			return total, ioError("swap read", err)
		}
		if n < want {
			return total, ErrIO
		}
	}
	return total, nil
}

// Close releases the swap file.
func (s *SwapFile) Close() *kernel.Error {
	if err := s.file.Close(); err != nil {
		return ioError("close swap", err)
	}
	return nil
}
