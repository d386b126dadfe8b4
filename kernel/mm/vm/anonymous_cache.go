package vm

import (
	"io"
	"sync"
	"time"

	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
)

// SwapStore provides page sized slots that swappable anonymous caches write
// their pages to.
type SwapStore interface {
	// AllocateSlots reserves count slots, preferably consecutive ones.
	AllocateSlots(count int) ([]int64, *kernel.Error)

	// FreeSlots returns slots to the store.
	FreeSlots(slots []int64)

	// WriteSlots writes one page sized buffer per slot and returns the
	// number of bytes written.
	WriteSlots(slots []int64, bufs [][]byte) (int, *kernel.Error)

	// ReadSlots fills one page sized buffer per slot and returns the
	// number of bytes read.
	ReadSlots(slots []int64, bufs [][]byte) (int, *kernel.Error)

	// FreeSlotCount returns the number of unallocated slots.
	FreeSlotCount() int

	// Size returns the store capacity in bytes.
	Size() int64
}

// shadowingStore is implemented by stores that can hold a newer copy of a
// page than the source cache of their owner.
type shadowingStore interface {
	shadowsPage(pageOffset uint64) bool
}

// anonymousStore backs temporary caches. Memory is committed through the
// manager's memory commitment; pages can optionally be written to swap.
type anonymousStore struct {
	baseStore

	canOvercommit     bool
	hasPrecommitted   bool
	precommittedPages int32
	guardPages        int32
	swappable         bool

	// slotsMu protects slots, which is also accessed by Read and Write
	// without the cache lock.
	slotsMu sync.Mutex
	slots   map[uint64]int64
}

// NewAnonymousCache creates a temporary cache for anonymous memory. With
// canOvercommit set, memory is committed page by page when faulted in,
// except for the first precommittedPages. Faults in the first guardPages
// pages are rejected. Swappable caches write pages back to the manager's
// swap store, if one is installed.
func (m *Manager) NewAnonymousCache(canOvercommit bool, precommittedPages, guardPages int32, swappable bool) *Cache {
	c := m.newCache(CacheTypeRAM, true)
	c.store = &anonymousStore{
		baseStore:         baseStore{cache: c},
		canOvercommit:     canOvercommit,
		precommittedPages: precommittedPages,
		guardPages:        guardPages,
		swappable:         swappable && m.swap != nil,
		slots:             make(map[uint64]int64),
	}
	return c
}

func (s *anonymousStore) swap() SwapStore {
	if !s.swappable {
		return nil
	}
	return s.cache.mgr.swap
}

func (s *anonymousStore) Commit(size int64, priority Priority) *kernel.Error {
	c := s.cache
	if s.canOvercommit && size > c.committedSize {
		if s.hasPrecommitted {
			return nil
		}

		// Pre-commit some pages to make a later failure less probable.
		s.hasPrecommitted = true
		if precommitted := int64(s.precommittedPages) << mm.PageShift; size > precommitted {
			size = precommitted
		}
	}

	return s.commit(size, priority)
}

func (s *anonymousStore) commit(size int64, priority Priority) *kernel.Error {
	c := s.cache
	m := c.mgr
	switch {
	case size > c.committedSize:
		if err := m.TryReserveMemory(size-c.committedSize, priority, time.Duration(m.cfg.CommitTimeout)); err != nil {
			return err
		}
	case size < c.committedSize:
		m.UnreserveMemory(c.committedSize - size)
	}

	c.committedSize = size
	return nil
}

func (s *anonymousStore) Fault(space *AddressSpace, offset int64) *kernel.Error {
	c := s.cache
	if s.guardPages > 0 && offset < c.virtualBase+int64(s.guardPages)<<mm.PageShift {
		return ErrBadAddress
	}

	if s.canOvercommit {
		if s.precommittedPages == 0 {
			// Never commit more than needed.
			if c.committedSize>>mm.PageShift > int64(c.pageCount) {
				return ErrBadHandler
			}

			if err := c.mgr.TryReserveMemory(int64(mm.PageSize), space.priority(), 0); err != nil {
				kfmt.Fprintf(c.mgr.log, "cache %d: failed to commit page at 0x%x\n", c.id, offset)
				return ErrNoMemory
			}
			c.committedSize += int64(mm.PageSize)
		} else {
			s.precommittedPages--
		}
	}

	return ErrBadHandler
}

func (s *anonymousStore) HasPage(offset int64) bool {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	_, ok := s.slots[uint64(offset)>>mm.PageShift]
	return ok
}

func (s *anonymousStore) shadowsPage(pageOffset uint64) bool {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	_, ok := s.slots[pageOffset]
	return ok
}

// splitPages splits vecs into page sized buffers.
func splitPages(vecs [][]byte) [][]byte {
	var bufs [][]byte
	for _, v := range vecs {
		for len(v) > 0 {
			n := int(mm.PageSize)
			if n > len(v) {
				n = len(v)
			}
			bufs = append(bufs, v[:n:n])
			v = v[n:]
		}
	}
	return bufs
}

func (s *anonymousStore) Read(offset int64, vecs [][]byte) (int, *kernel.Error) {
	swap := s.swap()
	if swap == nil {
		return 0, ErrNotSupported
	}

	bufs := splitPages(vecs)
	first := uint64(offset) >> mm.PageShift

	var (
		slots    []int64
		slotBufs [][]byte
		zeroed   int
	)
	s.slotsMu.Lock()
	for i, buf := range bufs {
		if slot, ok := s.slots[first+uint64(i)]; ok {
			slots = append(slots, slot)
			slotBufs = append(slotBufs, buf)
		} else {
			kernel.Memset(buf, 0)
			zeroed += len(buf)
		}
	}
	s.slotsMu.Unlock()

	if len(slots) == 0 {
		return zeroed, nil
	}

	n, err := swap.ReadSlots(slots, slotBufs)
	return n + zeroed, err
}

func (s *anonymousStore) Write(offset int64, vecs [][]byte) (int, *kernel.Error) {
	swap := s.swap()
	if swap == nil {
		return 0, ErrNotSupported
	}

	bufs := splitPages(vecs)
	first := uint64(offset) >> mm.PageShift

	s.slotsMu.Lock()
	var missing []uint64
	for i := range bufs {
		if _, ok := s.slots[first+uint64(i)]; !ok {
			missing = append(missing, first+uint64(i))
		}
	}
	if len(missing) > 0 {
		newSlots, err := swap.AllocateSlots(len(missing))
		if err != nil {
			s.slotsMu.Unlock()
			return 0, ErrNoMemory
		}
		for i, pageOffset := range missing {
			s.slots[pageOffset] = newSlots[i]
		}
	}

	slots := make([]int64, len(bufs))
	for i := range bufs {
		slots[i] = s.slots[first+uint64(i)]
	}
	s.slotsMu.Unlock()

	return swap.WriteSlots(slots, bufs)
}

func (s *anonymousStore) CanWritePage(offset int64) bool {
	swap := s.swap()
	if swap == nil {
		return false
	}

	return s.HasPage(offset) || swap.FreeSlotCount() > 0
}

// Merge takes over the commitment of source and its swap slots that are
// not shadowed by a page or slot of the owning cache.
func (s *anonymousStore) Merge(source *Cache) {
	src, ok := source.store.(*anonymousStore)
	if !ok {
		return
	}

	c := s.cache
	c.committedSize += source.committedSize
	source.committedSize = 0
	if actualSize := c.virtualEnd - c.virtualBase; c.committedSize > actualSize {
		_ = s.commit(actualSize, PriorityUser)
	}

	first, end := c.pageRange()
	var toFree []int64

	s.slotsMu.Lock()
	src.slotsMu.Lock()
	for pageOffset, slot := range src.slots {
		_, shadowed := s.slots[pageOffset]
		if shadowed || pageOffset < first || pageOffset >= end || c.lookupPage(pageOffset) != nil {
			toFree = append(toFree, slot)
			continue
		}
		s.slots[pageOffset] = slot
	}
	src.slots = make(map[uint64]int64)
	src.slotsMu.Unlock()
	s.slotsMu.Unlock()

	if swap := c.mgr.swap; swap != nil && len(toFree) > 0 {
		swap.FreeSlots(toFree)
	}
}

// AdoptBacking moves the swap slots of source in [first, end) to the
// owning cache, shifted by pageDelta.
func (s *anonymousStore) AdoptBacking(source *Cache, first, end uint64, pageDelta int64) {
	src, ok := source.store.(*anonymousStore)
	if !ok || src == s {
		return
	}

	var toFree []int64
	s.slotsMu.Lock()
	src.slotsMu.Lock()
	for pageOffset, slot := range src.slots {
		if pageOffset < first || pageOffset >= end {
			continue
		}
		delete(src.slots, pageOffset)

		target := uint64(int64(pageOffset) + pageDelta)
		if old, ok := s.slots[target]; ok {
			toFree = append(toFree, old)
		}
		s.slots[target] = slot
	}
	src.slotsMu.Unlock()
	s.slotsMu.Unlock()

	if swap := s.cache.mgr.swap; swap != nil && len(toFree) > 0 {
		swap.FreeSlots(toFree)
	}
}

func (s *anonymousStore) FreeBacking(first, end uint64) {
	var toFree []int64
	s.slotsMu.Lock()
	for pageOffset, slot := range s.slots {
		if pageOffset >= first && pageOffset < end {
			toFree = append(toFree, slot)
			delete(s.slots, pageOffset)
		}
	}
	s.slotsMu.Unlock()

	if swap := s.cache.mgr.swap; swap != nil && len(toFree) > 0 {
		swap.FreeSlots(toFree)
	}
}

func (s *anonymousStore) Delete() {
	c := s.cache
	if c.committedSize > 0 {
		c.mgr.UnreserveMemory(c.committedSize)
		c.committedSize = 0
	}
	s.FreeBacking(0, ^uint64(0))
}

// swappedPages returns the number of pages of the cache held in swap.
func (s *anonymousStore) swappedPages() int {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	return len(s.slots)
}

func (s *anonymousStore) Dump(w io.Writer) {
	kfmt.Fprintf(w, "  overcommit:   %t (%d precommitted, %d guard pages)\n", s.canOvercommit, s.precommittedPages, s.guardPages)
	kfmt.Fprintf(w, "  swappable:    %t (%d pages in swap)\n", s.swappable, s.swappedPages())
}
