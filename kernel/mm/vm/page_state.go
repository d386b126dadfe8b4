package vm

import (
	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
)

// PhysicalAddressRestrictions constrains the placement of a page run
// allocated by AllocatePageRun. All values are in bytes; zero means no
// restriction.
type PhysicalAddressRestrictions struct {
	// LowAddress is the lowest acceptable physical address of the run.
	LowAddress uint64

	// HighAddress is the first physical address the run must not reach.
	HighAddress uint64

	// Alignment is the required alignment of the run start.
	Alignment uint64

	// Boundary is an address multiple the run must not cross.
	Boundary uint64
}

func queueIndex(state PageState) int {
	if state.IsQueued() {
		return int(state)
	}
	return -1
}

// lockQueues acquires the locks of the supplied queues in ascending index
// order. Negative and duplicate indices are skipped.
func (m *Manager) lockQueues(indices ...int) {
	var locked [queueCount]bool
	for i := 0; i < queueCount; i++ {
		for _, idx := range indices {
			if idx == i && !locked[i] {
				m.queues[i].lock.Acquire()
				locked[i] = true
			}
		}
	}
}

func (m *Manager) unlockQueues(indices ...int) {
	var released [queueCount]bool
	for _, idx := range indices {
		if idx >= 0 && !released[idx] {
			m.queues[idx].lock.Release()
			released[idx] = true
		}
	}
}

// transferPage moves p from the queue of its current state to the queue of
// newState and updates the state while both queue locks are held.
func (m *Manager) transferPage(p *Page, newState PageState, tail bool) {
	from, to := queueIndex(p.State()), queueIndex(newState)
	m.lockQueues(from, to)
	if from >= 0 {
		m.queues[from].remove(m.pages, p)
	}
	if to >= 0 {
		if tail {
			m.queues[to].append(m.pages, p)
		} else {
			m.queues[to].prepend(m.pages, p)
		}
	}
	p.state.Store(uint32(newState))
	m.unlockQueues(from, to)
}

// setPageState moves a non-free page into newState. The caller must hold the
// lock of the page's cache.
func (m *Manager) setPageState(p *Page, newState PageState) {
	oldState := p.State()
	if newState == oldState {
		return
	}

	if newState == PageStateFree || newState == PageStateClear || oldState == PageStateFree || oldState == PageStateClear || newState >= pageStateCount {
		panicf(errBadPageState, "%s: %s -> %s", p, oldState, newState)
		return
	}

	if c := p.Cache(); c != nil && c.temporary {
		if newState == PageStateModified {
			m.modifiedTemporaryPages.Add(1)
		} else if oldState == PageStateModified {
			m.modifiedTemporaryPages.Add(-1)
		}
	}

	m.transferPage(p, newState, true)
}

// SetPageState moves a page that is not free into another non-free state.
// Pages are returned to the free pool with FreePage.
func (m *Manager) SetPageState(p *Page, newState PageState) {
	m.setPageState(p, newState)
}

// RequeuePage moves p to the tail (or the head) of its queue.
func (m *Manager) RequeuePage(p *Page, tail bool) {
	state := p.State()
	switch {
	case state == PageStateFree || state == PageStateClear:
		panicf(errBadPageState, "requeue of free %s", p)
		return
	case !state.IsQueued():
		return
	}

	q := &m.queues[state]
	q.lock.Acquire()
	q.requeue(m.pages, p, tail)
	q.lock.Release()
}

// freePage returns p to the free (or clear) queue. The page must not belong
// to a cache and must be neither busy nor mapped.
func (m *Manager) freePage(p *Page, clear bool) {
	switch state := p.State(); {
	case state == PageStateFree || state == PageStateClear:
		panicf(errPageAlreadyFree, "%s already free", p)
		return
	case p.Cache() != nil:
		panicf(errPageHasCache, "to be freed %s has cache %d", p, p.Cache().id)
		return
	case p.IsMapped():
		panicf(errFreeMappedPage, "to be freed %s is mapped", p)
		return
	case p.busy.Load():
		panicf(errFreeBusyPage, "to be freed %s is busy", p)
		return
	}

	m.allocations.untrack(p)
	p.resetForFree()

	newState := PageStateFree
	if clear {
		newState = PageStateClear
	}

	m.freePageQueuesLock.RLock()
	m.transferPage(p, newState, false)
	m.freePageQueuesLock.RUnlock()
}

// FreePage returns a page that has been removed from its cache to the free
// pool. If r is non-nil the page is credited to the reservation, otherwise
// it is returned to the unreserved pool.
func (m *Manager) FreePage(p *Page, r *Reservation) {
	m.freePage(p, false)
	if r != nil {
		r.Count++
	} else {
		m.unreservePages(1)
	}
}

// takeFreePage pops the head of the primary (or failing that the secondary)
// free queue and moves it into state. It returns the page and the state it
// was taken from.
func (m *Manager) takeFreePage(primary, secondary, state PageState, busy bool) (*Page, PageState) {
	to := queueIndex(state)
	for _, from := range [2]PageState{primary, secondary} {
		m.lockQueues(int(from), to)
		p := m.queues[from].first(m.pages)
		if p != nil {
			m.queues[from].remove(m.pages, p)
			p.busy.Store(busy)
			p.usageCount = 0
			p.accessed = false
			p.modified = false
			if to >= 0 {
				m.queues[to].append(m.pages, p)
			}
			p.state.Store(uint32(state))
		}
		m.unlockQueues(int(from), to)

		if p != nil {
			return p, from
		}
	}

	return nil, PageStateFree
}

// AllocatePage takes one page out of the reservation r and returns it in the
// state selected by flags. AllocClear guarantees zero-filled contents and
// AllocBusy returns the page marked busy.
func (m *Manager) AllocatePage(r *Reservation, flags uint32) *Page {
	state := PageState(flags & allocStateMask)
	if state == PageStateFree || state == PageStateClear || state >= pageStateCount {
		panicf(errBadPageState, "cannot allocate page in state %s", state)
		return nil
	}
	if r.Count == 0 {
		panicf(errEmptyReservation, "AllocatePage with empty reservation")
		return nil
	}
	r.Count--

	primary, secondary := PageStateFree, PageStateClear
	if flags&AllocClear != 0 {
		primary, secondary = secondary, primary
	}
	busy := flags&AllocBusy != 0

	m.freePageQueuesLock.RLock()
	p, from := m.takeFreePage(primary, secondary, state, busy)
	m.freePageQueuesLock.RUnlock()

	if p == nil {
		// The reserved page may have moved between the queues while they
		// were checked; look again with both queues locked down.
		m.freePageQueuesLock.Lock()
		p, from = m.takeFreePage(primary, secondary, state, busy)
		m.freePageQueuesLock.Unlock()

		if p == nil {
			panicf(errReservedPageGone, "no free page left for reservation")
			return nil
		}
	}

	if p.Cache() != nil {
		panicf(errPageHasCache, "allocated %s has cache", p)
	}

	if flags&AllocClear != 0 && from != PageStateClear {
		m.arena.Zero(p.PhysicalPageNumber, 1)
	}

	m.allocations.track(p, 2)
	return p
}

// AllocatePageRun allocates length physically contiguous pages satisfying
// restrictions and returns the first one; the others follow it in the page
// registry. The pages are reserved at priority without waiting.
func (m *Manager) AllocatePageRun(flags uint32, length uint32, restrictions PhysicalAddressRestrictions, priority Priority) (*Page, *kernel.Error) {
	state := PageState(flags & allocStateMask)
	if state == PageStateFree || state == PageStateClear || state >= pageStateCount || length == 0 {
		return nil, ErrInvalidArgument
	}

	var r Reservation
	if !m.TryReservePages(&r, length, priority) {
		return nil, ErrNoMemory
	}

	to := queueIndex(state)
	m.freePageQueuesLock.Lock()
	m.lockQueues(to, int(PageStateFree), int(PageStateClear))

	start, found := m.findFreeRun(uint64(length), restrictions)
	var toClear []mm.Frame
	if found {
		for i := start; i < start+uint64(length); i++ {
			p := &m.pages[i]
			from := p.State()
			m.queues[from].remove(m.pages, p)
			p.busy.Store(flags&AllocBusy != 0)
			p.usageCount = 0
			p.accessed = false
			p.modified = false
			if to >= 0 {
				m.queues[to].append(m.pages, p)
			}
			p.state.Store(uint32(state))

			if flags&AllocClear != 0 && from != PageStateClear {
				toClear = append(toClear, p.PhysicalPageNumber)
			}
		}
	}

	m.unlockQueues(to, int(PageStateFree), int(PageStateClear))
	m.freePageQueuesLock.Unlock()

	if !found {
		m.UnreservePages(&r)
		return nil, ErrNoMemory
	}
	r.Count -= length

	for i := 0; i < len(toClear); {
		j := i + 1
		for j < len(toClear) && toClear[j] == toClear[j-1]+1 {
			j++
		}
		m.arena.Zero(toClear[i], uint64(j-i))
		i = j
	}

	for i := start; i < start+uint64(length); i++ {
		m.allocations.track(&m.pages[i], 2)
	}

	return &m.pages[start], nil
}

// findFreeRun locates length consecutive free or clear pages. The caller
// must hold the free page queues write lock.
func (m *Manager) findFreeRun(length uint64, restrictions PhysicalAddressRestrictions) (uint64, bool) {
	low := mm.PagesForSize(restrictions.LowAddress)
	high := uint64(len(m.pages))
	if restrictions.HighAddress != 0 && restrictions.HighAddress>>mm.PageShift < high {
		high = restrictions.HighAddress >> mm.PageShift
	}

	align := restrictions.Alignment >> mm.PageShift
	if align == 0 {
		align = 1
	}
	boundary := restrictions.Boundary >> mm.PageShift

	roundUp := func(v, to uint64) uint64 {
		return (v + to - 1) / to * to
	}

	start := roundUp(low, align)
	for start+length <= high {
		if boundary != 0 && start/boundary != (start+length-1)/boundary {
			start = roundUp(roundUp(start+1, boundary), align)
			continue
		}

		fits := true
		for i := start; i < start+length; i++ {
			if state := m.pages[i].State(); state != PageStateFree && state != PageStateClear {
				fits = false
				start = roundUp(i+1, align)
				break
			}
		}

		if fits {
			return start, true
		}
	}

	return 0, false
}

// CheckPageQueues verifies that every page is linked into exactly the queue
// matching its state and that the queue counters are accurate.
func (m *Manager) CheckPageQueues() *kernel.Error {
	all := make([]int, queueCount)
	for i := range all {
		all[i] = i
	}

	m.freePageQueuesLock.Lock()
	m.lockQueues(all...)
	defer func() {
		m.unlockQueues(all...)
		m.freePageQueuesLock.Unlock()
	}()

	seen := make([]bool, len(m.pages))
	for i := range m.queues {
		q := &m.queues[i]
		var count uint32
		for p := q.first(m.pages); p != nil; p = q.next(m.pages, p) {
			if seen[p.PhysicalPageNumber] || p.State() != PageState(i) {
				kfmt.Fprintf(m.log, "%s in queue %s has state %s\n", p, q.name, p.State())
				return errQueueCorrupted
			}
			seen[p.PhysicalPageNumber] = true
			count++
		}

		if count != q.Count() {
			kfmt.Fprintf(m.log, "queue %s holds %d pages but counts %d\n", q.name, count, q.Count())
			return errQueueCorrupted
		}
	}

	for i := range m.pages {
		if m.pages[i].State().IsQueued() != seen[i] {
			kfmt.Fprintf(m.log, "%s in state %s is not queued\n", &m.pages[i], m.pages[i].State())
			return errQueueCorrupted
		}
	}

	return nil
}
