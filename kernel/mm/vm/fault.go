package vm

import (
	"vmcore/kernel"
	"vmcore/kernel/mm"
)

// cacheChainLocker keeps a prefix of a cache chain locked and referenced,
// starting with the top cache.
type cacheChainLocker struct {
	caches []*Cache
}

func (l *cacheChainLocker) lockTop(top *Cache) {
	top.Lock()
	top.AcquireRefLocked()
	l.caches = append(l.caches[:0], top)
}

// lockSource locks and references the source of the bottom cache and
// returns it, or nil at the end of the chain.
func (l *cacheChainLocker) lockSource() *Cache {
	source := l.caches[len(l.caches)-1].source
	if source == nil {
		return nil
	}

	source.Lock()
	source.AcquireRefLocked()
	l.caches = append(l.caches, source)
	return source
}

// unlock releases every cache but except, sources first. Caches whose
// consumer is still locked are not merged.
func (l *cacheChainLocker) unlock(except *Cache) {
	for i := len(l.caches) - 1; i >= 0; i-- {
		c := l.caches[i]
		if c == except {
			continue
		}
		c.ReleaseRefLocked()
		c.unlock(i > 0)
	}
	l.caches = l.caches[:0]
}

// SoftFault resolves a fault at offset within area. It finds the page in
// the area's cache chain, reading it in from a backing store if needed; a
// write fault on a page owned by a lower cache copies it into the top
// cache. If no cache has the page a zero-filled one is inserted: into the
// top cache on a write, into the bottom cache on a read. The page is mapped
// into the area and returned.
func (m *Manager) SoftFault(area *Area, offset int64, write bool) (*Page, *kernel.Error) {
	m.pageFaults.Add(1)

	if offset < 0 || offset >= area.size {
		return nil, ErrBadAddress
	}

	pageIndex := uint64(offset) >> mm.PageShift
	cacheOffset := area.cacheOffset + int64(pageIndex)<<mm.PageShift

	var r Reservation
	defer m.UnreservePages(&r)

	var chain cacheChainLocker
	for {
		// One page for the page itself and one for a copy-on-write copy.
		if r.Count < 2 {
			m.ReservePages(&r, 2-r.Count, area.space.priority())
		}

		top := area.cache
		chain.lockTop(top)

		if err := top.Fault(area.space, cacheOffset); err != ErrBadHandler {
			chain.unlock(nil)
			return nil, err
		}

		page, restart, err := m.faultFindPage(&chain, &r, cacheOffset)
		if err != nil {
			return nil, err
		}
		if restart {
			continue
		}

		bottom := chain.caches[len(chain.caches)-1]
		switch {
		case page == nil:
			target := bottom
			if write {
				target = top
			}
			page = m.AllocatePage(&r, uint32(PageStateActive)|AllocClear)
			target.InsertPage(page, cacheOffset)
		case write && page.Cache() != top:
			source := page
			page = m.AllocatePage(&r, uint32(PageStateActive))
			kernel.Memcopy(m.PageData(source), m.PageData(page))
			top.InsertPage(page, cacheOffset)
		}

		if state := page.State(); state == PageStateCached || state == PageStateInactive {
			m.setPageState(page, PageStateActive)
		}

		area.mapPage(page, pageIndex, page.Cache() == top)
		page.hwAccessed.Store(true)
		if write {
			page.hwModified.Store(true)
		}

		chain.unlock(nil)
		return page, nil
	}
}

// faultFindPage walks the chain locked by chain looking for the page at
// cacheOffset, extending the locked prefix as it goes. It returns the page
// or nil if no cache has it, leaving the chain down to the last visited
// cache locked. If the chain had to be unlocked restart is set and nothing
// is locked on return; the same holds on error.
func (m *Manager) faultFindPage(chain *cacheChainLocker, r *Reservation, cacheOffset int64) (*Page, bool, *kernel.Error) {
	cache := chain.caches[0]
	for cache != nil {
		page := cache.LookupPage(cacheOffset)
		if page != nil && page.busy.Load() {
			chain.unlock(cache)
			cache.ReleaseRefLocked()
			cache.WaitForPageEvents(page, PageEventNotBusy, false)
			return nil, true, nil
		}
		if page != nil {
			return page, false, nil
		}

		if cache.HasPage(cacheOffset) {
			page = m.AllocatePage(r, uint32(PageStateActive)|AllocBusy)
			cache.InsertPage(page, cacheOffset)

			chain.unlock(cache)
			cache.mu.Unlock()

			_, err := cache.Read(cacheOffset, [][]byte{m.PageData(page)})

			cache.Lock()
			if err != nil {
				cache.NotifyPageEvents(page, PageEventNotBusy)
				cache.RemovePage(page)
				page.busy.Store(false)
				m.FreePage(page, r)
				cache.ReleaseRefAndUnlock()
				return nil, false, err
			}

			cache.MarkPageUnbusy(page)
			// The chain was unlocked, so it may have changed.
			cache.ReleaseRefAndUnlock()
			return nil, true, nil
		}

		cache = chain.lockSource()
	}

	return nil, false, nil
}
