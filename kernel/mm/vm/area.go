package vm

import (
	"sync"

	"vmcore/kernel"
	"vmcore/kernel/mm"
)

// AddressSpace identifies the owner of a set of areas.
type AddressSpace struct {
	ID     int32
	Kernel bool
}

// priority returns the reservation priority used for faults in the space.
func (s *AddressSpace) priority() Priority {
	if s != nil && s.Kernel {
		return PrioritySystem
	}
	return PriorityUser
}

type areaMapping struct {
	page     *Page
	writable bool
}

// Area maps a range of a cache into an address space. Mappings are created
// by the soft fault path and removed by the page daemon or Delete.
type Area struct {
	ID   int32
	Name string
	Base uint64

	mgr         *Manager
	space       *AddressSpace
	cache       *Cache
	cacheOffset int64
	size        int64

	// mu protects mapped. The page side of a mapping (Page.mappings) is
	// protected by the lock of the page's cache, which is acquired first.
	mu     sync.Mutex
	mapped map[uint64]areaMapping
}

// NewArea creates an area of size bytes at base mapping cache starting at
// cacheOffset. The area takes over the caller's reference to cache.
func (m *Manager) NewArea(space *AddressSpace, name string, base uint64, cache *Cache, cacheOffset, size int64) (*Area, *kernel.Error) {
	if size <= 0 || size%int64(mm.PageSize) != 0 || cacheOffset < 0 || cacheOffset%int64(mm.PageSize) != 0 {
		return nil, ErrInvalidArgument
	}

	a := &Area{
		ID:          m.nextAreaID.Add(1),
		Name:        name,
		Base:        base,
		mgr:         m,
		space:       space,
		cache:       cache,
		cacheOffset: cacheOffset,
		size:        size,
		mapped:      make(map[uint64]areaMapping),
	}

	cache.Lock()
	cache.InsertArea(a)
	cache.Unlock()

	return a, nil
}

// Size returns the size of the area in bytes.
func (a *Area) Size() int64 { return a.size }

// Cache returns the top cache of the area.
func (a *Area) Cache() *Cache { return a.cache }

// MappedPages returns the number of pages currently mapped by the area.
func (a *Area) MappedPages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.mapped)
}

// Access simulates a CPU access to offset. A mapped page is used directly
// and gets its accessed (and for writes its dirty) bit set; anything else
// goes through the soft fault path.
func (a *Area) Access(offset int64, write bool) (*Page, *kernel.Error) {
	if offset < 0 || offset >= a.size {
		return nil, ErrBadAddress
	}

	a.mu.Lock()
	if mp, ok := a.mapped[uint64(offset)>>mm.PageShift]; ok && (!write || mp.writable) {
		mp.page.hwAccessed.Store(true)
		if write {
			mp.page.hwModified.Store(true)
		}
		a.mu.Unlock()
		return mp.page, nil
	}
	a.mu.Unlock()

	return a.mgr.SoftFault(a, offset, write)
}

// mapPage maps page at the page index of the area, replacing any previous
// mapping. The caller holds the lock of the page's cache and, if there is
// one, the lock of the replaced page's cache.
func (a *Area) mapPage(page *Page, index uint64, writable bool) {
	a.mu.Lock()
	if old, ok := a.mapped[index]; ok && old.page != page {
		old.page.removeMapping(a)
	}
	if old, ok := a.mapped[index]; !ok || old.page != page {
		page.mappings = append(page.mappings, a)
	}
	a.mapped[index] = areaMapping{page: page, writable: writable}
	a.mu.Unlock()
}

// unmapPage removes all mappings of page from the area. The caller holds
// the lock of the page's cache.
func (a *Area) unmapPage(page *Page) {
	a.mu.Lock()
	for index, mp := range a.mapped {
		if mp.page == page {
			delete(a.mapped, index)
		}
	}
	a.mu.Unlock()
}

func (p *Page) removeMapping(a *Area) {
	for i, other := range p.mappings {
		if other == a {
			p.mappings = append(p.mappings[:i], p.mappings[i+1:]...)
			return
		}
	}
}

// Delete unmaps all pages, detaches the area from its cache and drops the
// area's cache reference.
func (a *Area) Delete() {
	m := a.mgr
	for {
		a.mu.Lock()
		var page *Page
		for _, mp := range a.mapped {
			page = mp.page
			break
		}
		a.mu.Unlock()

		if page == nil {
			break
		}

		c := m.acquireLockedPageCache(page, false)
		a.unmapPage(page)
		page.removeMapping(a)
		if page.hwModified.Swap(false) {
			page.modified = true
		}
		if c != nil {
			c.ReleaseRefAndUnlock()
		}
	}

	a.cache.RemoveArea(a)
	a.cache.ReleaseRef()
}

// removeAllMappings unmaps page from every area. Its dirty bit is folded
// into the software modified flag. The page's cache must be locked.
func (m *Manager) removeAllMappings(p *Page) {
	if p.hwModified.Swap(false) {
		p.modified = true
	}
	p.hwAccessed.Store(false)

	for _, a := range p.mappings {
		a.unmapPage(p)
	}
	p.mappings = nil
}

// clearPageMappingAccessedFlags clears the accessed flags of page and its
// mappings and returns how many of them were set. The dirty bit is folded
// into the software modified flag. The page's cache must be locked.
func (m *Manager) clearPageMappingAccessedFlags(p *Page) int32 {
	var count int32
	if p.accessed {
		count++
		p.accessed = false
	}
	if p.hwAccessed.Swap(false) {
		count++
	}
	if p.hwModified.Swap(false) {
		p.modified = true
	}
	return count
}

// removeAllMappingsIfUnaccessed unmaps page unless it has been accessed
// since the last scan and returns the accessed count like
// clearPageMappingAccessedFlags. The page's cache must be locked.
func (m *Manager) removeAllMappingsIfUnaccessed(p *Page) int32 {
	if p.accessed || p.hwAccessed.Load() {
		return m.clearPageMappingAccessedFlags(p)
	}

	m.removeAllMappings(p)
	return 0
}
