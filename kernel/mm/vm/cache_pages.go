package vm

import (
	"math"

	"vmcore/kernel"
	"vmcore/kernel/mm"

	"github.com/google/btree"
)

// pagesFor returns the number of pages needed to cover size bytes.
func pagesFor(size int64) uint64 {
	return mm.PagesForSize(uint64(size))
}

// pageRange returns the range of page offsets [first, end) the cache covers.
func (c *Cache) pageRange() (uint64, uint64) {
	return uint64(c.virtualBase) >> mm.PageShift, pagesFor(c.virtualEnd)
}

func (c *Cache) pageKey(pageOffset uint64) *Page {
	c.probe.cacheOffset = pageOffset
	return &c.probe
}

func (c *Cache) lookupPage(pageOffset uint64) *Page {
	p, _ := c.pages.Get(c.pageKey(pageOffset))
	return p
}

// pagesInRange returns the pages with offsets in [first, end) in offset
// order.
func (c *Cache) pagesInRange(first, end uint64) []*Page {
	var pages []*Page
	c.pages.AscendGreaterOrEqual(c.pageKey(first), func(p *Page) bool {
		if p.cacheOffset >= end {
			return false
		}
		pages = append(pages, p)
		return true
	})
	return pages
}

// LookupPage returns the page at byte offset or nil. The cache must be
// locked.
func (c *Cache) LookupPage(offset int64) *Page {
	return c.lookupPage(uint64(offset) >> mm.PageShift)
}

// ForEachPage calls fn for every page in offset order until fn returns
// false. The cache must be locked and fn must not modify the cache.
func (c *Cache) ForEachPage(fn func(*Page) bool) {
	c.pages.Ascend(btree.ItemIteratorG[*Page](fn))
}

// InsertPage adds page at byte offset. The cache must be locked. Inserting a
// page that already has a cache, into an occupied offset or outside of the
// cache range is a fatal error.
func (c *Cache) InsertPage(page *Page, offset int64) {
	pageOffset := uint64(offset) >> mm.PageShift
	if other := page.Cache(); other != nil {
		panicf(errPageHasCache, "insert %s into cache %d: page cache is set to %d", page, c.id, other.id)
		return
	}
	if first, end := c.pageRange(); pageOffset < first || pageOffset >= end {
		panicf(errOffsetOutOfRange, "insert %s into cache %d at offset 0x%x", page, c.id, offset)
		return
	}
	if other := c.lookupPage(pageOffset); other != nil {
		panicf(errOffsetOccupied, "insert %s into cache %d at offset 0x%x: %s already there", page, c.id, offset, other)
		return
	}

	page.cacheOffset = pageOffset
	c.pages.ReplaceOrInsert(page)
	c.pageCount++
	page.setCache(c)
	c.accountInsertedPage(page)
}

// RemovePage removes page from the cache. The cache must be locked and the
// page must belong to it.
func (c *Cache) RemovePage(page *Page) {
	if page.Cache() != c {
		panicf(errForeignPage, "remove %s from cache %d: page cache is set to %s", page, c.id, cacheName(page.Cache()))
		return
	}

	c.pages.Delete(page)
	c.pageCount--
	page.setCache(nil)
	c.accountRemovedPage(page)
}

func (c *Cache) accountInsertedPage(page *Page) {
	if page.wiredCount > 0 {
		c.wiredPagesCount++
	}
	if c.temporary && page.State() == PageStateModified {
		c.mgr.modifiedTemporaryPages.Add(1)
	}
}

func (c *Cache) accountRemovedPage(page *Page) {
	if page.wiredCount > 0 {
		c.wiredPagesCount--
	}
	if c.temporary && page.State() == PageStateModified {
		c.mgr.modifiedTemporaryPages.Add(-1)
	}
}

// MovePage moves page from its current cache into this cache at byte offset.
// Both caches must be locked. Waiters for the page follow it.
func (c *Cache) MovePage(page *Page, offset int64) {
	oldCache := page.Cache()
	pageOffset := uint64(offset) >> mm.PageShift
	if other := c.lookupPage(pageOffset); other != nil && other != page {
		panicf(errOffsetOccupied, "move %s into cache %d at offset 0x%x: %s already there", page, c.id, offset, other)
		return
	}

	oldCache.pages.Delete(page)
	oldCache.pageCount--
	oldCache.accountRemovedPage(page)

	page.cacheOffset = pageOffset
	c.pages.ReplaceOrInsert(page)
	c.pageCount++
	page.setCache(c)
	c.accountInsertedPage(page)

	if oldCache != c {
		oldCache.moveWaitersTo(c, page)
	}
}

// MoveAllPages moves all pages of fromCache into the cache, keeping their
// offsets. Both caches must be locked and the cache must be empty.
func (c *Cache) MoveAllPages(fromCache *Cache) {
	if c.pageCount != 0 {
		panicf(errMoveAllNonEmpty, "cache %d has %d pages", c.id, c.pageCount)
		return
	}

	c.pages, fromCache.pages = fromCache.pages, c.pages
	c.pageCount, fromCache.pageCount = fromCache.pageCount, 0
	c.wiredPagesCount, fromCache.wiredPagesCount = fromCache.wiredPagesCount, 0

	c.pages.Ascend(func(p *Page) bool {
		if p.State() == PageStateModified && c.temporary != fromCache.temporary {
			if c.temporary {
				c.mgr.modifiedTemporaryPages.Add(1)
			} else {
				c.mgr.modifiedTemporaryPages.Add(-1)
			}
		}
		p.setCache(c)
		fromCache.moveWaitersTo(c, p)
		return true
	})
}

func (c *Cache) moveWaitersTo(target *Cache, page *Page) {
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.page == page {
			target.waiters = append(target.waiters, w)
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(c.waiters); i++ {
		c.waiters[i] = nil
	}
	c.waiters = kept
}

// freePageRange frees the pages with offsets in [first, end). A busy page
// that is being written back is left to the page writer, which frees it
// once the write completes. For any other busy page it waits and returns
// false; the caller must then restart since the cache was unlocked.
func (c *Cache) freePageRange(first, end uint64, discarded *uint64) bool {
	for _, p := range c.pagesInRange(first, end) {
		if p.busy.Load() {
			if p.busyWriting.Load() {
				p.busyWriting.Store(false)
				continue
			}

			c.WaitForPageEvents(p, PageEventNotBusy, true)
			return false
		}

		c.mgr.removeAllMappings(p)
		c.RemovePage(p)
		c.mgr.FreePage(p, nil)
		if discarded != nil {
			*discarded++
		}
	}

	return true
}

// Resize changes the end of the cache to newSize bytes. Pages beyond the new
// end are freed and the tail of a partial last page is cleared. Unless
// priority is negative, backing for the new size is committed first and the
// resize fails if that is not possible. The cache must be locked.
func (c *Cache) Resize(newSize int64, priority int) *kernel.Error {
	if newSize < c.virtualBase {
		return ErrInvalidArgument
	}

	if priority >= 0 {
		if err := c.store.Commit(newSize-c.virtualBase, Priority(priority)); err != nil {
			return err
		}
	}

	oldPageCount, newPageCount := pagesFor(c.virtualEnd), pagesFor(newSize)
	if newPageCount < oldPageCount {
		for !c.freePageRange(newPageCount, math.MaxUint64, nil) {
		}
		c.store.FreeBacking(newPageCount, oldPageCount)
	}

	if partial := newSize % int64(mm.PageSize); newSize < c.virtualEnd && partial != 0 {
		for {
			p := c.lookupPage(uint64(newSize) >> mm.PageShift)
			if p == nil {
				break
			}

			// The page may be read by a write back in progress.
			if p.busy.Load() {
				c.WaitForPageEvents(p, PageEventNotBusy, true)
				continue
			}

			kernel.Memset(c.mgr.PageData(p)[partial:], 0)
			break
		}
	}

	c.virtualEnd = newSize
	return nil
}

// Rebase moves the start of the cache to newBase bytes, freeing the pages
// that fall out of range. The commitment rules match Resize.
func (c *Cache) Rebase(newBase int64, priority int) *kernel.Error {
	if newBase > c.virtualEnd || newBase < 0 {
		return ErrInvalidArgument
	}

	if priority >= 0 {
		if err := c.store.Commit(c.virtualEnd-newBase, Priority(priority)); err != nil {
			return err
		}
	}

	if newBase > c.virtualBase {
		basePage := uint64(newBase) >> mm.PageShift
		for !c.freePageRange(0, basePage, nil) {
		}
		c.store.FreeBacking(0, basePage)
	}

	c.virtualBase = newBase
	return nil
}

// Adopt moves the pages of source in [offset, offset+size) into the cache,
// relocating them to start at newOffset. Both caches must be locked.
func (c *Cache) Adopt(source *Cache, offset, size, newOffset int64) *kernel.Error {
	if offset < 0 || size < 0 || newOffset < 0 {
		return ErrInvalidArgument
	}

	startPage := uint64(offset) >> mm.PageShift
	endPage := pagesFor(offset + size)
	delta := newOffset - offset

	if a, ok := c.store.(backingAdopter); ok {
		a.AdoptBacking(source, startPage, endPage, delta>>mm.PageShift)
	}

	for _, p := range source.pagesInRange(startPage, endPage) {
		c.MovePage(p, int64(p.cacheOffset)<<mm.PageShift+delta)
	}

	return nil
}

// Discard frees all pages in [offset, offset+size) together with their
// backing and returns the number of bytes of resident pages discarded. The
// cache must be locked.
func (c *Cache) Discard(offset, size int64) (int64, *kernel.Error) {
	if offset < 0 || size < 0 {
		return 0, ErrInvalidArgument
	}

	startPage, endPage := uint64(offset)>>mm.PageShift, pagesFor(offset+size)

	var discarded uint64
	for !c.freePageRange(startPage, endPage, &discarded) {
	}
	c.store.FreeBacking(startPage, endPage)

	return int64(discarded << mm.PageShift), nil
}
