package vm

import (
	"fmt"
	"io"
	"sync"

	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"

	"github.com/google/btree"
)

// CacheType identifies the backing store variant of a cache.
type CacheType uint8

// The supported cache variants.
const (
	CacheTypeRAM CacheType = iota
	CacheTypeVnode
	CacheTypeDevice
	CacheTypeNull
)

// String implements fmt.Stringer for CacheType.
func (t CacheType) String() string {
	switch t {
	case CacheTypeRAM:
		return "RAM"
	case CacheTypeVnode:
		return "vnode"
	case CacheTypeDevice:
		return "device"
	case CacheTypeNull:
		return "null"
	default:
		return "unknown"
	}
}

// pageEventWaiter is registered by WaitForPageEvents and woken by
// NotifyPageEvents.
type pageEventWaiter struct {
	page   *Page
	events uint32
	wake   chan struct{}
}

func pageLess(a, b *Page) bool {
	return a.cacheOffset < b.cacheOffset
}

// Cache maps page offsets to physical pages for one mapped file, anonymous
// region or device range. Caches form copy-on-write chains: a consumer is a
// cache cloned from its source and falls back to the source for pages it
// does not hold itself.
//
// Lock ordering between caches follows the chain: a consumer is locked
// before its source. A source that wants to merge into its consumer while
// holding its own lock therefore only uses TryLock on the consumer (see
// tryMergeWithConsumer) and falls back to dropping its lock and taking both
// in chain order. All fields below mu are protected by it.
type Cache struct {
	mgr       *Manager
	id        int32
	cacheType CacheType
	temporary bool
	store     cacheStore

	mu sync.Mutex

	virtualBase   int64
	virtualEnd    int64
	committedSize int64

	pages           *btree.BTreeG[*Page]
	probe           Page
	pageCount       uint32
	wiredPagesCount uint32

	source    *Cache
	consumers []*Cache
	areas     []*Area

	refCount int32
	deleted  bool
	waiters  []*pageEventWaiter
}

func (m *Manager) newCache(cacheType CacheType, temporary bool) *Cache {
	c := &Cache{
		mgr:       m,
		id:        m.nextCacheID.Add(1),
		cacheType: cacheType,
		temporary: temporary,
		pages:     btree.NewG[*Page](8, pageLess),
		refCount:  1,
	}
	m.registerCache(c)
	return c
}

// ID returns the unique cache id.
func (c *Cache) ID() int32 { return c.id }

// Type returns the cache variant.
func (c *Cache) Type() CacheType { return c.cacheType }

// Temporary returns true for caches whose pages have no persistent backing
// store.
func (c *Cache) Temporary() bool { return c.temporary }

// VirtualBase returns the first byte offset covered by the cache.
func (c *Cache) VirtualBase() int64 { return c.virtualBase }

// VirtualEnd returns the end of the byte range covered by the cache.
func (c *Cache) VirtualEnd() int64 { return c.virtualEnd }

// CommittedSize returns the number of bytes of backing guaranteed to the
// cache.
func (c *Cache) CommittedSize() int64 { return c.committedSize }

// PageCount returns the number of pages owned by the cache.
func (c *Cache) PageCount() uint32 { return c.pageCount }

// WiredPagesCount returns the number of owned pages with a non-zero wired
// count.
func (c *Cache) WiredPagesCount() uint32 { return c.wiredPagesCount }

// RefCount returns the current reference count.
func (c *Cache) RefCount() int32 { return c.refCount }

// Source returns the cache this cache was cloned from.
func (c *Cache) Source() *Cache { return c.source }

// Consumers returns a copy of the consumer list.
func (c *Cache) Consumers() []*Cache {
	return append([]*Cache(nil), c.consumers...)
}

// AreaCount returns the number of areas using the cache.
func (c *Cache) AreaCount() int { return len(c.areas) }

// Deleted returns true once the cache has been torn down.
func (c *Cache) Deleted() bool { return c.deleted }

// Lock acquires the cache lock.
func (c *Cache) Lock() {
	c.mu.Lock()
}

// TryLock acquires the cache lock if it is free and reports whether it did.
func (c *Cache) TryLock() bool {
	return c.mu.TryLock()
}

// Unlock releases the cache lock. If only one reference is left and the
// cache is mergeable it is first merged into its only consumer; if no
// reference is left the cache is deleted.
func (c *Cache) Unlock() {
	c.unlock(false)
}

// unlock releases the cache lock. With consumerLocked set the caller holds
// the lock of a consumer and merging is skipped.
func (c *Cache) unlock(consumerLocked bool) {
	for !consumerLocked && c.refCount == 1 && c.isMergeable() {
		c.tryMergeWithConsumer(c.consumers[0])
	}

	if c.refCount == 0 {
		c.delete()
		return
	}

	c.mu.Unlock()
}

// isMergeable reports whether the cache can be collapsed into its consumer:
// it must be temporary, unused by any area and have exactly one consumer.
func (c *Cache) isMergeable() bool {
	return len(c.areas) == 0 && c.temporary && len(c.consumers) == 1
}

// tryMergeWithConsumer merges the cache into consumer. If the consumer lock
// is contended the cache pins itself with an extra reference, drops its own
// lock and acquires both locks in chain order; the merge only happens if
// nothing changed in the meantime. The caller holds the cache lock, which is
// still held on return.
func (c *Cache) tryMergeWithConsumer(consumer *Cache) {
	if consumer.TryLock() {
		c.mergeWithOnlyConsumer()
		consumer.Unlock()
		return
	}

	c.refCount++
	c.mu.Unlock()
	consumer.Lock()
	c.mu.Lock()
	c.refCount--

	if c.refCount == 1 && c.isMergeable() && c.consumers[0] == consumer {
		c.mergeWithOnlyConsumer()
	}

	consumer.Unlock()
}

// mergeWithOnlyConsumer moves the pages of the cache into its only consumer
// and hands the cache's source over to it. Both caches must be locked.
func (c *Cache) mergeWithOnlyConsumer() {
	consumer := c.consumers[0]
	c.consumers = c.consumers[:0]

	consumer.Merge(c)

	if newSource := c.source; newSource != nil {
		newSource.Lock()
		for i, other := range newSource.consumers {
			if other == c {
				newSource.consumers[i] = consumer
				break
			}
		}
		consumer.source = newSource
		c.source = nil
		// The number of consumers, areas and references of newSource
		// did not change, so there is nothing to merge.
		newSource.mu.Unlock()
	} else {
		consumer.source = nil
	}

	// The consumer's reference is gone; it took over ours on the source.
	c.ReleaseRefLocked()
}

// Merge moves all pages of source that the cache does not shadow into the
// cache and hands the backing of source over to the cache's store. Both
// caches must be locked.
func (c *Cache) Merge(source *Cache) {
	first, end := c.pageRange()
	shadow, _ := c.store.(shadowingStore)

	var pages []*Page
	source.pages.Ascend(func(p *Page) bool {
		if p.cacheOffset < first || p.cacheOffset >= end || c.lookupPage(p.cacheOffset) != nil {
			return true
		}
		if shadow != nil && shadow.shadowsPage(p.cacheOffset) {
			return true
		}
		pages = append(pages, p)
		return true
	})

	// The store decides about shadowing before the pages move up.
	c.store.Merge(source)

	for _, p := range pages {
		c.MovePage(p, int64(p.cacheOffset)<<mm.PageShift)
	}
}

// delete tears down a cache whose reference count dropped to zero. The cache
// is locked on entry and unlocked on return.
func (c *Cache) delete() {
	if len(c.areas) != 0 || len(c.consumers) != 0 {
		panicf(errCacheInUse, "cache %d: %d areas, %d consumers", c.id, len(c.areas), len(c.consumers))
		return
	}

	var pages []*Page
	c.pages.Ascend(func(p *Page) bool {
		pages = append(pages, p)
		return true
	})
	for _, p := range pages {
		if p.IsMapped() {
			panicf(errFreeMappedPage, "cache %d: deleting with mapped %s", c.id, p)
			return
		}
		c.RemovePage(p)
		c.mgr.FreePage(p, nil)
	}

	if c.source != nil {
		c.source.removeConsumer(c)
	}

	c.store.Delete()
	c.deleted = true
	c.mgr.unregisterCache(c)
	c.mu.Unlock()
}

// AcquireRefLocked adds a reference. The cache must be locked.
func (c *Cache) AcquireRefLocked() {
	c.refCount++
}

// AcquireRef adds a reference.
func (c *Cache) AcquireRef() {
	c.Lock()
	c.refCount++
	c.Unlock()
}

// ReleaseRefLocked drops a reference. The cache must be locked; deletion or
// merging happens when it is unlocked.
func (c *Cache) ReleaseRefLocked() {
	c.refCount--
}

// ReleaseRef drops a reference and deletes the cache if it was the last.
func (c *Cache) ReleaseRef() {
	c.Lock()
	c.refCount--
	c.Unlock()
}

// ReleaseRefAndUnlock drops a reference and unlocks the cache.
func (c *Cache) ReleaseRefAndUnlock() {
	c.ReleaseRefLocked()
	c.Unlock()
}

// AddConsumer makes consumer a copy-on-write child of the cache. Both caches
// must be locked. The consumer holds a reference on the cache and on its
// backing store.
func (c *Cache) AddConsumer(consumer *Cache) {
	consumer.source = c
	c.consumers = append(c.consumers, consumer)
	c.AcquireRefLocked()
	if err := c.AcquireStoreRef(); err != nil {
		kfmt.Fprintf(c.mgr.log, "cache %d: store reference for consumer %d: %s\n", c.id, consumer.id, err.Message)
	}
}

// removeConsumer unlinks consumer, which must be locked while the cache
// itself is not. The store reference is released before the cache is locked
// to keep store code out of the cache lock.
func (c *Cache) removeConsumer(consumer *Cache) {
	c.ReleaseStoreRef()

	c.Lock()
	for i, other := range c.consumers {
		if other == consumer {
			c.consumers = append(c.consumers[:i], c.consumers[i+1:]...)
			break
		}
	}
	consumer.source = nil
	c.ReleaseRefAndUnlock()
}

// InsertArea records that area uses the cache. The cache must be locked.
func (c *Cache) InsertArea(area *Area) {
	c.areas = append(c.areas, area)
	if err := c.AcquireStoreRef(); err != nil {
		kfmt.Fprintf(c.mgr.log, "cache %d: store reference for area %d: %s\n", c.id, area.ID, err.Message)
	}
}

// RemoveArea removes area from the cache. The cache must not be locked.
func (c *Cache) RemoveArea(area *Area) {
	c.ReleaseStoreRef()

	c.Lock()
	for i, other := range c.areas {
		if other == area {
			c.areas = append(c.areas[:i], c.areas[i+1:]...)
			break
		}
	}
	c.Unlock()
}

// WaitForPageEvents unlocks the cache and blocks until one of events is
// signalled for page. If relock is set the cache is locked again on return.
func (c *Cache) WaitForPageEvents(page *Page, events uint32, relock bool) {
	w := &pageEventWaiter{page: page, events: events, wake: make(chan struct{})}
	c.waiters = append(c.waiters, w)

	if relock {
		// The caller keeps working with the cache; merging and deletion
		// are left to its final Unlock.
		c.mu.Unlock()
		<-w.wake
		c.mu.Lock()
		return
	}

	c.Unlock()
	<-w.wake
}

// NotifyPageEvents wakes the waiters for page interested in events. The
// cache must be locked.
func (c *Cache) NotifyPageEvents(page *Page, events uint32) {
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.page == page && w.events&events != 0 {
			close(w.wake)
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(c.waiters); i++ {
		c.waiters[i] = nil
	}
	c.waiters = kept
}

// MarkPageUnbusy clears the busy flag of page and wakes its waiters. The
// cache must be locked.
func (c *Cache) MarkPageUnbusy(page *Page) {
	page.busy.Store(false)
	c.NotifyPageEvents(page, PageEventNotBusy)
}

// acquireLockedPageCache locks the cache owning page and acquires a
// reference to it. It returns nil if the page has no cache or, with
// dontWait set, if the cache lock is contended.
func (m *Manager) acquireLockedPageCache(page *Page, dontWait bool) *Cache {
	for {
		c := page.Cache()
		if c == nil {
			return nil
		}

		if dontWait {
			if !c.TryLock() {
				return nil
			}
		} else {
			c.Lock()
		}

		if page.Cache() == c && !c.deleted {
			c.AcquireRefLocked()
			return c
		}

		// The page moved while we waited for the lock.
		c.mu.Unlock()
	}
}

// Commit guarantees backing for size bytes of the cache.
func (c *Cache) Commit(size int64, priority Priority) *kernel.Error {
	return c.store.Commit(size, priority)
}

// SetMinimalCommitment raises the commitment to at least commitment bytes.
func (c *Cache) SetMinimalCommitment(commitment int64, priority Priority) *kernel.Error {
	if c.committedSize < commitment {
		return c.store.Commit(commitment, priority)
	}
	return nil
}

// HasPage reports whether the backing store holds data for offset.
func (c *Cache) HasPage(offset int64) bool {
	return c.store.HasPage(offset)
}

// Read fills vecs from the backing store starting at offset and returns the
// number of bytes read. The cache must not be locked.
func (c *Cache) Read(offset int64, vecs [][]byte) (int, *kernel.Error) {
	return c.store.Read(offset, vecs)
}

// Write stores vecs in the backing store starting at offset and returns the
// number of bytes written. The cache must not be locked.
func (c *Cache) Write(offset int64, vecs [][]byte) (int, *kernel.Error) {
	return c.store.Write(offset, vecs)
}

// WriteAsync behaves like Write but reports the outcome through done.
// Stores without asynchronous I/O complete the write before returning.
func (c *Cache) WriteAsync(offset int64, vecs [][]byte, done func(err *kernel.Error, transferred int)) {
	if aw, ok := c.store.(asyncWriter); ok {
		aw.WriteAsync(offset, vecs, done)
		return
	}

	n, err := c.store.Write(offset, vecs)
	done(err, n)
}

// CanWritePage reports whether the page at offset can be written back.
func (c *Cache) CanWritePage(offset int64) bool {
	return c.store.CanWritePage(offset)
}

// Fault gives the cache a chance to resolve a fault at offset. It returns
// ErrBadHandler to request the generic fault handling.
func (c *Cache) Fault(space *AddressSpace, offset int64) *kernel.Error {
	return c.store.Fault(space, offset)
}

// MaxPagesPerWrite returns the maximum pages per synchronous write or -1.
func (c *Cache) MaxPagesPerWrite() int {
	return c.store.MaxPagesPerWrite()
}

// MaxPagesPerAsyncWrite returns the maximum pages per asynchronous write or
// -1.
func (c *Cache) MaxPagesPerAsyncWrite() int {
	return c.store.MaxPagesPerAsyncWrite()
}

// AcquireStoreRef acquires a reference to the backing store.
func (c *Cache) AcquireStoreRef() *kernel.Error {
	return c.store.AcquireStoreRef()
}

// AcquireUnreferencedStoreRef acquires a store reference unless the store
// is being torn down.
func (c *Cache) AcquireUnreferencedStoreRef() *kernel.Error {
	return c.store.AcquireUnreferencedStoreRef()
}

// ReleaseStoreRef releases a reference to the backing store.
func (c *Cache) ReleaseStoreRef() {
	c.store.ReleaseStoreRef()
}

// Dump writes a description of the cache and its pages to w.
func (c *Cache) Dump(w io.Writer, showPages bool) {
	kfmt.Fprintf(w, "cache %d (%s):\n", c.id, c.cacheType)
	kfmt.Fprintf(w, "  ref_count:    %d\n", c.refCount)
	kfmt.Fprintf(w, "  source:       %s\n", cacheName(c.source))
	kfmt.Fprintf(w, "  virtual:      0x%x - 0x%x\n", c.virtualBase, c.virtualEnd)
	kfmt.Fprintf(w, "  committed:    %d\n", c.committedSize)
	kfmt.Fprintf(w, "  temporary:    %t\n", c.temporary)
	kfmt.Fprintf(w, "  page_count:   %d (%d wired)\n", c.pageCount, c.wiredPagesCount)
	kfmt.Fprintf(w, "  areas:        %d\n", len(c.areas))
	for _, a := range c.areas {
		kfmt.Fprintf(w, "    area %d %q: size 0x%x, offset 0x%x\n", a.ID, a.Name, a.size, a.cacheOffset)
	}
	kfmt.Fprintf(w, "  consumers:    %d\n", len(c.consumers))
	for _, consumer := range c.consumers {
		kfmt.Fprintf(w, "    %s\n", cacheName(consumer))
	}
	c.store.Dump(w)

	if !showPages {
		return
	}
	c.pages.Ascend(func(p *Page) bool {
		kfmt.Fprintf(w, "    0x%x: frame 0x%x, %s, busy %t, modified %t, wired %d\n",
			p.cacheOffset, uint64(p.PhysicalPageNumber), p.State(), p.busy.Load(), p.Modified(), p.wiredCount)
		return true
	})
}

func cacheName(c *Cache) string {
	if c == nil {
		return "<none>"
	}
	return fmt.Sprintf("cache %d (%s)", c.id, c.cacheType)
}
