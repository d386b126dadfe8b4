package vm

import (
	"sync/atomic"

	"vmcore/kernel/mm"
)

// PageState describes the life-cycle state of a physical page. The first
// six states are queued: a page in one of them is linked into the page
// queue of the same index.
type PageState uint32

// The supported page states.
const (
	PageStateActive PageState = iota
	PageStateInactive
	PageStateModified
	PageStateCached
	PageStateFree
	PageStateClear
	PageStateWired
	PageStateUnused

	pageStateCount
	queueCount = int(PageStateWired)
)

var pageStateNames = [pageStateCount]string{
	"active",
	"inactive",
	"modified",
	"cached",
	"free",
	"clear",
	"wired",
	"unused",
}

// String implements fmt.Stringer for PageState.
func (s PageState) String() string {
	if s < pageStateCount {
		return pageStateNames[s]
	}
	return "invalid"
}

// IsQueued returns true if pages in this state are linked into a queue.
func (s PageState) IsQueued() bool {
	return s < PageStateWired
}

// Page events that can be waited for with Cache.WaitForPageEvents.
const (
	PageEventNotBusy uint32 = 1 << iota
)

// Flags accepted by AllocatePage and AllocatePageRun. The low bits select
// the state of the allocated page.
const (
	allocStateMask uint32 = 0x0f

	// AllocClear requests a zero-filled page.
	AllocClear uint32 = 0x10

	// AllocBusy marks the allocated page busy.
	AllocBusy uint32 = 0x20
)

const nilPageIndex = int32(-1)

// Page describes a physical page frame. Page descriptors are allocated once
// when the Manager is created and are never released.
//
// Unless noted otherwise the fields of a page that belongs to a cache are
// protected by that cache's lock; the fields of a free page are protected by
// the free page queue locks.
type Page struct {
	// PhysicalPageNumber is the frame this descriptor tracks.
	PhysicalPageNumber mm.Frame

	state atomic.Uint32
	cache atomic.Pointer[Cache]

	// cacheOffset is the page offset within the owning cache.
	cacheOffset uint64

	// Intrusive queue links; protected by the lock of the page's queue.
	queueNext int32
	queuePrev int32

	wiredCount int32
	usageCount int32
	accessed   bool
	modified   bool

	// busy is read without the cache lock by the queue scanners.
	busy        atomic.Bool
	busyWriting atomic.Bool

	// Simulated MMU accessed/dirty bits set by Area.Access.
	hwAccessed atomic.Bool
	hwModified atomic.Bool

	// Areas currently mapping this page.
	mappings []*Area

	// Caller that allocated the page when allocation tracking is enabled.
	allocSite string
}

// State returns the current page state.
func (p *Page) State() PageState {
	return PageState(p.state.Load())
}

// Cache returns the cache that owns the page or nil.
func (p *Page) Cache() *Cache {
	return p.cache.Load()
}

// CacheOffset returns the page offset of the page within its cache.
func (p *Page) CacheOffset() uint64 {
	return p.cacheOffset
}

// WiredCount returns the number of pins on the page.
func (p *Page) WiredCount() int32 {
	return p.wiredCount
}

// UsageCount returns the page daemon's usage estimate for the page.
func (p *Page) UsageCount() int32 {
	return p.usageCount
}

// Busy returns true while the page is excluded from state changes.
func (p *Page) Busy() bool {
	return p.busy.Load()
}

// Modified returns true if the page content differs from its backing store.
func (p *Page) Modified() bool {
	return p.modified || p.hwModified.Load()
}

// SetModified updates the software dirty bit. The caller must hold the
// owning cache's lock.
func (p *Page) SetModified(modified bool) {
	p.modified = modified
}

// IsMapped returns true if the page is wired or mapped by any area.
func (p *Page) IsMapped() bool {
	return p.wiredCount > 0 || len(p.mappings) > 0
}

// IncrementWiredCount pins the page. The caller must hold the owning cache's
// lock.
func (p *Page) IncrementWiredCount() {
	p.wiredCount++
	if p.wiredCount == 1 {
		if c := p.Cache(); c != nil {
			c.wiredPagesCount++
		}
	}
}

// DecrementWiredCount removes a pin from the page. The caller must hold the
// owning cache's lock.
func (p *Page) DecrementWiredCount() {
	if p.wiredCount == 0 {
		panicf(errWiredCountNegative, "page 0x%x", p.PhysicalPageNumber)
		return
	}

	p.wiredCount--
	if p.wiredCount == 0 {
		if c := p.Cache(); c != nil {
			c.wiredPagesCount--
		}
	}
}

func (p *Page) setCache(c *Cache) {
	p.cache.Store(c)
}

func (p *Page) resetForFree() {
	p.usageCount = 0
	p.busy.Store(false)
	p.busyWriting.Store(false)
	p.accessed = false
	p.modified = false
	p.hwAccessed.Store(false)
	p.hwModified.Store(false)
}
