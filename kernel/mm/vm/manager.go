// Package vm implements the page cache and the physical page allocator and
// reclaimer: the page registry and its state queues, the page reservation
// subsystem, caches with their copy-on-write chains and the page scrubber,
// writer and daemon background workers.
package vm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pmm"
	ksync "vmcore/kernel/sync"
)

// panicf logs the details of a contract violation and halts via kfmt.Panic.
func panicf(err *kernel.Error, format string, args ...interface{}) {
	kfmt.Printf("[vm] "+format+"\n", args...)
	kfmt.Panic(err)
}

// Manager is the process-wide memory manager context. It owns the page
// registry, the page queues, the reservation bookkeeping and the background
// workers. It is created once by NewManager and shared by all callers.
type Manager struct {
	cfg   Config
	arena *pmm.Arena
	log   *kfmt.PrefixWriter

	// Page registry; the index of a descriptor is its frame number.
	pages []Page

	queues [queueCount]pageQueue

	// freePageQueuesLock is read-locked by operations touching a single
	// free/clear queue and write-locked by operations that need a stable
	// view of both.
	freePageQueuesLock sync.RWMutex

	// Registry boot statistics.
	nonExistingPages uint64
	ignoredPages     uint64

	modifiedTemporaryPages atomic.Int32

	// Reservation bookkeeping.
	unreservedFreePages         atomic.Int32
	unsatisfiedPageReservations atomic.Int32
	waiterLock                  ksync.Spinlock
	waiters                     []*reservationWaiter

	// Memory commitment bookkeeping.
	commit memoryCommitment

	swap SwapStore

	// Cache registry.
	cacheListLock sync.RWMutex
	caches        map[int32]*Cache
	nextCacheID   atomic.Int32
	nextAreaID    atomic.Int32

	pageFaults atomic.Uint64

	// blockCachePagesFn reports pages used by an external block cache.
	blockCachePagesFn func() uint64

	allocations allocationTracker

	// Background worker state.
	writerWake       chan struct{}
	daemonWake       chan struct{}
	writerIOPriority atomic.Int32
	despairLevel     atomic.Int32
	cancel           context.CancelFunc
	workers          sync.WaitGroup
}

// NewManager builds the page registry over arena using regions as the
// physical memory map, initializes the page queues and the reservation
// subsystem. Background workers are started separately by Start.
func NewManager(cfg Config, arena *pmm.Arena, regions []mm.MemoryRegion) (*Manager, *kernel.Error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:        cfg,
		arena:      arena,
		log:        kfmt.NewPrefixWriter("[vm] "),
		caches:     make(map[int32]*Cache),
		writerWake: make(chan struct{}, 1),
		daemonWake: make(chan struct{}, 1),
	}

	m.allocations.init(cfg.TrackAllocations)
	m.initRegistry(regions)
	m.initQueues()
	m.initReservation()

	m.cfg.computeTargets(uint64(len(m.pages)) - m.nonExistingPages)

	kfmt.Fprintf(m.log, "managing %d pages (%d free, %d wired, %d non-existing, %d ignored)\n",
		len(m.pages), m.queues[PageStateFree].Count(), m.countState(PageStateWired),
		m.nonExistingPages, m.ignoredPages)
	kfmt.Fprintf(m.log, "free pages target: %d, free or cached target: %d\n",
		m.cfg.FreePagesTarget, m.cfg.FreeOrCachedPagesTarget)

	return m, nil
}

// Config returns the effective configuration including computed targets.
func (m *Manager) Config() Config {
	return m.cfg
}

// Arena returns the physical memory arena.
func (m *Manager) Arena() *pmm.Arena {
	return m.arena
}

// PageCount returns the number of page descriptors.
func (m *Manager) PageCount() int {
	return len(m.pages)
}

// LookupPage returns the descriptor for frame or nil if the frame is not
// managed.
func (m *Manager) LookupPage(frame mm.Frame) *Page {
	if !frame.Valid() || uint64(frame) >= uint64(len(m.pages)) {
		return nil
	}
	return &m.pages[frame]
}

// PageData returns the contents of a page.
func (m *Manager) PageData(p *Page) []byte {
	return m.arena.Frame(p.PhysicalPageNumber)
}

// SetSwapStore installs the swap store used by swappable anonymous caches
// and adds its capacity to the committable memory.
func (m *Manager) SetSwapStore(s SwapStore) {
	m.swap = s
	if s != nil {
		m.UnreserveMemory(s.Size())
		kfmt.Fprintf(m.log, "swap store with %d slots installed\n", s.FreeSlotCount())
	}
}

// SetBlockCacheUsage installs a function reporting the number of pages used
// by an external block cache; they are reported as cached by SystemInfo.
func (m *Manager) SetBlockCacheUsage(fn func() uint64) {
	m.blockCachePagesFn = fn
}

// initRegistry creates one descriptor per managed frame. Frames inside
// available regions start out free, frames inside reserved regions are
// wired and frames not covered by any region are unused and counted as
// non-existing.
func (m *Manager) initRegistry(regions []mm.MemoryRegion) {
	frameCount := m.arena.FrameCount()
	if m.cfg.MaxPhysicalPages != 0 && frameCount > m.cfg.MaxPhysicalPages {
		m.ignoredPages = frameCount - m.cfg.MaxPhysicalPages
		frameCount = m.cfg.MaxPhysicalPages
	}

	m.pages = make([]Page, frameCount)
	covered := make([]bool, frameCount)
	for i := range m.pages {
		m.pages[i].PhysicalPageNumber = mm.Frame(i)
		m.pages[i].queueNext = nilPageIndex
		m.pages[i].queuePrev = nilPageIndex
		m.pages[i].state.Store(uint32(PageStateUnused))
	}

	mm.VisitMemRegions(regions, func(region *mm.MemoryRegion) bool {
		first := mm.PagesForSize(region.PhysAddress)
		end := (region.End()) >> mm.PageShift
		if first >= frameCount {
			return false
		}
		if end > frameCount {
			end = frameCount
		}

		state := PageStateWired
		if region.Type == mm.MemAvailable {
			state = PageStateFree
		}

		for f := first; f < end; f++ {
			if covered[f] {
				// Reserved takes precedence over available.
				if state == PageStateWired {
					m.pages[f].state.Store(uint32(state))
				}
				continue
			}
			covered[f] = true
			m.pages[f].state.Store(uint32(state))
		}
		return true
	})

	for f := range covered {
		if !covered[f] {
			m.nonExistingPages++
		}
	}
}

func (m *Manager) initQueues() {
	for i := range m.queues {
		m.queues[i].init(PageState(i).String())
	}

	for i := range m.pages {
		if m.pages[i].State() == PageStateFree {
			m.queues[PageStateFree].append(m.pages, &m.pages[i])
		}
	}
}

func (m *Manager) initReservation() {
	free := m.queues[PageStateFree].Count()
	m.unreservedFreePages.Store(int32(free))
	m.commit.init(int64(free) << mm.PageShift)
}

// Start launches the page scrubber, page writer and page daemon.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.workers.Add(3)
	go m.runPageScrubber(ctx)
	go m.runPageWriter(ctx)
	go m.runPageDaemon(ctx)
}

// Stop terminates the background workers and waits for them to exit.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.workers.Wait()
	m.cancel = nil
}

// WakeUpPageWriter signals the page writer to run immediately.
func (m *Manager) WakeUpPageWriter() {
	select {
	case m.writerWake <- struct{}{}:
	default:
	}
}

// WakeUpPageDaemon signals the page daemon to run immediately.
func (m *Manager) WakeUpPageDaemon() {
	select {
	case m.daemonWake <- struct{}{}:
	default:
	}
}

func (m *Manager) countState(state PageState) uint64 {
	if state.IsQueued() {
		return uint64(m.queues[state].Count())
	}

	var count uint64
	for i := range m.pages {
		if m.pages[i].State() == state {
			count++
		}
	}
	return count
}

func (m *Manager) registerCache(c *Cache) {
	m.cacheListLock.Lock()
	m.caches[c.id] = c
	m.cacheListLock.Unlock()
}

func (m *Manager) unregisterCache(c *Cache) {
	m.cacheListLock.Lock()
	delete(m.caches, c.id)
	m.cacheListLock.Unlock()
}

// LookupCache returns the live cache with the given id or nil.
func (m *Manager) LookupCache(id int32) *Cache {
	m.cacheListLock.RLock()
	defer m.cacheListLock.RUnlock()
	return m.caches[id]
}

// CacheCount returns the number of live caches.
func (m *Manager) CacheCount() int {
	m.cacheListLock.RLock()
	defer m.cacheListLock.RUnlock()
	return len(m.caches)
}

func (p *Page) String() string {
	return fmt.Sprintf("page 0x%x", uint64(p.PhysicalPageNumber))
}
