package vm

import (
	"context"
	"sync"
	"time"

	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
)

// pageWriteWrapper tracks one page while it is being written back.
type pageWriteWrapper struct {
	page     *Page
	cache    *Cache
	isActive bool
}

// SetTo marks page busy for writing and clears its modified flags. The
// page's cache must be locked.
func (w *pageWriteWrapper) SetTo(page *Page) {
	if page.busy.Load() {
		panicf(errFreeBusyPage, "write back of busy %s", page)
		return
	}

	w.page = page
	w.cache = page.Cache()
	w.isActive = true

	page.busy.Store(true)
	page.busyWriting.Store(true)
	page.modified = false
	page.hwModified.Store(false)
}

// Done completes the write back of the page with result and reports
// whether it succeeded. The page's cache must be locked.
//
// A written page moves to the queue matching its mapping and modified
// state. A page whose write failed is marked modified again; pages of
// non-temporary caches stay in the modified queue, others move to the
// active or inactive queue so they are not retried over and over. A page
// that was cut off by a resize while it was written is freed.
func (w *pageWriteWrapper) Done(result *kernel.Error) bool {
	if !w.isActive {
		panicf(errWrapperNotActive, "Done() called on inactive wrapper")
		return false
	}

	page, cache, m := w.page, w.cache, w.cache.mgr
	w.isActive = false

	if !page.busyWriting.Load() {
		cache.NotifyPageEvents(page, PageEventNotBusy)
		page.busy.Store(false)
		m.removeAllMappings(page)
		cache.RemovePage(page)
		m.FreePage(page, nil)
		return result == nil
	}

	success := true
	if result == nil {
		m.movePageToAppropriateQueue(page)
	} else {
		kfmt.Fprintf(m.log, "failed to write %s: %s\n", page, result.Message)
		page.modified = true
		switch {
		case !cache.temporary:
			m.setPageState(page, PageStateModified)
		case page.IsMapped():
			m.setPageState(page, PageStateActive)
		default:
			m.setPageState(page, PageStateInactive)
		}
		success = false
	}

	page.busyWriting.Store(false)
	cache.MarkPageUnbusy(page)
	return success
}

// movePageToAppropriateQueue puts a page that just became idle into the
// active, modified or cached queue.
func (m *Manager) movePageToAppropriateQueue(page *Page) {
	switch {
	case page.IsMapped():
		m.setPageState(page, PageStateActive)
	case page.Modified():
		m.setPageState(page, PageStateModified)
	default:
		m.setPageState(page, PageStateCached)
	}
}

// pageRun is a physically contiguous run of pages within a transfer.
type pageRun struct {
	first mm.Frame
	count uint64
}

// pageWriteTransfer is one I/O request covering logically contiguous pages
// of a single cache.
type pageWriteTransfer struct {
	run       *pageWriterRun
	cache     *Cache
	offset    uint64
	pageCount uint32
	maxPages  int
	maxVecs   int
	vecs      []pageRun
	status    *kernel.Error
}

func (t *pageWriteTransfer) SetTo(run *pageWriterRun, page *Page, maxPages, maxVecs int) {
	t.run = run
	t.cache = page.Cache()
	t.offset = page.cacheOffset
	t.pageCount = 1
	t.maxPages = maxPages
	t.maxVecs = maxVecs
	t.vecs = append(t.vecs[:0], pageRun{first: page.PhysicalPageNumber, count: 1})
	t.status = nil
}

// AddPage adds page to the transfer if it belongs to the same cache and is
// adjacent to either end. A page that is also physically adjacent extends
// the first or last vector; otherwise a new vector is started while there
// is room for one.
func (t *pageWriteTransfer) AddPage(page *Page) bool {
	if page.Cache() != t.cache || (t.maxPages >= 0 && int(t.pageCount) >= t.maxPages) {
		return false
	}

	last := &t.vecs[len(t.vecs)-1]
	if page.PhysicalPageNumber == last.first+mm.Frame(last.count) && page.cacheOffset == t.offset+uint64(t.pageCount) {
		last.count++
		t.pageCount++
		return true
	}

	first := &t.vecs[0]
	if page.PhysicalPageNumber+1 == first.first && page.cacheOffset+1 == t.offset {
		first.first = page.PhysicalPageNumber
		first.count++
		t.offset = page.cacheOffset
		t.pageCount++
		return true
	}

	appends := page.cacheOffset == t.offset+uint64(t.pageCount)
	prepends := page.cacheOffset+1 == t.offset
	if (appends || prepends) && len(t.vecs) < t.maxVecs {
		vec := pageRun{first: page.PhysicalPageNumber, count: 1}
		if prepends {
			t.vecs = append(t.vecs, pageRun{})
			copy(t.vecs[1:], t.vecs)
			t.vecs[0] = vec
			t.offset = page.cacheOffset
		} else {
			t.vecs = append(t.vecs, vec)
		}
		t.pageCount++
		return true
	}

	return false
}

func (t *pageWriteTransfer) buffers() [][]byte {
	arena := t.cache.mgr.arena
	bufs := make([][]byte, len(t.vecs))
	for i, vec := range t.vecs {
		bufs[i] = arena.FrameRange(vec.first, vec.count)
	}
	return bufs
}

// SetStatus records the outcome of the transfer. It only succeeds if all
// pages but the last have been written fully and the last one at least
// partially.
func (t *pageWriteTransfer) SetStatus(err *kernel.Error, transferred int) {
	if err == nil && uint64(transferred) <= uint64(t.pageCount-1)<<mm.PageShift {
		err = ErrIO
	}
	t.status = err
}

// Schedule starts the write. Transfers belonging to a run complete
// asynchronously; others are written before Schedule returns the status.
func (t *pageWriteTransfer) Schedule() *kernel.Error {
	offset := int64(t.offset) << mm.PageShift
	if t.run != nil {
		t.cache.WriteAsync(offset, t.buffers(), func(err *kernel.Error, transferred int) {
			t.SetStatus(err, transferred)
			t.run.pageWritten()
		})
		return nil
	}

	n, err := t.cache.Write(offset, t.buffers())
	t.SetStatus(err, n)
	return t.status
}

// pageWriterRun collects the pages of one page writer iteration into
// transfers and writes them out.
type pageWriterRun struct {
	maxVecs   int
	transfers []pageWriteTransfer
	wrappers  []pageWriteWrapper
	current   *pageWriteTransfer

	mu           sync.Mutex
	allFinished  *sync.Cond
	pendingCount int
}

func newPageWriterRun(maxPages uint32, maxVecs int) *pageWriterRun {
	r := &pageWriterRun{
		maxVecs:   maxVecs,
		transfers: make([]pageWriteTransfer, 0, maxPages),
		wrappers:  make([]pageWriteWrapper, 0, maxPages),
	}
	r.allFinished = sync.NewCond(&r.mu)
	return r
}

func (r *pageWriterRun) PrepareNextRun() {
	r.transfers = r.transfers[:0]
	r.wrappers = r.wrappers[:0]
	r.current = nil
}

// AddPage adds page to the run. The page's cache must be locked.
func (r *pageWriterRun) AddPage(page *Page) {
	r.wrappers = append(r.wrappers, pageWriteWrapper{})
	r.wrappers[len(r.wrappers)-1].SetTo(page)

	if r.current == nil || !r.current.AddPage(page) {
		r.transfers = append(r.transfers, pageWriteTransfer{})
		r.current = &r.transfers[len(r.transfers)-1]
		r.current.SetTo(r, page, page.Cache().MaxPagesPerAsyncWrite(), r.maxVecs)
	}
}

func (r *pageWriterRun) pageWritten() {
	r.mu.Lock()
	r.pendingCount--
	if r.pendingCount == 0 {
		r.allFinished.Broadcast()
	}
	r.mu.Unlock()
}

// Go writes all transfers, waits for them to complete and finishes the
// wrapped pages. It then drops the cache and store references taken for
// every page and returns the number of pages written successfully.
func (r *pageWriterRun) Go() uint32 {
	r.mu.Lock()
	r.pendingCount = len(r.transfers)
	r.mu.Unlock()

	for i := range r.transfers {
		r.transfers[i].Schedule()
	}

	r.mu.Lock()
	for r.pendingCount > 0 {
		r.allFinished.Wait()
	}
	r.mu.Unlock()

	var written uint32
	wrapperIndex := 0
	for i := range r.transfers {
		t := &r.transfers[i]
		t.cache.Lock()
		for j := uint32(0); j < t.pageCount; j++ {
			if r.wrappers[wrapperIndex].Done(t.status) {
				written++
			}
			wrapperIndex++
		}
		t.cache.Unlock()
	}

	// The references are released after all pages became unbusy again;
	// releasing a store may block on its pages.
	for i := range r.transfers {
		t := &r.transfers[i]
		for j := uint32(0); j < t.pageCount; j++ {
			t.cache.ReleaseStoreRef()
			t.cache.ReleaseRef()
		}
	}

	return written
}

// nextQueuedPage rotates the head of the queue for state to its tail and
// returns it, skipping busy pages. It gives up after maxToSee pages.
func (m *Manager) nextQueuedPage(state PageState, maxToSee *uint32) *Page {
	q := &m.queues[state]
	q.lock.Acquire()
	defer q.lock.Release()

	for *maxToSee > 0 {
		p := q.first(m.pages)
		if p == nil {
			return nil
		}

		q.requeue(m.pages, p, true)
		*maxToSee--
		if !p.busy.Load() {
			return p
		}
	}

	return nil
}

// pageStats is a snapshot of the counters driving the page writer and the
// page daemon.
type pageStats struct {
	totalFreePages          int32
	cachedPages             int32
	unsatisfiedReservations int32
}

func (m *Manager) getPageStats() pageStats {
	return pageStats{
		totalFreePages:          m.unreservedFreePages.Load(),
		cachedPages:             int32(m.queues[PageStateCached].Count()),
		unsatisfiedReservations: m.unsatisfiedPageReservations.Load(),
	}
}

// doActivePaging reports whether free and cached pages together dropped
// below what the system needs.
func (m *Manager) doActivePaging(stats pageStats) bool {
	return stats.totalFreePages+stats.cachedPages < stats.unsatisfiedReservations+int32(m.cfg.FreeOrCachedPagesTarget)
}

// writerIOPriorityFor scales the I/O priority of the page writer with the
// number of modified pages.
func (m *Manager) writerIOPriorityFor(modifiedPages uint32) int32 {
	cfg := &m.cfg
	if modifiedPages >= cfg.WriterIOPriorityThreshold {
		return cfg.WriterMaxIOPriority
	}

	prio := int32(uint64(cfg.WriterMaxIOPriority) * uint64(modifiedPages) / uint64(cfg.WriterIOPriorityThreshold))
	if prio < cfg.WriterMinIOPriority {
		prio = cfg.WriterMinIOPriority
	}
	return prio
}

// writeModifiedPages runs one page writer iteration: it collects up to
// WriterBatchSize modified pages and writes them back. Wired pages are
// moved to the active queue instead. Pages of temporary caches are only
// written while the system is actively paging and the store can take
// them; otherwise they move to the active or inactive queue. It returns
// the number of pages collected for writing and the number of pages
// written successfully.
func (m *Manager) writeModifiedPages(run *pageWriterRun) (collected, written uint32) {
	modifiedPages := m.queues[PageStateModified].Count()
	if modifiedPages == 0 {
		return 0, 0
	}

	m.writerIOPriority.Store(m.writerIOPriorityFor(modifiedPages))
	activePaging := m.doActivePaging(m.getPageStats())

	run.PrepareNextRun()

	var numPages uint32
	maxToSee := modifiedPages
	for numPages < m.cfg.WriterBatchSize && maxToSee > 0 {
		page := m.nextQueuedPage(PageStateModified, &maxToSee)
		if page == nil {
			break
		}

		cache := m.acquireLockedPageCache(page, false)
		if cache == nil {
			continue
		}

		// The page may have changed while the cache was locked.
		if page.busy.Load() || page.State() != PageStateModified {
			cache.ReleaseRefAndUnlock()
			continue
		}

		if page.wiredCount > 0 {
			m.setPageState(page, PageStateActive)
			cache.ReleaseRefAndUnlock()
			continue
		}

		if cache.temporary && (!activePaging || !cache.CanWritePage(int64(page.cacheOffset)<<mm.PageShift)) {
			if len(page.mappings) == 0 {
				m.setPageState(page, PageStateInactive)
			} else {
				m.setPageState(page, PageStateActive)
			}
			cache.ReleaseRefAndUnlock()
			continue
		}

		// Our own store reference; the store might be going away.
		if cache.AcquireUnreferencedStoreRef() != nil {
			cache.ReleaseRefAndUnlock()
			continue
		}

		// The cache reference acquired above is kept until the run is done.
		run.AddPage(page)
		cache.Unlock()
		numPages++
	}

	if numPages == 0 {
		return 0, 0
	}

	return numPages, run.Go()
}

// runPageWriter is the page writer loop. It runs an iteration whenever it
// is woken up or WriterWaitInterval passed without enough modified pages
// queued to start on its own.
func (m *Manager) runPageWriter(ctx context.Context) {
	defer m.workers.Done()

	run := newPageWriterRun(m.cfg.WriterBatchSize, m.cfg.WriterMaxVecs)
	timer := time.NewTimer(time.Duration(m.cfg.WriterWaitInterval))
	defer timer.Stop()

	for {
		if m.queues[PageStateModified].Count() < m.cfg.WriterBatchSize {
			select {
			case <-ctx.Done():
				return
			case <-m.writerWake:
			case <-timer.C:
			}
			resetTimer(timer, time.Duration(m.cfg.WriterWaitInterval))
		} else if ctx.Err() != nil {
			return
		}

		collected, written := m.writeModifiedPages(run)
		if written == 0 && (collected != 0 || m.queues[PageStateModified].Count() >= m.cfg.WriterBatchSize) {
			// Nothing could be written although pages are queued; the
			// store is failing or the pages cannot be written yet.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(m.cfg.WriterBackoffInterval)):
			}
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// WritePageRange synchronously writes back the modified pages of the cache
// with page offsets in [firstPage, endPage). Logically adjacent pages are
// grouped into transfers of up to MaxPagesPerWrite pages. The cache must be
// locked; it is unlocked while a transfer is written.
func (c *Cache) WritePageRange(firstPage, endPage uint64) *kernel.Error {
	m := c.mgr
	maxPages := c.MaxPagesPerWrite()
	if maxPages < 0 || maxPages > int(m.cfg.WriterBatchSize) {
		maxPages = int(m.cfg.WriterBatchSize)
	}

	var (
		transfer      pageWriteTransfer
		transferEmpty = true
		wrappers      []*pageWriteWrapper
		cursor        = firstPage
	)

	for {
		var page *Page
		c.pages.AscendGreaterOrEqual(c.pageKey(cursor), func(p *Page) bool {
			page = p
			return false
		})

		if page == nil || page.cacheOffset >= endPage {
			if transferEmpty {
				return nil
			}
			page = nil
		} else {
			cursor = page.cacheOffset + 1
			if page.busy.Load() || (page.State() != PageStateModified && !page.Modified()) {
				continue
			}
		}

		var wrapper *pageWriteWrapper
		if page != nil {
			wrapper = &pageWriteWrapper{}
			wrapper.SetTo(page)

			if transferEmpty || transfer.AddPage(page) {
				if transferEmpty {
					transfer.SetTo(nil, page, maxPages, m.cfg.WriterMaxVecs)
					transferEmpty = false
				}
				wrappers = append(wrappers, wrapper)
				continue
			}
		}

		c.mu.Unlock()
		status := transfer.Schedule()
		c.mu.Lock()

		for _, w := range wrappers {
			w.Done(status)
		}
		wrappers = wrappers[:0]

		if page != nil {
			transfer.SetTo(nil, page, maxPages, m.cfg.WriterMaxVecs)
			wrappers = append(wrappers, wrapper)
		} else {
			transferEmpty = true
		}
	}
}

// WriteModified writes back all modified pages of a non-temporary cache.
func (c *Cache) WriteModified() *kernel.Error {
	if c.temporary {
		return nil
	}

	c.Lock()
	defer c.Unlock()

	first, end := c.pageRange()
	return c.WritePageRange(first, end)
}
