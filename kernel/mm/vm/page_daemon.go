package vm

import (
	"context"
	"time"

	"vmcore/kernel/kfmt"
)

// freeCachedPage steals page from its cache and puts it into the free
// queue. It fails if the cache cannot be locked (without waiting when
// dontWait is set) or the page stopped being a clean cached page.
func (m *Manager) freeCachedPage(page *Page, dontWait bool) bool {
	cache := m.acquireLockedPageCache(page, dontWait)
	if cache == nil {
		return false
	}
	defer cache.ReleaseRefAndUnlock()

	if page.busy.Load() || page.State() != PageStateCached || page.IsMapped() || page.Modified() {
		return false
	}

	cache.RemovePage(page)
	m.freePage(page, false)
	return true
}

// freeCachedPages frees up to count clean cached pages and returns how many
// it freed. The freed pages are not added to the unreserved pool; the caller
// either counts them towards a reservation or unreserves them.
func (m *Manager) freeCachedPages(count uint32, dontWait bool) uint32 {
	var freed uint32
	maxToSee := m.queues[PageStateCached].Count()
	for freed < count {
		page := m.nextQueuedPage(PageStateCached, &maxToSee)
		if page == nil {
			break
		}

		if m.freeCachedPage(page, dontWait) {
			freed++
		}
	}

	return freed
}

// updateUsageCount folds the accessed count of a scan into the usage count
// of page and returns the new value, which may be negative.
func (m *Manager) updateUsageCount(page *Page, accessed int32) int32 {
	usage := page.usageCount + accessed
	if accessed > 0 {
		usage += m.cfg.PageUsageAdvance
		if usage > m.cfg.PageUsageMax {
			usage = m.cfg.PageUsageMax
		}
	} else {
		usage -= m.cfg.PageUsageDecline
	}
	return usage
}

// idleScanActivePages walks about 1/IdleRunsForFullQueue of the active
// queue and moves pages that have not been used for a while to the
// inactive queue. Unused pages of temporary caches lose their mappings.
func (m *Manager) idleScanActivePages() {
	maxToScan := m.queues[PageStateActive].Count()/m.cfg.IdleRunsForFullQueue + 1
	maxToSee := m.queues[PageStateActive].Count()

	for ; maxToScan > 0; maxToScan-- {
		page := m.nextQueuedPage(PageStateActive, &maxToSee)
		if page == nil {
			return
		}

		cache := m.acquireLockedPageCache(page, true)
		if cache == nil {
			continue
		}
		if page.busy.Load() || page.State() != PageStateActive {
			cache.ReleaseRefAndUnlock()
			continue
		}

		var accessed int32
		if page.wiredCount > 0 || page.usageCount > 0 || !cache.temporary {
			accessed = m.clearPageMappingAccessedFlags(page)
		} else {
			accessed = m.removeAllMappingsIfUnaccessed(page)
		}

		usage := m.updateUsageCount(page, accessed)
		if usage < 0 {
			usage = 0
			m.setPageState(page, PageStateInactive)
		}
		page.usageCount = usage

		cache.ReleaseRefAndUnlock()
	}
}

// fullScanInactivePages walks the inactive queue until enough pages became
// cached. Unused clean pages become cached, unused modified pages are sent
// to the page writer up to a limit depending on despairLevel, and pages
// that were accessed again go back to the active queue.
func (m *Manager) fullScanInactivePages(stats pageStats, despairLevel int32) {
	pagesToFree := stats.unsatisfiedReservations + int32(m.cfg.FreeOrCachedPagesTarget) -
		(stats.totalFreePages + stats.cachedPages)
	if pagesToFree <= 0 {
		return
	}

	maxToFlush := m.cfg.LowDespairFlushLimit
	if despairLevel > 1 {
		maxToFlush = m.cfg.HighDespairFlushLimit
	}

	var toCached, toModified, toActive uint32
	maxToSee := m.queues[PageStateInactive].Count()
	for pagesToFree > 0 {
		page := m.nextQueuedPage(PageStateInactive, &maxToSee)
		if page == nil {
			break
		}

		cache := m.acquireLockedPageCache(page, true)
		if cache == nil {
			continue
		}
		if page.busy.Load() || page.State() != PageStateInactive {
			cache.ReleaseRefAndUnlock()
			continue
		}

		var accessed int32
		if page.wiredCount > 0 {
			accessed = m.clearPageMappingAccessedFlags(page)
		} else {
			accessed = m.removeAllMappingsIfUnaccessed(page)
		}

		usage := m.updateUsageCount(page, accessed)
		if usage < 0 {
			usage = 0
		}
		page.usageCount = usage

		// The page was rotated to the tail of the queue already, so
		// pages that stay inactive need no requeue.
		mapped := page.IsMapped()
		switch {
		case usage > 0 && mapped:
			m.setPageState(page, PageStateActive)
			toActive++
		case usage > 0, mapped:
		case !page.Modified():
			m.setPageState(page, PageStateCached)
			pagesToFree--
			toCached++
		case maxToFlush > 0:
			m.setPageState(page, PageStateModified)
			maxToFlush--
			toModified++
		}

		cache.ReleaseRefAndUnlock()
	}

	if toCached+toModified+toActive > 0 {
		kfmt.Fprintf(m.log, "inactive scan: %d cached, %d modified, %d active\n", toCached, toModified, toActive)
	}
	if toModified > 0 {
		m.WakeUpPageWriter()
	}
}

// fullScanActivePages walks the active queue and deactivates pages until
// the free, cached and inactive targets can be met.
func (m *Manager) fullScanActivePages(stats pageStats, despairLevel int32) {
	maxToSee := m.queues[PageStateActive].Count()
	pagesToDeactivate := stats.unsatisfiedReservations + int32(m.cfg.FreeOrCachedPagesTarget) -
		(stats.totalFreePages + stats.cachedPages)
	if inactiveShortage := int32(m.cfg.InactivePagesTarget) - int32(m.queues[PageStateInactive].Count()); inactiveShortage > 0 {
		pagesToDeactivate += inactiveShortage
	}
	if pagesToDeactivate <= 0 {
		return
	}

	var toInactive uint32
	for pagesToDeactivate > 0 {
		page := m.nextQueuedPage(PageStateActive, &maxToSee)
		if page == nil {
			break
		}

		cache := m.acquireLockedPageCache(page, true)
		if cache == nil {
			continue
		}
		if page.busy.Load() || page.State() != PageStateActive {
			cache.ReleaseRefAndUnlock()
			continue
		}

		var accessed int32
		if page.wiredCount > 0 {
			accessed = m.clearPageMappingAccessedFlags(page)
		} else {
			accessed = m.removeAllMappingsIfUnaccessed(page)
		}

		usage := m.updateUsageCount(page, accessed)
		if usage < 0 {
			usage = 0
			m.setPageState(page, PageStateInactive)
			pagesToDeactivate--
			toInactive++
		}
		page.usageCount = usage

		cache.ReleaseRefAndUnlock()
	}

	if toInactive > 0 {
		kfmt.Fprintf(m.log, "active scan (despair %d): %d deactivated\n", despairLevel, toInactive)
	}
}

// idleScan keeps the pool of actually free pages full and ages the active
// queue.
func (m *Manager) idleScan(stats pageStats) {
	if stats.totalFreePages < int32(m.cfg.FreePagesTarget) {
		m.unreservePages(m.freeCachedPages(uint32(int32(m.cfg.FreePagesTarget)-stats.totalFreePages), false))
	}

	m.idleScanActivePages()
}

// fullScan reclaims pages when the system is short of free and cached
// pages: inactive pages are cached or written back, cached pages are freed
// for waiting reservations and active pages are deactivated.
func (m *Manager) fullScan(stats pageStats, despairLevel int32) {
	if stats.totalFreePages < int32(m.cfg.FreePagesTarget) {
		m.unreservePages(m.freeCachedPages(uint32(int32(m.cfg.FreePagesTarget)-stats.totalFreePages), true))
		stats = m.getPageStats()
	}

	m.fullScanInactivePages(stats, despairLevel)

	stats = m.getPageStats()
	if toFree := stats.unsatisfiedReservations + int32(m.cfg.FreePagesTarget) - stats.totalFreePages; toFree > 0 {
		m.unreservePages(m.freeCachedPages(uint32(toFree), true))
	}

	m.fullScanActivePages(m.getPageStats(), despairLevel)
}

// pageDaemonIteration runs one page daemon pass and returns the despair
// level for the next one.
func (m *Manager) pageDaemonIteration(despairLevel int32) int32 {
	stats := m.getPageStats()
	if !m.doActivePaging(stats) {
		m.idleScan(stats)
		m.despairLevel.Store(0)
		return 0
	}

	if despairLevel++; despairLevel > m.cfg.MaxDespairLevel {
		despairLevel = m.cfg.MaxDespairLevel
	}
	m.despairLevel.Store(despairLevel)

	m.fullScan(stats, despairLevel)
	return despairLevel
}

// runPageDaemon is the page daemon loop. After an idle pass it waits for
// IdleScanInterval or a wake up. After the first full pass it immediately
// checks again; later full passes wait BusyScanInterval.
func (m *Manager) runPageDaemon(ctx context.Context) {
	defer m.workers.Done()

	var despairLevel int32
	for {
		despairLevel = m.pageDaemonIteration(despairLevel)

		var wait <-chan time.Time
		switch {
		case despairLevel == 0:
			wait = time.After(time.Duration(m.cfg.IdleScanInterval))
		case despairLevel > 1:
			wait = time.After(time.Duration(m.cfg.BusyScanInterval))
		}

		if wait == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-m.daemonWake:
		case <-wait:
		}
	}
}
