package vm

// SystemInfo summarizes the page usage of the system.
type SystemInfo struct {
	// MaxPages is the number of existing managed pages.
	MaxPages uint64

	// UsedPages counts all pages that are neither free, clear nor cached.
	UsedPages uint64

	// CachedPages counts clean cached pages, modified pages of persistent
	// caches and block cache pages.
	CachedPages uint64

	BlockCachePages  uint64
	PageFaults       uint64
	IgnoredPages     uint64
	NonExistingPages uint64

	// Memory commitment state in bytes.
	FreeMemory   int64
	NeededMemory int64
}

// SystemInfo returns the current page statistics. The counters are read
// without locking, so the numbers are only approximately consistent.
func (m *Manager) SystemInfo() SystemInfo {
	info := SystemInfo{
		MaxPages:         uint64(len(m.pages)) - m.nonExistingPages,
		PageFaults:       m.pageFaults.Load(),
		IgnoredPages:     m.ignoredPages,
		NonExistingPages: m.nonExistingPages,
		FreeMemory:       m.AvailableMemory(),
		NeededMemory:     m.NeededMemory(),
	}

	if m.blockCachePagesFn != nil {
		info.BlockCachePages = m.blockCachePagesFn()
	}

	modifiedNonTemporary := int64(m.queues[PageStateModified].Count()) - int64(m.modifiedTemporaryPages.Load())
	if modifiedNonTemporary < 0 {
		modifiedNonTemporary = 0
	}
	info.CachedPages = uint64(m.queues[PageStateCached].Count()) + uint64(modifiedNonTemporary) + info.BlockCachePages

	subtract := info.CachedPages + uint64(m.queues[PageStateFree].Count()) + uint64(m.queues[PageStateClear].Count())
	if subtract < info.MaxPages {
		info.UsedPages = info.MaxPages - subtract
	}

	// The counters may have moved while they were summed up; prefer the
	// worse case.
	if info.UsedPages+info.CachedPages > info.MaxPages {
		info.CachedPages = info.MaxPages - info.UsedPages
	}

	return info
}

// ModifiedTemporaryPages returns the number of modified pages that belong
// to temporary caches.
func (m *Manager) ModifiedTemporaryPages() int32 {
	return m.modifiedTemporaryPages.Load()
}

// QueueCount returns the number of pages in the queue for state, or 0 for
// states without a queue.
func (m *Manager) QueueCount(state PageState) uint32 {
	if !state.IsQueued() {
		return 0
	}
	return m.queues[state].Count()
}
