package vm

import (
	"context"
	"time"

	"vmcore/kernel"
)

// scrubPages moves up to ScrubBatchSize pages from the free to the clear
// queue, zeroing them on the way, and returns how many it moved. It only
// runs while there are more unreserved free pages than the free target.
// The pages are reserved at the user floor while they are in transit.
func (m *Manager) scrubPages() uint32 {
	if m.queues[PageStateFree].Count() == 0 || m.unreservedFreePages.Load() < int32(m.cfg.FreePagesTarget) {
		return 0
	}

	reserved := m.reserveSomePages(m.cfg.ScrubBatchSize, m.cfg.PageReserveForPriority[PriorityUser])
	if reserved == 0 {
		return 0
	}
	defer m.unreservePages(reserved)

	pages := make([]*Page, 0, reserved)
	m.freePageQueuesLock.RLock()
	for i := uint32(0); i < reserved; i++ {
		m.lockQueues(int(PageStateFree))
		p := m.queues[PageStateFree].first(m.pages)
		if p != nil {
			m.queues[PageStateFree].remove(m.pages, p)
			p.state.Store(uint32(PageStateUnused))
			p.busy.Store(true)
		}
		m.unlockQueues(int(PageStateFree))

		if p == nil {
			break
		}
		pages = append(pages, p)
	}
	m.freePageQueuesLock.RUnlock()

	if len(pages) == 0 {
		return 0
	}

	for _, p := range pages {
		kernel.Memset(m.PageData(p), 0)
	}

	// Prepend in reverse to keep the order of the pages.
	m.freePageQueuesLock.RLock()
	for i := len(pages) - 1; i >= 0; i-- {
		pages[i].busy.Store(false)
		m.transferPage(pages[i], PageStateClear, false)
	}
	m.freePageQueuesLock.RUnlock()

	return uint32(len(pages))
}

// runPageScrubber zeroes free pages every ScrubInterval.
func (m *Manager) runPageScrubber(ctx context.Context) {
	defer m.workers.Done()

	ticker := time.NewTicker(time.Duration(m.cfg.ScrubInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scrubPages()
		}
	}
}
