package vm

import (
	"testing"

	"vmcore/kernel/mm"
)

func TestSystemInfo(t *testing.T) {
	m := newTestManagerWithConfig(t, testConfig(), 16, []mm.MemoryRegion{
		{PhysAddress: 0, Length: 8 * uint64(mm.PageSize), Type: mm.MemAvailable},
		{PhysAddress: 8 * uint64(mm.PageSize), Length: 2 * uint64(mm.PageSize), Type: mm.MemReserved},
	})

	steps := []struct {
		apply     func()
		expUsed   uint64
		expCached uint64
		expBlock  uint64
	}{
		{func() {}, 2, 0, 0},
		{func() { m.SetBlockCacheUsage(func() uint64 { return 1 }) }, 1, 1, 1},
		{func() {
			// Modified pages of persistent caches count as cached.
			insertNewPage(t, m, m.NewVnodeCache(newMockVnode(testPageSize, 0)), 0, PageStateModified)
		}, 1, 2, 1},
		{func() {
			insertNewPage(t, m, newAnonCache(t, m, 1, false), 0, PageStateModified)
		}, 2, 2, 1},
	}

	for stepIndex, step := range steps {
		step.apply()
		info := m.SystemInfo()

		if info.MaxPages != 10 || info.NonExistingPages != 6 {
			t.Errorf("[step %d] expected 10 pages and 6 holes; got %d and %d", stepIndex, info.MaxPages, info.NonExistingPages)
		}
		if info.UsedPages != step.expUsed {
			t.Errorf("[step %d] expected %d used pages; got %d", stepIndex, step.expUsed, info.UsedPages)
		}
		if info.CachedPages != step.expCached {
			t.Errorf("[step %d] expected %d cached pages; got %d", stepIndex, step.expCached, info.CachedPages)
		}
		if info.BlockCachePages != step.expBlock {
			t.Errorf("[step %d] expected %d block cache pages; got %d", stepIndex, step.expBlock, info.BlockCachePages)
		}
		if exp := 8 * testPageSize; info.FreeMemory != exp || info.NeededMemory != 0 {
			t.Errorf("[step %d] expected %d bytes of free memory and none needed; got %d and %d",
				stepIndex, exp, info.FreeMemory, info.NeededMemory)
		}
	}
}
