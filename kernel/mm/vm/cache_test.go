package vm

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"vmcore/kernel"
	"vmcore/kernel/mm"
)

func TestCacheResize(t *testing.T) {
	specs := []struct {
		newSize      int64
		expPages     uint32
		expFreed     uint32
		expTailClear bool
	}{
		{3 * testPageSize, 3, 7, false},
		{3*testPageSize + 100, 4, 6, true},
		{10 * testPageSize, 10, 0, false},
		{0, 0, 10, false},
	}

	for specIndex, spec := range specs {
		m := newTestManager(t, 16)
		c := m.NewAnonymousCache(false, 0, 0, false)
		c.Lock()
		if err := c.Resize(10*testPageSize, int(PriorityUser)); err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}
		c.Unlock()

		pages := make([]*Page, 10)
		for i := range pages {
			pages[i] = insertNewPage(t, m, c, int64(i), PageStateActive)
			fillPage(m, pages[i], 0xcc)
		}
		freeBefore := m.QueueCount(PageStateFree)

		c.Lock()
		if err := c.Resize(spec.newSize, int(PriorityUser)); err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
		}
		lookup := c.LookupPage(5 * testPageSize)
		c.Unlock()

		if got := c.PageCount(); got != spec.expPages {
			t.Errorf("[spec %d] expected %d pages; got %d", specIndex, spec.expPages, got)
		}
		if got := m.QueueCount(PageStateFree) - freeBefore; got != spec.expFreed {
			t.Errorf("[spec %d] expected %d pages to be freed; got %d", specIndex, spec.expFreed, got)
		}
		if spec.expPages <= 5 && lookup != nil {
			t.Errorf("[spec %d] expected lookup past the cache end to fail", specIndex)
		}
		if got := c.VirtualEnd(); got != spec.newSize {
			t.Errorf("[spec %d] expected cache end %d; got %d", specIndex, spec.newSize, got)
		}
		if exp := spec.newSize; c.CommittedSize() != exp {
			t.Errorf("[spec %d] expected %d committed bytes; got %d", specIndex, exp, c.CommittedSize())
		}

		if spec.expTailClear {
			data := m.PageData(pages[3])
			if data[99] != 0xcc || !bytes.Equal(data[100:], make([]byte, testPageSize-100)) {
				t.Errorf("[spec %d] expected only the tail of the partial last page to be cleared", specIndex)
			}
		}

		for i := spec.expPages; i < 10; i++ {
			if pages[i].State() != PageStateFree || pages[i].Cache() != nil {
				t.Errorf("[spec %d] expected page %d to be freed; got state %s", specIndex, i, pages[i].State())
			}
		}

		if err := m.CheckPageQueues(); err != nil {
			t.Errorf("[spec %d] unexpected queue error: %v", specIndex, err)
		}
	}
}

func TestCacheResizeBelowBase(t *testing.T) {
	m := newTestManager(t, 4)
	c := newAnonCache(t, m, 4, false)

	c.Lock()
	defer c.Unlock()

	if err := c.Rebase(2*testPageSize, -1); err != nil {
		t.Fatal(err)
	}
	if err := c.Resize(testPageSize, -1); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument; got %v", err)
	}
}

func TestCacheRebase(t *testing.T) {
	m := newTestManager(t, 8)
	c := newAnonCache(t, m, 4, false)
	pages := make([]*Page, 4)
	for i := range pages {
		pages[i] = insertNewPage(t, m, c, int64(i), PageStateActive)
	}

	c.Lock()
	if err := c.Rebase(2*testPageSize, -1); err != nil {
		t.Fatal(err)
	}
	if err := c.Rebase(5*testPageSize, -1); err != ErrInvalidArgument {
		t.Fatalf("expected rebase past the end to fail; got %v", err)
	}
	c.Unlock()

	if got := c.VirtualBase(); got != 2*testPageSize {
		t.Fatalf("expected base %d; got %d", 2*testPageSize, got)
	}
	if got := c.PageCount(); got != 2 {
		t.Fatalf("expected 2 pages left; got %d", got)
	}
	for i, p := range pages {
		if expFree := i < 2; (p.State() == PageStateFree) != expFree {
			t.Errorf("expected page %d to be freed: %t; got state %s", i, expFree, p.State())
		}
	}
}

func TestCacheDiscard(t *testing.T) {
	m := newTestManager(t, 8)
	c := newAnonCache(t, m, 4, false)
	for i := int64(0); i < 4; i++ {
		insertNewPage(t, m, c, i, PageStateActive)
	}

	specs := []struct {
		offset, size int64
		expDiscarded int64
		expErr       *kernel.Error
		expPages     uint32
	}{
		{testPageSize, 2 * testPageSize, 2 * testPageSize, nil, 2},
		{testPageSize, 2 * testPageSize, 0, nil, 2},
		{0, testPageSize / 2, testPageSize, nil, 1},
		{-1, testPageSize, 0, ErrInvalidArgument, 1},
	}

	for specIndex, spec := range specs {
		c.Lock()
		discarded, err := c.Discard(spec.offset, spec.size)
		c.Unlock()

		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
		if discarded != spec.expDiscarded {
			t.Errorf("[spec %d] expected %d discarded bytes; got %d", specIndex, spec.expDiscarded, discarded)
		}
		if got := c.PageCount(); got != spec.expPages {
			t.Errorf("[spec %d] expected %d pages; got %d", specIndex, spec.expPages, got)
		}
	}
}

func TestCacheDiscardWaitsForBusyPage(t *testing.T) {
	m := newTestManager(t, 4)
	c := newAnonCache(t, m, 2, false)
	p := insertNewPage(t, m, c, 0, PageStateActive)
	p.busy.Store(true)

	done := make(chan int64)
	go func() {
		c.Lock()
		discarded, _ := c.Discard(0, testPageSize)
		c.Unlock()
		done <- discarded
	}()

	waitFor(t, "discard to wait for the busy page", func() bool {
		c.Lock()
		defer c.mu.Unlock()
		if len(c.waiters) == 0 {
			return false
		}
		c.MarkPageUnbusy(p)
		return true
	})

	select {
	case discarded := <-done:
		if discarded != testPageSize {
			t.Fatalf("expected one page to be discarded; got %d bytes", discarded)
		}
	case <-time.After(time.Second):
		t.Fatal("expected discard to complete once the page became unbusy")
	}

	if got := p.State(); got != PageStateFree {
		t.Fatalf("expected page to be freed; got %s", got)
	}
}

func TestCacheResizeWaitsForBusyTailPage(t *testing.T) {
	m := newTestManager(t, 4)
	c := newAnonCache(t, m, 2, false)
	p := insertNewPage(t, m, c, 1, PageStateModified)
	fillPage(m, p, 0xff)
	p.busy.Store(true)
	p.busyWriting.Store(true)

	done := make(chan *kernel.Error)
	go func() {
		c.Lock()
		err := c.Resize(testPageSize+100, -1)
		c.Unlock()
		done <- err
	}()

	waitFor(t, "resize to wait for the busy page", func() bool {
		c.Lock()
		defer c.mu.Unlock()
		if len(c.waiters) == 0 {
			return false
		}

		// The tail must not be cleared while the page is written.
		if !pageFilledWith(m, p, 0xff) {
			t.Error("expected the busy page to be left untouched")
		}
		p.busyWriting.Store(false)
		c.MarkPageUnbusy(p)
		return true
	})

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected resize to complete once the page became unbusy")
	}

	data := m.PageData(p)
	if !bytes.Equal(data[:100], bytes.Repeat([]byte{0xff}, 100)) || !bytes.Equal(data[100:], make([]byte, testPageSize-100)) {
		t.Fatal("expected the tail of the last page to be cleared")
	}
}

func TestCacheAdopt(t *testing.T) {
	m := newTestManager(t, 8)
	from := newAnonCache(t, m, 4, false)
	to := newAnonCache(t, m, 8, false)

	pages := make([]*Page, 4)
	for i := range pages {
		pages[i] = insertNewPage(t, m, from, int64(i), PageStateActive)
	}

	to.Lock()
	from.Lock()
	err := to.Adopt(from, testPageSize, 2*testPageSize, 5*testPageSize)
	from.Unlock()
	to.Unlock()
	if err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		cache     *Cache
		offset    int64
		expPage   *Page
		expOffset uint64
	}{
		{from, 0, pages[0], 0},
		{from, testPageSize, nil, 0},
		{from, 3 * testPageSize, pages[3], 3},
		{to, 5 * testPageSize, pages[1], 5},
		{to, 6 * testPageSize, pages[2], 6},
	}

	for specIndex, spec := range specs {
		spec.cache.Lock()
		got := spec.cache.LookupPage(spec.offset)
		spec.cache.Unlock()

		if got != spec.expPage {
			t.Errorf("[spec %d] expected page %v at offset 0x%x; got %v", specIndex, spec.expPage, spec.offset, got)
			continue
		}
		if got == nil {
			continue
		}
		if got.Cache() != spec.cache || got.CacheOffset() != spec.expOffset {
			t.Errorf("[spec %d] expected page to belong to cache %d at page offset %d; got %s at %d",
				specIndex, spec.cache.ID(), spec.expOffset, cacheName(got.Cache()), got.CacheOffset())
		}
	}

	if from.PageCount() != 2 || to.PageCount() != 2 {
		t.Fatalf("expected both caches to hold 2 pages; got %d and %d", from.PageCount(), to.PageCount())
	}
}

func TestCacheMoveAllPages(t *testing.T) {
	m := newTestManager(t, 8)
	from := m.NewVnodeCache(newMockVnode(4*testPageSize, 0))
	to := newAnonCache(t, m, 4, false)

	insertNewPage(t, m, from, 0, PageStateActive)
	modified := insertNewPage(t, m, from, 1, PageStateModified)

	to.Lock()
	from.Lock()
	to.MoveAllPages(from)
	from.Unlock()
	to.Unlock()

	if from.PageCount() != 0 || to.PageCount() != 2 {
		t.Fatalf("expected all pages to move; got %d and %d", from.PageCount(), to.PageCount())
	}
	if modified.Cache() != to {
		t.Fatal("expected moved page to point to its new cache")
	}
	if got := m.ModifiedTemporaryPages(); got != 1 {
		t.Fatalf("expected the modified page to count as temporary; got %d", got)
	}

	expectPanic(t, 0, errMoveAllNonEmpty, func() {
		to.Lock()
		defer to.mu.Unlock()
		to.MoveAllPages(from)
	})
}

func TestCacheInsertRemoveContractViolations(t *testing.T) {
	specs := []struct {
		expErr *kernel.Error
		fn     func(m *Manager, c, other *Cache, p *Page)
	}{
		{errPageHasCache, func(m *Manager, c, other *Cache, p *Page) { other.InsertPage(p, 0) }},
		{errOffsetOccupied, func(m *Manager, c, other *Cache, p *Page) {
			var r Reservation
			m.ReservePages(&r, 1, PriorityUser)
			c.InsertPage(m.AllocatePage(&r, uint32(PageStateActive)), 0)
		}},
		{errOffsetOutOfRange, func(m *Manager, c, other *Cache, p *Page) {
			var r Reservation
			m.ReservePages(&r, 1, PriorityUser)
			c.InsertPage(m.AllocatePage(&r, uint32(PageStateActive)), 4*testPageSize)
		}},
		{errForeignPage, func(m *Manager, c, other *Cache, p *Page) { other.RemovePage(p) }},
	}

	for specIndex, spec := range specs {
		m := newTestManager(t, 4)
		c := newAnonCache(t, m, 2, false)
		other := newAnonCache(t, m, 2, false)
		p := insertNewPage(t, m, c, 0, PageStateActive)

		expectPanic(t, specIndex, spec.expErr, func() {
			c.Lock()
			defer c.mu.Unlock()
			other.Lock()
			defer other.mu.Unlock()
			spec.fn(m, c, other, p)
		})

		if got := c.PageCount(); got != 1 {
			t.Errorf("[spec %d] expected rejected operation to leave 1 page; got %d", specIndex, got)
		}
	}
}

// buildConsumer makes consumer a copy-on-write child of source.
func buildConsumer(source, consumer *Cache) {
	consumer.Lock()
	source.Lock()
	source.AddConsumer(consumer)
	source.Unlock()
	consumer.Unlock()
}

func TestCacheUnlockMergePolicy(t *testing.T) {
	specs := []struct {
		temporary bool
		areas     int
		consumers int
		expMerge  bool
	}{
		{true, 0, 1, true},
		{true, 2, 1, false},
		{true, 1, 1, false},
		{true, 0, 2, false},
		{false, 0, 1, false},
	}

	for specIndex, spec := range specs {
		m := newTestManager(t, 8)
		space := &AddressSpace{ID: 1}

		var source *Cache
		if spec.temporary {
			source = newAnonCache(t, m, 2, false)
		} else {
			source = m.NewVnodeCache(newMockVnode(2*testPageSize, 0))
		}
		page := insertNewPage(t, m, source, 0, PageStateActive)

		consumers := make([]*Cache, spec.consumers)
		for i := range consumers {
			consumers[i] = newAnonCache(t, m, 2, false)
			buildConsumer(source, consumers[i])
		}

		for i := 0; i < spec.areas; i++ {
			source.AcquireRef()
			if _, err := m.NewArea(space, "area", 0, source, 0, 2*testPageSize); err != nil {
				t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
			}
		}

		// Pretend that only one reference is left.
		source.Lock()
		refs := source.refCount
		source.refCount = 1
		source.Unlock()

		merged := source.Deleted()
		if merged != spec.expMerge {
			t.Errorf("[spec %d] expected merge: %t; got %t", specIndex, spec.expMerge, merged)
			continue
		}

		if merged {
			if page.Cache() != consumers[0] {
				t.Errorf("[spec %d] expected page to move into the consumer", specIndex)
			}
			if consumers[0].Source() != nil {
				t.Errorf("[spec %d] expected consumer to lose its source", specIndex)
			}
			continue
		}

		if page.Cache() != source || source.PageCount() != 1 {
			t.Errorf("[spec %d] expected source to keep its page", specIndex)
		}
		for i, consumer := range consumers {
			if consumer.Source() != source || consumer.PageCount() != 0 {
				t.Errorf("[spec %d] expected consumer %d to be unchanged", specIndex, i)
			}
		}

		source.Lock()
		source.refCount = refs
		source.Unlock()
	}
}

func TestCacheMergeUnion(t *testing.T) {
	m := newTestManager(t, 16)
	source := newAnonCache(t, m, 4, false)
	consumer := newAnonCache(t, m, 4, false)

	sourcePages := make([]*Page, 3)
	for i := range sourcePages {
		sourcePages[i] = insertNewPage(t, m, source, int64(i), PageStateActive)
		fillPage(m, sourcePages[i], byte(0xa0+i))
	}
	own1 := insertNewPage(t, m, consumer, 1, PageStateActive)
	own3 := insertNewPage(t, m, consumer, 3, PageStateActive)
	fillPage(m, own1, 0xb1)
	fillPage(m, own3, 0xb3)

	buildConsumer(source, consumer)
	if got := source.RefCount(); got != 2 {
		t.Fatalf("expected source to have 2 references; got %d", got)
	}

	source.ReleaseRef()
	if !source.Deleted() {
		t.Fatal("expected source to be merged into its only consumer")
	}

	specs := []struct {
		offset  int64
		expPage *Page
		expVal  byte
	}{
		{0, sourcePages[0], 0xa0},
		{testPageSize, own1, 0xb1},
		{2 * testPageSize, sourcePages[2], 0xa2},
		{3 * testPageSize, own3, 0xb3},
	}

	consumer.Lock()
	for specIndex, spec := range specs {
		p := consumer.LookupPage(spec.offset)
		if p != spec.expPage {
			t.Errorf("[spec %d] expected page %v; got %v", specIndex, spec.expPage, p)
			continue
		}
		if p.Cache() != consumer {
			t.Errorf("[spec %d] expected page to point to the consumer", specIndex)
		}
		if !pageFilledWith(m, p, spec.expVal) {
			t.Errorf("[spec %d] expected page contents 0x%x", specIndex, spec.expVal)
		}
	}
	consumer.Unlock()

	if got := consumer.PageCount(); got != 4 {
		t.Fatalf("expected consumer to own 4 pages; got %d", got)
	}
	if got := sourcePages[1].State(); got != PageStateFree {
		t.Fatalf("expected shadowed source page to be freed; got %s", got)
	}
	if m.LookupCache(source.ID()) != nil {
		t.Fatal("expected merged source to be unregistered")
	}
	if err := m.CheckPageQueues(); err != nil {
		t.Fatalf("unexpected queue error: %v", err)
	}
}

func TestCacheMergeHandsOverSource(t *testing.T) {
	m := newTestManager(t, 8)
	root := m.NewVnodeCache(newMockVnode(4*testPageSize, 0))
	middle := newAnonCache(t, m, 4, false)
	top := newAnonCache(t, m, 4, false)

	buildConsumer(root, middle)
	buildConsumer(middle, top)
	rootRefs := root.RefCount()

	middle.ReleaseRef()

	if !middle.Deleted() {
		t.Fatal("expected middle cache to be merged")
	}
	if top.Source() != root {
		t.Fatalf("expected top cache to inherit the root as source; got %s", cacheName(top.Source()))
	}
	if consumers := root.Consumers(); len(consumers) != 1 || consumers[0] != top {
		t.Fatal("expected root to have the top cache as its only consumer")
	}
	if got := root.RefCount(); got != rootRefs {
		t.Fatalf("expected root reference count to stay at %d; got %d", rootRefs, got)
	}
}

func TestCacheConcurrentAddConsumer(t *testing.T) {
	m := newTestManager(t, 4)
	parent := newAnonCache(t, m, 4, false)
	children := []*Cache{newAnonCache(t, m, 4, false), newAnonCache(t, m, 4, false)}
	refsBefore := parent.RefCount()

	var wg sync.WaitGroup
	for _, child := range children {
		wg.Add(1)
		go func(child *Cache) {
			defer wg.Done()
			buildConsumer(parent, child)
		}(child)
	}
	wg.Wait()

	if got := len(parent.Consumers()); got != 2 {
		t.Fatalf("expected 2 consumers; got %d", got)
	}
	if got := parent.RefCount(); got != refsBefore+2 {
		t.Fatalf("expected reference count %d; got %d", refsBefore+2, got)
	}
	for i, child := range children {
		if child.Source() != parent {
			t.Errorf("expected child %d to have the parent as source", i)
		}
	}

	// Deleting a consumer drops its reference to the parent.
	children[0].ReleaseRef()
	if got := parent.RefCount(); got != refsBefore+1 {
		t.Fatalf("expected reference count %d; got %d", refsBefore+1, got)
	}
	if got := len(parent.Consumers()); got != 1 {
		t.Fatalf("expected 1 consumer; got %d", got)
	}
}

func TestCacheStoreRefsForConsumersAndAreas(t *testing.T) {
	m := newTestManager(t, 4)
	vnode := newMockVnode(2*testPageSize, 0)
	source := m.NewVnodeCache(vnode)
	consumer := newAnonCache(t, m, 2, false)

	buildConsumer(source, consumer)
	source.AcquireRef()
	area, err := m.NewArea(&AddressSpace{ID: 1}, "file", 0, source, 0, 2*testPageSize)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, refs := vnode.counters(); refs != 2 {
		t.Fatalf("expected 2 vnode references; got %d", refs)
	}

	consumer.ReleaseRef()
	area.Delete()
	if _, _, refs := vnode.counters(); refs != 0 {
		t.Fatalf("expected all vnode references to be released; got %d", refs)
	}
	if got := source.RefCount(); got != 1 {
		t.Fatalf("expected only the creator reference to be left; got %d", got)
	}
}

func TestCacheWaitForPageEvents(t *testing.T) {
	m := newTestManager(t, 4)
	c := newAnonCache(t, m, 2, false)
	target := insertNewPage(t, m, c, 0, PageStateActive)
	other := insertNewPage(t, m, c, 1, PageStateActive)
	target.busy.Store(true)

	done := make(chan struct{})
	go func() {
		c.Lock()
		c.WaitForPageEvents(target, PageEventNotBusy, true)
		c.Unlock()
		close(done)
	}()

	waitFor(t, "page event waiter", func() bool {
		c.Lock()
		defer c.mu.Unlock()
		return len(c.waiters) == 1
	})

	c.Lock()
	c.NotifyPageEvents(other, PageEventNotBusy)
	c.NotifyPageEvents(target, 0)
	c.Unlock()

	select {
	case <-done:
		t.Fatal("expected waiter to ignore unrelated events")
	case <-time.After(10 * time.Millisecond):
	}

	c.Lock()
	c.MarkPageUnbusy(target)
	c.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected waiter to be woken")
	}
	if target.Busy() {
		t.Fatal("expected page to be unbusy")
	}
}

func TestDeviceAndNullCaches(t *testing.T) {
	m := newTestManager(t, 4)
	device := m.NewDeviceCache(0xfe000000, 4*testPageSize)
	null := m.NewNullCache()

	specs := []struct {
		offset   int64
		expAddr  uint64
		expOK    bool
		expFrame mm.Frame
	}{
		{0, 0xfe000000, true, mm.Frame(0xfe000)},
		{testPageSize + 8, 0xfe001008, true, mm.Frame(0xfe001)},
		{4 * testPageSize, 0, false, mm.InvalidFrame},
	}

	for specIndex, spec := range specs {
		addr, ok := device.PhysicalAddress(spec.offset)
		if ok != spec.expOK || addr != spec.expAddr {
			t.Errorf("[spec %d] expected address 0x%x (%t); got 0x%x (%t)", specIndex, spec.expAddr, spec.expOK, addr, ok)
		}
		if frame, _ := device.DeviceFrame(spec.offset); frame != spec.expFrame {
			t.Errorf("[spec %d] expected frame 0x%x; got 0x%x", specIndex, spec.expFrame, frame)
		}
	}

	if _, ok := null.PhysicalAddress(0); ok {
		t.Fatal("expected null cache to have no physical address")
	}

	for specIndex, c := range []*Cache{device, null} {
		c.Lock()
		if err := c.Fault(nil, 0); err != ErrBadAddress {
			t.Errorf("[spec %d] expected ErrBadAddress; got %v", specIndex, err)
		}
		c.Unlock()
		if _, err := c.Read(0, [][]byte{make([]byte, testPageSize)}); err != ErrNotSupported {
			t.Errorf("[spec %d] expected ErrNotSupported; got %v", specIndex, err)
		}
		if c.HasPage(0) || c.CanWritePage(0) {
			t.Errorf("[spec %d] expected cache without backing", specIndex)
		}
	}
}

func TestCacheDump(t *testing.T) {
	m := newTestManager(t, 4)
	c := newAnonCache(t, m, 2, false)
	insertNewPage(t, m, c, 1, PageStateActive)

	var buf bytes.Buffer
	c.Lock()
	c.Dump(&buf, true)
	c.Unlock()

	for _, exp := range []string{"(RAM)", "page_count:   1", "0x1: frame", "overcommit:"} {
		if !strings.Contains(buf.String(), exp) {
			t.Errorf("expected dump to contain %q; got:\n%s", exp, buf.String())
		}
	}
}
