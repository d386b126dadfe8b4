package vm

import (
	"bytes"
	"sync"
	"testing"

	"vmcore/kernel"
)

var errMockSwapFull = &kernel.Error{Module: "test", Message: "swap full"}

// mockSwap keeps swapped pages in memory.
type mockSwap struct {
	mu        sync.Mutex
	slotCount int
	nextSlot  int64
	slots     map[int64][]byte
	freed     []int64
	writeErr  *kernel.Error
	writes    int
}

func newMockSwap(slotCount int) *mockSwap {
	return &mockSwap{slotCount: slotCount, slots: make(map[int64][]byte)}
}

func (s *mockSwap) AllocateSlots(count int) ([]int64, *kernel.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.slots)+count > s.slotCount {
		return nil, errMockSwapFull
	}

	slots := make([]int64, count)
	for i := range slots {
		slots[i] = s.nextSlot
		s.slots[s.nextSlot] = make([]byte, testPageSize)
		s.nextSlot++
	}
	return slots, nil
}

func (s *mockSwap) FreeSlots(slots []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, slot := range slots {
		delete(s.slots, slot)
		s.freed = append(s.freed, slot)
	}
}

func (s *mockSwap) WriteSlots(slots []int64, bufs [][]byte) (int, *kernel.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writes++
	if s.writeErr != nil {
		return 0, s.writeErr
	}

	var n int
	for i, slot := range slots {
		n += copy(s.slots[slot], bufs[i])
	}
	return n, nil
}

func (s *mockSwap) ReadSlots(slots []int64, bufs [][]byte) (int, *kernel.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for i, slot := range slots {
		n += copy(bufs[i], s.slots[slot])
	}
	return n, nil
}

func (s *mockSwap) FreeSlotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slotCount - len(s.slots)
}

func (s *mockSwap) Size() int64 {
	return int64(s.slotCount) * testPageSize
}

func (s *mockSwap) freedSlots() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.freed...)
}

func TestAnonymousCacheSwapReadWrite(t *testing.T) {
	m := newTestManager(t, 4)
	swap := newMockSwap(4)
	m.SetSwapStore(swap)
	c := newAnonCache(t, m, 4, true)

	data := append(bytes.Repeat([]byte{0x11}, int(testPageSize)), bytes.Repeat([]byte{0x22}, int(testPageSize))...)
	n, err := c.Write(0, [][]byte{data})
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) {
		t.Fatalf("expected to write %d bytes; got %d", len(data), n)
	}
	if got := swap.FreeSlotCount(); got != 2 {
		t.Fatalf("expected 2 free swap slots; got %d", got)
	}

	specs := []struct {
		offset int64
		expHas bool
		expVal byte
	}{
		{0, true, 0x11},
		{testPageSize, true, 0x22},
		{2 * testPageSize, false, 0},
	}

	for specIndex, spec := range specs {
		if got := c.HasPage(spec.offset); got != spec.expHas {
			t.Errorf("[spec %d] expected HasPage to return %t; got %t", specIndex, spec.expHas, got)
		}

		buf := bytes.Repeat([]byte{0xff}, int(testPageSize))
		if n, err := c.Read(spec.offset, [][]byte{buf}); err != nil || n != int(testPageSize) {
			t.Errorf("[spec %d] expected to read a page; got %d bytes, error %v", specIndex, n, err)
			continue
		}
		if !bytes.Equal(buf, bytes.Repeat([]byte{spec.expVal}, int(testPageSize))) {
			t.Errorf("[spec %d] expected page to be filled with 0x%x", specIndex, spec.expVal)
		}
	}

	// Rewriting a swapped page reuses its slot.
	if _, err := c.Write(0, [][]byte{data[:testPageSize]}); err != nil {
		t.Fatal(err)
	}
	if got := swap.FreeSlotCount(); got != 2 {
		t.Fatalf("expected rewrite to keep 2 free swap slots; got %d", got)
	}

	c.Lock()
	discarded, err := c.Discard(0, testPageSize)
	c.Unlock()
	if err != nil || discarded != 0 {
		t.Fatalf("expected discard of a swapped out page to report 0 resident bytes; got %d, %v", discarded, err)
	}
	if c.HasPage(0) {
		t.Fatal("expected discarded page to lose its swap slot")
	}
	if got := swap.FreeSlotCount(); got != 3 {
		t.Fatalf("expected 3 free swap slots; got %d", got)
	}

	c.ReleaseRef()
	if got := swap.FreeSlotCount(); got != 4 {
		t.Fatalf("expected deleted cache to release all swap slots; got %d free", got)
	}
}

func TestAnonymousCacheSwapFull(t *testing.T) {
	m := newTestManager(t, 4)
	swap := newMockSwap(1)
	m.SetSwapStore(swap)
	c := newAnonCache(t, m, 4, true)

	if _, err := c.Write(0, [][]byte{make([]byte, 2*testPageSize)}); err != ErrNoMemory {
		t.Fatalf("expected ErrNoMemory; got %v", err)
	}
	if c.HasPage(0) {
		t.Fatal("expected failed write not to assign slots")
	}

	if !c.CanWritePage(0) {
		t.Fatal("expected page to be writable while a slot is free")
	}
	if _, err := c.Write(0, [][]byte{make([]byte, testPageSize)}); err != nil {
		t.Fatal(err)
	}
	if c.CanWritePage(testPageSize) {
		t.Fatal("expected page without slot to be unwritable once swap is full")
	}
	if !c.CanWritePage(0) {
		t.Fatal("expected page with a slot to stay writable")
	}
}

func TestAnonymousCacheWithoutSwap(t *testing.T) {
	m := newTestManager(t, 4)

	// Swappable caches created before a swap store is installed never
	// swap.
	early := newAnonCache(t, m, 1, true)
	m.SetSwapStore(newMockSwap(4))
	noSwap := newAnonCache(t, m, 1, false)

	for specIndex, c := range []*Cache{early, noSwap} {
		if c.CanWritePage(0) {
			t.Errorf("[spec %d] expected page to be unwritable", specIndex)
		}
		if _, err := c.Read(0, [][]byte{make([]byte, testPageSize)}); err != ErrNotSupported {
			t.Errorf("[spec %d] expected ErrNotSupported; got %v", specIndex, err)
		}
		if _, err := c.Write(0, [][]byte{make([]byte, testPageSize)}); err != ErrNotSupported {
			t.Errorf("[spec %d] expected ErrNotSupported; got %v", specIndex, err)
		}
	}
}

func TestAnonymousCacheCommit(t *testing.T) {
	m := newTestManager(t, 8)
	initial := m.AvailableMemory()

	c := m.NewAnonymousCache(false, 0, 0, false)
	c.Lock()

	specs := []struct {
		size         int64
		expErr       *kernel.Error
		expCommitted int64
	}{
		{4 * testPageSize, nil, 4 * testPageSize},
		{2 * testPageSize, nil, 2 * testPageSize},
		{9 * testPageSize, ErrNoMemory, 2 * testPageSize},
		{8 * testPageSize, nil, 8 * testPageSize},
	}

	for specIndex, spec := range specs {
		oldEnd := c.VirtualEnd()
		err := c.Resize(spec.size, int(PriorityUser))
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
		if got := c.CommittedSize(); got != spec.expCommitted {
			t.Errorf("[spec %d] expected %d committed bytes; got %d", specIndex, spec.expCommitted, got)
		}
		if exp, got := initial-spec.expCommitted, m.AvailableMemory(); got != exp {
			t.Errorf("[spec %d] expected %d available bytes; got %d", specIndex, exp, got)
		}
		if err != nil && c.VirtualEnd() != oldEnd {
			t.Errorf("[spec %d] expected failed resize to keep the cache end at %d; got %d", specIndex, oldEnd, c.VirtualEnd())
		}
	}

	c.ReleaseRefLocked()
	c.Unlock()

	if !c.Deleted() {
		t.Fatal("expected cache to be deleted")
	}
	if got := m.AvailableMemory(); got != initial {
		t.Fatalf("expected deleted cache to release its commitment; got %d available, want %d", got, initial)
	}
}

func TestAnonymousCacheOvercommit(t *testing.T) {
	m := newTestManager(t, 8)
	space := &AddressSpace{ID: 1}

	type step struct {
		pageCount    int
		faultOffset  int64
		expErr       *kernel.Error
		expCommitted int64
	}

	specs := []struct {
		precommitted int32
		guard        int32
		steps        []step
	}{
		{
			precommitted: 0,
			steps: []step{
				{0, 0, ErrBadHandler, testPageSize},
				// The page for the first fault has not been inserted yet.
				{0, testPageSize, ErrBadHandler, testPageSize},
				{1, testPageSize, ErrBadHandler, 2 * testPageSize},
			},
		},
		{
			precommitted: 2,
			steps: []step{
				{0, 0, ErrBadHandler, 2 * testPageSize},
				{1, testPageSize, ErrBadHandler, 2 * testPageSize},
				{1, 2 * testPageSize, ErrBadHandler, 2 * testPageSize},
				{2, 3 * testPageSize, ErrBadHandler, 3 * testPageSize},
			},
		},
		{
			guard: 1,
			steps: []step{
				{0, 0, ErrBadAddress, 0},
				{0, testPageSize - 1, ErrBadAddress, 0},
				{0, testPageSize, ErrBadHandler, testPageSize},
			},
		},
	}

	for specIndex, spec := range specs {
		c := m.NewAnonymousCache(true, spec.precommitted, spec.guard, false)
		c.Lock()
		if err := c.Resize(8*testPageSize, int(PriorityUser)); err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}

		if exp := int64(spec.precommitted) * testPageSize; c.CommittedSize() != exp {
			t.Errorf("[spec %d] expected %d precommitted bytes; got %d", specIndex, exp, c.CommittedSize())
		}

		for stepIndex, s := range spec.steps {
			c.pageCount = uint32(s.pageCount)
			if err := c.Fault(space, s.faultOffset); err != s.expErr {
				t.Errorf("[spec %d] step %d: expected error %v; got %v", specIndex, stepIndex, s.expErr, err)
			}
			if got := c.CommittedSize(); got != s.expCommitted {
				t.Errorf("[spec %d] step %d: expected %d committed bytes; got %d", specIndex, stepIndex, s.expCommitted, got)
			}
		}

		c.pageCount = 0
		c.ReleaseRefLocked()
		c.Unlock()
	}

	if exp, got := 8*testPageSize, m.AvailableMemory(); got != exp {
		t.Fatalf("expected all commitments to be released; got %d available", got)
	}
}

func TestAnonymousCacheMergeSwap(t *testing.T) {
	m := newTestManager(t, 8)
	swap := newMockSwap(8)
	m.SetSwapStore(swap)

	source := newAnonCache(t, m, 4, true)
	consumer := newAnonCache(t, m, 4, true)

	page := func(v byte) []byte { return bytes.Repeat([]byte{v}, int(testPageSize)) }

	// Source: swapped pages 0 and 1, resident page 2.
	if _, err := source.Write(0, [][]byte{page(0xa0), page(0xa1)}); err != nil {
		t.Fatal(err)
	}
	sourcePage := insertNewPage(t, m, source, 2, PageStateActive)

	// Consumer: swapped pages 1 and 2.
	if _, err := consumer.Write(testPageSize, [][]byte{page(0xb1), page(0xb2)}); err != nil {
		t.Fatal(err)
	}

	consumer.Lock()
	source.Lock()
	source.AddConsumer(consumer)
	source.Unlock()
	consumer.Unlock()

	// Dropping the creator reference merges the source into its consumer.
	source.ReleaseRef()

	if !source.Deleted() {
		t.Fatal("expected source to be merged and deleted")
	}

	specs := []struct {
		offset int64
		expVal byte
	}{
		{0, 0xa0},
		{testPageSize, 0xb1},
		{2 * testPageSize, 0xb2},
	}

	for specIndex, spec := range specs {
		if !consumer.HasPage(spec.offset) {
			t.Errorf("[spec %d] expected consumer to have a swap slot", specIndex)
			continue
		}
		buf := make([]byte, testPageSize)
		if _, err := consumer.Read(spec.offset, [][]byte{buf}); err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}
		if !bytes.Equal(buf, page(spec.expVal)) {
			t.Errorf("[spec %d] expected page contents 0x%x; got 0x%x", specIndex, spec.expVal, buf[0])
		}
	}

	consumer.Lock()
	shadowed := consumer.LookupPage(2 * testPageSize)
	consumer.Unlock()
	if shadowed != nil {
		t.Fatal("expected resident source page shadowed by a consumer slot not to be moved")
	}
	if got := sourcePage.State(); got != PageStateFree {
		t.Fatalf("expected shadowed source page to be freed; got state %s", got)
	}

	if got := len(swap.freedSlots()); got != 1 {
		t.Fatalf("expected the shadowed source slot to be freed; got %d freed slots", got)
	}
	if got := swap.FreeSlotCount(); got != 5 {
		t.Fatalf("expected 5 free swap slots; got %d", got)
	}
}
