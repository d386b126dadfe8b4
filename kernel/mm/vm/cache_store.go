package vm

import (
	"io"

	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
)

// cacheStore implements the variant specific behaviour of a cache. Hooks
// are invoked with the owning cache locked, except Read, Write and the
// store reference functions.
type cacheStore interface {
	// Commit guarantees backing for size bytes and records the new
	// committed size.
	Commit(size int64, priority Priority) *kernel.Error

	HasPage(offset int64) bool
	Read(offset int64, vecs [][]byte) (int, *kernel.Error)
	Write(offset int64, vecs [][]byte) (int, *kernel.Error)
	CanWritePage(offset int64) bool
	Fault(space *AddressSpace, offset int64) *kernel.Error

	MaxPagesPerWrite() int
	MaxPagesPerAsyncWrite() int

	AcquireStoreRef() *kernel.Error
	AcquireUnreferencedStoreRef() *kernel.Error
	ReleaseStoreRef()

	// Merge takes over the backing of source, whose pages were merged
	// into the owning cache.
	Merge(source *Cache)

	// FreeBacking releases backing held for pages in [first, end).
	FreeBacking(first, end uint64)

	// Delete releases all resources when the owning cache is deleted.
	Delete()

	Dump(w io.Writer)
}

// asyncWriter is implemented by stores that can write asynchronously.
type asyncWriter interface {
	WriteAsync(offset int64, vecs [][]byte, done func(err *kernel.Error, transferred int))
}

// backingAdopter is implemented by stores that move per-page backing when
// pages are adopted from another cache.
type backingAdopter interface {
	AdoptBacking(source *Cache, first, end uint64, pageDelta int64)
}

// baseStore provides the default hook implementations: no backing, every
// fault is a bad address and reads and writes are not supported.
type baseStore struct {
	cache *Cache
}

func (s *baseStore) Commit(size int64, _ Priority) *kernel.Error {
	s.cache.committedSize = size
	return nil
}

func (s *baseStore) HasPage(int64) bool { return false }

func (s *baseStore) Read(int64, [][]byte) (int, *kernel.Error) {
	return 0, ErrNotSupported
}

func (s *baseStore) Write(int64, [][]byte) (int, *kernel.Error) {
	return 0, ErrNotSupported
}

func (s *baseStore) CanWritePage(int64) bool { return false }

func (s *baseStore) Fault(*AddressSpace, int64) *kernel.Error {
	return ErrBadAddress
}

func (s *baseStore) MaxPagesPerWrite() int      { return -1 }
func (s *baseStore) MaxPagesPerAsyncWrite() int { return -1 }

func (s *baseStore) AcquireStoreRef() *kernel.Error             { return nil }
func (s *baseStore) AcquireUnreferencedStoreRef() *kernel.Error { return nil }
func (s *baseStore) ReleaseStoreRef()                           {}

func (s *baseStore) Merge(*Cache)             {}
func (s *baseStore) FreeBacking(_, _ uint64) {}
func (s *baseStore) Delete()                 {}
func (s *baseStore) Dump(io.Writer)          {}

// NewNullCache creates a placeholder cache without any backing.
func (m *Manager) NewNullCache() *Cache {
	c := m.newCache(CacheTypeNull, false)
	c.store = &baseStore{cache: c}
	return c
}

// deviceStore backs a cache with a fixed range of physical memory.
type deviceStore struct {
	baseStore
	baseAddress uint64
}

func (s *deviceStore) Dump(w io.Writer) {
	kfmt.Fprintf(w, "  device base:  0x%x\n", s.baseAddress)
}

// NewDeviceCache creates a cache representing the physical range starting
// at baseAddress. Device caches cannot be read, written or faulted.
func (m *Manager) NewDeviceCache(baseAddress uint64, size int64) *Cache {
	c := m.newCache(CacheTypeDevice, false)
	c.store = &deviceStore{baseStore: baseStore{cache: c}, baseAddress: baseAddress}
	c.virtualEnd = size
	return c
}

// PhysicalAddress returns the physical address backing offset of a device
// cache. It reports false for other cache types and out of range offsets.
func (c *Cache) PhysicalAddress(offset int64) (uint64, bool) {
	ds, ok := c.store.(*deviceStore)
	if !ok || offset < c.virtualBase || offset >= c.virtualEnd {
		return 0, false
	}
	return ds.baseAddress + uint64(offset), true
}

// DeviceFrame returns the frame backing offset of a device cache.
func (c *Cache) DeviceFrame(offset int64) (mm.Frame, bool) {
	addr, ok := c.PhysicalAddress(offset)
	if !ok {
		return mm.InvalidFrame, false
	}
	return mm.FrameFromAddress(uintptr(addr)), true
}
