package vm

import (
	"io"

	"vmcore/kernel"
	"vmcore/kernel/kfmt"
)

// Vnode is the file a vnode cache is backed by.
type Vnode interface {
	// ReadPages fills vecs starting at offset and returns the number of
	// bytes read; reads past the end of the file are short.
	ReadPages(offset int64, vecs [][]byte) (int, *kernel.Error)

	// WritePages writes vecs starting at offset and returns the number of
	// bytes written.
	WritePages(offset int64, vecs [][]byte) (int, *kernel.Error)

	// Size returns the file size in bytes.
	Size() int64

	// Reserve allocates file space for size bytes.
	Reserve(size int64) *kernel.Error

	// Acquire adds a reference to the vnode.
	Acquire() *kernel.Error

	// AcquireUnreferenced adds a reference unless the vnode is being
	// removed.
	AcquireUnreferenced() *kernel.Error

	// Release drops a reference.
	Release()
}

// vnodeStore backs a cache with a file.
type vnodeStore struct {
	baseStore
	vnode Vnode
}

// NewVnodeCache creates a persistent cache for vnode covering its current
// size.
func (m *Manager) NewVnodeCache(vnode Vnode) *Cache {
	c := m.newCache(CacheTypeVnode, false)
	c.store = &vnodeStore{baseStore: baseStore{cache: c}, vnode: vnode}
	c.virtualEnd = vnode.Size()
	return c
}

func (s *vnodeStore) Commit(size int64, _ Priority) *kernel.Error {
	if size > s.cache.committedSize {
		if err := s.vnode.Reserve(size); err != nil {
			return err
		}
	}

	s.cache.committedSize = size
	return nil
}

func (s *vnodeStore) HasPage(offset int64) bool {
	return offset < s.vnode.Size()
}

// Read fills vecs from the file; the part of vecs beyond the end of the file
// is cleared.
func (s *vnodeStore) Read(offset int64, vecs [][]byte) (int, *kernel.Error) {
	n, err := s.vnode.ReadPages(offset, vecs)
	if err != nil {
		return n, err
	}

	skip := n
	for _, v := range vecs {
		if skip >= len(v) {
			skip -= len(v)
			continue
		}
		kernel.Memset(v[skip:], 0)
		skip = 0
	}

	return n, nil
}

func (s *vnodeStore) Write(offset int64, vecs [][]byte) (int, *kernel.Error) {
	return s.vnode.WritePages(offset, vecs)
}

func (s *vnodeStore) WriteAsync(offset int64, vecs [][]byte, done func(err *kernel.Error, transferred int)) {
	go func() {
		n, err := s.vnode.WritePages(offset, vecs)
		done(err, n)
	}()
}

func (s *vnodeStore) CanWritePage(int64) bool { return true }

func (s *vnodeStore) Fault(_ *AddressSpace, offset int64) *kernel.Error {
	if !s.HasPage(offset) {
		return ErrBadAddress
	}
	return ErrBadHandler
}

func (s *vnodeStore) AcquireStoreRef() *kernel.Error {
	return s.vnode.Acquire()
}

func (s *vnodeStore) AcquireUnreferencedStoreRef() *kernel.Error {
	return s.vnode.AcquireUnreferenced()
}

func (s *vnodeStore) ReleaseStoreRef() {
	s.vnode.Release()
}

func (s *vnodeStore) Dump(w io.Writer) {
	kfmt.Fprintf(w, "  vnode size:   %d\n", s.vnode.Size())
}
