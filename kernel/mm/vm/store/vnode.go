package store

import (
	"os"
	"sync"

	"vmcore/kernel"

	"golang.org/x/sys/unix"
)

// FileVnode is a vnode backed by a host file. Its size is fixed when it is
// opened; writes beyond the end of the file are cut off.
type FileVnode struct {
	file *os.File
	size int64

	mu       sync.Mutex
	refCount int32
	removed  bool
}

// OpenFileVnode opens (creating it if needed) the file at path. If size is
// positive the file is resized to size bytes, otherwise its current size is
// used. The returned vnode holds one reference.
func OpenFileVnode(path string, size int64) (*FileVnode, *kernel.Error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, ioError("open "+path, err)
	}

	if size > 0 {
		if err = f.Truncate(size); err != nil {
			f.Close()
			return nil, ioError("truncate "+path, err)
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, ioError("stat "+path, err)
		}
		size = info.Size()
	}

	return &FileVnode{file: f, size: size, refCount: 1}, nil
}

// Size returns the file size in bytes.
func (v *FileVnode) Size() int64 {
	return v.size
}

// Name returns the path of the backing file.
func (v *FileVnode) Name() string {
	return v.file.Name()
}

func (v *FileVnode) fd() (int, *kernel.Error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.refCount == 0 {
		return -1, errVnodeClosed
	}
	return int(v.file.Fd()), nil
}

// ReadPages fills vecs from offset. Reads are short at the end of the file.
func (v *FileVnode) ReadPages(offset int64, vecs [][]byte) (int, *kernel.Error) {
	fd, kerr := v.fd()
	if kerr != nil {
		return 0, kerr
	}

	if offset >= v.size {
		return 0, nil
	}
	vecs = limitVecs(vecs, int(v.size-offset))

	n, err := preadvFull(fd, vecs, offset)
	if err != nil {
		return n, ioError("preadv "+v.file.Name(), err)
	}
	return n, nil
}

// WritePages writes vecs at offset, dropping the part beyond the end of the
// file, and returns the number of bytes written.
func (v *FileVnode) WritePages(offset int64, vecs [][]byte) (int, *kernel.Error) {
	fd, kerr := v.fd()
	if kerr != nil {
		return 0, kerr
	}

	if offset >= v.size {
		return 0, nil
	}
	vecs = limitVecs(vecs, int(v.size-offset))

	n, err := pwritevFull(fd, vecs, offset)
	if err != nil {
		return n, ioError("pwritev "+v.file.Name(), err)
	}
	return n, nil
}

// Reserve allocates disk blocks for the first size bytes of the file
// without changing its size.
func (v *FileVnode) Reserve(size int64) *kernel.Error {
	fd, kerr := v.fd()
	if kerr != nil {
		return kerr
	}

	if err := fallocateFn(fd, unix.FALLOC_FL_KEEP_SIZE, 0, size); err != nil && err != unix.EOPNOTSUPP {
		return ioError("fallocate "+v.file.Name(), err)
	}
	return nil
}

// Acquire adds a reference.
func (v *FileVnode) Acquire() *kernel.Error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.refCount == 0 {
		return errVnodeClosed
	}
	v.refCount++
	return nil
}

// AcquireUnreferenced adds a reference unless the vnode has been removed.
func (v *FileVnode) AcquireUnreferenced() *kernel.Error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.removed || v.refCount == 0 {
		return errVnodeRemoved
	}
	v.refCount++
	return nil
}

// Release drops a reference. The file is closed with the last one.
func (v *FileVnode) Release() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.refCount == 0 {
		return
	}
	if v.refCount--; v.refCount == 0 {
		v.file.Close()
	}
}

// Remove marks the vnode as being removed and drops the caller's
// reference. Writers that need an unreferenced store reference fail from
// now on.
func (v *FileVnode) Remove() {
	v.mu.Lock()
	v.removed = true
	v.mu.Unlock()
	v.Release()
}

// RefCount returns the number of references.
func (v *FileVnode) RefCount() int32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.refCount
}
