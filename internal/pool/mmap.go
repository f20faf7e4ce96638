package pool

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MMapBacking allocates buffers via anonymous mmap, outside the Go heap,
// so the garbage collector never scans them. A Pool uses it only when
// constructed with WithBacking(MMapBacking{}); the IR arenas in this
// module are built on pool.New() and so use HeapBacking.
type MMapBacking struct {
	// Prot is the mmap protection requested; defaults to PROT_READ|PROT_WRITE
	// when zero.
	Prot int
}

func (m MMapBacking) Alloc(size int) ([]byte, error) {
	prot := m.Prot
	if prot == 0 {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}
	mem, err := unix.Mmap(-1, 0, size, prot, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrap(err, "pool: mmap")
	}
	return mem, nil
}

func (m MMapBacking) Free(buf []byte) error {
	if err := unix.Munmap(buf); err != nil {
		return errors.Wrap(err, "pool: munmap")
	}
	return nil
}
