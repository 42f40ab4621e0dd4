//go:build linux

package region

import (
	"emujit/pkg/errors"

	"golang.org/x/sys/unix"
)

func pageSize() int { return unix.Getpagesize() }

// newArena maps size bytes of memory with execute permission, or takes it
// from the heap when heap is set.
func newArena(size int, heap bool) (*arena, error) {
	if heap {
		return newHeapArena(size, pageSize()), nil
	}
	mem, err := unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mmap %d byte code arena", size)
	}
	return &arena{mem: mem, base: addrOf(mem), mapped: true}, nil
}

// guard makes [off, off+n) inaccessible, falling back to guard bytes.
func (a *arena) guard(off, n int) {
	if a.mapped {
		if err := unix.Mprotect(a.mem[off:off+n], unix.PROT_NONE); err == nil {
			return
		}
	}
	a.fillGuard(off, n)
}

func (a *arena) release() error {
	if a.mem == nil {
		return nil
	}
	var err error
	if a.mapped {
		err = unix.Munmap(a.mem)
	}
	a.mem = nil
	return err
}
