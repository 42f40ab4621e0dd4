package region

import (
	"unsafe"

	"emujit/pkg/errors"
)

// guardByte fills guard areas of heap arenas; it decodes as int3 on x86.
const guardByte = 0xcc

// arena is the single contiguous code buffer shared by all regions.
type arena struct {
	mem    []byte
	base   uintptr
	mapped bool
	// guards lists [off, off+n) ranges filled with guardByte because they
	// could not be protected.
	guards [][2]int
}

func addrOf(mem []byte) uintptr {
	if len(mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&mem[0]))
}

// newHeapArena allocates a page-aligned arena from the Go heap. Its code can
// be written and inspected but not executed.
func newHeapArena(size, page int) *arena {
	buf := make([]byte, size+page)
	skip := int(alignUp(addrOf(buf), uintptr(page)) - addrOf(buf))
	mem := buf[skip : skip+size : skip+size]
	return &arena{mem: mem, base: addrOf(mem)}
}

func (a *arena) fillGuard(off, n int) {
	for i := off; i < off+n; i++ {
		a.mem[i] = guardByte
	}
	a.guards = append(a.guards, [2]int{off, n})
}

// checkGuards verifies that no code was written into an unprotected guard.
func (a *arena) checkGuards() error {
	for _, g := range a.guards {
		for i := g[0]; i < g[0]+g[1]; i++ {
			if a.mem[i] != guardByte {
				return errors.AssertionFailedf("guard byte at %#x overwritten", a.base+uintptr(i))
			}
		}
	}
	return nil
}

func alignUp(v, align uintptr) uintptr   { return (v + align - 1) &^ (align - 1) }
func alignDown(v, align uintptr) uintptr { return v &^ (align - 1) }
