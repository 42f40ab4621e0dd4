//go:build !linux

package region

import "os"

func pageSize() int { return os.Getpagesize() }

// newArena always uses the heap off Linux; such code cannot be executed.
func newArena(size int, heap bool) (*arena, error) {
	return newHeapArena(size, pageSize()), nil
}

func (a *arena) guard(off, n int) { a.fillGuard(off, n) }

func (a *arena) release() error {
	a.mem = nil
	return nil
}
