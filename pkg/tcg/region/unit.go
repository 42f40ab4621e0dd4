package region

import (
	"sort"
	"sync/atomic"
)

// Unit is one published block of host code.
type Unit struct {
	Start uintptr
	Size  int
	// Meta is opaque front-end data, such as the guest pc and flags.
	Meta any
	// InsnEnd holds, per guest instruction, the offset from Start at which
	// its host code ends. InsnData holds the matching insn_start words.
	InsnEnd  []uint16
	InsnData [][2]uint64

	invalid atomic.Bool
}

// End returns the first address past the unit's code.
func (u *Unit) End() uintptr { return u.Start + uintptr(u.Size) }

// Contains reports whether addr lies within the unit's code.
func (u *Unit) Contains(addr uintptr) bool { return addr >= u.Start && addr < u.End() }

// Invalidate marks the unit unusable; cached references must drop it.
func (u *Unit) Invalidate() { u.invalid.Store(true) }

func (u *Unit) Invalid() bool { return u.invalid.Load() }

// SearchPC returns the insn_start data of the guest instruction whose host
// code covers addr.
func (u *Unit) SearchPC(addr uintptr) ([2]uint64, bool) {
	if !u.Contains(addr) {
		return [2]uint64{}, false
	}
	off := int(addr - u.Start)
	i := sort.Search(len(u.InsnEnd), func(i int) bool { return off < int(u.InsnEnd[i]) })
	if i == len(u.InsnEnd) || i >= len(u.InsnData) {
		return [2]uint64{}, false
	}
	return u.InsnData[i], true
}
