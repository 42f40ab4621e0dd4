// Package region partitions one executable arena into regions that
// compilers claim exclusively, and indexes the units published in them.
package region

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"emujit/pkg/errors"
)

// CodeAlign is the alignment of every published unit.
const CodeAlign = 16

// Options configure a Manager.
type Options struct {
	// Size of the arena in bytes, rounded down to whole pages.
	Size int
	// Regions is the number of regions; zero picks DefaultRegions.
	Regions int
	// Workers is the number of concurrent compilers.
	Workers int
	// Highwater bytes at the end of each region are left as emission slack.
	Highwater int
	// PrologueSize bytes at the start of the arena hold the entry sequence.
	PrologueSize int
	// Heap takes the arena from the Go heap instead of mapping it.
	Heap bool
	// Log reports claims and resets.
	Log bool
}

const mib = 1 << 20

// DefaultRegions picks enough regions for every worker to claim several
// while keeping each region at least 2 MiB.
func DefaultRegions(size, workers int) int {
	if workers <= 1 {
		return 1
	}
	for per := 8; per > 0; per-- {
		if size/workers/per >= 2*mib {
			return workers * per
		}
	}
	return workers
}

// Region is a contiguous part of the arena followed by a guard page.
type Region struct {
	m     *Manager
	index int
	start int // arena offsets
	end   int

	cursor atomic.Int64

	mu    sync.Mutex
	units []*Unit
}

func (r *Region) Index() int { return r.index }

// Start returns the host address of the first usable byte.
func (r *Region) Start() uintptr { return r.m.arena.base + uintptr(r.start) }

// End returns the host address just past the usable bytes; the guard
// page starts there.
func (r *Region) End() uintptr { return r.m.arena.base + uintptr(r.end) }

// Used returns the number of bytes committed so far.
func (r *Region) Used() int { return int(r.cursor.Load()) }

// Buffer returns the unused tail of the region, the host address of its
// first byte and the offset past which emission counts as overflow.
func (r *Region) Buffer() (buf []byte, base uintptr, highwater int) {
	off := r.start + r.Used()
	buf = r.m.arena.mem[off:r.end:r.end]
	highwater = len(buf) - r.m.highwater
	if highwater < 0 {
		highwater = 0
	}
	return buf, r.m.arena.base + uintptr(off), highwater
}

// Commit publishes n bytes at the start of the buffer and returns their
// host address. Only the owning compiler may call it.
func (r *Region) Commit(n int) uintptr {
	used := r.Used()
	addr := r.Start() + uintptr(used)
	next := int(alignUp(uintptr(used+n), CodeAlign))
	if r.start+next > r.end {
		next = r.end - r.start
	}
	r.cursor.Store(int64(next))
	return addr
}

func (r *Region) insert(u *Unit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := sort.Search(len(r.units), func(i int) bool { return r.units[i].Start >= u.Start })
	errors.Assert(i == len(r.units) || r.units[i].Start != u.Start, "unit at %#x inserted twice", u.Start)
	r.units = append(r.units, nil)
	copy(r.units[i+1:], r.units[i:])
	r.units[i] = u
}

func (r *Region) remove(u *Unit) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := sort.Search(len(r.units), func(i int) bool { return r.units[i].Start >= u.Start })
	if i == len(r.units) || r.units[i] != u {
		return false
	}
	r.units = append(r.units[:i], r.units[i+1:]...)
	return true
}

func (r *Region) lookup(addr uintptr) *Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := sort.Search(len(r.units), func(i int) bool { return r.units[i].End() > addr })
	if i < len(r.units) && r.units[i].Contains(addr) {
		return r.units[i]
	}
	return nil
}

func (r *Region) reset() {
	r.mu.Lock()
	r.units = nil
	r.mu.Unlock()
	r.cursor.Store(0)
}

// Manager owns the arena and hands out regions.
type Manager struct {
	arena     *arena
	page      int
	stride    int
	highwater int
	prologue  int
	regions   []*Region
	logging   bool

	mu      sync.Mutex
	next    int
	gen     atomic.Uint64
	claims  atomic.Uint64
	release sync.Once
}

// New allocates the arena and carves it into regions. Region i spans
// [i*stride, (i+1)*stride - page) of the arena, the last region also takes
// the rounding leftover, and region 0 starts after the prologue area.
func New(opts Options) (*Manager, error) {
	page := pageSize()
	size := int(alignDown(uintptr(opts.Size), uintptr(page)))
	n := opts.Regions
	if n <= 0 {
		n = DefaultRegions(size, max(opts.Workers, 1))
	}
	prologue := int(alignUp(uintptr(opts.PrologueSize), CodeAlign))
	if n <= 0 || size <= 0 {
		return nil, errors.Newf("arena of %d bytes cannot hold %d regions", opts.Size, n)
	}
	stride := int(alignDown(uintptr(size/n), uintptr(page)))
	if stride < 2*page || stride-page-prologue <= opts.Highwater {
		return nil, errors.Newf("arena of %d bytes too small for %d regions", size, n)
	}

	a, err := newArena(size, opts.Heap)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		arena:     a,
		page:      page,
		stride:    stride,
		highwater: opts.Highwater,
		prologue:  prologue,
		regions:   make([]*Region, n),
		logging:   opts.Log,
	}
	for i := range m.regions {
		r := &Region{m: m, index: i, start: i * stride, end: i*stride + stride - page}
		if i == 0 {
			r.start = prologue
		}
		if i == n-1 {
			r.end = size - page
		}
		a.guard(r.end, page)
		m.regions[i] = r
	}
	if m.logging {
		log.Printf("[region] arena %#x+%d: %d regions, stride %d", a.base, size, n, stride)
	}
	return m, nil
}

// Close unmaps the arena. Code in it must no longer run.
func (m *Manager) Close() error {
	var err error
	m.release.Do(func() { err = m.arena.release() })
	return err
}

func (m *Manager) NumRegions() int { return len(m.regions) }

func (m *Manager) Region(i int) *Region { return m.regions[i] }

// Prologue returns the area reserved for the entry and exit sequences.
func (m *Manager) Prologue() (buf []byte, base uintptr) {
	return m.arena.mem[:m.prologue:m.prologue], m.arena.base
}

// Code returns the published bytes of u.
func (m *Manager) Code(u *Unit) []byte {
	off := int(u.Start - m.arena.base)
	errors.Assert(off >= 0 && off+u.Size <= len(m.arena.mem), "unit %#x outside the arena", u.Start)
	return m.arena.mem[off : off+u.Size : off+u.Size]
}

// Generation increases on every ResetAll.
func (m *Manager) Generation() uint64 { return m.gen.Load() }

// Claims returns the number of successful claims since creation.
func (m *Manager) Claims() uint64 { return m.claims.Load() }

// Claim hands out the next unclaimed region, or ErrNoRegion.
func (m *Manager) Claim() (*Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.next == len(m.regions) {
		return nil, errors.ErrNoRegion
	}
	r := m.regions[m.next]
	m.next++
	m.claims.Add(1)
	if m.logging {
		log.Printf("[region] claimed region %d [%#x,%#x)", r.index, r.Start(), r.End())
	}
	return r, nil
}

// ResetAll forgets every unit and makes all regions claimable again. No
// compiler may be emitting while it runs.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		r.reset()
	}
	m.next = 0
	gen := m.gen.Add(1)
	if m.logging {
		log.Printf("[region] reset, generation %d", gen)
	}
}

// regionOf returns the region whose stride covers addr.
func (m *Manager) regionOf(addr uintptr) *Region {
	base := m.arena.base
	if addr < base {
		return m.regions[0]
	}
	off := addr - base
	last := len(m.regions) - 1
	if off > uintptr(m.stride*last) {
		return m.regions[last]
	}
	return m.regions[off/uintptr(m.stride)]
}

// Insert indexes u under the region holding its code.
func (m *Manager) Insert(u *Unit) { m.regionOf(u.Start).insert(u) }

// Remove drops u from the index, reporting whether it was present.
func (m *Manager) Remove(u *Unit) bool { return m.regionOf(u.Start).remove(u) }

// Lookup returns the unit whose code contains addr.
func (m *Manager) Lookup(addr uintptr) *Unit {
	if addr < m.arena.base || addr >= m.arena.base+uintptr(len(m.arena.mem)) {
		return nil
	}
	return m.regionOf(addr).lookup(addr)
}

// SearchPC maps a host address inside generated code to the unit and the
// insn_start data of the guest instruction it belongs to.
func (m *Manager) SearchPC(addr uintptr) (*Unit, [2]uint64, bool) {
	u := m.Lookup(addr)
	if u == nil {
		return nil, [2]uint64{}, false
	}
	data, ok := u.SearchPC(addr)
	return u, data, ok
}

// ForEach calls fn for every unit in address order until fn returns false.
func (m *Manager) ForEach(fn func(*Unit) bool) {
	for _, r := range m.regions {
		r.mu.Lock()
		units := append([]*Unit(nil), r.units...)
		r.mu.Unlock()
		for _, u := range units {
			if !fn(u) {
				return
			}
		}
	}
}

// NumUnits returns the number of indexed units.
func (m *Manager) NumUnits() int {
	n := 0
	for _, r := range m.regions {
		r.mu.Lock()
		n += len(r.units)
		r.mu.Unlock()
	}
	return n
}

// CodeSize returns the bytes committed across all regions.
func (m *Manager) CodeSize() int {
	n := 0
	for _, r := range m.regions {
		n += r.Used()
	}
	return n
}

// CodeCapacity returns the bytes available for code in an empty arena,
// excluding guard pages, the prologue and per-region slack.
func (m *Manager) CodeCapacity() int {
	n := 0
	for _, r := range m.regions {
		n += r.end - r.start - m.highwater
	}
	return n
}

// CheckGuards reports code written into an unprotected guard area.
func (m *Manager) CheckGuards() error { return m.arena.checkGuards() }
