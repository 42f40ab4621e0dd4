// Package jit drives translation units through the pipeline and owns the
// state shared by every compiler: the code arena, the helper and global
// registries, and the guest-pc cache.
package jit

import (
	"log"
	"sync"

	"emujit/pkg/config"
	"emujit/pkg/errors"
	"emujit/pkg/tcg"
	"emujit/pkg/tcg/amd64"
	"emujit/pkg/tcg/region"
)

// prologueSize is reserved at the start of the arena for the entry and exit
// sequences.
const prologueSize = 256

// GlobalDef declares a guest-state value mirrored by a global temp. Base
// names an earlier pointer-sized global holding the address of the block the
// value lives in; empty means env.
type GlobalDef struct {
	Name   string
	Base   string
	Offset int64
	Type   tcg.Type
}

// Optimizer rewrites a unit before liveness runs.
type Optimizer func(ctx *tcg.Context)

// Runtime provides the state shared by all compilers
type Runtime struct {
	cfg       config.Config
	target    tcg.Target
	env       tcg.Reg
	table     *tcg.ConstraintTable
	helpers   map[string]*tcg.Helper
	globals   []GlobalDef
	optimizer Optimizer

	regions *region.Manager
	cache   *Cache
	stats   *Stats

	// Compilers hold the read side for one translation attempt; Flush
	// takes the write side.
	flushMu sync.RWMutex
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithTarget selects the host back-end and the register reserved for env.
func WithTarget(t tcg.Target, env tcg.Reg) Option {
	return func(r *Runtime) {
		r.target = t
		r.env = env
	}
}

// WithHelper registers a helper callable from generated code.
func WithHelper(h tcg.Helper) Option {
	return func(r *Runtime) {
		r.helpers[h.Name] = &h
	}
}

// WithGlobals registers guest-state globals, in order.
func WithGlobals(defs ...GlobalDef) Option {
	return func(r *Runtime) { r.globals = append(r.globals, defs...) }
}

// WithOptimizer installs a pass that runs before liveness.
func WithOptimizer(o Optimizer) Option {
	return func(r *Runtime) { r.optimizer = o }
}

// NewRuntime creates the arena, emits the entry sequence and freezes the
// registries. The default back-end is amd64.
func NewRuntime(cfg config.Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runtime{
		cfg:     cfg,
		helpers: make(map[string]*tcg.Helper),
	}
	for _, o := range opts {
		o(r)
	}
	if r.target == nil {
		r.target = amd64.New()
		r.env = amd64.Env
	}
	if err := r.checkGlobals(); err != nil {
		return nil, err
	}
	for name, h := range r.helpers {
		if h.NArgs < 0 || h.NRets > len(r.target.Registers().CallRets) {
			return nil, errors.Newf("helper %s: %d args, %d results", name, h.NArgs, h.NRets)
		}
	}
	r.table = tcg.BuildConstraints(r.target)

	m, err := region.New(region.Options{
		Size:         cfg.ArenaSize,
		Regions:      cfg.Regions,
		Workers:      cfg.Workers,
		Highwater:    cfg.Highwater,
		PrologueSize: prologueSize,
		Heap:         cfg.HeapArena,
		Log:          cfg.Logs("region"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create code arena")
	}
	r.regions = m

	buf, base := m.Prologue()
	b := tcg.NewCodeBuf(buf, base, len(buf))
	r.target.Prologue(b)
	if b.Overflowed() {
		_ = m.Close()
		return nil, errors.Newf("%s prologue does not fit in %d bytes", r.target.Name(), len(buf))
	}
	if cfg.Logs("out_asm") {
		log.Printf("[jit] prologue at %#x, %d bytes", base, b.Offset())
	}

	r.cache = newCache()
	r.stats = newStats(r)
	return r, nil
}

func (r *Runtime) checkGlobals() error {
	seen := make(map[string]tcg.Type, len(r.globals))
	for _, g := range r.globals {
		if g.Name == "" {
			return errors.New("global without a name")
		}
		if _, dup := seen[g.Name]; dup {
			return errors.Newf("global %s registered twice", g.Name)
		}
		if g.Base != "" {
			t, ok := seen[g.Base]
			if !ok {
				return errors.Newf("global %s: base %s must be registered first", g.Name, g.Base)
			}
			if t != tcg.I64 {
				return errors.Newf("global %s: base %s is not pointer sized", g.Name, g.Base)
			}
		}
		seen[g.Name] = g.Type
	}
	return nil
}

// newContext builds a per-compiler context with the registered globals.
func (r *Runtime) newContext() *tcg.Context {
	ctx := tcg.NewContext(r.target, r.table, r.cfg.MaxTemps)
	env := ctx.NewFixed(r.env, tcg.I64, "env")
	for _, g := range r.globals {
		base := env
		if g.Base != "" {
			base = ctx.Lookup(g.Base)
		}
		ctx.NewGlobal(base, g.Offset, g.Type, g.Name)
	}
	return ctx
}

func (r *Runtime) Config() config.Config { return r.cfg }
func (r *Runtime) Target() tcg.Target    { return r.target }
func (r *Runtime) Stats() *Stats         { return r.stats }

// Regions exposes the region manager.
func (r *Runtime) Regions() *region.Manager { return r.regions }

// Helper returns the registered helper called name, or nil.
func (r *Runtime) Helper(name string) *tcg.Helper { return r.helpers[name] }

// Lookup returns the unit whose code contains addr, or nil.
func (r *Runtime) Lookup(addr uintptr) *region.Unit { return r.regions.Lookup(addr) }

// SearchPC maps a host address inside generated code to the insn_start data
// of the guest instruction it belongs to.
func (r *Runtime) SearchPC(addr uintptr) ([2]uint64, bool) {
	_, data, ok := r.regions.SearchPC(addr)
	return data, ok
}

// Code returns the generated bytes of u.
func (r *Runtime) Code(u *region.Unit) []byte { return r.regions.Code(u) }

// Insert publishes u in the region directory.
func (r *Runtime) Insert(u *region.Unit) { r.regions.Insert(u) }

// Remove invalidates u and drops it from the region directory. Cached
// references notice the invalidation on their next lookup.
func (r *Runtime) Remove(u *region.Unit) bool {
	u.Invalidate()
	return r.regions.Remove(u)
}

// Invalidate removes the unit cached for key.
func (r *Runtime) Invalidate(key Key) bool {
	u := r.cache.Remove(key)
	if u == nil {
		return false
	}
	r.Remove(u)
	return true
}

// ForEach calls fn for every published unit until fn returns false.
func (r *Runtime) ForEach(fn func(*region.Unit) bool) { r.regions.ForEach(fn) }

func (r *Runtime) CodeSize() int     { return r.regions.CodeSize() }
func (r *Runtime) CodeCapacity() int { return r.regions.CodeCapacity() }

// Flush discards all generated code. It waits for running translations.
func (r *Runtime) Flush() {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	r.flushLocked()
}

// flushIfCurrent flushes unless another compiler already did since gen.
func (r *Runtime) flushIfCurrent(gen uint64) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	if r.regions.Generation() == gen {
		r.flushLocked()
	}
}

func (r *Runtime) flushLocked() {
	units := r.regions.NumUnits()
	r.regions.ForEach(func(u *region.Unit) bool {
		u.Invalidate()
		return true
	})
	r.regions.ResetAll()
	r.cache.Flush()
	r.stats.flushes.Inc()
	if r.cfg.HeapArena && r.cfg.DebugChecks {
		if err := r.regions.CheckGuards(); err != nil {
			panic(err)
		}
	}
	if r.cfg.Logs("region") {
		log.Printf("[jit] flushed %d units", units)
	}
}

// Close releases the arena.
func (r *Runtime) Close() error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	return r.regions.Close()
}

// Cache returns the guest-pc cache.
func (r *Runtime) Cache() *Cache { return r.cache }
