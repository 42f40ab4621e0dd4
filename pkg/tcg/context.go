package tcg

import (
	"emujit/pkg/errors"

	"github.com/bits-and-blooms/bitset"
)

// Context holds the temps, ops and labels of the unit being translated by
// one compiler. Globals and fixed temps registered before the first unit
// occupy the lowest slab indices and survive Reset.
type Context struct {
	target Target
	regs   *RegisterInfo
	table  *ConstraintTable

	temps     []Temp
	nGlobals  int
	nTemps    int
	nIndirect int
	free      [NumTypes][2]*bitset.BitSet
	consts    map[constKey]*Temp
	scratch   Temp
	reserved  RegSet
	frame     *Temp
	frozen    bool

	ops    OpList
	opPool []*Op
	labels []*Label
	nInsns int

	err error
}

type constKey struct {
	t Type
	v uint64
}

// NewContext creates a context with room for maxTemps temps. The spill frame
// base is registered as the first fixed temp.
func NewContext(t Target, table *ConstraintTable, maxTemps int) *Context {
	regs := t.Registers()
	c := &Context{
		target:   t,
		regs:     regs,
		table:    table,
		temps:    make([]Temp, maxTemps),
		consts:   make(map[constKey]*Temp),
		reserved: regs.Reserved,
	}
	for ty := range c.free {
		for class := range c.free[ty] {
			c.free[ty][class] = bitset.New(uint(maxTemps))
		}
	}
	c.frame = c.NewFixed(regs.FrameBase, I64, "_frame")
	return c
}

func (c *Context) Target() Target                { return c.target }
func (c *Context) Registers() *RegisterInfo      { return c.regs }
func (c *Context) Constraints() *ConstraintTable { return c.table }

// Reserved returns the registers never handed out by the allocator.
func (c *Context) Reserved() RegSet { return c.reserved }

// Frame returns the fixed temp addressing the spill frame.
func (c *Context) Frame() *Temp { return c.frame }

// Err returns the first recoverable error recorded while building the unit.
func (c *Context) Err() error { return c.err }

func (c *Context) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Reset discards the unit being built and freezes the global registry.
func (c *Context) Reset() {
	for op := c.ops.First(); op != nil; {
		next := op.Next()
		op.reset()
		c.opPool = append(c.opPool, op)
		op = next
	}
	c.ops = OpList{}
	c.labels = c.labels[:0]
	clear(c.consts)
	for i := c.nGlobals; i < c.nTemps; i++ {
		c.temps[i] = Temp{}
	}
	c.nTemps = c.nGlobals
	for ty := range c.free {
		for class := range c.free[ty] {
			c.free[ty][class].ClearAll()
		}
	}
	c.nInsns = 0
	c.err = nil
	c.frozen = true
}

func (c *Context) registerGlobal(kind Kind, t Type, name string) *Temp {
	errors.Assert(!c.frozen && c.nTemps == c.nGlobals, "global %s registered after translation started", name)
	errors.Assert(c.nTemps < len(c.temps), "no room for global %s", name)
	ts := &c.temps[c.nTemps]
	*ts = Temp{Index: c.nTemps, Kind: kind, Type: t, Name: name, Reg: NoReg}
	c.nTemps++
	c.nGlobals++
	return ts
}

// NewFixed registers a temp pinned to host register reg. The register is
// withdrawn from allocation.
func (c *Context) NewFixed(reg Reg, t Type, name string) *Temp {
	ts := c.registerGlobal(Fixed, t, name)
	ts.Reg = reg
	ts.Val = ValReg
	c.reserved = c.reserved.With(reg)
	return ts
}

// NewGlobal registers a guest-state temp homed at base+offset.
func (c *Context) NewGlobal(base *Temp, offset int64, t Type, name string) *Temp {
	errors.Assert(base.IsGlobal(), "global %s based on non-global %s", name, base)
	ts := c.registerGlobal(Global, t, name)
	ts.MemBase = base
	ts.MemOffset = offset
	ts.MemAllocated = true
	if base.Kind != Fixed {
		ts.Indirect = true
		base.IndirectBase = true
		c.nIndirect++
	}
	return ts
}

// Lookup returns the global registered under name, or nil.
func (c *Context) Lookup(name string) *Temp {
	for i := 0; i < c.nGlobals; i++ {
		if c.temps[i].Name == name {
			return &c.temps[i]
		}
	}
	return nil
}

func (c *Context) NumGlobals() int { return c.nGlobals }
func (c *Context) NumTemps() int   { return c.nTemps }

// Temp returns the temp at slab index i.
func (c *Context) Temp(i int) *Temp { return &c.temps[i] }

// HasIndirect reports whether any global is reached through another global.
func (c *Context) HasIndirect() bool { return c.nIndirect > 0 }

func kindClass(k Kind) int {
	if k == Local {
		return 1
	}
	return 0
}

// NewTemp returns a Normal or Local temp, reusing a freed one of the same
// type and class when possible. When the slab is exhausted a temp overflow
// is recorded and a scratch temp is returned so the caller can keep going.
func (c *Context) NewTemp(t Type, k Kind) *Temp {
	errors.Assert(k == Normal || k == Local, "NewTemp with kind %s", k)
	free := c.free[t][kindClass(k)]
	if idx, ok := free.NextSet(0); ok {
		free.Clear(idx)
		ts := &c.temps[idx]
		ts.free = false
		return ts
	}
	return c.allocTemp(t, k)
}

// AllocTemp returns a fresh slab temp, never one from the free pool.
func (c *Context) AllocTemp(t Type, k Kind) *Temp {
	errors.Assert(k == Normal || k == Local, "AllocTemp with kind %s", k)
	return c.allocTemp(t, k)
}

func (c *Context) allocTemp(t Type, k Kind) *Temp {
	if c.nTemps == len(c.temps) {
		c.fail(errors.Overflowf(errors.OverflowTemps, "more than %d temps", len(c.temps)))
		c.scratch = Temp{Index: -1, Kind: k, Type: t, Reg: NoReg}
		return &c.scratch
	}
	ts := &c.temps[c.nTemps]
	*ts = Temp{Index: c.nTemps, Kind: k, Type: t, Reg: NoReg}
	c.nTemps++
	return ts
}

// FreeTemp returns ts to the free pool of its type and class.
func (c *Context) FreeTemp(ts *Temp) {
	if ts.Index < 0 {
		return
	}
	errors.Assert(ts.Kind == Normal || ts.Kind == Local, "freeing %s temp %s", ts.Kind, ts)
	errors.Assert(!ts.free, "temp %s freed twice", ts)
	ts.free = true
	c.free[ts.Type][kindClass(ts.Kind)].Set(uint(ts.Index))
}

// Constant returns the unit's constant temp holding val.
func (c *Context) Constant(t Type, val uint64) *Temp {
	if t == I32 {
		val = uint64(uint32(val))
	}
	key := constKey{t, val}
	if ts, ok := c.consts[key]; ok {
		return ts
	}
	ts := c.allocTemp(t, Const)
	ts.Kind = Const
	ts.ConstVal = val
	ts.Val = ValConst
	if ts.Index >= 0 {
		c.consts[key] = ts
	}
	return ts
}

// Ops returns the operation stream.
func (c *Context) Ops() *OpList { return &c.ops }

// Labels returns every label created for the unit.
func (c *Context) Labels() []*Label { return c.labels }

// InsnCount returns the number of insn_start markers emitted.
func (c *Context) InsnCount() int { return c.nInsns }

func (c *Context) newOp(opc Opcode, t Type, outs, ins []*Temp) *Op {
	var op *Op
	if n := len(c.opPool); n > 0 {
		op = c.opPool[n-1]
		c.opPool = c.opPool[:n-1]
	} else {
		op = new(Op)
	}
	errors.Assert(len(outs) <= MaxOutputs && len(ins) <= MaxInputs, "%s: too many operands", opc)
	op.Opc = opc
	op.Type = t
	op.SetArgs(outs, ins)
	return op
}

// Supports reports whether opc can be emitted with type t on this host.
func (c *Context) Supports(opc Opcode, t Type) bool {
	if opc.Def().Has(FlagNotPresent) {
		return true
	}
	return c.table.For(opc) != nil && c.target.Supported(opc, t)
}

func (c *Context) checkOp(opc Opcode, t Type, outs, ins []*Temp) {
	def := opc.Def()
	if opc != OpCall {
		errors.Assert(len(outs) == def.NOut && len(ins) == def.NIn,
			"%s: got %d outputs and %d inputs", opc, len(outs), len(ins))
	}
	errors.Assert(c.Supports(opc, t), "%s_%s is not supported by %s", opc, t, c.target.Name())
	for _, ts := range outs {
		errors.Assert(!ts.ReadOnly(), "%s writes read-only temp %s", opc, ts)
	}
}

// Emit appends an operation to the stream.
func (c *Context) Emit(opc Opcode, t Type, outs, ins []*Temp) *Op {
	c.checkOp(opc, t, outs, ins)
	op := c.newOp(opc, t, outs, ins)
	c.ops.pushBack(op)
	return op
}

// InsertBefore links a new op in front of mark.
func (c *Context) InsertBefore(mark *Op, opc Opcode, t Type, outs, ins []*Temp) *Op {
	op := c.newOp(opc, t, outs, ins)
	c.ops.insertBefore(mark, op)
	return op
}

// InsertAfter links a new op behind mark.
func (c *Context) InsertAfter(mark *Op, opc Opcode, t Type, outs, ins []*Temp) *Op {
	op := c.newOp(opc, t, outs, ins)
	c.ops.insertAfter(mark, op)
	return op
}

// Remove unlinks op. Branches release their reference on the target label.
func (c *Context) Remove(op *Op) {
	if op.Label != nil && (op.Opc == OpBr || op.Opc == OpBrCond) {
		op.Label.Refs--
	}
	c.ops.remove(op)
	op.reset()
	c.opPool = append(c.opPool, op)
}

// NewLabel creates an unplaced label.
func (c *Context) NewLabel() *Label {
	l := &Label{ID: len(c.labels)}
	c.labels = append(c.labels, l)
	return l
}

// SetLabel places l at the current end of the stream.
func (c *Context) SetLabel(l *Label) {
	errors.Assert(!l.present, "label %s defined twice", l)
	l.present = true
	op := c.Emit(OpSetLabel, I64, nil, nil)
	op.Label = l
}
