// Package regalloc binds temps to host registers and stack slots while
// emitting host code for an annotated operation stream, in one forward pass.
package regalloc

import (
	"emujit/pkg/errors"
	"emujit/pkg/tcg"

	"github.com/davecgh/go-spew/spew"
)

// Options tune a single allocation run.
type Options struct {
	// DebugChecks verifies the register to temp maps after every op.
	DebugChecks bool
}

// Result describes the code emitted for one unit.
type Result struct {
	Size int
	// InsnEnd holds the code offset at which each guest instruction ends.
	InsnEnd []uint16
	// InsnData holds the two insn_start words of each guest instruction.
	InsnData [][2]uint64
	// Spills counts stores made to free a register holding a live value.
	Spills     int
	FrameBytes int64
}

type allocator struct {
	ctx      *tcg.Context
	target   tcg.Target
	regs     *tcg.RegisterInfo
	table    *tcg.ConstraintTable
	buf      *tcg.CodeBuf
	reserved tcg.RegSet
	opts     Options

	regToTemp [tcg.MaxRegs]*tcg.Temp
	frameCur  int64
	err       error
	res       Result

	operands [tcg.MaxOutputs + tcg.MaxInputs]tcg.Operand
}

const (
	freeTemp = -1
	deadTemp = 1
)

// Generate allocates registers for the ops of ctx and emits host code into
// buf. Recoverable overflows are returned as errors; the unit must then be
// discarded.
func Generate(ctx *tcg.Context, buf *tcg.CodeBuf, opts Options) (Result, error) {
	a := &allocator{
		ctx:      ctx,
		target:   ctx.Target(),
		regs:     ctx.Registers(),
		table:    ctx.Constraints(),
		buf:      buf,
		reserved: ctx.Reserved(),
		opts:     opts,
	}
	a.start()

	insns := -1
	for op := ctx.Ops().First(); op != nil; op = op.Next() {
		switch op.Opc {
		case tcg.OpMov:
			a.allocMov(op)
		case tcg.OpDup:
			a.allocDup(op)
		case tcg.OpInsnStart:
			if insns >= 0 {
				if err := a.endInsn(); err != nil {
					return Result{}, err
				}
			}
			insns++
			a.res.InsnData = append(a.res.InsnData, [2]uint64{uint64(op.Aux), op.Aux2})
		case tcg.OpDiscard:
			a.tempDead(op.Out[0])
		case tcg.OpSetLabel:
			a.bbEnd(a.reserved)
			op.Label.Bind(buf.Offset())
		case tcg.OpCall:
			a.allocCall(op)
		default:
			a.allocOp(op)
		}
		if a.opts.DebugChecks {
			a.checkRegs(op)
		}
		if buf.Overflowed() {
			return Result{}, errors.Overflowf(errors.OverflowCode, "unit needs more than %d bytes", buf.Offset())
		}
		if a.err != nil {
			return Result{}, a.err
		}
	}
	if insns >= 0 {
		if err := a.endInsn(); err != nil {
			return Result{}, err
		}
	}
	a.res.Size = buf.Offset()
	a.res.FrameBytes = a.frameCur - a.regs.FrameStart
	return a.res, nil
}

func (a *allocator) endInsn() error {
	off := a.buf.Offset()
	if off > 0xffff {
		return errors.Overflowf(errors.OverflowInsnTable, "instruction ends at offset %d", off)
	}
	a.res.InsnEnd = append(a.res.InsnEnd, uint16(off))
	return nil
}

func (a *allocator) fail(err error) {
	if a.err == nil {
		a.err = err
	}
}

// start resets the allocation state of every temp for a new unit.
func (a *allocator) start() {
	for i := 0; i < a.ctx.NumTemps(); i++ {
		ts := a.ctx.Temp(i)
		switch ts.Kind {
		case tcg.Const:
			ts.Val = tcg.ValConst
		case tcg.Fixed:
			ts.Val = tcg.ValReg
		case tcg.Global:
			ts.Val = tcg.ValMem
		case tcg.Local:
			ts.Val = tcg.ValMem
			ts.MemAllocated = false
		case tcg.Normal:
			ts.Val = tcg.ValDead
			ts.MemAllocated = false
		}
		if ts.Kind != tcg.Fixed {
			ts.Reg = tcg.NoReg
		}
		ts.MemCoherent = false
	}
	a.regToTemp = [tcg.MaxRegs]*tcg.Temp{}
	a.frameCur = a.regs.FrameStart
}

func (a *allocator) allocateFrame(ts *tcg.Temp) {
	size := int64(ts.Type.Size())
	off := (a.frameCur + size - 1) &^ (size - 1)
	if off+size > a.regs.FrameEnd {
		a.fail(errors.Overflowf(errors.OverflowFrame, "no spill slot for %s", ts))
		off = a.regs.FrameStart
	} else {
		a.frameCur = off + size
	}
	ts.MemBase = a.ctx.Frame()
	ts.MemOffset = off
	ts.MemAllocated = true
}

func (a *allocator) setReg(ts *tcg.Temp, reg tcg.Reg) {
	if ts.Val == tcg.ValReg {
		if ts.Reg == reg {
			return
		}
		errors.Assert(a.regToTemp[ts.Reg] == ts, "%s not owner of %s", ts, a.regs.RegName(ts.Reg))
		a.regToTemp[ts.Reg] = nil
	}
	errors.Assert(a.regToTemp[reg] == nil, "%s still holds %s", a.regs.RegName(reg), a.regToTemp[reg])
	a.regToTemp[reg] = ts
	ts.Val = tcg.ValReg
	ts.Reg = reg
}

func (a *allocator) setNonReg(ts *tcg.Temp, val tcg.ValState) {
	if ts.Val == tcg.ValReg {
		a.regToTemp[ts.Reg] = nil
		ts.Reg = tcg.NoReg
	}
	ts.Val = val
}

// freeOrDead releases the register of ts. Freed values stay readable from
// memory; dead normal temps are forgotten.
func (a *allocator) freeOrDead(ts *tcg.Temp, mode int) {
	var val tcg.ValState
	switch ts.Kind {
	case tcg.Fixed:
		return
	case tcg.Global, tcg.Local:
		val = tcg.ValMem
	case tcg.Normal:
		if mode < 0 {
			val = tcg.ValMem
		} else {
			val = tcg.ValDead
		}
	case tcg.Const:
		val = tcg.ValConst
	}
	a.setNonReg(ts, val)
}

func (a *allocator) tempDead(ts *tcg.Temp) { a.freeOrDead(ts, deadTemp) }

func (a *allocator) memBaseReg(ts *tcg.Temp) tcg.Reg {
	errors.Assert(ts.MemBase != nil && ts.MemBase.Kind == tcg.Fixed, "%s has no fixed home base", ts)
	return ts.MemBase.Reg
}

// sync makes the home slot of ts hold its current value, then frees or kills
// the temp when mode asks for it.
func (a *allocator) sync(ts *tcg.Temp, allocated, preferred tcg.RegSet, mode int) {
	if !ts.ReadOnly() && !ts.MemCoherent {
		// A local still in memory was never written and needs no slot yet.
		if !ts.MemAllocated && ts.Val != tcg.ValMem {
			a.allocateFrame(ts)
		}
		switch ts.Val {
		case tcg.ValConst:
			// A temp about to be released does not need a register.
			if mode != 0 && a.target.StI(a.buf, ts.Type, ts.ConstVal, a.memBaseReg(ts), ts.MemOffset) {
				break
			}
			a.load(ts, a.regs.Available[ts.Type], allocated, preferred)
			fallthrough
		case tcg.ValReg:
			a.target.St(a.buf, ts.Type, ts.Reg, a.memBaseReg(ts), ts.MemOffset)
		case tcg.ValMem:
		default:
			panic(errors.AssertionFailedf("sync of %s temp %s", ts.Val, ts))
		}
		ts.MemCoherent = true
	}
	if mode != 0 {
		a.freeOrDead(ts, mode)
	}
}

// regFree evicts whatever temp occupies reg.
func (a *allocator) regFree(reg tcg.Reg, allocated tcg.RegSet) {
	ts := a.regToTemp[reg]
	if ts == nil {
		return
	}
	if !ts.ReadOnly() && !ts.MemCoherent {
		a.res.Spills++
	}
	a.sync(ts, allocated, 0, freeTemp)
}

// pick chooses a register from required minus allocated: a free preferred
// one, then any free one, then it evicts, again preferring preferred.
func (a *allocator) pick(required, allocated, preferred tcg.RegSet, rev bool) tcg.Reg {
	var sets [2]tcg.RegSet
	sets[1] = required &^ allocated
	errors.Assert(sets[1] != 0, "no register in %s outside %s", required, allocated)
	sets[0] = sets[1] & preferred

	// Skip the preference when it cannot be met or changes nothing.
	first := 0
	if sets[0] == 0 || sets[0] == sets[1] {
		first = 1
	}
	order := a.regs.AllocOrder

	for j := first; j < 2; j++ {
		set := sets[j]
		if set.Single() {
			if reg := set.First(); a.regToTemp[reg] == nil {
				return reg
			}
			continue
		}
		for k := range order {
			reg := order[a.orderIndex(k, rev)]
			if set.Has(reg) && a.regToTemp[reg] == nil {
				return reg
			}
		}
	}

	for j := first; j < 2; j++ {
		set := sets[j]
		if set.Single() {
			reg := set.First()
			a.regFree(reg, allocated)
			return reg
		}
		for k := range order {
			reg := order[a.orderIndex(k, rev)]
			if set.Has(reg) {
				a.regFree(reg, allocated)
				return reg
			}
		}
	}
	panic(errors.AssertionFailedf("no register could be allocated from %s", sets[1]))
}

// Bases of indirect globals are allocated from the end of the order so they
// rarely collide with ordinary temps.
func (a *allocator) orderIndex(k int, rev bool) int {
	if rev {
		return len(a.regs.AllocOrder) - 1 - k
	}
	return k
}

// load brings ts into a register from desired.
func (a *allocator) load(ts *tcg.Temp, desired, allocated, preferred tcg.RegSet) {
	var reg tcg.Reg
	switch ts.Val {
	case tcg.ValReg:
		return
	case tcg.ValConst:
		reg = a.pick(desired, allocated, preferred, ts.IndirectBase)
		a.target.MovI(a.buf, ts.Type, reg, ts.ConstVal)
		ts.MemCoherent = false
	case tcg.ValMem:
		if !ts.MemAllocated {
			a.allocateFrame(ts)
		}
		reg = a.pick(desired, allocated, preferred, ts.IndirectBase)
		a.target.Ld(a.buf, ts.Type, reg, a.memBaseReg(ts), ts.MemOffset)
		ts.MemCoherent = true
	default:
		panic(errors.AssertionFailedf("load of dead temp %s", ts))
	}
	a.setReg(ts, reg)
}

func (a *allocator) globals(fn func(ts *tcg.Temp)) {
	for i := 0; i < a.ctx.NumGlobals(); i++ {
		fn(a.ctx.Temp(i))
	}
}

// syncGlobals writes every global back to memory, keeping register copies.
func (a *allocator) syncGlobals(allocated tcg.RegSet) {
	a.globals(func(ts *tcg.Temp) {
		a.sync(ts, allocated, 0, 0)
	})
}

// saveGlobals writes every global back to memory and releases its register.
func (a *allocator) saveGlobals(allocated tcg.RegSet) {
	a.globals(func(ts *tcg.Temp) {
		a.sync(ts, allocated, 0, freeTemp)
	})
}

func (a *allocator) bbEnd(allocated tcg.RegSet) {
	for i := a.ctx.NumGlobals(); i < a.ctx.NumTemps(); i++ {
		ts := a.ctx.Temp(i)
		switch ts.Kind {
		case tcg.Local:
			a.sync(ts, allocated, 0, freeTemp)
		case tcg.Normal:
			errors.Assert(ts.Val == tcg.ValDead, "temp %s live at end of block", ts)
		case tcg.Const:
			errors.Assert(ts.Val == tcg.ValConst, "constant %s still in %s", ts, a.regs.RegName(ts.Reg))
		}
	}
	a.saveGlobals(allocated)
}

// condBranch keeps normal temps in their registers across the fall through.
func (a *allocator) condBranch(allocated tcg.RegSet) {
	a.syncGlobals(allocated)
	for i := a.ctx.NumGlobals(); i < a.ctx.NumTemps(); i++ {
		ts := a.ctx.Temp(i)
		if ts.Kind == tcg.Local {
			a.sync(ts, allocated, 0, 0)
		}
	}
}

func (a *allocator) checkRegs(op *tcg.Op) {
	for r := range a.regToTemp {
		ts := a.regToTemp[r]
		if ts != nil && (ts.Val != tcg.ValReg || ts.Reg != tcg.Reg(r)) {
			panic(errors.AssertionFailedf("after %s: %s mapped to %s\n%s",
				op.Opc, a.regs.RegName(tcg.Reg(r)), ts, spew.Sdump(ts)))
		}
	}
	for i := 0; i < a.ctx.NumTemps(); i++ {
		ts := a.ctx.Temp(i)
		if ts.Val == tcg.ValReg && ts.Kind != tcg.Fixed && a.regToTemp[ts.Reg] != ts {
			panic(errors.AssertionFailedf("after %s: %s claims %s owned by %v\n%s",
				op.Opc, ts, a.regs.RegName(ts.Reg), a.regToTemp[ts.Reg], spew.Sdump(ts)))
		}
	}
}
