package regalloc

import (
	"emujit/pkg/errors"
	"emujit/pkg/tcg"
)

func outputPref(op *tcg.Op, i int) tcg.RegSet {
	if i < len(op.OutPref) {
		return op.OutPref[i]
	}
	return 0
}

// allocOp places the operands of a generic op according to its constraints,
// emits it, and retires its dead and synced arguments.
func (a *allocator) allocOp(op *tcg.Op) {
	def := op.Def()
	ct := a.table.For(op.Opc)
	errors.Assert(ct != nil, "no constraints for %s", op.Opc)
	nOut := len(op.Out)
	life := op.Life
	args := a.operands[:nOut+len(op.In)]

	iAllocated := a.reserved
	oAllocated := a.reserved

	for _, k := range ct.InOrder {
		i := nOut + k
		argCt := &ct.Args[i]
		ts := op.In[k]

		if ts.Val == tcg.ValConst && argCt.Const != 0 && a.target.ConstMatch(ts.ConstVal, argCt.Const, op.Type) {
			args[i] = tcg.Operand{Const: true, Val: ts.ConstVal}
			continue
		}

		var preferred tcg.RegSet
		required := argCt.Regs
		newReg := false
		if argCt.IAlias {
			preferred = outputPref(op, argCt.Alias)
			// A live or read-only input cannot be overwritten in place.
			if ts.ReadOnly() || !life.Dead(i) || ct.Args[argCt.Alias].NewReg {
				newReg = true
			} else if ts.Val == tcg.ValReg {
				newReg = iAllocated.Has(ts.Reg)
			}
		}
		if !newReg {
			a.load(ts, required, iAllocated, preferred)
			newReg = !required.Has(ts.Reg)
		}
		reg := ts.Reg
		if newReg {
			a.load(ts, a.regs.Available[ts.Type], iAllocated, 0)
			reg = a.pick(required, iAllocated, preferred, ts.IndirectBase)
			a.copyTo(ts, reg, iAllocated)
		}
		args[i] = tcg.Operand{Reg: reg}
		iAllocated = iAllocated.With(reg)
	}

	for i := range op.In {
		if life.Dead(nOut + i) {
			a.tempDead(op.In[i])
		}
	}

	switch {
	case def.Has(tcg.FlagCondBranch):
		a.condBranch(iAllocated)
	case def.Has(tcg.FlagBBEnd):
		a.bbEnd(iAllocated)
	default:
		if def.Has(tcg.FlagSideEffects) {
			a.syncGlobals(iAllocated)
		}
		for _, i := range ct.OutOrder {
			argCt := &ct.Args[i]
			ts := op.Out[i]
			errors.Assert(!ts.ReadOnly(), "%s writes read-only %s", op.Opc, ts)

			var reg tcg.Reg
			switch {
			case argCt.OAlias && !args[nOut+argCt.Alias].Const:
				reg = args[nOut+argCt.Alias].Reg
			case argCt.NewReg:
				reg = a.pick(argCt.Regs, iAllocated|oAllocated, outputPref(op, i), ts.IndirectBase)
			default:
				reg = a.pick(argCt.Regs, oAllocated, outputPref(op, i), ts.IndirectBase)
			}
			oAllocated = oAllocated.With(reg)
			a.setReg(ts, reg)
			ts.MemCoherent = false
			args[i] = tcg.Operand{Reg: reg}
		}
	}

	a.target.Encode(a.buf, op, args)

	for i, ts := range op.Out {
		switch {
		case life.Sync(i):
			mode := 0
			if life.Dead(i) {
				mode = deadTemp
			}
			a.sync(ts, oAllocated, 0, mode)
		case life.Dead(i):
			a.tempDead(ts)
		}
	}
}

// copyTo copies the register value of ts into reg, going through the home
// slot when the host cannot move between the two register classes.
func (a *allocator) copyTo(ts *tcg.Temp, reg tcg.Reg, allocated tcg.RegSet) {
	if a.target.Mov(a.buf, ts.Type, reg, ts.Reg) {
		return
	}
	a.sync(ts, allocated, 0, 0)
	a.target.Ld(a.buf, ts.Type, reg, a.memBaseReg(ts), ts.MemOffset)
}

// movI records a constant value for ots without emitting code, storing it
// only when the slot must be coherent.
func (a *allocator) movI(ots *tcg.Temp, val uint64, life tcg.LifeMask, preferred tcg.RegSet) {
	errors.Assert(!ots.ReadOnly(), "move into read-only %s", ots)
	a.setNonReg(ots, tcg.ValConst)
	ots.ConstVal = val
	ots.MemCoherent = false
	switch {
	case life.Sync(0):
		mode := 0
		if life.Dead(0) {
			mode = deadTemp
		}
		a.sync(ots, a.reserved, preferred, mode)
	case life.Dead(0):
		a.tempDead(ots)
	}
}

func (a *allocator) allocMov(op *tcg.Op) {
	life := op.Life
	allocated := a.reserved
	preferred := outputPref(op, 0)
	ots, ts := op.Out[0], op.In[0]
	errors.Assert(!ots.ReadOnly(), "move into read-only %s", ots)

	if ts.Val == tcg.ValConst {
		val := ts.ConstVal
		if life.Dead(1) {
			a.tempDead(ts)
		}
		a.movI(ots, val, life, preferred)
		return
	}

	// Keep the loaded source in a register for its later uses.
	if ts.Val == tcg.ValMem {
		a.load(ts, a.regs.Available[ts.Type], allocated, preferred)
	}
	errors.Assert(ts.Val == tcg.ValReg, "move from %s temp %s", ts.Val, ts)
	ireg := ts.Reg

	if life.Dead(0) {
		errors.Assert(life.Sync(0), "move into dead unsynced %s", ots)
		if !ots.MemAllocated {
			a.allocateFrame(ots)
		}
		a.target.St(a.buf, ots.Type, ireg, a.memBaseReg(ots), ots.MemOffset)
		if life.Dead(1) {
			a.tempDead(ts)
		}
		a.tempDead(ots)
		return
	}

	var oreg tcg.Reg
	if life.Dead(1) && ts.Kind != tcg.Fixed {
		// The source dies here, so the output takes over its register.
		a.tempDead(ts)
		oreg = ireg
	} else {
		if ots.Val == tcg.ValReg {
			oreg = ots.Reg
		} else {
			oreg = a.pick(a.regs.Available[ots.Type], allocated.With(ireg), preferred, ots.IndirectBase)
		}
		if !a.target.Mov(a.buf, ots.Type, oreg, ireg) {
			if !ots.MemAllocated {
				a.allocateFrame(ots)
			}
			a.target.St(a.buf, ts.Type, ireg, a.memBaseReg(ots), ots.MemOffset)
			a.setNonReg(ots, tcg.ValMem)
			ots.MemCoherent = true
			if life.Dead(1) {
				a.tempDead(ts)
			}
			return
		}
	}
	a.setReg(ots, oreg)
	ots.MemCoherent = false
	if life.Sync(0) {
		a.sync(ots, allocated, 0, 0)
	}
}

// dupConst replicates the low vece bits of val across 64 bits.
func dupConst(vece int, val uint64) uint64 {
	if vece == 32 {
		return (val & 0xffffffff) * 0x0000000100000001
	}
	return val
}

func (a *allocator) allocDup(op *tcg.Op) {
	life := op.Life
	ots, its := op.Out[0], op.In[0]
	errors.Assert(!ots.ReadOnly(), "dup into read-only %s", ots)
	vece := int(op.Aux)

	if its.Val == tcg.ValConst {
		val := dupConst(vece, its.ConstVal)
		if life.Dead(1) {
			a.tempDead(its)
		}
		a.movI(ots, val, life, outputPref(op, 0))
		return
	}

	ct := a.table.For(tcg.OpDup)
	outRegs, inRegs := ct.Args[0].Regs, ct.Args[1].Regs

	if ots.Val != tcg.ValReg {
		allocated := a.reserved
		if !life.Dead(1) && its.Val == tcg.ValReg {
			allocated = allocated.With(its.Reg)
		}
		a.setReg(ots, a.pick(outRegs, allocated, outputPref(op, 0), ots.IndirectBase))
	}

	done := false
	switch its.Val {
	case tcg.ValReg:
		if inRegs.Has(its.Reg) && a.target.DupVec(a.buf, op.Type, vece, ots.Reg, its.Reg) {
			done = true
			break
		}
		if !its.MemCoherent {
			// Prefer a register move to an extra store.
			if a.target.Mov(a.buf, its.Type, ots.Reg, its.Reg) {
				break
			}
			a.sync(its, a.reserved, 0, 0)
		}
		fallthrough
	case tcg.ValMem:
		if !its.MemAllocated {
			a.allocateFrame(its)
		}
		if a.target.DupMem(a.buf, op.Type, vece, ots.Reg, a.memBaseReg(its), its.MemOffset) {
			done = true
			break
		}
		a.target.Ld(a.buf, its.Type, ots.Reg, a.memBaseReg(its), its.MemOffset)
	default:
		panic(errors.AssertionFailedf("dup from %s temp %s", its.Val, its))
	}
	if !done {
		ok := a.target.DupVec(a.buf, op.Type, vece, ots.Reg, ots.Reg)
		errors.Assert(ok, "%s cannot dup within %s", a.target.Name(), a.regs.RegName(ots.Reg))
	}

	ots.MemCoherent = false
	if life.Dead(1) {
		a.tempDead(its)
	}
	if life.Sync(0) {
		a.sync(ots, a.reserved, 0, 0)
	}
	if life.Dead(0) {
		a.tempDead(ots)
	}
}

// allocCall places arguments per the calling convention, evicts clobbered
// registers, saves or syncs globals per the helper's flags and binds results
// to the return registers.
func (a *allocator) allocCall(op *tcg.Op) {
	h := op.Helper
	life := op.Life
	nOut := len(op.Out)
	nRegs := min(len(op.In), len(a.regs.CallArgs))

	stackBytes := int64(len(op.In)-nRegs) * 8
	errors.Assert(stackBytes <= a.regs.StackArgsSize, "call %s needs %d bytes of stack arguments", h.Name, stackBytes)

	off := a.regs.StackArgsOffset
	for _, ts := range op.In[nRegs:] {
		a.load(ts, a.regs.Available[ts.Type], a.reserved, 0)
		a.target.St(a.buf, ts.Type, ts.Reg, a.regs.CallStack, off)
		off += 8
	}

	// Evict occupants of the argument registers that are not headed there.
	targets := a.regs.CallArgs[:nRegs]
	var argSet tcg.RegSet
	for _, reg := range targets {
		argSet = argSet.With(reg)
	}
	for i, reg := range targets {
		if occ := a.regToTemp[reg]; occ != nil && occ != op.In[i] {
			a.regFree(reg, a.reserved)
		}
	}

	allocated := a.reserved
	for i, reg := range targets {
		ts := op.In[i]
		if ts.Val == tcg.ValReg {
			if ts.Reg != reg {
				a.copyTo(ts, reg, allocated|argSet)
			}
		} else {
			a.load(ts, tcg.RegSetOf(reg), allocated, 0)
		}
		allocated = allocated.With(reg)
	}

	for i := range op.In {
		if life.Dead(nOut + i) {
			a.tempDead(op.In[i])
		}
	}

	for r := tcg.Reg(0); r < tcg.MaxRegs; r++ {
		if a.regs.CallClobber.Has(r) {
			a.regFree(r, allocated)
		}
	}

	switch {
	case h.Has(tcg.CallNoReadGlobals):
	case h.Has(tcg.CallNoWriteGlobals):
		a.syncGlobals(allocated)
	default:
		a.saveGlobals(allocated)
	}

	a.target.Call(a.buf, h)

	for i, ts := range op.Out {
		errors.Assert(!ts.ReadOnly(), "call %s writes read-only %s", h.Name, ts)
		reg := a.regs.CallRets[i]
		errors.Assert(a.regToTemp[reg] == nil, "return register %s not clobbered", a.regs.RegName(reg))
		a.setReg(ts, reg)
		ts.MemCoherent = false
		switch {
		case life.Sync(i):
			mode := 0
			if life.Dead(i) {
				mode = deadTemp
			}
			a.sync(ts, allocated, 0, mode)
		case life.Dead(i):
			a.tempDead(ts)
		}
	}
}
