package synth

import (
	"math/rand/v2"

	"emujit/pkg/tcg"
)

var (
	aluOps   = []tcg.Opcode{tcg.OpAdd, tcg.OpSub, tcg.OpAnd, tcg.OpOr, tcg.OpXor, tcg.OpMul}
	shiftOps = []tcg.Opcode{tcg.OpShl, tcg.OpShr, tcg.OpSar, tcg.OpRotl, tcg.OpRotr}
	unaryOps = []tcg.Opcode{tcg.OpNeg, tcg.OpNot, tcg.OpExt32S, tcg.OpExt32U, tcg.OpClz, tcg.OpCtz, tcg.OpCtpop}
)

// gen emits the ops of one block.
type gen struct {
	ctx     *tcg.Context
	rng     *rand.Rand
	helpers map[string]*tcg.Helper

	env    *tcg.Temp
	pc     *tcg.Temp
	v0     *tcg.Temp
	regs   [NumRegs]*tcg.Temp
	banked [NumBanked]*tcg.Temp
}

func (g *gen) bind() {
	ctx := g.ctx
	g.env = ctx.Lookup("env")
	g.pc = ctx.Lookup("pc")
	g.v0 = ctx.Lookup("v0")
	for i := range g.regs {
		g.regs[i] = ctx.Lookup(regName(i))
	}
	for i := range g.banked {
		g.banked[i] = ctx.Lookup(bankName(i))
	}
}

func (g *gen) reg() *tcg.Temp { return g.regs[g.rng.IntN(NumRegs)] }

func (g *gen) cond() tcg.Cond { return tcg.Cond(g.rng.IntN(int(tcg.CondGtu) + 1)) }

// imm returns a small immediate most of the time and a full 64-bit one
// otherwise.
func (g *gen) imm() uint64 {
	if g.rng.IntN(4) == 0 {
		return g.rng.Uint64()
	}
	return g.rng.Uint64N(256)
}

func (g *gen) scratch() int64 {
	return ScratchOffset + 8*int64(g.rng.IntN(ScratchSlots))
}

func (g *gen) insn(pc uint64) {
	ctx := g.ctx
	switch g.rng.IntN(16) {
	case 0, 1, 2:
		ctx.GenBinary(aluOps[g.rng.IntN(len(aluOps))], tcg.I64, g.reg(), g.reg(), g.reg())
	case 3:
		ctx.GenBinaryI(aluOps[g.rng.IntN(len(aluOps))], tcg.I64, g.reg(), g.reg(), g.imm())
	case 4:
		opc := shiftOps[g.rng.IntN(len(shiftOps))]
		if g.rng.IntN(2) == 0 {
			ctx.GenBinaryI(opc, tcg.I64, g.reg(), g.reg(), g.rng.Uint64N(64))
		} else {
			ctx.GenBinary(opc, tcg.I64, g.reg(), g.reg(), g.reg())
		}
	case 5:
		if g.rng.IntN(2) == 0 {
			ctx.GenSetCond(g.cond(), tcg.I64, g.reg(), g.reg(), g.reg())
		} else {
			ctx.GenMovCond(g.cond(), tcg.I64, g.reg(), g.reg(), g.reg(), g.reg(), g.reg())
		}
	case 6:
		t := ctx.NewTemp(tcg.I64, tcg.Normal)
		ctx.GenLd(tcg.I64, t, g.env, g.scratch())
		dst := g.reg()
		ctx.GenBinary(tcg.OpAdd, tcg.I64, dst, dst, t)
		ctx.FreeTemp(t)
	case 7:
		if g.rng.IntN(2) == 0 {
			ctx.GenSt(tcg.I64, g.reg(), g.env, g.scratch())
			break
		}
		// 32-bit read-modify-write
		off := g.scratch()
		t := ctx.NewTemp(tcg.I32, tcg.Normal)
		ctx.GenLd(tcg.I32, t, g.env, off)
		ctx.GenBinaryI(tcg.OpAdd, tcg.I32, t, t, g.imm())
		ctx.GenSt(tcg.I32, t, g.env, off)
		ctx.FreeTemp(t)
	case 8:
		g.widening()
	case 9:
		// The two halves must be distinct registers.
		i := g.rng.IntN(NumRegs)
		rl, rh := g.regs[i], g.regs[(i+1+g.rng.IntN(NumRegs-1))%NumRegs]
		if g.rng.IntN(2) == 0 {
			ctx.GenAdd2(tcg.I64, rl, rh, g.reg(), g.reg(), g.reg(), g.reg())
		} else {
			ctx.GenSub2(tcg.I64, rl, rh, g.reg(), g.reg(), g.reg(), g.reg())
		}
	case 10:
		q := ctx.NewTemp(tcg.I64, tcg.Normal)
		r := ctx.NewTemp(tcg.I64, tcg.Normal)
		ctx.GenDivU2(tcg.I64, q, r, g.reg(), ctx.Constant(tcg.I64, 0), g.reg())
		ctx.GenMov(tcg.I64, g.reg(), q)
		ctx.GenMov(tcg.I64, g.reg(), r)
		ctx.FreeTemp(q)
		ctx.FreeTemp(r)
	case 11:
		g.unary()
	case 12:
		g.call(pc)
	case 13:
		vece := 64
		if g.rng.IntN(2) == 0 {
			vece = 32
		}
		ctx.GenDup(tcg.V128, vece, g.v0, g.reg())
	case 14:
		g.skip()
	case 15:
		b := g.banked[g.rng.IntN(NumBanked)]
		if g.rng.IntN(2) == 0 {
			ctx.GenBinary(tcg.OpAdd, tcg.I64, b, b, g.reg())
		} else {
			ctx.GenMov(tcg.I64, g.reg(), b)
		}
		if g.rng.IntN(8) == 0 {
			ctx.GenMb()
		}
	}
}

// widening multiplies and keeps the high half only sometimes.
func (g *gen) widening() {
	ctx := g.ctx
	lo := ctx.NewTemp(tcg.I64, tcg.Normal)
	hi := ctx.NewTemp(tcg.I64, tcg.Normal)
	if g.rng.IntN(2) == 0 && ctx.Supports(tcg.OpMulS2, tcg.I64) {
		ctx.GenMulS2(tcg.I64, lo, hi, g.reg(), g.reg())
	} else {
		ctx.GenMulU2(tcg.I64, lo, hi, g.reg(), g.reg())
	}
	ctx.GenMov(tcg.I64, g.reg(), lo)
	if g.rng.IntN(3) == 0 {
		ctx.GenMov(tcg.I64, g.reg(), hi)
	}
	ctx.FreeTemp(lo)
	ctx.FreeTemp(hi)
}

func (g *gen) unary() {
	ctx := g.ctx
	opc := unaryOps[g.rng.IntN(len(unaryOps))]
	if !ctx.Supports(opc, tcg.I64) {
		opc = tcg.OpNot
	}
	ctx.GenUnary(opc, tcg.I64, g.reg(), g.reg())
	if ctx.Supports(tcg.OpAndC, tcg.I64) && g.rng.IntN(2) == 0 {
		ctx.GenBinary(tcg.OpAndC, tcg.I64, g.reg(), g.reg(), g.reg())
	}
}

func (g *gen) call(pc uint64) {
	ctx := g.ctx
	switch g.rng.IntN(4) {
	case 0:
		ret := ctx.NewTemp(tcg.I64, tcg.Normal)
		ctx.GenCall(g.helpers[HelperSyscall], []*tcg.Temp{ret}, []*tcg.Temp{g.reg(), ctx.Constant(tcg.I64, pc)})
		ctx.GenMov(tcg.I64, g.regs[0], ret)
		ctx.FreeTemp(ret)
	case 1:
		// The result is sometimes unused and the call deleted.
		ret := ctx.NewTemp(tcg.I64, tcg.Normal)
		ctx.GenCall(g.helpers[HelperHash], []*tcg.Temp{ret}, []*tcg.Temp{g.reg(), g.reg()})
		if g.rng.IntN(2) == 0 {
			ctx.GenMov(tcg.I64, g.reg(), ret)
		}
		ctx.FreeTemp(ret)
	case 2:
		ctx.GenCall(g.helpers[HelperTrace], nil, []*tcg.Temp{ctx.Constant(tcg.I64, pc)})
	default:
		args := make([]*tcg.Temp, 8)
		for i := range args {
			args[i] = g.reg()
		}
		ret := ctx.NewTemp(tcg.I64, tcg.Normal)
		ctx.GenCall(g.helpers[HelperMix], []*tcg.Temp{ret}, args)
		ctx.GenMov(tcg.I64, g.reg(), ret)
		ctx.FreeTemp(ret)
	}
}

// skip conditionally bumps a local copy of a register.
func (g *gen) skip() {
	ctx := g.ctx
	loc := ctx.NewTemp(tcg.I64, tcg.Local)
	ctx.GenMov(tcg.I64, loc, g.reg())
	l := ctx.NewLabel()
	ctx.GenBrCond(g.cond(), tcg.I64, g.reg(), ctx.Constant(tcg.I64, g.imm()), l)
	ctx.GenBinaryI(tcg.OpAdd, tcg.I64, loc, loc, 1)
	ctx.SetLabel(l)
	ctx.GenMov(tcg.I64, g.reg(), loc)
	ctx.FreeTemp(loc)
}

func (g *gen) exit(next uint64) {
	ctx := g.ctx
	switch g.rng.IntN(4) {
	case 0:
		taken := ctx.NewLabel()
		ctx.GenBrCond(g.cond(), tcg.I64, g.reg(), ctx.Constant(tcg.I64, 0), taken)
		ctx.GenMovI(tcg.I64, g.pc, next)
		ctx.GenExitTB(ExitNext)
		ctx.SetLabel(taken)
		ctx.GenMovI(tcg.I64, g.pc, g.rng.Uint64N(1<<20)*4)
		ctx.GenExitTB(ExitTaken)
	case 1:
		ok := ctx.NewLabel()
		ctx.GenBrCond(tcg.CondNe, tcg.I64, g.reg(), ctx.Constant(tcg.I64, 0), ok)
		ctx.GenCall(g.helpers[HelperAbort], nil, []*tcg.Temp{ctx.Constant(tcg.I64, next)})
		// Unreachable after a no-return call.
		ctx.GenExitTB(ExitHelper)
		ctx.SetLabel(ok)
		ctx.GenMovI(tcg.I64, g.pc, next)
		ctx.GenExitTB(ExitNext)
	case 2:
		ctx.GenMovI(tcg.I64, g.pc, next)
		ctx.GenGotoPtr(g.reg())
	default:
		ctx.GenMovI(tcg.I64, g.pc, next)
		ctx.GenExitTB(ExitNext)
	}
}
