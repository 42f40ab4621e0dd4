package amd64

import (
	"encoding/binary"

	"emujit/pkg/errors"
	"emujit/pkg/tcg"
)

// scratchOff is an 8-byte slot above the spill frame used to build vector
// constants.
const scratchOff = FrameStart + FrameSize

func wide(t tcg.Type) bool { return t == tcg.I64 }

// imm returns a constant operand sign-extended from the operation width.
func imm(t tcg.Type, v uint64) int64 {
	if t == tcg.I32 {
		return int64(int32(v))
	}
	return int64(v)
}

func (t *Target) Encode(b *tcg.CodeBuf, op *tcg.Op, args []tcg.Operand) {
	a := asm{b}
	w := wide(op.Type)
	switch op.Opc {
	case tcg.OpBr:
		t.branch(a, -1, op.Label)
	case tcg.OpBrCond:
		t.compare(a, op.Type, args[0].Reg, args[1])
		t.branch(a, int(condCodes[op.Cond]), op.Label)
	case tcg.OpExitTB:
		a.movRI(true, RAX, uint64(op.Aux))
		t.jumpAbs(a, t.epilogue)
	case tcg.OpGotoPtr:
		a.jmpReg(args[0].Reg)
	case tcg.OpMb:
		// mfence
		b.Emit(0x0F, 0xAE, 0xF0)
	case tcg.OpDup:
		ok := t.DupVec(b, op.Type, int(op.Aux), args[0].Reg, args[1].Reg)
		errors.Assert(ok, "dup_%s of %d-bit elements", op.Type, op.Aux)
	case tcg.OpLd:
		t.Ld(b, op.Type, args[0].Reg, args[1].Reg, op.Aux)
	case tcg.OpSt:
		if args[0].Const {
			ok := t.StI(b, op.Type, args[0].Val, args[1].Reg, op.Aux)
			errors.Assert(ok, "st_%s of %#x", op.Type, args[0].Val)
			return
		}
		t.St(b, op.Type, args[0].Reg, args[1].Reg, op.Aux)

	case tcg.OpAdd, tcg.OpSub, tcg.OpAnd, tcg.OpOr, tcg.OpXor:
		t.alu(a, op.Type, aluExt[op.Opc], args[0].Reg, args[2])
	case tcg.OpMul:
		if args[2].Const {
			a.imulRRI(w, args[0].Reg, args[0].Reg, int32(imm(op.Type, args[2].Val)))
			return
		}
		a.imulRR(w, args[0].Reg, args[2].Reg)
	case tcg.OpNeg:
		a.unary(w, extNeg, args[0].Reg)
	case tcg.OpNot:
		a.unary(w, extNot, args[0].Reg)
	case tcg.OpAndC:
		a.andn(w, args[0].Reg, args[2].Reg, args[1].Reg)
	case tcg.OpShl, tcg.OpShr, tcg.OpSar, tcg.OpRotl, tcg.OpRotr:
		ext := shiftExt[op.Opc]
		if args[2].Const {
			a.shiftI(w, ext, args[0].Reg, byte(args[2].Val)&byte(op.Type.Size()*8-1))
			return
		}
		a.shiftCL(w, ext, args[0].Reg)

	case tcg.OpSetCond:
		t.compare(a, op.Type, args[1].Reg, args[2])
		a.setcc(condCodes[op.Cond], args[0].Reg)
	case tcg.OpMovCond:
		t.compare(a, op.Type, args[1].Reg, args[2])
		a.cmovcc(w, condCodes[op.Cond], args[0].Reg, args[3].Reg)
	case tcg.OpExt32S:
		// movsxd
		a.rr(0, true, hw(args[0].Reg), hw(args[1].Reg), 0x63)
	case tcg.OpExt32U:
		a.movRR(false, args[0].Reg, args[1].Reg)
	case tcg.OpClz:
		// lzcnt
		a.rr(pfxF3, w, hw(args[0].Reg), hw(args[1].Reg), 0x0F, 0xBD)
	case tcg.OpCtz:
		// tzcnt
		a.rr(pfxF3, w, hw(args[0].Reg), hw(args[1].Reg), 0x0F, 0xBC)
	case tcg.OpCtpop:
		a.rr(pfxF3, w, hw(args[0].Reg), hw(args[1].Reg), 0x0F, 0xB8)

	case tcg.OpDivS2:
		a.unary(w, extIDiv, args[4].Reg)
	case tcg.OpDivU2:
		a.unary(w, extDiv, args[4].Reg)
	case tcg.OpMulU2:
		a.unary(w, extMul, args[3].Reg)
	case tcg.OpMulS2:
		a.unary(w, extIMul, args[3].Reg)
	case tcg.OpAdd2:
		t.alu(a, op.Type, extAdd, args[0].Reg, args[4])
		t.alu(a, op.Type, extAdc, args[1].Reg, args[5])
	case tcg.OpSub2:
		t.alu(a, op.Type, extSub, args[0].Reg, args[4])
		t.alu(a, op.Type, extSbb, args[1].Reg, args[5])

	default:
		panic(errors.AssertionFailedf("amd64: cannot encode %s_%s", op.Opc, op.Type))
	}
}

var aluExt = map[tcg.Opcode]byte{
	tcg.OpAdd: extAdd,
	tcg.OpSub: extSub,
	tcg.OpAnd: extAnd,
	tcg.OpOr:  extOr,
	tcg.OpXor: extXor,
}

var shiftExt = map[tcg.Opcode]byte{
	tcg.OpShl:  extShl,
	tcg.OpShr:  extShr,
	tcg.OpSar:  extSar,
	tcg.OpRotl: extRol,
	tcg.OpRotr: extRor,
}

func (t *Target) alu(a asm, ty tcg.Type, ext byte, dst tcg.Reg, src tcg.Operand) {
	if src.Const {
		a.aluRI(wide(ty), ext, dst, imm(ty, src.Val))
		return
	}
	a.aluRR(wide(ty), ext, dst, src.Reg)
}

// compare sets flags for x - y.
func (t *Target) compare(a asm, ty tcg.Type, x tcg.Reg, y tcg.Operand) {
	if y.Const && y.Val == 0 {
		// test x, x
		a.rr(0, wide(ty), hw(x), hw(x), 0x85)
		return
	}
	t.alu(a, ty, extCmp, x, y)
}

// branch emits jmp (cc < 0) or jcc to l. Backward branches that fit use the
// short form; the rest are rel32 and resolved later if l is still unbound.
func (t *Target) branch(a asm, cc int, l *tcg.Label) {
	b := a.b
	if l.Defined() && fitsInt8(int64(l.Offset())-int64(b.Offset()+2)) {
		if cc < 0 {
			b.Emit(0xEB, 0)
		} else {
			b.Emit(0x70|byte(cc), 0)
		}
		if !b.Overflowed() {
			t.PatchReloc(b.Bytes(), b.Offset()-1, RelocPC8, l.Offset(), -1)
		}
		return
	}
	var site int
	if cc < 0 {
		site = a.jmpRel32(0)
	} else {
		site = a.jccRel32(byte(cc), 0)
	}
	if b.Overflowed() {
		return
	}
	if l.Defined() {
		ok := t.PatchReloc(b.Bytes(), site, RelocPC32, l.Offset(), -4)
		errors.Assert(ok, "backward branch to %s out of range", l)
		return
	}
	l.AddReloc(site, RelocPC32, -4)
}

// rel32 returns the displacement from the end of an instruction of length n
// at the current offset to target, or false if it does not fit.
func rel32(b *tcg.CodeBuf, n int, target uintptr) (int32, bool) {
	rel := int64(target) - int64(b.Addr(b.Offset()+n))
	return int32(rel), fitsInt32(rel)
}

func (t *Target) jumpAbs(a asm, target uintptr) {
	if rel, ok := rel32(a.b, 5, target); ok {
		a.jmpRel32(rel)
		return
	}
	a.movRI(true, R11, uint64(target))
	a.jmpReg(R11)
}

func (t *Target) Call(b *tcg.CodeBuf, h *tcg.Helper) {
	a := asm{b}
	if rel, ok := rel32(b, 5, h.Addr); ok {
		b.Emit(0xE8)
		b.Emit32(uint32(rel))
		return
	}
	a.movRI(true, RAX, uint64(h.Addr))
	a.callReg(RAX)
}

func (t *Target) Mov(b *tcg.CodeBuf, ty tcg.Type, dst, src tcg.Reg) bool {
	if dst == src {
		return true
	}
	a := asm{b}
	switch dx, sx := isXMM(dst), isXMM(src); {
	case !dx && !sx:
		a.movRR(wide(ty) || ty == tcg.V64, dst, src)
	case dx && sx:
		// movdqa
		a.rr(pfx66, false, hw(dst), hw(src), 0x0F, 0x6F)
	case dx:
		// movd/movq xmm, r
		a.rr(pfx66, ty != tcg.I32, hw(dst), hw(src), 0x0F, 0x6E)
	default:
		// movd/movq r, xmm
		a.rr(pfx66, ty != tcg.I32, hw(src), hw(dst), 0x0F, 0x7E)
	}
	return true
}

func (t *Target) MovI(b *tcg.CodeBuf, ty tcg.Type, dst tcg.Reg, val uint64) {
	a := asm{b}
	if !isXMM(dst) {
		a.movRI(wide(ty), dst, val)
		return
	}
	r := hw(dst)
	switch {
	case val == 0:
		// pxor
		a.rr(pfx66, false, r, r, 0x0F, 0xEF)
		return
	case val == ^uint64(0):
		// pcmpeqd
		a.rr(pfx66, false, r, r, 0x0F, 0x76)
		return
	}
	// mov dword [rsp+scratch], lo; mov dword [rsp+scratch+4], hi; movq xmm, [rsp+scratch]
	a.rm(0, false, 0, hw(RSP), scratchOff, 0xC7)
	b.Emit32(uint32(val))
	a.rm(0, false, 0, hw(RSP), scratchOff+4, 0xC7)
	b.Emit32(uint32(val >> 32))
	a.rm(pfxF3, false, r, hw(RSP), scratchOff, 0x0F, 0x7E)
	if ty == tcg.V128 {
		// punpcklqdq
		a.rr(pfx66, false, r, r, 0x0F, 0x6C)
	}
}

func (t *Target) Ld(b *tcg.CodeBuf, ty tcg.Type, dst, base tcg.Reg, off int64) {
	a := asm{b}
	if !isXMM(dst) {
		errors.Assert(ty.Size() <= 8, "ld_%s into %s", ty, regNames[dst])
		a.rm(0, ty.Size() == 8, hw(dst), hw(base), off, 0x8B)
		return
	}
	switch ty.Size() {
	case 4:
		// movd
		a.rm(pfx66, false, hw(dst), hw(base), off, 0x0F, 0x6E)
	case 8:
		// movq
		a.rm(pfxF3, false, hw(dst), hw(base), off, 0x0F, 0x7E)
	default:
		// movdqu
		a.rm(pfxF3, false, hw(dst), hw(base), off, 0x0F, 0x6F)
	}
}

func (t *Target) St(b *tcg.CodeBuf, ty tcg.Type, src, base tcg.Reg, off int64) {
	a := asm{b}
	if !isXMM(src) {
		errors.Assert(ty.Size() <= 8, "st_%s from %s", ty, regNames[src])
		a.rm(0, ty.Size() == 8, hw(src), hw(base), off, 0x89)
		return
	}
	switch ty.Size() {
	case 4:
		// movd
		a.rm(pfx66, false, hw(src), hw(base), off, 0x0F, 0x7E)
	case 8:
		// movq
		a.rm(pfx66, false, hw(src), hw(base), off, 0x0F, 0xD6)
	default:
		// movdqu
		a.rm(pfxF3, false, hw(src), hw(base), off, 0x0F, 0x7F)
	}
}

// StI stores an immediate that encodes as imm32; vectors always go through a
// register.
func (t *Target) StI(b *tcg.CodeBuf, ty tcg.Type, val uint64, base tcg.Reg, off int64) bool {
	if ty.IsVector() || (ty == tcg.I64 && !fitsInt32(int64(val))) {
		return false
	}
	a := asm{b}
	a.rm(0, ty == tcg.I64, 0, hw(base), off, 0xC7)
	b.Emit32(uint32(val))
	return true
}

// DupVec broadcasts the low vece bits of src across dst.
func (t *Target) DupVec(b *tcg.CodeBuf, ty tcg.Type, vece int, dst, src tcg.Reg) bool {
	if vece != 32 && vece != 64 {
		return false
	}
	a := asm{b}
	r := hw(dst)
	if !isXMM(src) {
		// movd/movq xmm, r
		a.rr(pfx66, vece == 64, r, hw(src), 0x0F, 0x6E)
	} else if src != dst {
		// movdqa
		a.rr(pfx66, false, r, hw(src), 0x0F, 0x6F)
	}
	switch {
	case vece == 32:
		// pshufd 0
		a.rr(pfx66, false, r, r, 0x0F, 0x70)
		b.Emit(0)
	case ty == tcg.V128:
		// punpcklqdq
		a.rr(pfx66, false, r, r, 0x0F, 0x6C)
	}
	return true
}

// DupMem broadcasts an element loaded from memory. 64-bit elements need
// movddup.
func (t *Target) DupMem(b *tcg.CodeBuf, ty tcg.Type, vece int, dst, base tcg.Reg, off int64) bool {
	a := asm{b}
	r := hw(dst)
	switch {
	case vece == 64 && ty == tcg.V64:
		// movq
		a.rm(pfxF3, false, r, hw(base), off, 0x0F, 0x7E)
	case vece == 64 && t.features.SSE3:
		// movddup
		a.rm(pfxF2, false, r, hw(base), off, 0x0F, 0x12)
	case vece == 32:
		// movd; pshufd 0
		a.rm(pfx66, false, r, hw(base), off, 0x0F, 0x6E)
		a.rr(pfx66, false, r, r, 0x0F, 0x70)
		b.Emit(0)
	default:
		return false
	}
	return true
}

// PatchReloc writes the displacement from site to target. addend accounts
// for the distance between site and the end of the instruction.
func (t *Target) PatchReloc(code []byte, site int, kind tcg.RelocKind, target int, addend int64) bool {
	v := int64(target) - int64(site) + addend
	switch kind {
	case RelocPC32:
		if !fitsInt32(v) {
			return false
		}
		binary.LittleEndian.PutUint32(code[site:site+4], uint32(int32(v)))
	case RelocPC8:
		if !fitsInt8(v) {
			return false
		}
		code[site] = byte(int8(v))
	default:
		panic(errors.AssertionFailedf("amd64: unknown relocation kind %d", kind))
	}
	return true
}

var calleeSaved = []tcg.Reg{RBP, RBX, R12, R13, R14, R15}

// Prologue emits the entry sequence, called as entry(env, code), followed by
// the exit sequence that exit_tb jumps to with the return value in RAX.
func (t *Target) Prologue(b *tcg.CodeBuf) {
	a := asm{b}
	for _, r := range calleeSaved {
		a.push(r)
	}
	a.movRR(true, Env, RDI)
	a.rr(0, true, extSub, hw(RSP), 0x81)
	b.Emit32(stackAdjust)
	a.jmpReg(RSI)

	t.epilogue = b.Addr(b.Offset())
	a.rr(0, true, extAdd, hw(RSP), 0x81)
	b.Emit32(stackAdjust)
	for i := len(calleeSaved) - 1; i >= 0; i-- {
		a.pop(calleeSaved[i])
	}
	a.ret()
}
