package amd64

import (
	"emujit/pkg/errors"
	"emujit/pkg/tcg"
)

// x86-64 register encoding; XMM registers follow the integer ones.
const (
	RAX tcg.Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	XMM0
)

func isXMM(r tcg.Reg) bool { return r >= XMM0 && r < XMM0+16 }

// hw returns the 4-bit hardware number of r.
func hw(r tcg.Reg) byte {
	if isXMM(r) {
		return byte(r - XMM0)
	}
	return byte(r)
}

// rex builds REX prefix: 0100WRXB
// W=1 for 64-bit operand size
// R=1 if reg field uses R8-R15
// X=1 if SIB index uses R8-R15
// B=1 if rm field uses R8-R15
func rex(w, r, x, b bool) byte {
	var prefix byte = 0x40
	if w {
		prefix |= 0x08
	}
	if r {
		prefix |= 0x04
	}
	if x {
		prefix |= 0x02
	}
	if b {
		prefix |= 0x01
	}
	return prefix
}

// modRM builds ModR/M byte: [mod:2][reg:3][rm:3]
// mod should be pre-shifted: 0x00=no disp, 0x40=disp8, 0x80=disp32, 0xC0=register
func modRM(mod byte, reg, rm byte) byte {
	return mod | ((reg & 7) << 3) | (rm & 7)
}

const (
	pfx66 = 0x66
	pfxF2 = 0xf2
	pfxF3 = 0xf3
)

// Group opcode extensions used in the reg field of ModR/M.
const (
	extAdd = 0
	extOr  = 1
	extAdc = 2
	extSbb = 3
	extAnd = 4
	extSub = 5
	extXor = 6
	extCmp = 7

	extRol = 0
	extRor = 1
	extShl = 4
	extShr = 5
	extSar = 7

	extNot  = 2
	extNeg  = 3
	extMul  = 4
	extIMul = 5
	extDiv  = 6
	extIDiv = 7
)

// asm emits x86-64 machine code into a code buffer.
type asm struct {
	b *tcg.CodeBuf
}

func (a asm) emitRex(w bool, reg, rm byte, byteReg bool) {
	if w || reg >= 8 || rm >= 8 || byteReg {
		a.b.Emit(rex(w, reg >= 8, false, rm >= 8))
	}
}

// rr emits an instruction with a register ModR/M operand. reg is either a
// register or an opcode extension.
func (a asm) rr(pfx byte, w bool, reg, rm byte, opc ...byte) {
	if pfx != 0 {
		a.b.Emit(pfx)
	}
	a.emitRex(w, reg, rm, false)
	a.b.Emit(opc...)
	a.b.Emit(modRM(0xC0, reg, rm))
}

// rrByte is rr for instructions whose rm is a byte register; SPL..DIL need
// a REX prefix.
func (a asm) rrByte(reg, rm byte, opc ...byte) {
	a.emitRex(false, reg, rm, rm >= 4)
	a.b.Emit(opc...)
	a.b.Emit(modRM(0xC0, reg, rm))
}

// rm emits an instruction with a [base+disp] memory operand.
func (a asm) rm(pfx byte, w bool, reg, base byte, disp int64, opc ...byte) {
	errors.Assert(disp == int64(int32(disp)), "displacement %#x out of range", disp)
	if pfx != 0 {
		a.b.Emit(pfx)
	}
	a.emitRex(w, reg, base, false)
	a.b.Emit(opc...)
	a.emitMemOperand(reg, base, int32(disp))
}

// emitMemOperand emits ModR/M and displacement for memory operands
func (a asm) emitMemOperand(reg, base byte, disp int32) {
	switch b := base & 7; {
	case b == 4: // RSP and R12 need a SIB byte
		if disp == 0 {
			a.b.Emit(modRM(0x00, reg, 4), 0x24)
		} else if disp >= -128 && disp <= 127 {
			a.b.Emit(modRM(0x40, reg, 4), 0x24, byte(disp))
		} else {
			a.b.Emit(modRM(0x80, reg, 4), 0x24)
			a.b.Emit32(uint32(disp))
		}
	case b == 5: // RBP and R13 have no disp-less form
		if disp >= -128 && disp <= 127 {
			a.b.Emit(modRM(0x40, reg, base), byte(disp))
		} else {
			a.b.Emit(modRM(0x80, reg, base))
			a.b.Emit32(uint32(disp))
		}
	case disp == 0:
		a.b.Emit(modRM(0x00, reg, base))
	case disp >= -128 && disp <= 127:
		a.b.Emit(modRM(0x40, reg, base), byte(disp))
	default:
		a.b.Emit(modRM(0x80, reg, base))
		a.b.Emit32(uint32(disp))
	}
}

func fitsInt8(v int64) bool  { return v == int64(int8(v)) }
func fitsInt32(v int64) bool { return v == int64(int32(v)) }

// aluRR: op dst, src
func (a asm) aluRR(w bool, ext byte, dst, src tcg.Reg) {
	a.rr(0, w, hw(src), hw(dst), ext<<3|0x01)
}

// aluRI: op dst, imm (sign-extended imm8 or imm32)
func (a asm) aluRI(w bool, ext byte, dst tcg.Reg, imm int64) {
	if fitsInt8(imm) {
		a.rr(0, w, ext, hw(dst), 0x83)
		a.b.Emit(byte(imm))
		return
	}
	a.rr(0, w, ext, hw(dst), 0x81)
	a.b.Emit32(uint32(imm))
}

// movRR: mov dst, src
func (a asm) movRR(w bool, dst, src tcg.Reg) {
	a.rr(0, w, hw(src), hw(dst), 0x89)
}

// movRI loads imm into dst using the shortest encoding.
func (a asm) movRI(w bool, dst tcg.Reg, imm uint64) {
	r := hw(dst)
	switch {
	case imm == 0:
		// xor r32, r32
		a.rr(0, false, r, r, 0x31)
	case !w || imm == uint64(uint32(imm)):
		// mov r32, imm32 zero-extends
		a.emitRex(false, 0, r, false)
		a.b.Emit(0xB8 | r&7)
		a.b.Emit32(uint32(imm))
	case fitsInt32(int64(imm)):
		// REX.W + C7 /0 + imm32
		a.rr(0, true, 0, r, 0xC7)
		a.b.Emit32(uint32(imm))
	default:
		// REX.W + B8+rd + imm64
		a.emitRex(true, 0, r, false)
		a.b.Emit(0xB8 | r&7)
		a.b.Emit64(imm)
	}
}

// unary: not/neg/mul/imul/div/idiv reg
func (a asm) unary(w bool, ext byte, reg tcg.Reg) {
	a.rr(0, w, ext, hw(reg), 0xF7)
}

// shiftCL: op reg, cl
func (a asm) shiftCL(w bool, ext byte, reg tcg.Reg) {
	a.rr(0, w, ext, hw(reg), 0xD3)
}

// shiftI: op reg, imm8
func (a asm) shiftI(w bool, ext byte, reg tcg.Reg, imm byte) {
	if imm == 1 {
		a.rr(0, w, ext, hw(reg), 0xD1)
		return
	}
	a.rr(0, w, ext, hw(reg), 0xC1)
	a.b.Emit(imm)
}

// imulRR: imul dst, src
func (a asm) imulRR(w bool, dst, src tcg.Reg) {
	a.rr(0, w, hw(dst), hw(src), 0x0F, 0xAF)
}

// imulRRI: imul dst, src, imm32
func (a asm) imulRRI(w bool, dst, src tcg.Reg, imm int32) {
	if fitsInt8(int64(imm)) {
		a.rr(0, w, hw(dst), hw(src), 0x6B)
		a.b.Emit(byte(imm))
		return
	}
	a.rr(0, w, hw(dst), hw(src), 0x69)
	a.b.Emit32(uint32(imm))
}

// setcc dst8; movzx dst32, dst8
func (a asm) setcc(cc byte, dst tcg.Reg) {
	a.rrByte(0, hw(dst), 0x0F, 0x90|cc)
	a.emitRex(false, hw(dst), hw(dst), hw(dst) >= 4)
	a.b.Emit(0x0F, 0xB6, modRM(0xC0, hw(dst), hw(dst)))
}

// cmovcc dst, src
func (a asm) cmovcc(w bool, cc byte, dst, src tcg.Reg) {
	a.rr(0, w, hw(dst), hw(src), 0x0F, 0x40|cc)
}

// andn dst, v, src: dst = ^v & src (BMI1, VEX.LZ.0F38 F2 /r)
func (a asm) andn(w bool, dst, v, src tcg.Reg) {
	b1 := byte(0x02)
	if hw(dst) < 8 {
		b1 |= 0x80
	}
	b1 |= 0x40
	if hw(src) < 8 {
		b1 |= 0x20
	}
	b2 := (^hw(v) & 0xf) << 3
	if w {
		b2 |= 0x80
	}
	a.b.Emit(0xC4, b1, b2, 0xF2, modRM(0xC0, hw(dst), hw(src)))
}

// jmpRel32 emits jmp rel32 and returns the offset of the displacement.
func (a asm) jmpRel32(rel int32) int {
	a.b.Emit(0xE9)
	site := a.b.Offset()
	a.b.Emit32(uint32(rel))
	return site
}

// jccRel32 emits jcc rel32 and returns the offset of the displacement.
func (a asm) jccRel32(cc byte, rel int32) int {
	a.b.Emit(0x0F, 0x80|cc)
	site := a.b.Offset()
	a.b.Emit32(uint32(rel))
	return site
}

// jmpReg: jmp reg
func (a asm) jmpReg(reg tcg.Reg) { a.rr(0, false, 4, hw(reg), 0xFF) }

// callReg: call reg
func (a asm) callReg(reg tcg.Reg) { a.rr(0, false, 2, hw(reg), 0xFF) }

// push: push reg
func (a asm) push(reg tcg.Reg) {
	a.emitRex(false, 0, hw(reg), false)
	a.b.Emit(0x50 | hw(reg)&7)
}

// pop: pop reg
func (a asm) pop(reg tcg.Reg) {
	a.emitRex(false, 0, hw(reg), false)
	a.b.Emit(0x58 | hw(reg)&7)
}

func (a asm) ret() { a.b.Emit(0xC3) }
