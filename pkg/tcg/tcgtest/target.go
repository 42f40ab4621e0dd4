// Package tcgtest provides a small deterministic host target for exercising
// the translation passes without a real instruction encoder.
package tcgtest

import (
	"encoding/binary"
	"fmt"
	"strings"

	"emujit/pkg/tcg"
)

const (
	// SP is the frame and call stack register.
	SP tcg.Reg = 14
	// Env is free for a fixed env temp.
	Env tcg.Reg = 15
	// V0 is the first vector register.
	V0 tcg.Reg = 16
)

const (
	ConstAny tcg.ConstSet = 1 << iota
	ConstS8
)

const (
	RelocLong tcg.RelocKind = iota
	// RelocShort only reaches targets below 256.
	RelocShort
)

// Options configure the fake host.
type Options struct {
	GPRs       int  // allocatable integer registers r0..
	Vecs       int  // allocatable vector registers v0..
	CallArgs   int  // integer argument registers, taken from r0 upwards
	Clobber    int  // integer registers clobbered by calls, from r0 upwards
	FrameSlots int  // 8-byte spill slots
	MulHigh    bool // implements muluh/mulsh
	CrossMov   bool // moves between register classes
	DupFromGPR bool // dup directly from an integer register
	DupMem     bool // dup directly from memory
	NoStoreImm bool // refuse stores of immediates
	ShortBr    bool // branches use RelocShort
}

// DefaultOptions returns a roomy configuration.
func DefaultOptions() Options {
	return Options{
		GPRs:       8,
		Vecs:       4,
		CallArgs:   4,
		Clobber:    4,
		FrameSlots: 16,
		DupFromGPR: true,
	}
}

// Target is the fake host. Every emission is appended to Events as text and
// occupies four bytes of code.
type Target struct {
	opts   Options
	regs   tcg.RegisterInfo
	Events []string
}

const (
	FrameStart = 64
	insnSize   = 4
)

func New(opts Options) *Target {
	t := &Target{opts: opts}
	ri := &t.regs
	ri.Names = make([]string, V0+tcg.Reg(opts.Vecs))
	var gprs, vecs tcg.RegSet
	for i := 0; i < opts.GPRs; i++ {
		r := tcg.Reg(i)
		ri.Names[r] = fmt.Sprintf("r%d", i)
		ri.AllocOrder = append(ri.AllocOrder, r)
		gprs = gprs.With(r)
	}
	for i := 0; i < opts.Vecs; i++ {
		r := V0 + tcg.Reg(i)
		ri.Names[r] = fmt.Sprintf("v%d", i)
		ri.AllocOrder = append(ri.AllocOrder, r)
		vecs = vecs.With(r)
	}
	ri.Names[SP] = "sp"
	ri.Names[Env] = "env"
	ri.Available[tcg.I32] = gprs
	ri.Available[tcg.I64] = gprs
	ri.Available[tcg.V64] = vecs
	ri.Available[tcg.V128] = vecs
	ri.Reserved = tcg.RegSetOf(SP)
	for i := 0; i < opts.Clobber && i < opts.GPRs; i++ {
		ri.CallClobber = ri.CallClobber.With(tcg.Reg(i))
	}
	ri.CallClobber |= vecs
	for i := 0; i < opts.CallArgs && i < opts.GPRs; i++ {
		ri.CallArgs = append(ri.CallArgs, tcg.Reg(i))
	}
	ri.CallRets = []tcg.Reg{0, 1}
	ri.CallStack = SP
	ri.StackArgsOffset = 0
	ri.StackArgsSize = FrameStart
	ri.FrameBase = SP
	ri.FrameStart = FrameStart
	ri.FrameEnd = FrameStart + int64(opts.FrameSlots)*8
	return t
}

func (t *Target) Name() string                 { return "test" }
func (t *Target) Registers() *tcg.RegisterInfo { return &t.regs }

// Reset forgets the recorded events.
func (t *Target) Reset() { t.Events = t.Events[:0] }

func (t *Target) Supported(opc tcg.Opcode, ty tcg.Type) bool {
	switch opc {
	case tcg.OpMulUH, tcg.OpMulSH:
		return t.opts.MulHigh && !ty.IsVector()
	case tcg.OpDup:
		return ty.IsVector() && t.opts.Vecs > 0
	}
	return !ty.IsVector()
}

var constraints = map[tcg.Opcode][]string{
	tcg.OpBr:      {},
	tcg.OpExitTB:  {},
	tcg.OpMb:      {},
	tcg.OpGotoPtr: {"r"},
	tcg.OpBrCond:  {"r", "ri"},
	tcg.OpDup:     {"x", "rx"},
	tcg.OpLd:      {"r", "r"},
	tcg.OpSt:      {"r", "r"},
	tcg.OpAdd:     {"r", "r", "ri"},
	tcg.OpSub:     {"r", "0", "r"},
	tcg.OpMul:     {"&r", "r", "r"},
	tcg.OpNeg:     {"r", "0"},
	tcg.OpNot:     {"r", "r"},
	tcg.OpSetCond: {"r", "r", "re"},
	tcg.OpMovCond: {"r", "r", "r", "r", "0"},
	tcg.OpDivU2:   {"a", "r", "0", "r", "r"},
	tcg.OpDivS2:   {"a", "r", "0", "r", "r"},
	tcg.OpAdd2:    {"r", "r", "r", "r", "r", "r"},
	tcg.OpSub2:    {"r", "r", "r", "r", "r", "r"},
	tcg.OpMulU2:   {"r", "r", "r", "r"},
	tcg.OpMulS2:   {"r", "r", "r", "r"},
	tcg.OpMulUH:   {"r", "r", "r"},
	tcg.OpMulSH:   {"r", "r", "r"},
}

func (t *Target) Constraints(opc tcg.Opcode) []string {
	if c, ok := constraints[opc]; ok {
		return c
	}
	def := opc.Def()
	specs := make([]string, def.NOut+def.NIn)
	for i := range specs {
		specs[i] = "r"
	}
	return specs
}

func (t *Target) Letters() tcg.Letters {
	var vecs tcg.RegSet
	for i := 0; i < t.opts.Vecs; i++ {
		vecs = vecs.With(V0 + tcg.Reg(i))
	}
	return tcg.Letters{
		Regs: map[byte]tcg.RegSet{
			'r': t.regs.Available[tcg.I64],
			'x': vecs,
			'a': tcg.RegSetOf(0),
		},
		Consts: map[byte]tcg.ConstSet{
			'i': ConstAny,
			'e': ConstS8,
		},
	}
}

func (t *Target) ConstMatch(val uint64, set tcg.ConstSet, ty tcg.Type) bool {
	if set&ConstAny != 0 {
		return true
	}
	if set&ConstS8 != 0 {
		v := int64(val)
		return v >= -128 && v <= 127
	}
	return false
}

func (t *Target) Narrowing(opc tcg.Opcode) (tcg.Narrowing, bool) {
	switch opc {
	case tcg.OpAdd2:
		return tcg.Narrowing{Low: tcg.OpAdd}, true
	case tcg.OpSub2:
		return tcg.Narrowing{Low: tcg.OpSub}, true
	case tcg.OpMulU2:
		return tcg.Narrowing{Low: tcg.OpMul, High: tcg.OpMulUH, HasHigh: t.opts.MulHigh}, true
	case tcg.OpMulS2:
		return tcg.Narrowing{Low: tcg.OpMul, High: tcg.OpMulSH, HasHigh: t.opts.MulHigh}, true
	}
	return tcg.Narrowing{}, false
}

func (t *Target) name(r tcg.Reg) string { return t.regs.RegName(r) }

func (t *Target) isVec(r tcg.Reg) bool { return r >= V0 }

func (t *Target) record(b *tcg.CodeBuf, format string, args ...interface{}) {
	t.Events = append(t.Events, fmt.Sprintf(format, args...))
	b.Emit(0x90, 0x90, 0x90, 0x90)
}

func (t *Target) Encode(b *tcg.CodeBuf, op *tcg.Op, args []tcg.Operand) {
	parts := make([]string, 0, len(args)+2)
	for _, a := range args {
		if a.Const {
			parts = append(parts, fmt.Sprintf("$%#x", a.Val))
		} else {
			parts = append(parts, t.name(a.Reg))
		}
	}
	switch op.Opc {
	case tcg.OpBrCond, tcg.OpSetCond, tcg.OpMovCond:
		parts = append(parts, op.Cond.String())
	case tcg.OpLd, tcg.OpSt, tcg.OpExitTB:
		parts = append(parts, fmt.Sprintf("%#x", op.Aux))
	}
	l := op.Label
	if l != nil {
		parts = append(parts, l.String())
	}
	text := fmt.Sprintf("%s_%s", op.Opc, op.Type)
	if len(parts) > 0 {
		text += " " + strings.Join(parts, ",")
	}
	t.record(b, "%s", text)
	if l == nil || b.Overflowed() {
		return
	}

	kind := RelocLong
	if t.opts.ShortBr {
		kind = RelocShort
	}
	site := b.Offset() - insnSize
	if l.Defined() && t.PatchReloc(b.Bytes(), site, kind, l.Offset(), 0) {
		return
	}
	l.AddReloc(site, kind, 0)
}

func (t *Target) Mov(b *tcg.CodeBuf, ty tcg.Type, dst, src tcg.Reg) bool {
	if t.isVec(dst) != t.isVec(src) && !t.opts.CrossMov {
		return false
	}
	t.record(b, "mov_%s %s,%s", ty, t.name(dst), t.name(src))
	return true
}

func (t *Target) MovI(b *tcg.CodeBuf, ty tcg.Type, dst tcg.Reg, val uint64) {
	t.record(b, "movi_%s %s,$%#x", ty, t.name(dst), val)
}

func (t *Target) Ld(b *tcg.CodeBuf, ty tcg.Type, dst, base tcg.Reg, off int64) {
	t.record(b, "ld_%s %s,%s%+d", ty, t.name(dst), t.name(base), off)
}

func (t *Target) St(b *tcg.CodeBuf, ty tcg.Type, src, base tcg.Reg, off int64) {
	t.record(b, "st_%s %s,%s%+d", ty, t.name(src), t.name(base), off)
}

func (t *Target) StI(b *tcg.CodeBuf, ty tcg.Type, val uint64, base tcg.Reg, off int64) bool {
	if t.opts.NoStoreImm {
		return false
	}
	t.record(b, "sti_%s $%#x,%s%+d", ty, val, t.name(base), off)
	return true
}

func (t *Target) DupVec(b *tcg.CodeBuf, ty tcg.Type, vece int, dst, src tcg.Reg) bool {
	if !t.isVec(src) && !t.opts.DupFromGPR {
		return false
	}
	t.record(b, "dupvec_%s %s,%s,%d", ty, t.name(dst), t.name(src), vece)
	return true
}

func (t *Target) DupMem(b *tcg.CodeBuf, ty tcg.Type, vece int, dst, base tcg.Reg, off int64) bool {
	if !t.opts.DupMem {
		return false
	}
	t.record(b, "dupmem_%s %s,%s%+d,%d", ty, t.name(dst), t.name(base), off, vece)
	return true
}

func (t *Target) Call(b *tcg.CodeBuf, h *tcg.Helper) {
	t.record(b, "call %s", h.Name)
}

// PatchReloc stores the target offset at site.
func (t *Target) PatchReloc(code []byte, site int, kind tcg.RelocKind, target int, addend int64) bool {
	v := int64(target) + addend
	if kind == RelocShort && (v < 0 || v > 255) {
		return false
	}
	binary.LittleEndian.PutUint32(code[site:site+4], uint32(v))
	return true
}

func (t *Target) Prologue(b *tcg.CodeBuf) {
	t.record(b, "prologue")
	t.record(b, "epilogue")
}
