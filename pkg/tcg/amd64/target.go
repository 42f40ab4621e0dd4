// Package amd64 is the x86-64 host back-end. Generated code follows the
// System V calling convention and keeps the env pointer in R14.
package amd64

import (
	"fmt"

	"github.com/klauspost/cpuid/v2"

	"emujit/pkg/tcg"
)

// Env is the register holding the env pointer inside generated code.
const Env = R14

// Frame layout relative to RSP after the prologue.
const (
	StackArgsSize = 128
	FrameStart    = StackArgsSize
	FrameSize     = 1024
	// stackAdjust keeps RSP 16-byte aligned at call sites: six pushes plus
	// the return address leave it at 8 mod 16.
	stackAdjust = StackArgsSize + FrameSize + 8
)

// Constant classes.
const (
	// ConstS32 matches values that encode as a sign-extended imm32.
	ConstS32 tcg.ConstSet = 1 << iota
	ConstAny
)

// Relocation kinds.
const (
	RelocPC32 tcg.RelocKind = iota
	RelocPC8
)

// Features are the optional instruction set extensions the back-end uses.
type Features struct {
	POPCNT bool
	LZCNT  bool
	BMI1   bool
	SSE3   bool
}

// DetectFeatures queries the running CPU.
func DetectFeatures() Features {
	return Features{
		POPCNT: cpuid.CPU.Supports(cpuid.POPCNT),
		LZCNT:  cpuid.CPU.Supports(cpuid.LZCNT),
		BMI1:   cpuid.CPU.Supports(cpuid.BMI1),
		SSE3:   cpuid.CPU.Supports(cpuid.SSE3),
	}
}

func (f Features) String() string {
	return fmt.Sprintf("popcnt=%t lzcnt=%t bmi1=%t sse3=%t", f.POPCNT, f.LZCNT, f.BMI1, f.SSE3)
}

// Target is the x86-64 back-end.
type Target struct {
	features Features
	regs     tcg.RegisterInfo
	// epilogue is the address of the exit sequence, set by Prologue.
	epilogue uintptr
}

// Option configures a Target.
type Option func(*Target)

// WithFeatures overrides CPU feature detection.
func WithFeatures(f Features) Option {
	return func(t *Target) { t.features = f }
}

var regNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"xmm0", "xmm1", "xmm2", "xmm3", "xmm4", "xmm5", "xmm6", "xmm7",
	"xmm8", "xmm9", "xmm10", "xmm11", "xmm12", "xmm13", "xmm14", "xmm15",
}

// Callee-saved registers first so values survive helper calls.
var allocOrder = []tcg.Reg{
	RBP, RBX, R12, R13, R15,
	R10, R11, R9, R8, RCX, RDX, RSI, RDI, RAX,
}

var (
	gprs    = tcg.RegSetOf(RAX, RCX, RDX, RBX, RBP, RSI, RDI, R8, R9, R10, R11, R12, R13, R15)
	xmms    tcg.RegSet
	clobber = tcg.RegSetOf(RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11)
)

func init() {
	for i := tcg.Reg(0); i < 16; i++ {
		xmms = xmms.With(XMM0 + i)
	}
}

// New returns a back-end for the running CPU.
func New(opts ...Option) *Target {
	t := &Target{features: DetectFeatures()}
	for _, o := range opts {
		o(t)
	}
	ri := &t.regs
	ri.Names = regNames[:]
	ri.AllocOrder = append([]tcg.Reg(nil), allocOrder...)
	for i := tcg.Reg(0); i < 16; i++ {
		ri.AllocOrder = append(ri.AllocOrder, XMM0+i)
	}
	ri.Available[tcg.I32] = gprs
	ri.Available[tcg.I64] = gprs
	ri.Available[tcg.V64] = xmms
	ri.Available[tcg.V128] = xmms
	ri.Reserved = tcg.RegSetOf(RSP)
	ri.CallClobber = clobber | xmms
	ri.CallArgs = []tcg.Reg{RDI, RSI, RDX, RCX, R8, R9}
	ri.CallRets = []tcg.Reg{RAX, RDX}
	ri.CallStack = RSP
	ri.StackArgsOffset = 0
	ri.StackArgsSize = StackArgsSize
	ri.FrameBase = RSP
	ri.FrameStart = FrameStart
	ri.FrameEnd = FrameStart + FrameSize
	return t
}

func (t *Target) Name() string                 { return "amd64" }
func (t *Target) Registers() *tcg.RegisterInfo { return &t.regs }
func (t *Target) Features() Features           { return t.features }

// Epilogue returns the address generated code jumps to when leaving a unit.
func (t *Target) Epilogue() uintptr { return t.epilogue }

func (t *Target) Supported(opc tcg.Opcode, ty tcg.Type) bool {
	if ty.IsVector() {
		return opc == tcg.OpDup
	}
	switch opc {
	case tcg.OpDup, tcg.OpMulUH, tcg.OpMulSH:
		return false
	case tcg.OpAndC, tcg.OpCtz:
		return t.features.BMI1
	case tcg.OpClz:
		return t.features.LZCNT
	case tcg.OpCtpop:
		return t.features.POPCNT
	case tcg.OpExt32S, tcg.OpExt32U:
		return ty == tcg.I64
	}
	return true
}

var constraints = map[tcg.Opcode][]string{
	tcg.OpBr:      {},
	tcg.OpExitTB:  {},
	tcg.OpMb:      {},
	tcg.OpGotoPtr: {"r"},
	tcg.OpBrCond:  {"r", "re"},
	tcg.OpDup:     {"x", "rx"},
	tcg.OpLd:      {"r", "r"},
	tcg.OpSt:      {"re", "r"},

	tcg.OpAdd:  {"r", "0", "re"},
	tcg.OpSub:  {"r", "0", "re"},
	tcg.OpMul:  {"r", "0", "re"},
	tcg.OpAnd:  {"r", "0", "re"},
	tcg.OpOr:   {"r", "0", "re"},
	tcg.OpXor:  {"r", "0", "re"},
	tcg.OpNeg:  {"r", "0"},
	tcg.OpNot:  {"r", "0"},
	tcg.OpAndC: {"r", "r", "r"},
	tcg.OpShl:  {"r", "0", "ci"},
	tcg.OpShr:  {"r", "0", "ci"},
	tcg.OpSar:  {"r", "0", "ci"},
	tcg.OpRotl: {"r", "0", "ci"},
	tcg.OpRotr: {"r", "0", "ci"},

	tcg.OpSetCond: {"r", "r", "re"},
	tcg.OpMovCond: {"r", "r", "re", "r", "0"},
	tcg.OpExt32S:  {"r", "r"},
	tcg.OpExt32U:  {"r", "r"},
	tcg.OpClz:     {"r", "r"},
	tcg.OpCtz:     {"r", "r"},
	tcg.OpCtpop:   {"r", "r"},

	tcg.OpDivS2: {"a", "d", "0", "1", "r"},
	tcg.OpDivU2: {"a", "d", "0", "1", "r"},
	tcg.OpAdd2:  {"r", "r", "0", "1", "re", "re"},
	tcg.OpSub2:  {"r", "r", "0", "1", "re", "re"},
	tcg.OpMulU2: {"a", "d", "0", "r"},
	tcg.OpMulS2: {"a", "d", "0", "r"},
}

func (t *Target) Constraints(opc tcg.Opcode) []string {
	return constraints[opc]
}

func (t *Target) Letters() tcg.Letters {
	return tcg.Letters{
		Regs: map[byte]tcg.RegSet{
			'r': gprs,
			'a': tcg.RegSetOf(RAX),
			'd': tcg.RegSetOf(RDX),
			'c': tcg.RegSetOf(RCX),
			'x': xmms,
		},
		Consts: map[byte]tcg.ConstSet{
			'e': ConstS32,
			'i': ConstAny,
		},
	}
}

func (t *Target) ConstMatch(val uint64, set tcg.ConstSet, ty tcg.Type) bool {
	if set&ConstAny != 0 {
		return true
	}
	if set&ConstS32 != 0 {
		// 32-bit ops only look at the low half.
		return ty == tcg.I32 || fitsInt32(int64(val))
	}
	return false
}

// Narrowing lists the cheaper single-output forms. x86 has no instruction for
// the high half alone.
func (t *Target) Narrowing(opc tcg.Opcode) (tcg.Narrowing, bool) {
	switch opc {
	case tcg.OpAdd2:
		return tcg.Narrowing{Low: tcg.OpAdd}, true
	case tcg.OpSub2:
		return tcg.Narrowing{Low: tcg.OpSub}, true
	case tcg.OpMulU2:
		return tcg.Narrowing{Low: tcg.OpMul, High: tcg.OpMulUH}, true
	case tcg.OpMulS2:
		return tcg.Narrowing{Low: tcg.OpMul, High: tcg.OpMulSH}, true
	}
	return tcg.Narrowing{}, false
}

// condition codes for jcc/setcc/cmovcc
var condCodes = [...]byte{
	tcg.CondEq:  0x4,
	tcg.CondNe:  0x5,
	tcg.CondLt:  0xC,
	tcg.CondGe:  0xD,
	tcg.CondLe:  0xE,
	tcg.CondGt:  0xF,
	tcg.CondLtu: 0x2,
	tcg.CondGeu: 0x3,
	tcg.CondLeu: 0x6,
	tcg.CondGtu: 0x7,
}
