package tcg

import "strconv"

// CallFlags declare what a helper may do to guest state.
type CallFlags uint8

const (
	// CallNoReadGlobals helpers neither read nor write globals.
	CallNoReadGlobals CallFlags = 1 << iota
	// CallNoWriteGlobals helpers may read globals but never modify them.
	CallNoWriteGlobals
	// CallNoSideEffects helpers can be deleted when their results are unused.
	CallNoSideEffects
	// CallNoReturn helpers never return to the unit.
	CallNoReturn
)

// Helper describes a host function callable from generated code.
type Helper struct {
	Name  string
	Addr  uintptr
	Flags CallFlags
	NArgs int
	NRets int
}

func (h *Helper) Has(f CallFlags) bool { return h.Flags&f != 0 }

// RegisterInfo describes the host register file and calling convention.
type RegisterInfo struct {
	Names []string
	// AllocOrder is the order in which free registers are tried.
	AllocOrder []Reg
	// Available lists the registers that can hold each type.
	Available [NumTypes]RegSet
	Reserved  RegSet
	// CallClobber registers are not preserved across helper calls.
	CallClobber RegSet
	CallArgs    []Reg
	CallRets    []Reg
	// Outgoing stack arguments are stored at CallStack+StackArgsOffset.
	CallStack       Reg
	StackArgsOffset int64
	StackArgsSize   int64
	// Spill slots live in [FrameStart, FrameEnd) relative to FrameBase.
	FrameBase  Reg
	FrameStart int64
	FrameEnd   int64
}

// RegName returns the printable name of r.
func (ri *RegisterInfo) RegName(r Reg) string {
	if int(r) < len(ri.Names) && ri.Names[r] != "" {
		return ri.Names[r]
	}
	return "r" + strconv.Itoa(int(r))
}

// Operand is one resolved operand handed to the encoder.
type Operand struct {
	Reg   Reg
	Const bool
	Val   uint64
}

// Narrowing names the cheaper forms of a double-output op: Low computes only
// the low half, High only the high half when HasHigh is set.
type Narrowing struct {
	Low     Opcode
	High    Opcode
	HasHigh bool
}

// Target is a host back-end.
type Target interface {
	Name() string
	Registers() *RegisterInfo
	// Supported reports whether the host implements opc for type t.
	Supported(opc Opcode, t Type) bool
	// Constraints returns the constraint letter strings of opc, outputs first.
	Constraints(opc Opcode) []string
	Letters() Letters
	// ConstMatch reports whether val can be encoded as an immediate of set.
	ConstMatch(val uint64, set ConstSet, t Type) bool
	Narrowing(opc Opcode) (Narrowing, bool)
	Encoder
}

// Encoder emits host instructions. Methods returning bool report whether the
// host can perform the request directly; callers fall back otherwise.
type Encoder interface {
	Encode(b *CodeBuf, op *Op, args []Operand)
	Mov(b *CodeBuf, t Type, dst, src Reg) bool
	MovI(b *CodeBuf, t Type, dst Reg, val uint64)
	Ld(b *CodeBuf, t Type, dst, base Reg, off int64)
	St(b *CodeBuf, t Type, src, base Reg, off int64)
	StI(b *CodeBuf, t Type, val uint64, base Reg, off int64) bool
	DupVec(b *CodeBuf, t Type, vece int, dst, src Reg) bool
	DupMem(b *CodeBuf, t Type, vece int, dst, base Reg, off int64) bool
	Call(b *CodeBuf, h *Helper)
	// PatchReloc resolves a relocation at site to target inside code. It
	// returns false when the displacement does not fit.
	PatchReloc(code []byte, site int, kind RelocKind, target int, addend int64) bool
	// Prologue emits the entry and exit sequences at the start of the arena.
	Prologue(b *CodeBuf)
}
