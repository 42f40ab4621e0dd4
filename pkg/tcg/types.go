package tcg

import (
	"fmt"
	"math/bits"
	"strings"
)

// Type is the machine type of a temp or operation.
type Type uint8

const (
	I32 Type = iota
	I64
	V64
	V128
	NumTypes
)

func (t Type) String() string {
	switch t {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case V64:
		return "v64"
	case V128:
		return "v128"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Size returns the width of the type in bytes.
func (t Type) Size() int {
	switch t {
	case I32:
		return 4
	case I64, V64:
		return 8
	case V128:
		return 16
	}
	return 0
}

func (t Type) IsVector() bool { return t == V64 || t == V128 }

// Kind is the lifetime class of a temp.
type Kind uint8

const (
	// Normal temps die at the end of their basic block.
	Normal Kind = iota
	// Local temps live across branches within one unit and are memory backed.
	Local
	// Global temps mirror guest state in memory and persist across units.
	Global
	// Fixed temps are pinned to a reserved host register.
	Fixed
	// Const temps hold an immutable value for one unit.
	Const
)

func (k Kind) String() string {
	switch k {
	case Normal:
		return "normal"
	case Local:
		return "local"
	case Global:
		return "global"
	case Fixed:
		return "fixed"
	case Const:
		return "const"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ValState is where the current value of a temp lives.
type ValState uint8

const (
	ValDead ValState = iota
	ValReg
	ValMem
	ValConst
)

func (v ValState) String() string {
	switch v {
	case ValDead:
		return "dead"
	case ValReg:
		return "reg"
	case ValMem:
		return "mem"
	case ValConst:
		return "const"
	}
	return fmt.Sprintf("val(%d)", uint8(v))
}

// Reg is a host register number. Targets number their register files densely
// below MaxRegs.
type Reg uint8

const (
	MaxRegs = 64
	NoReg   = Reg(0xff)
)

// RegSet is a bitset of host registers.
type RegSet uint64

func RegSetOf(regs ...Reg) RegSet {
	var s RegSet
	for _, r := range regs {
		s |= 1 << r
	}
	return s
}

func (s RegSet) Has(r Reg) bool { return r < MaxRegs && s&(1<<r) != 0 }
func (s RegSet) With(r Reg) RegSet { return s | 1<<r }
func (s RegSet) Without(r Reg) RegSet { return s &^ (1 << r) }
func (s RegSet) Count() int { return bits.OnesCount64(uint64(s)) }
func (s RegSet) Empty() bool { return s == 0 }
func (s RegSet) Single() bool { return s != 0 && s&(s-1) == 0 }
func (s RegSet) Subset(of RegSet) bool { return s&^of == 0 }

// First returns the lowest register in the set, or NoReg.
func (s RegSet) First() Reg {
	if s == 0 {
		return NoReg
	}
	return Reg(bits.TrailingZeros64(uint64(s)))
}

func (s RegSet) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	first := true
	for v := uint64(s); v != 0; v &= v - 1 {
		if !first {
			sb.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&sb, "%d", bits.TrailingZeros64(v))
	}
	sb.WriteByte('}')
	return sb.String()
}

// Cond is a comparison condition for brcond, setcond and movcond.
type Cond uint8

const (
	CondEq Cond = iota
	CondNe
	CondLt
	CondGe
	CondLe
	CondGt
	CondLtu
	CondGeu
	CondLeu
	CondGtu
)

var condNames = [...]string{"eq", "ne", "lt", "ge", "le", "gt", "ltu", "geu", "leu", "gtu"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond(%d)", uint8(c))
}

// Invert returns the condition that holds exactly when c does not.
func (c Cond) Invert() Cond {
	switch c {
	case CondEq:
		return CondNe
	case CondNe:
		return CondEq
	case CondLt:
		return CondGe
	case CondGe:
		return CondLt
	case CondLe:
		return CondGt
	case CondGt:
		return CondLe
	case CondLtu:
		return CondGeu
	case CondGeu:
		return CondLtu
	case CondLeu:
		return CondGtu
	case CondGtu:
		return CondLeu
	}
	return c
}
