package tcg

import "fmt"

// Temp is a virtual register. Its allocation state (Val, Reg, MemCoherent)
// belongs to the register allocator and is only meaningful while a unit is
// being emitted.
type Temp struct {
	Index int
	Kind  Kind
	Type  Type
	Name  string

	Val      ValState
	Reg      Reg
	ConstVal uint64

	// MemCoherent is set when the home slot holds the current value.
	MemCoherent  bool
	MemAllocated bool
	MemBase      *Temp
	MemOffset    int64

	// Indirect globals live behind a base that is itself a global.
	Indirect bool
	// IndirectBase globals serve as the base of an indirect global.
	IndirectBase bool

	free bool
}

// ReadOnly temps never change value and never need a store back.
func (t *Temp) ReadOnly() bool {
	return t.Kind == Fixed || t.Kind == Const
}

// IsGlobal reports whether t persists across units.
func (t *Temp) IsGlobal() bool {
	return t.Kind == Global || t.Kind == Fixed
}

func (t *Temp) String() string {
	if t == nil {
		return "<nil>"
	}
	switch {
	case t.Name != "":
		return t.Name
	case t.Kind == Const:
		return fmt.Sprintf("$0x%x", t.ConstVal)
	case t.Kind == Local:
		return fmt.Sprintf("loc%d", t.Index)
	}
	return fmt.Sprintf("tmp%d", t.Index)
}
