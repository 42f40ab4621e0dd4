package tcg

import (
	"cmp"
	"slices"

	"emujit/pkg/errors"
)

// ConstSet is a target-defined mask of immediate classes an operand accepts.
type ConstSet uint32

// ArgConstraint restricts where one operand of an operation may live.
type ArgConstraint struct {
	Regs  RegSet
	Const ConstSet
	// NewReg outputs must not share a register with any input.
	NewReg bool
	// IAlias inputs share the register of output Alias.
	IAlias bool
	// OAlias outputs reuse the register of input Alias.
	OAlias bool
	Alias  int
}

// OpConstraint holds the parsed constraints of one opcode, outputs first.
type OpConstraint struct {
	Args []ArgConstraint
	NOut int
	// OutOrder and InOrder list operand indices in allocation order.
	OutOrder []int
	InOrder  []int
}

func (c *OpConstraint) Out(i int) *ArgConstraint { return &c.Args[i] }
func (c *OpConstraint) In(i int) *ArgConstraint { return &c.Args[c.NOut+i] }

// Letters maps constraint letters of a target to register and constant sets.
type Letters struct {
	Regs   map[byte]RegSet
	Consts map[byte]ConstSet
}

// ParseConstraint parses the per-operand letter strings of opc. An input
// string consisting of a single digit N aliases output N; a leading '&' on an
// output requests a register distinct from every input.
func ParseConstraint(opc Opcode, specs []string, letters Letters) (*OpConstraint, error) {
	def := opc.Def()
	if len(specs) != def.NOut+def.NIn {
		return nil, errors.Newf("%s: %d constraint strings for %d operands", opc, len(specs), def.NOut+def.NIn)
	}
	c := &OpConstraint{
		Args: make([]ArgConstraint, len(specs)),
		NOut: def.NOut,
	}
	for i, s := range specs {
		ct := &c.Args[i]
		if s == "" {
			return nil, errors.Newf("%s: empty constraint for operand %d", opc, i)
		}
		if i >= def.NOut && s[0] >= '0' && s[0] <= '9' {
			n := int(s[0] - '0')
			if len(s) != 1 {
				return nil, errors.Newf("%s: alias constraint %q must stand alone", opc, s)
			}
			if n >= def.NOut {
				return nil, errors.Newf("%s: operand %d aliases missing output %d", opc, i, n)
			}
			out := &c.Args[n]
			if out.OAlias {
				return nil, errors.Newf("%s: output %d aliased twice", opc, n)
			}
			if out.NewReg {
				return nil, errors.Newf("%s: output %d is both aliased and fresh", opc, n)
			}
			ct.Regs = out.Regs
			ct.IAlias = true
			ct.Alias = n
			out.OAlias = true
			out.Alias = i - def.NOut
			continue
		}
		for j := 0; j < len(s); j++ {
			ch := s[j]
			if ch == '&' {
				if i >= def.NOut || j != 0 {
					return nil, errors.Newf("%s: misplaced '&' in %q", opc, s)
				}
				ct.NewReg = true
				continue
			}
			if regs, ok := letters.Regs[ch]; ok {
				ct.Regs |= regs
				continue
			}
			if cs, ok := letters.Consts[ch]; ok && i >= def.NOut {
				ct.Const |= cs
				continue
			}
			return nil, errors.Newf("%s: unknown constraint letter %q in %q", opc, ch, s)
		}
		if ct.Regs.Empty() {
			return nil, errors.Newf("%s: operand %d has no registers", opc, i)
		}
	}

	c.OutOrder = sortedArgs(c.Args, 0, def.NOut)
	c.InOrder = sortedArgs(c.Args, def.NOut, def.NIn)
	for k := range c.InOrder {
		c.InOrder[k] -= def.NOut
	}
	return c, nil
}

// Aliased operands are allocated first, then the ones with the fewest choices.
func constraintPriority(ct *ArgConstraint) int {
	if ct.OAlias {
		return MaxRegs + 2
	}
	return MaxRegs + 1 - ct.Regs.Count()
}

func sortedArgs(args []ArgConstraint, start, n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = start + i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(constraintPriority(&args[b]), constraintPriority(&args[a]))
	})
	return order
}

// ConstraintTable holds the parsed constraints of every supported opcode.
type ConstraintTable struct {
	ops [NumOpcodes]*OpConstraint
}

// BuildConstraints parses the constraint strings of t once. Opcodes the host
// does not support for any type are left out. A malformed table is a
// programming error in the target and panics.
func BuildConstraints(t Target) *ConstraintTable {
	table := &ConstraintTable{}
	letters := t.Letters()
	for opc := Opcode(0); opc < NumOpcodes; opc++ {
		if opc.Def().Has(FlagNotPresent) || !supportedAny(t, opc) {
			continue
		}
		specs := t.Constraints(opc)
		if specs == nil {
			panic(errors.AssertionFailedf("target %s supports %s without constraints", t.Name(), opc))
		}
		c, err := ParseConstraint(opc, specs, letters)
		if err != nil {
			panic(errors.AssertionFailedf("target %s: %v", t.Name(), err))
		}
		table.ops[opc] = c
	}
	return table
}

// For returns the constraints of opc, or nil when it has none.
func (ct *ConstraintTable) For(opc Opcode) *OpConstraint {
	return ct.ops[opc]
}

func supportedAny(t Target, opc Opcode) bool {
	for ty := Type(0); ty < NumTypes; ty++ {
		if t.Supported(opc, ty) {
			return true
		}
	}
	return false
}
