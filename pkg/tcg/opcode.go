package tcg

import (
	"fmt"

	"emujit/pkg/errors"
)

// Opcode identifies an intermediate operation.
type Opcode uint8

const (
	OpDiscard Opcode = iota
	OpSetLabel
	OpBr
	OpBrCond
	OpExitTB
	OpGotoPtr
	OpCall
	OpInsnStart
	OpMb

	OpMov
	OpDup
	OpLd
	OpSt

	OpAdd
	OpSub
	OpMul
	OpNeg
	OpAnd
	OpOr
	OpXor
	OpNot
	OpAndC
	OpShl
	OpShr
	OpSar
	OpRotl
	OpRotr
	OpSetCond
	OpMovCond
	OpExt32S
	OpExt32U
	OpClz
	OpCtz
	OpCtpop

	OpDivS2
	OpDivU2
	OpAdd2
	OpSub2
	OpMulU2
	OpMulS2
	OpMulUH
	OpMulSH

	NumOpcodes
)

// OpFlags describe how an opcode interacts with control flow and globals.
type OpFlags uint16

const (
	// FlagBBEnd ends a basic block.
	FlagBBEnd OpFlags = 1 << iota
	// FlagBBExit leaves the unit.
	FlagBBExit
	// FlagCondBranch marks a conditional branch; globals only need syncing.
	FlagCondBranch
	// FlagSideEffects forbids deletion and makes globals observable.
	FlagSideEffects
	// FlagNotPresent opcodes are handled by the allocator itself and have no
	// constraint entry.
	FlagNotPresent
	FlagVector
)

// OpDef is the static description of an opcode.
type OpDef struct {
	Name  string
	NOut  int
	NIn   int
	Flags OpFlags
}

func (d *OpDef) Has(f OpFlags) bool { return d.Flags&f != 0 }

// Call operand counts vary per helper and are not described here.
var opDefs = [NumOpcodes]OpDef{
	OpDiscard:   {"discard", 1, 0, FlagNotPresent},
	OpSetLabel:  {"set_label", 0, 0, FlagBBEnd | FlagNotPresent},
	OpBr:        {"br", 0, 0, FlagBBEnd},
	OpBrCond:    {"brcond", 0, 2, FlagBBEnd | FlagCondBranch},
	OpExitTB:    {"exit_tb", 0, 0, FlagBBEnd | FlagBBExit},
	OpGotoPtr:   {"goto_ptr", 0, 1, FlagBBEnd | FlagBBExit},
	OpCall:      {"call", 0, 0, FlagNotPresent},
	OpInsnStart: {"insn_start", 0, 0, FlagNotPresent},
	OpMb:        {"mb", 0, 0, FlagSideEffects},

	OpMov: {"mov", 1, 1, FlagNotPresent},
	OpDup: {"dup", 1, 1, FlagVector},
	OpLd:  {"ld", 1, 1, 0},
	OpSt:  {"st", 0, 2, 0},

	OpAdd:     {"add", 1, 2, 0},
	OpSub:     {"sub", 1, 2, 0},
	OpMul:     {"mul", 1, 2, 0},
	OpNeg:     {"neg", 1, 1, 0},
	OpAnd:     {"and", 1, 2, 0},
	OpOr:      {"or", 1, 2, 0},
	OpXor:     {"xor", 1, 2, 0},
	OpNot:     {"not", 1, 1, 0},
	OpAndC:    {"andc", 1, 2, 0},
	OpShl:     {"shl", 1, 2, 0},
	OpShr:     {"shr", 1, 2, 0},
	OpSar:     {"sar", 1, 2, 0},
	OpRotl:    {"rotl", 1, 2, 0},
	OpRotr:    {"rotr", 1, 2, 0},
	OpSetCond: {"setcond", 1, 2, 0},
	OpMovCond: {"movcond", 1, 4, 0},
	OpExt32S:  {"ext32s", 1, 1, 0},
	OpExt32U:  {"ext32u", 1, 1, 0},
	OpClz:     {"clz", 1, 1, 0},
	OpCtz:     {"ctz", 1, 1, 0},
	OpCtpop:   {"ctpop", 1, 1, 0},

	OpDivS2: {"div2", 2, 3, 0},
	OpDivU2: {"divu2", 2, 3, 0},
	OpAdd2:  {"add2", 2, 4, 0},
	OpSub2:  {"sub2", 2, 4, 0},
	OpMulU2: {"mulu2", 2, 2, 0},
	OpMulS2: {"muls2", 2, 2, 0},
	OpMulUH: {"muluh", 1, 2, 0},
	OpMulSH: {"mulsh", 1, 2, 0},
}

func (o Opcode) Def() *OpDef {
	if o >= NumOpcodes {
		panic(errors.AssertionFailedf("invalid opcode %d", uint8(o)))
	}
	return &opDefs[o]
}

func (o Opcode) String() string {
	if o < NumOpcodes {
		return opDefs[o].Name
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}
