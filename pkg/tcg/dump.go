package tcg

import (
	"fmt"
	"io"
	"strings"
)

// Dump writes the operation stream in a human readable form, one op per
// line, with the liveness annotations when present.
func (c *Context) Dump(w io.Writer) {
	var sb strings.Builder
	for op := c.ops.First(); op != nil; op = op.Next() {
		sb.Reset()
		c.formatOp(&sb, op)
		io.WriteString(w, sb.String())
		io.WriteString(w, "\n")
	}
}

func (c *Context) formatOp(sb *strings.Builder, op *Op) {
	switch op.Opc {
	case OpInsnStart:
		fmt.Fprintf(sb, " ---- %#x %#x", uint64(op.Aux), op.Aux2)
		return
	case OpSetLabel:
		fmt.Fprintf(sb, " set_label %s", op.Label)
		return
	case OpCall:
		fmt.Fprintf(sb, " call %s,$%#x,$%d", op.Helper.Name, op.Helper.Flags, len(op.Out))
	default:
		fmt.Fprintf(sb, " %s_%s ", op.Opc, op.Type)
	}

	sep := ""
	if op.Opc == OpCall {
		sep = ","
	}
	for i := 0; i < op.NumArgs(); i++ {
		sb.WriteString(sep)
		sb.WriteString(op.Arg(i).String())
		sep = ","
	}
	switch op.Opc {
	case OpBrCond, OpSetCond, OpMovCond:
		fmt.Fprintf(sb, "%s%s", sep, op.Cond)
		sep = ","
	case OpLd, OpSt, OpExitTB:
		fmt.Fprintf(sb, "%s$%#x", sep, op.Aux)
		sep = ","
	case OpDup:
		fmt.Fprintf(sb, "%svece=%d", sep, op.Aux)
		sep = ","
	}
	if op.Label != nil {
		fmt.Fprintf(sb, "%s%s", sep, op.Label)
	}

	if op.Life == 0 {
		return
	}
	for sb.Len() < 40 {
		sb.WriteByte(' ')
	}
	if op.Life&(DeadArg(0)-1) != 0 {
		sb.WriteString(" sync:")
		for i := 0; i < len(op.Out); i++ {
			if op.Life.Sync(i) {
				fmt.Fprintf(sb, " %d", i)
			}
		}
	}
	if op.Life>>deadArgShift != 0 {
		sb.WriteString(" dead:")
		for i := 0; i < op.NumArgs(); i++ {
			if op.Life.Dead(i) {
				fmt.Fprintf(sb, " %d", i)
			}
		}
	}
	for i := range op.Out {
		if p := op.OutPref[i]; p != 0 {
			fmt.Fprintf(sb, " pref=%s", p)
		}
	}
}
