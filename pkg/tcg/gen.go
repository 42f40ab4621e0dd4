package tcg

import "emujit/pkg/errors"

// Front-end helpers for emitting common operation shapes.

func (c *Context) GenMov(t Type, dst, src *Temp) {
	if dst != src {
		c.Emit(OpMov, t, []*Temp{dst}, []*Temp{src})
	}
}

func (c *Context) GenMovI(t Type, dst *Temp, val uint64) {
	c.GenMov(t, dst, c.Constant(t, val))
}

func (c *Context) GenUnary(opc Opcode, t Type, dst, a *Temp) {
	c.Emit(opc, t, []*Temp{dst}, []*Temp{a})
}

func (c *Context) GenBinary(opc Opcode, t Type, dst, a, b *Temp) {
	c.Emit(opc, t, []*Temp{dst}, []*Temp{a, b})
}

// GenBinaryI emits opc with an immediate second operand.
func (c *Context) GenBinaryI(opc Opcode, t Type, dst, a *Temp, val uint64) {
	c.GenBinary(opc, t, dst, a, c.Constant(t, val))
}

func (c *Context) GenLd(t Type, dst, base *Temp, offset int64) {
	op := c.Emit(OpLd, t, []*Temp{dst}, []*Temp{base})
	op.Aux = offset
}

func (c *Context) GenSt(t Type, src, base *Temp, offset int64) {
	op := c.Emit(OpSt, t, nil, []*Temp{src, base})
	op.Aux = offset
}

func (c *Context) GenBr(l *Label) {
	op := c.Emit(OpBr, I64, nil, nil)
	op.Label = l
	l.Refs++
}

func (c *Context) GenBrCond(cond Cond, t Type, a, b *Temp, l *Label) {
	op := c.Emit(OpBrCond, t, nil, []*Temp{a, b})
	op.Cond = cond
	op.Label = l
	l.Refs++
}

func (c *Context) GenSetCond(cond Cond, t Type, dst, a, b *Temp) {
	op := c.Emit(OpSetCond, t, []*Temp{dst}, []*Temp{a, b})
	op.Cond = cond
}

// GenMovCond sets dst to v1 when cond(c1, c2) holds, else to v2.
func (c *Context) GenMovCond(cond Cond, t Type, dst, c1, c2, v1, v2 *Temp) {
	op := c.Emit(OpMovCond, t, []*Temp{dst}, []*Temp{c1, c2, v1, v2})
	op.Cond = cond
}

func (c *Context) GenExitTB(val int64) {
	op := c.Emit(OpExitTB, I64, nil, nil)
	op.Aux = val
}

func (c *Context) GenGotoPtr(ptr *Temp) {
	c.Emit(OpGotoPtr, I64, nil, []*Temp{ptr})
}

func (c *Context) GenMb() {
	c.Emit(OpMb, I64, nil, nil)
}

// GenCall emits a helper call. rets and args must match the helper's arity.
func (c *Context) GenCall(h *Helper, rets, args []*Temp) {
	errors.Assert(len(args) == h.NArgs && len(rets) == h.NRets,
		"call %s: %d args and %d rets, declared %d and %d", h.Name, len(args), len(rets), h.NArgs, h.NRets)
	errors.Assert(h.NRets <= len(c.regs.CallRets),
		"call %s: %d rets, host returns at most %d", h.Name, h.NRets, len(c.regs.CallRets))
	op := c.Emit(OpCall, I64, rets, args)
	op.Helper = h
}

// GenInsnStart marks the start of guest instruction pc.
func (c *Context) GenInsnStart(pc, data uint64) {
	op := c.Emit(OpInsnStart, I64, nil, nil)
	op.Aux = int64(pc)
	op.Aux2 = data
	c.nInsns++
}

func (c *Context) GenDiscard(ts *Temp) {
	c.Emit(OpDiscard, ts.Type, []*Temp{ts}, nil)
}

// GenDup replicates the low vece bits of src into every element of dst.
func (c *Context) GenDup(t Type, vece int, dst, src *Temp) {
	errors.Assert(t.IsVector(), "dup to non-vector type %s", t)
	errors.Assert(vece == 32 || vece == 64, "dup element width %d", vece)
	op := c.Emit(OpDup, t, []*Temp{dst}, []*Temp{src})
	op.Aux = int64(vece)
}

// GenAdd2 computes the double-word sum (rh:rl) = (ah:al) + (bh:bl).
func (c *Context) GenAdd2(t Type, rl, rh, al, ah, bl, bh *Temp) {
	c.Emit(OpAdd2, t, []*Temp{rl, rh}, []*Temp{al, ah, bl, bh})
}

func (c *Context) GenSub2(t Type, rl, rh, al, ah, bl, bh *Temp) {
	c.Emit(OpSub2, t, []*Temp{rl, rh}, []*Temp{al, ah, bl, bh})
}

// GenMulU2 computes the unsigned double-word product (rh:rl) = a * b.
func (c *Context) GenMulU2(t Type, rl, rh, a, b *Temp) {
	c.Emit(OpMulU2, t, []*Temp{rl, rh}, []*Temp{a, b})
}

func (c *Context) GenMulS2(t Type, rl, rh, a, b *Temp) {
	c.Emit(OpMulS2, t, []*Temp{rl, rh}, []*Temp{a, b})
}

// GenDivU2 divides (hi:lo) by d into quotient q and remainder r.
func (c *Context) GenDivU2(t Type, q, r, lo, hi, d *Temp) {
	c.Emit(OpDivU2, t, []*Temp{q, r}, []*Temp{lo, hi, d})
}

func (c *Context) GenDivS2(t Type, q, r, lo, hi, d *Temp) {
	c.Emit(OpDivS2, t, []*Temp{q, r}, []*Temp{lo, hi, d})
}
