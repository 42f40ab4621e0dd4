// Package liveness annotates an operation stream with per-operand death and
// write-back information, deleting unreachable and dead operations on the way.
package liveness

import (
	"emujit/pkg/errors"
	"emujit/pkg/tcg"
)

const (
	tsDead uint8 = 1
	tsMem  uint8 = 2
)

// Stats reports what a liveness run changed.
type Stats struct {
	Removed  int
	Narrowed int
}

type analyzer struct {
	ctx      *tcg.Context
	target   tcg.Target
	regs     *tcg.RegisterInfo
	table    *tcg.ConstraintTable
	nGlobals int
	nTemps   int
	state    []uint8
	prefs    []tcg.RegSet
	stats    Stats
}

func newAnalyzer(ctx *tcg.Context) *analyzer {
	n := ctx.NumTemps()
	return &analyzer{
		ctx:      ctx,
		target:   ctx.Target(),
		regs:     ctx.Registers(),
		table:    ctx.Constraints(),
		nGlobals: ctx.NumGlobals(),
		nTemps:   n,
		state:    make([]uint8, n),
		prefs:    make([]tcg.RegSet, n),
	}
}

// Analyze walks the stream backwards, deleting operations whose results are
// never used and recording in each op which operands die there, which
// outputs must be written back, and which registers each output would like.
// Running it twice leaves the stream unchanged.
func Analyze(ctx *tcg.Context) Stats {
	a := newAnalyzer(ctx)
	a.funcEnd()
	for op := ctx.Ops().Last(); op != nil; {
		prev := op.Prev()
		a.visit(op)
		op = prev
	}
	return a.stats
}

func (a *analyzer) temp(ts *tcg.Temp) *uint8 { return &a.state[ts.Index] }

func (a *analyzer) resetPref(ts *tcg.Temp) {
	if a.state[ts.Index] == tsDead {
		a.prefs[ts.Index] = 0
	} else {
		a.prefs[ts.Index] = a.regs.Available[ts.Type]
	}
}

// Everything is dead at the end of the unit; globals are found in memory.
func (a *analyzer) funcEnd() {
	for i := 0; i < a.nTemps; i++ {
		ts := a.ctx.Temp(i)
		if i < a.nGlobals {
			a.state[i] = tsDead | tsMem
		} else {
			a.state[i] = tsDead
		}
		a.resetPref(ts)
	}
}

// At the end of a basic block, locals and globals must be in memory.
func (a *analyzer) bbEnd() {
	for i := 0; i < a.nTemps; i++ {
		ts := a.ctx.Temp(i)
		switch ts.Kind {
		case tcg.Fixed, tcg.Global, tcg.Local:
			a.state[i] = tsDead | tsMem
		default:
			a.state[i] = tsDead
		}
		a.resetPref(ts)
	}
}

// A conditional branch keeps normal temps live across the fall through but
// needs globals and locals synced.
func (a *analyzer) bbSync() {
	a.globalSync()
	for i := a.nGlobals; i < a.nTemps; i++ {
		ts := a.ctx.Temp(i)
		if ts.Kind != tcg.Local {
			continue
		}
		st := a.state[i]
		a.state[i] = st | tsMem
		if st == tsDead {
			a.resetPref(ts)
		}
	}
}

// Globals are reloaded after an op that may modify them.
func (a *analyzer) globalKill() {
	for i := 0; i < a.nGlobals; i++ {
		a.state[i] = tsDead | tsMem
		a.resetPref(a.ctx.Temp(i))
	}
}

// Globals must be in memory before an op that may read them.
func (a *analyzer) globalSync() {
	for i := 0; i < a.nGlobals; i++ {
		st := a.state[i]
		a.state[i] = st | tsMem
		if st == tsDead {
			a.resetPref(a.ctx.Temp(i))
		}
	}
}

// Live temps crossing a call prefer registers the call preserves.
func (a *analyzer) crossCall() {
	mask := ^a.regs.CallClobber
	for i := 0; i < a.nTemps; i++ {
		if a.state[i]&tsDead != 0 {
			continue
		}
		set := a.prefs[i] & mask
		if set == 0 {
			set = a.regs.Available[a.ctx.Temp(i).Type] & mask
		}
		a.prefs[i] = set
	}
}

func (a *analyzer) remove(op *tcg.Op) {
	a.ctx.Remove(op)
	a.stats.Removed++
}

func (a *analyzer) visit(op *tcg.Op) {
	switch op.Opc {
	case tcg.OpCall:
		a.visitCall(op)
		return
	case tcg.OpInsnStart:
		return
	case tcg.OpDiscard:
		ts := op.Out[0]
		*a.temp(ts) = tsDead
		a.resetPref(ts)
		return
	case tcg.OpAdd2, tcg.OpSub2, tcg.OpMulU2, tcg.OpMulS2:
		if a.allOutputsDead(op) {
			a.remove(op)
			return
		}
		a.narrow(op)
	default:
		def := op.Def()
		if !def.Has(tcg.FlagSideEffects) && len(op.Out) != 0 && a.allOutputsDead(op) {
			a.remove(op)
			return
		}
	}
	a.visitLive(op)
}

func (a *analyzer) allOutputsDead(op *tcg.Op) bool {
	for _, ts := range op.Out {
		if *a.temp(ts) != tsDead {
			return false
		}
	}
	return true
}

// narrow rewrites a double-output op whose high or low half is unused into
// the single-output form the target offers.
func (a *analyzer) narrow(op *tcg.Op) {
	n, ok := a.target.Narrowing(op.Opc)
	if !ok {
		return
	}
	lo, hi := op.Out[0], op.Out[1]
	loDead := *a.temp(lo) == tsDead
	hiDead := *a.temp(hi) == tsDead

	wide := op.Opc == tcg.OpAdd2 || op.Opc == tcg.OpSub2
	switch {
	case hiDead:
		if wide {
			al, bl := op.In[0], op.In[2]
			op.SetArgs([]*tcg.Temp{lo}, []*tcg.Temp{al, bl})
		} else {
			x, y := op.In[0], op.In[1]
			op.SetArgs([]*tcg.Temp{lo}, []*tcg.Temp{x, y})
		}
		op.Opc = n.Low
	case loDead && !wide && n.HasHigh:
		x, y := op.In[0], op.In[1]
		op.SetArgs([]*tcg.Temp{hi}, []*tcg.Temp{x, y})
		op.Opc = n.High
	default:
		return
	}
	a.stats.Narrowed++
}

func (a *analyzer) visitCall(op *tcg.Op) {
	h := op.Helper
	if h.Has(tcg.CallNoSideEffects) && a.allOutputsDead(op) {
		a.remove(op)
		return
	}

	var life tcg.LifeMask
	nOut := len(op.Out)
	for i, ts := range op.Out {
		st := *a.temp(ts)
		if st&tsDead != 0 {
			life |= tcg.DeadArg(i)
		}
		if st&tsMem != 0 {
			life |= tcg.SyncArg(i)
		}
		*a.temp(ts) = tsDead
		a.resetPref(ts)
	}
	op.OutPref = [tcg.MaxOutputs]tcg.RegSet{}

	switch {
	case !h.Has(tcg.CallNoWriteGlobals | tcg.CallNoReadGlobals):
		a.globalKill()
	case !h.Has(tcg.CallNoReadGlobals):
		a.globalSync()
	}

	for i, ts := range op.In {
		if *a.temp(ts)&tsDead != 0 {
			life |= tcg.DeadArg(nOut + i)
		}
	}

	a.crossCall()

	// Arguments that die here will be placed by the call itself.
	for i, ts := range op.In {
		if *a.temp(ts)&tsDead != 0 {
			if i < len(a.regs.CallArgs) {
				a.prefs[ts.Index] = 0
			} else {
				a.prefs[ts.Index] = a.regs.Available[ts.Type]
			}
			*a.temp(ts) &^= tsDead
		}
	}
	for i, ts := range op.In {
		if i < len(a.regs.CallArgs) {
			a.prefs[ts.Index] = a.prefs[ts.Index].With(a.regs.CallArgs[i])
		}
	}
	op.Life = life
}

func (a *analyzer) visitLive(op *tcg.Op) {
	def := op.Def()
	var life tcg.LifeMask
	nOut := len(op.Out)

	for i, ts := range op.Out {
		if i < tcg.MaxOutputs {
			op.OutPref[i] = a.prefs[ts.Index]
		}
		st := *a.temp(ts)
		if st&tsDead != 0 {
			life |= tcg.DeadArg(i)
		}
		if st&tsMem != 0 {
			life |= tcg.SyncArg(i)
		}
		*a.temp(ts) = tsDead
		a.resetPref(ts)
	}

	switch {
	case def.Has(tcg.FlagBBExit):
		a.funcEnd()
	case def.Has(tcg.FlagCondBranch):
		a.bbSync()
	case def.Has(tcg.FlagBBEnd):
		a.bbEnd()
	case def.Has(tcg.FlagSideEffects):
		a.globalSync()
	}

	for i, ts := range op.In {
		if *a.temp(ts)&tsDead != 0 {
			life |= tcg.DeadArg(nOut + i)
		}
	}
	for _, ts := range op.In {
		if *a.temp(ts)&tsDead != 0 {
			a.prefs[ts.Index] = a.regs.Available[ts.Type]
			*a.temp(ts) &^= tsDead
		}
	}
	op.Life = life

	if op.Opc == tcg.OpMov {
		// The output will take over the dying input's register.
		if life.Dead(1) {
			in := op.In[0]
			if set := op.OutPref[0] & a.regs.Available[in.Type]; set != 0 {
				a.prefs[in.Index] = set
			}
		}
		return
	}
	ct := a.table.For(op.Opc)
	if ct == nil {
		return
	}
	for i, ts := range op.In {
		arg := ct.In(i)
		set := a.prefs[ts.Index] & arg.Regs
		if arg.IAlias {
			set &= op.OutPref[arg.Alias]
		}
		if set == 0 {
			set = arg.Regs
		}
		a.prefs[ts.Index] = set
	}
}

// Reachable deletes code following unconditional control transfers up to the
// next referenced label, merges adjacent labels, removes branches to the
// immediately following label and drops labels nothing branches to.
// insn_start markers are always kept.
func Reachable(ctx *tcg.Context) int {
	uses := make(map[*tcg.Label][]*tcg.Op)
	for op := ctx.Ops().First(); op != nil; op = op.Next() {
		if isBranch(op) {
			uses[op.Label] = append(uses[op.Label], op)
		}
	}

	removed := 0
	dead := false
	for op := ctx.Ops().First(); op != nil; {
		next := op.Next()
		remove := dead

		switch op.Opc {
		case tcg.OpSetLabel:
			label := op.Label
			prev := op.Prev()
			if prev != nil && prev.Opc == tcg.OpSetLabel {
				moveLabelUses(uses, prev.Label, label)
				ctx.Remove(prev)
				removed++
				prev = op.Prev()
			}
			if prev != nil && prev.Opc == tcg.OpBr && prev.Label == label {
				ctx.Remove(prev)
				removed++
				dead = false
			}
			if label.Refs == 0 {
				remove = true
			} else {
				dead = false
				remove = false
			}
		case tcg.OpBr, tcg.OpExitTB, tcg.OpGotoPtr:
			dead = true
		case tcg.OpCall:
			if op.Helper.Has(tcg.CallNoReturn) {
				dead = true
			}
		case tcg.OpInsnStart:
			remove = false
		}

		if remove {
			ctx.Remove(op)
			removed++
		}
		op = next
	}
	return removed
}

func isBranch(op *tcg.Op) bool {
	return op.Label != nil && (op.Opc == tcg.OpBr || op.Opc == tcg.OpBrCond)
}

// moveLabelUses retargets the branches to from at to. Removed ops are reset,
// so entries of uses that no longer branch to from are skipped.
func moveLabelUses(uses map[*tcg.Label][]*tcg.Op, from, to *tcg.Label) {
	for _, op := range uses[from] {
		if op.Label == from && isBranch(op) {
			op.Label = to
			from.Refs--
			to.Refs++
			uses[to] = append(uses[to], op)
		}
	}
	delete(uses, from)
}

// LowerIndirect gives every global reached through another global a direct
// temp for the unit, loading it before the first use after it was last known
// dead and storing it after its last write. Callers rerun Analyze when it
// reports a change.
func LowerIndirect(ctx *tcg.Context) (bool, error) {
	nGlobals := ctx.NumGlobals()
	direct := make([]*tcg.Temp, nGlobals)
	for i := 0; i < nGlobals; i++ {
		its := ctx.Temp(i)
		if its.Indirect {
			direct[i] = ctx.AllocTemp(its.Type, tcg.Normal)
		}
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	state := make([]uint8, ctx.NumTemps())
	for i := range state {
		state[i] = tsDead
	}
	dirOf := func(ts *tcg.Temp) *tcg.Temp {
		if ts.Index < nGlobals {
			return direct[ts.Index]
		}
		return nil
	}

	changed := false
	for op := ctx.Ops().First(); op != nil; {
		next := op.Next()
		life := op.Life
		nOut := len(op.Out)
		flags := globalsClass(op)

		if op.Opc == tcg.OpDiscard {
			ts := op.Out[0]
			if dir := dirOf(ts); dir != nil {
				op.Out[0] = dir
				state[ts.Index] = tsDead
				changed = true
			}
			op = next
			continue
		}

		for _, ts := range op.In {
			if dir := dirOf(ts); dir != nil && state[ts.Index] == tsDead {
				ld := ctx.InsertBefore(op, tcg.OpLd, ts.Type, []*tcg.Temp{dir}, []*tcg.Temp{ts.MemBase})
				ld.Aux = ts.MemOffset
				state[ts.Index] = tsMem
			}
		}
		for i, ts := range op.In {
			if dir := dirOf(ts); dir != nil {
				op.In[i] = dir
				changed = true
				if life.Dead(nOut + i) {
					state[ts.Index] = tsDead
				}
			}
		}

		switch {
		case flags&tcg.CallNoReadGlobals != 0:
		case flags&tcg.CallNoWriteGlobals != 0:
			for i := 0; i < nGlobals; i++ {
				errors.Assert(direct[i] == nil || state[i] != 0, "indirect global %s not synced at %s", ctx.Temp(i), op.Opc)
			}
		default:
			for i := 0; i < nGlobals; i++ {
				errors.Assert(direct[i] == nil || state[i] == tsDead, "indirect global %s not saved at %s", ctx.Temp(i), op.Opc)
			}
		}

		if op.Opc == tcg.OpMov {
			ts := op.Out[0]
			if dir := dirOf(ts); dir != nil {
				op.Out[0] = dir
				changed = true
				state[ts.Index] = 0
				if life.Sync(0) {
					src := dir
					if life.Dead(0) {
						src = op.In[0]
						state[ts.Index] = tsDead
					} else {
						state[ts.Index] = tsMem
					}
					st := ctx.InsertAfter(op, tcg.OpSt, ts.Type, nil, []*tcg.Temp{src, ts.MemBase})
					st.Aux = ts.MemOffset
					if life.Dead(0) {
						ctx.Remove(op)
					}
				} else {
					errors.Assert(!life.Dead(0), "dead unsynced move to indirect global %s", ts)
				}
			}
			op = next
			continue
		}

		for i, ts := range op.Out {
			dir := dirOf(ts)
			if dir == nil {
				continue
			}
			op.Out[i] = dir
			changed = true
			state[ts.Index] = 0
			if life.Sync(i) {
				st := ctx.InsertAfter(op, tcg.OpSt, ts.Type, nil, []*tcg.Temp{dir, ts.MemBase})
				st.Aux = ts.MemOffset
				state[ts.Index] = tsMem
			}
			if life.Dead(i) {
				state[ts.Index] = tsDead
			}
		}
		op = next
	}
	return changed, nil
}

// globalsClass expresses how an op observes globals in call flag terms.
func globalsClass(op *tcg.Op) tcg.CallFlags {
	if op.Opc == tcg.OpCall {
		return op.Helper.Flags
	}
	def := op.Def()
	switch {
	case def.Has(tcg.FlagCondBranch):
		return tcg.CallNoWriteGlobals
	case def.Has(tcg.FlagBBEnd):
		return 0
	case def.Has(tcg.FlagSideEffects):
		return tcg.CallNoWriteGlobals
	}
	return tcg.CallNoReadGlobals | tcg.CallNoWriteGlobals
}
