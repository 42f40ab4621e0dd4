package tcg_test

import (
	"strings"
	"testing"

	"emujit/pkg/errors"
	"emujit/pkg/tcg"
	"emujit/pkg/tcg/tcgtest"

	"github.com/google/go-cmp/cmp"
)

func expectAssertion(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.IsAssertionFailure(err) {
			t.Fatalf("expected an assertion failure, got %v", r)
		}
	}()
	fn()
}

func newContext(t *testing.T, maxTemps int) (*tcg.Context, *tcgtest.Target) {
	t.Helper()
	target := tcgtest.New(tcgtest.DefaultOptions())
	ctx := tcg.NewContext(target, tcg.BuildConstraints(target), maxTemps)
	return ctx, target
}

func TestRegSet(t *testing.T) {
	s := tcg.RegSetOf(1, 3, 5)
	if s.Count() != 3 || !s.Has(3) || s.Has(2) {
		t.Errorf("RegSetOf(1,3,5) = %s", s)
	}
	if got := s.Without(1).First(); got != 3 {
		t.Errorf("First = %d, want 3", got)
	}
	if !tcg.RegSetOf(4).Single() || s.Single() {
		t.Errorf("Single misreported")
	}
	if tcg.RegSet(0).First() != tcg.NoReg {
		t.Errorf("First of empty set must be NoReg")
	}
	if got := s.String(); got != "{1,3,5}" {
		t.Errorf("String = %q", got)
	}
}

func TestParseConstraintAliasAndOrder(t *testing.T) {
	letters := tcg.Letters{
		Regs:   map[byte]tcg.RegSet{'r': 0xff, 'a': tcg.RegSetOf(0), 'd': tcg.RegSetOf(2)},
		Consts: map[byte]tcg.ConstSet{'i': 1},
	}

	c, err := tcg.ParseConstraint(tcg.OpDivU2, []string{"a", "d", "0", "1", "r"}, letters)
	if err != nil {
		t.Fatalf("ParseConstraint failed: %v", err)
	}
	if !c.Out(0).OAlias || c.Out(0).Alias != 0 || !c.In(0).IAlias || c.In(0).Alias != 0 {
		t.Errorf("output 0 and input 0 not linked: %+v %+v", *c.Out(0), *c.In(0))
	}
	if c.In(1).Regs != tcg.RegSetOf(2) {
		t.Errorf("aliased input regs = %s, want {2}", c.In(1).Regs)
	}
	if diff := cmp.Diff([]int{0, 1, 2}, c.InOrder); diff != "" {
		t.Errorf("InOrder mismatch (-want +got):\n%s", diff)
	}

	c, err = tcg.ParseConstraint(tcg.OpAdd, []string{"&r", "r", "ai"}, letters)
	if err != nil {
		t.Fatalf("ParseConstraint failed: %v", err)
	}
	if !c.Out(0).NewReg || c.In(1).Const != 1 {
		t.Errorf("flags lost: %+v %+v", *c.Out(0), *c.In(1))
	}
	// The single-register input is allocated before the unconstrained one.
	if diff := cmp.Diff([]int{1, 0}, c.InOrder); diff != "" {
		t.Errorf("InOrder mismatch (-want +got):\n%s", diff)
	}
}

func TestParseConstraintRejectsMalformed(t *testing.T) {
	letters := tcg.Letters{Regs: map[byte]tcg.RegSet{'r': 0xff}}
	tests := []struct {
		name  string
		opc   tcg.Opcode
		specs []string
	}{
		{"wrong arity", tcg.OpAdd, []string{"r", "r"}},
		{"alias to missing output", tcg.OpAdd, []string{"r", "1", "r"}},
		{"unknown letter", tcg.OpAdd, []string{"r", "r", "q"}},
		{"fresh input", tcg.OpAdd, []string{"r", "&r", "r"}},
		{"empty", tcg.OpNeg, []string{"r", ""}},
		{"double alias", tcg.OpAdd, []string{"r", "0", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tcg.ParseConstraint(tt.opc, tt.specs, letters); err == nil {
				t.Errorf("ParseConstraint(%s, %q) succeeded", tt.opc, tt.specs)
			}
		})
	}
}

type brokenTarget struct {
	*tcgtest.Target
}

func (b brokenTarget) Constraints(opc tcg.Opcode) []string {
	if opc == tcg.OpXor {
		return []string{"r", "r", "z"}
	}
	return b.Target.Constraints(opc)
}

func TestBuildConstraintsRejectsBrokenTarget(t *testing.T) {
	expectAssertion(t, func() {
		tcg.BuildConstraints(brokenTarget{tcgtest.New(tcgtest.DefaultOptions())})
	})
}

func TestUnsupportedOpcodesExcluded(t *testing.T) {
	target := tcgtest.New(tcgtest.DefaultOptions())
	table := tcg.BuildConstraints(target)
	if table.For(tcg.OpMulUH) != nil {
		t.Errorf("muluh has constraints on a host without it")
	}
	if table.For(tcg.OpAdd) == nil {
		t.Errorf("add has no constraints")
	}

	opts := tcgtest.DefaultOptions()
	opts.MulHigh = true
	if tcg.BuildConstraints(tcgtest.New(opts)).For(tcg.OpMulUH) == nil {
		t.Errorf("muluh missing on a host with it")
	}
}

func TestTempReuseByTypeAndClass(t *testing.T) {
	ctx, _ := newContext(t, 64)
	ctx.Reset()

	a := ctx.NewTemp(tcg.I64, tcg.Normal)
	ctx.FreeTemp(a)
	if got := ctx.NewTemp(tcg.I32, tcg.Normal); got == a {
		t.Errorf("freed i64 temp reused for i32")
	}
	if got := ctx.NewTemp(tcg.I64, tcg.Local); got == a {
		t.Errorf("freed normal temp reused as local")
	}
	if got := ctx.NewTemp(tcg.I64, tcg.Normal); got != a {
		t.Errorf("freed temp %s not reused, got %s", a, got)
	}

	expectAssertion(t, func() { ctx.FreeTemp(ctx.Constant(tcg.I64, 1)) })
}

func TestTempOverflowIsRecoverable(t *testing.T) {
	ctx, _ := newContext(t, 4)
	ctx.Reset()

	for i := 0; i < 5; i++ {
		ctx.NewTemp(tcg.I64, tcg.Normal)
	}
	kind, ok := errors.OverflowKindOf(ctx.Err())
	if !ok || kind != errors.OverflowTemps {
		t.Fatalf("Err() = %v, want temps overflow", ctx.Err())
	}

	ctx.Reset()
	if ctx.Err() != nil {
		t.Errorf("Reset kept error %v", ctx.Err())
	}
	if ctx.NumTemps() != ctx.NumGlobals() {
		t.Errorf("Reset left %d unit temps", ctx.NumTemps()-ctx.NumGlobals())
	}
}

func TestConstantsAreDeduplicated(t *testing.T) {
	ctx, _ := newContext(t, 64)
	ctx.Reset()

	a := ctx.Constant(tcg.I64, 42)
	if b := ctx.Constant(tcg.I64, 42); a != b {
		t.Errorf("Constant(42) returned two temps")
	}
	if c := ctx.Constant(tcg.I32, 42); c == a {
		t.Errorf("i32 and i64 constants share a temp")
	}
	if c := ctx.Constant(tcg.I32, 1<<32|42); c != ctx.Constant(tcg.I32, 42) {
		t.Errorf("i32 constant not truncated")
	}
	if a.Val != tcg.ValConst || !a.ReadOnly() {
		t.Errorf("constant temp state = %s", a.Val)
	}
}

func TestGlobalsRegisterOnlyBeforeTranslation(t *testing.T) {
	ctx, _ := newContext(t, 64)
	env := ctx.NewFixed(tcgtest.Env, tcg.I64, "env")
	pc := ctx.NewGlobal(env, 8, tcg.I64, "pc")
	if ctx.Lookup("pc") != pc || ctx.Lookup("nope") != nil {
		t.Errorf("Lookup failed")
	}
	if !ctx.Reserved().Has(tcgtest.Env) {
		t.Errorf("fixed register not reserved")
	}
	if ctx.HasIndirect() {
		t.Errorf("direct global reported as indirect")
	}
	base := ctx.NewGlobal(env, 16, tcg.I64, "base")
	shadow := ctx.NewGlobal(base, 0, tcg.I64, "shadow")
	if !shadow.Indirect || !base.IndirectBase || !ctx.HasIndirect() {
		t.Errorf("indirect global not flagged")
	}

	ctx.Reset()
	expectAssertion(t, func() { ctx.NewGlobal(env, 24, tcg.I64, "late") })
}

func TestCallReturnsBoundedByHost(t *testing.T) {
	ctx, target := newContext(t, 64)
	ctx.Reset()
	nret := len(target.Registers().CallRets)
	rets := make([]*tcg.Temp, nret+1)
	for i := range rets {
		rets[i] = ctx.NewTemp(tcg.I64, tcg.Normal)
	}

	ok := &tcg.Helper{Name: "pair", NRets: nret}
	ctx.GenCall(ok, rets[:nret], nil)
	wide := &tcg.Helper{Name: "wide", NRets: nret + 1}
	expectAssertion(t, func() { ctx.GenCall(wide, rets, nil) })
}

func TestLabelDefinedTwice(t *testing.T) {
	ctx, _ := newContext(t, 64)
	ctx.Reset()
	l := ctx.NewLabel()
	ctx.SetLabel(l)
	expectAssertion(t, func() { ctx.SetLabel(l) })

	l.Bind(8)
	expectAssertion(t, func() { l.Bind(12) })
}

func TestRemoveReleasesLabelReference(t *testing.T) {
	ctx, _ := newContext(t, 64)
	ctx.Reset()
	l := ctx.NewLabel()
	a := ctx.NewTemp(tcg.I64, tcg.Normal)
	ctx.GenBr(l)
	ctx.GenBrCond(tcg.CondEq, tcg.I64, a, ctx.Constant(tcg.I64, 0), l)
	ctx.SetLabel(l)
	if l.Refs != 2 {
		t.Fatalf("Refs = %d, want 2", l.Refs)
	}

	ctx.Remove(ctx.Ops().First())
	if l.Refs != 1 {
		t.Errorf("Refs after removing br = %d, want 1", l.Refs)
	}
	ctx.Remove(ctx.Ops().Last())
	if l.Refs != 1 {
		t.Errorf("removing set_label changed Refs to %d", l.Refs)
	}
}

func TestInsertAroundOp(t *testing.T) {
	ctx, _ := newContext(t, 64)
	env := ctx.NewFixed(tcgtest.Env, tcg.I64, "env")
	ctx.Reset()
	a := ctx.NewTemp(tcg.I64, tcg.Normal)
	b := ctx.NewTemp(tcg.I64, tcg.Normal)
	ctx.GenBinary(tcg.OpAdd, tcg.I64, b, a, a)
	mid := ctx.Ops().First()

	ctx.InsertBefore(mid, tcg.OpLd, tcg.I64, []*tcg.Temp{a}, []*tcg.Temp{env}).Aux = 0x10
	ctx.InsertAfter(mid, tcg.OpSt, tcg.I64, nil, []*tcg.Temp{b, env}).Aux = 0x18

	var sb strings.Builder
	ctx.Dump(&sb)
	want := " ld_i64 tmp2,env,$0x10\n add_i64 tmp3,tmp2,tmp2\n st_i64 tmp3,env,$0x18\n"
	if diff := cmp.Diff(want, sb.String()); diff != "" {
		t.Errorf("Dump mismatch (-want +got):\n%s", diff)
	}
	if ctx.Ops().Len() != 3 || ctx.Ops().Last().Prev() != mid {
		t.Errorf("list links broken")
	}
}

func TestEmitChecksOperands(t *testing.T) {
	ctx, _ := newContext(t, 64)
	ctx.Reset()
	a := ctx.NewTemp(tcg.I64, tcg.Normal)
	expectAssertion(t, func() { ctx.GenBinary(tcg.OpMulUH, tcg.I64, a, a, a) })
	expectAssertion(t, func() { ctx.Emit(tcg.OpAdd, tcg.I64, []*tcg.Temp{a}, []*tcg.Temp{a}) })
	expectAssertion(t, func() { ctx.GenMov(tcg.I64, ctx.Constant(tcg.I64, 1), a) })
}

func TestCodeBufOverflowIsSticky(t *testing.T) {
	b := tcg.NewCodeBuf(make([]byte, 16), 0x1000, 8)
	b.Emit32(1)
	b.Emit32(2)
	if b.Overflowed() {
		t.Fatalf("overflow at highwater")
	}
	b.Emit(3)
	if !b.Overflowed() {
		t.Errorf("crossing highwater not reported")
	}
	b.Emit64(4)
	b.Emit64(5)
	if b.Offset() > 16 || !b.Overflowed() {
		t.Errorf("offset %d past the window", b.Offset())
	}
	if b.Addr(4) != 0x1004 {
		t.Errorf("Addr(4) = %#x", b.Addr(4))
	}
}
