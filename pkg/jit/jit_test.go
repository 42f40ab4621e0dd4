package jit

import (
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"emujit/pkg/config"
	"emujit/pkg/errors"
	"emujit/pkg/tcg"
	"emujit/pkg/tcg/region"
	"emujit/pkg/tcg/tcgtest"
)

type translatorFunc func(ctx *tcg.Context, maxInsns int) (any, error)

func (f translatorFunc) Translate(ctx *tcg.Context, maxInsns int) (any, error) {
	return f(ctx, maxInsns)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ArenaSize = config.MinArenaSize
	cfg.Regions = 4
	cfg.MaxTemps = 64
	cfg.HeapArena = true
	cfg.DebugChecks = true
	return cfg
}

var testGlobals = []GlobalDef{
	{Name: "r0", Offset: 0, Type: tcg.I64},
	{Name: "r1", Offset: 8, Type: tcg.I64},
}

func newTestRuntime(t *testing.T, cfg config.Config, opts ...Option) (*Runtime, *tcgtest.Target) {
	t.Helper()
	tgt := tcgtest.New(tcgtest.DefaultOptions())
	opts = append([]Option{WithTarget(tgt, tcgtest.Env), WithGlobals(testGlobals...)}, opts...)
	rt, err := NewRuntime(cfg, opts...)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt, tgt
}

// addUnit translates to one guest instruction adding 1 to r0 n times.
func addUnit(n int) translatorFunc {
	return func(ctx *tcg.Context, maxInsns int) (any, error) {
		r0 := ctx.Lookup("r0")
		ctx.GenInsnStart(0x1000, 0)
		for i := 0; i < n; i++ {
			ctx.GenBinaryI(tcg.OpAdd, tcg.I64, r0, r0, 1)
		}
		ctx.GenExitTB(0)
		return n, nil
	}
}

func TestCompileStages(t *testing.T) {
	rt, _ := newTestRuntime(t, testConfig())
	c := rt.NewCompiler()

	ctx := c.Begin()
	r0 := ctx.Lookup("r0")
	ctx.GenInsnStart(0x1000, 7)
	ctx.GenBinaryI(tcg.OpAdd, tcg.I64, r0, r0, 1)
	ctx.GenExitTB(0)
	u, err := c.Compile("meta")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	want := []Stage{StageBuild, StageReachability, StageLiveness, StageAllocate, StageResolve, StagePublish}
	if diff := cmp.Diff(want, c.Stages()); diff != "" {
		t.Errorf("stages mismatch (-want +got):\n%s", diff)
	}
	if u.Meta != "meta" {
		t.Errorf("Meta = %v, want meta", u.Meta)
	}
	if got := rt.Lookup(u.Start + uintptr(u.Size) - 1); got != u {
		t.Errorf("Lookup inside the unit returned %v", got)
	}
	data, ok := rt.SearchPC(u.Start)
	if !ok || data != [2]uint64{0x1000, 7} {
		t.Errorf("SearchPC = %v, %v, want [0x1000 7]", data, ok)
	}
	if got := testutil.ToFloat64(rt.stats.translated); got != 1 {
		t.Errorf("translated = %v, want 1", got)
	}
}

func TestIndirectGlobalsRerunLiveness(t *testing.T) {
	rt, _ := newTestRuntime(t, testConfig(), WithGlobals(
		GlobalDef{Name: "bank", Offset: 16, Type: tcg.I64},
		GlobalDef{Name: "b0", Base: "bank", Offset: 0, Type: tcg.I64},
	))
	c := rt.NewCompiler()

	ctx := c.Begin()
	b0 := ctx.Lookup("b0")
	ctx.GenInsnStart(0, 0)
	ctx.GenBinaryI(tcg.OpAdd, tcg.I64, b0, b0, 3)
	ctx.GenExitTB(0)
	if _, err := c.Compile(nil); err != nil {
		t.Fatalf("Compile: %v", err)
	}

	want := []Stage{
		StageBuild, StageReachability, StageLiveness, StageIndirect,
		StageLiveness, StageAllocate, StageResolve, StagePublish,
	}
	if diff := cmp.Diff(want, c.Stages()); diff != "" {
		t.Errorf("stages mismatch (-want +got):\n%s", diff)
	}
}

func TestOptimizerRunsBeforeLiveness(t *testing.T) {
	var seen int
	rt, _ := newTestRuntime(t, testConfig(), WithOptimizer(func(ctx *tcg.Context) {
		seen = ctx.Ops().Len()
	}))
	c := rt.NewCompiler()
	ctx := c.Begin()
	ctx.GenInsnStart(0, 0)
	ctx.GenExitTB(0)
	if _, err := c.Compile(nil); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if seen != 2 {
		t.Errorf("optimizer saw %d ops, want 2", seen)
	}
	if got := c.Stages()[1]; got != StageOptimize {
		t.Errorf("second stage = %s, want optimize", got)
	}
}

func TestCompileAbortsOnTempOverflow(t *testing.T) {
	rt, _ := newTestRuntime(t, testConfig())
	c := rt.NewCompiler()
	ctx := c.Begin()
	for i := 0; i < 100; i++ {
		ctx.NewTemp(tcg.I64, tcg.Normal)
	}
	ctx.GenExitTB(0)

	_, err := c.Compile(nil)
	if kind, ok := errors.OverflowKindOf(err); !ok || kind != errors.OverflowTemps {
		t.Fatalf("Compile error = %v, want a temps overflow", err)
	}
	if diff := cmp.Diff([]Stage{StageBuild, StageAbort}, c.Stages()); diff != "" {
		t.Errorf("stages mismatch (-want +got):\n%s", diff)
	}
	if rt.Regions().NumUnits() != 0 {
		t.Errorf("aborted unit was published")
	}
}

func TestForwardBranchesPatchedAfterDeadLabel(t *testing.T) {
	rt, tgt := newTestRuntime(t, testConfig())
	c := rt.NewCompiler()

	ctx := c.Begin()
	r0 := ctx.Lookup("r0")
	taken, dead := ctx.NewLabel(), ctx.NewLabel()
	ctx.GenInsnStart(0x2000, 0)
	ctx.GenBrCond(tcg.CondEq, tcg.I64, r0, ctx.Constant(tcg.I64, 0), taken)
	ctx.GenBrCond(tcg.CondNe, tcg.I64, r0, ctx.Constant(tcg.I64, 7), taken)
	ctx.GenExitTB(0)
	ctx.GenBr(dead)
	ctx.SetLabel(dead)
	ctx.GenExitTB(2)
	ctx.SetLabel(taken)
	ctx.GenExitTB(1)

	tgt.Reset()
	u, err := c.Compile(nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if dead.Defined() {
		t.Errorf("unreachable label %s was bound", dead)
	}
	relocs := taken.Relocs()
	if len(relocs) != 2 {
		t.Fatalf("%s has %d relocations, want 2", taken, len(relocs))
	}
	code := rt.Code(u)
	for _, r := range relocs {
		if got := binary.LittleEndian.Uint32(code[r.Site:]); int(got) != taken.Offset() {
			t.Errorf("branch at %d patched to %d, want %d", r.Site, got, taken.Offset())
		}
	}
	for _, ev := range tgt.Events {
		if strings.Contains(ev, "0x2") && strings.HasPrefix(ev, "exit_tb") {
			t.Errorf("unreachable exit was emitted: %s", ev)
		}
	}
}

func TestTempOverflowHalvesBudget(t *testing.T) {
	rt, _ := newTestRuntime(t, testConfig())
	tr := translatorFunc(func(ctx *tcg.Context, maxInsns int) (any, error) {
		r0 := ctx.Lookup("r0")
		for i := 0; i < maxInsns; i++ {
			ctx.GenInsnStart(uint64(i)*4, 0)
			tmp := ctx.NewTemp(tcg.I64, tcg.Normal)
			ctx.GenMovI(tcg.I64, tmp, uint64(i))
			ctx.GenBinary(tcg.OpAdd, tcg.I64, r0, r0, tmp)
		}
		ctx.GenExitTB(0)
		return maxInsns, nil
	})

	u, err := rt.NewCompiler().Generate(tr, Key{PC: 0x40})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	// Four globals plus two temps per instruction must fit in 64.
	if u.Meta != 16 {
		t.Errorf("unit holds %v insns, want 16", u.Meta)
	}
	if got := testutil.ToFloat64(rt.stats.aborted.WithLabelValues(abortTemps)); got != 5 {
		t.Errorf("temps aborts = %v, want 5", got)
	}
	if got := len(u.InsnEnd); got != 16 {
		t.Errorf("insn table has %d entries, want 16", got)
	}
}

func TestCodeOverflowClaimsRegionThenFlushes(t *testing.T) {
	rt, _ := newTestRuntime(t, testConfig())
	c := rt.NewCompiler()
	tr := addUnit(15000)

	var units []*region.Unit
	gen := func(pc uint64) *region.Unit {
		t.Helper()
		u, err := c.Generate(tr, Key{PC: pc})
		if err != nil {
			t.Fatalf("Generate(%#x): %v", pc, err)
		}
		units = append(units, u)
		return u
	}

	pc := uint64(0)
	for rt.Regions().Claims() < 2 {
		if pc == 64 {
			t.Fatalf("no second region claimed")
		}
		gen(pc)
		pc++
	}
	last := units[len(units)-1]
	if r1 := rt.Regions().Region(1); last.Start < r1.Start() || last.Start >= r1.End() {
		t.Errorf("unit at %#x not in region 1 [%#x, %#x)", last.Start, r1.Start(), r1.End())
	}
	if got := testutil.ToFloat64(rt.stats.aborted.WithLabelValues(abortCode)); got != 1 {
		t.Errorf("code aborts = %v, want 1", got)
	}

	for testutil.ToFloat64(rt.stats.flushes) == 0 {
		if pc == 256 {
			t.Fatalf("arena never filled")
		}
		gen(pc)
		pc++
	}
	if got := rt.Regions().Generation(); got != 1 {
		t.Errorf("Generation = %d, want 1", got)
	}
	if got := testutil.ToFloat64(rt.stats.aborted.WithLabelValues(abortArenaFull)); got != 1 {
		t.Errorf("arena_full aborts = %v, want 1", got)
	}
	for _, u := range units[:len(units)-1] {
		if !u.Invalid() {
			t.Fatalf("unit at %#x survived the flush", u.Start)
		}
	}
	if got := rt.Cache().Len(); got != 1 {
		t.Errorf("cache holds %d units after the flush, want 1", got)
	}
	if got := rt.Regions().NumUnits(); got != 1 {
		t.Errorf("directory holds %d units after the flush, want 1", got)
	}
}

func TestGenerateCaching(t *testing.T) {
	rt, _ := newTestRuntime(t, testConfig())
	translations := 0
	inner := addUnit(1)
	tr := translatorFunc(func(ctx *tcg.Context, maxInsns int) (any, error) {
		translations++
		return inner(ctx, maxInsns)
	})
	key := Key{PC: 0x100, Flags: 1}
	c1, c2 := rt.NewCompiler(), rt.NewCompiler()

	u, err := c1.Generate(tr, key)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if again, _ := c1.Generate(tr, key); again != u {
		t.Errorf("jump cache returned %p, want %p", again, u)
	}
	if other, _ := c2.Generate(tr, key); other != u {
		t.Errorf("shared cache returned %p, want %p", other, u)
	}
	if translations != 1 {
		t.Errorf("translated %d times, want 1", translations)
	}
	if got := testutil.ToFloat64(rt.stats.cacheHits); got != 2 {
		t.Errorf("cache hits = %v, want 2", got)
	}

	if !rt.Invalidate(key) {
		t.Fatalf("Invalidate found nothing")
	}
	if rt.Lookup(u.Start) != nil {
		t.Errorf("invalidated unit still in the directory")
	}
	u2, err := c1.Generate(tr, key)
	if err != nil {
		t.Fatalf("Generate after Invalidate: %v", err)
	}
	if u2 == u || translations != 2 {
		t.Errorf("Invalidate did not force a new translation")
	}

	rt.Flush()
	if !u2.Invalid() || rt.Cache().Len() != 0 || rt.Regions().NumUnits() != 0 {
		t.Errorf("Flush left state behind")
	}
	if _, err := c2.Generate(tr, key); err != nil {
		t.Fatalf("Generate after Flush: %v", err)
	}
	if translations != 3 {
		t.Errorf("translated %d times, want 3", translations)
	}
	if (Key{PC: 0x100}) == key {
		t.Errorf("flags not part of the key")
	}
}

func TestDumpListsMetrics(t *testing.T) {
	rt, _ := newTestRuntime(t, testConfig())
	if _, err := rt.NewCompiler().Generate(addUnit(2), Key{}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	var sb strings.Builder
	if err := rt.Stats().Dump(&sb); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	out := sb.String()
	for _, line := range []string{
		"jit_units_translated_total 1\n",
		`jit_units_aborted_total{reason="temps"} 0` + "\n",
		"jit_flushes_total 0\n",
		"jit_region_claims_total 1\n",
	} {
		if !strings.Contains(out, line) {
			t.Errorf("dump lacks %q:\n%s", line, out)
		}
	}
	if n, err := testutil.GatherAndCount(rt.Stats().Registry(), "jit_code_bytes"); err != nil || n != 1 {
		t.Errorf("GatherAndCount = %d, %v", n, err)
	}
}

func TestCodeGaugesTrackCapacity(t *testing.T) {
	rt, _ := newTestRuntime(t, testConfig())
	if _, err := rt.NewCompiler().Generate(addUnit(2), Key{}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	capacity, used := rt.CodeCapacity(), rt.CodeSize()
	if used == 0 || used >= capacity {
		t.Fatalf("code size %d, capacity %d", used, capacity)
	}
	want := fmt.Sprintf(`# HELP jit_code_capacity_bytes Total bytes of code capacity across all regions.
# TYPE jit_code_capacity_bytes gauge
jit_code_capacity_bytes %d
# HELP jit_code_free_bytes Bytes of code capacity not yet used.
# TYPE jit_code_free_bytes gauge
jit_code_free_bytes %d
`, capacity, capacity-used)
	reg := rt.Stats().Registry()
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "jit_code_capacity_bytes", "jit_code_free_bytes"); err != nil {
		t.Errorf("code gauges: %v", err)
	}

	rt.Flush()
	want = fmt.Sprintf(`# HELP jit_code_free_bytes Bytes of code capacity not yet used.
# TYPE jit_code_free_bytes gauge
jit_code_free_bytes %d
`, capacity)
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "jit_code_free_bytes"); err != nil {
		t.Errorf("code gauges after flush: %v", err)
	}
}

func TestNewRuntimeRejectsBadSetup(t *testing.T) {
	tgt := tcgtest.New(tcgtest.DefaultOptions())
	base := []Option{WithTarget(tgt, tcgtest.Env)}
	cases := map[string][]Option{
		"duplicate global": {WithGlobals(testGlobals[0], testGlobals[0])},
		"unknown base":     {WithGlobals(GlobalDef{Name: "x", Base: "nope", Type: tcg.I64})},
		"narrow base": {WithGlobals(
			GlobalDef{Name: "b", Type: tcg.I32},
			GlobalDef{Name: "x", Base: "b", Type: tcg.I64},
		)},
		"helper results": {WithHelper(tcg.Helper{Name: "h", NRets: 3})},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			rt, err := NewRuntime(testConfig(), append(base, opts...)...)
			if err == nil {
				rt.Close()
				t.Fatalf("NewRuntime succeeded")
			}
		})
	}

	cfg := testConfig()
	cfg.ArenaSize = 4096
	if _, err := NewRuntime(cfg, base...); err == nil {
		t.Errorf("NewRuntime accepted a tiny arena")
	}
}
