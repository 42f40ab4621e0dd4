package regalloc

import (
	"encoding/binary"
	"strings"
	"testing"

	"emujit/pkg/errors"
	"emujit/pkg/tcg"
	"emujit/pkg/tcg/liveness"
	"emujit/pkg/tcg/tcgtest"

	"github.com/google/go-cmp/cmp"
)

type fixture struct {
	ctx    *tcg.Context
	target *tcgtest.Target
	env    *tcg.Temp
	g      [4]*tcg.Temp
	vec    *tcg.Temp
}

func newFixture(t *testing.T, opts tcgtest.Options) *fixture {
	t.Helper()
	target := tcgtest.New(opts)
	f := &fixture{
		target: target,
		ctx:    tcg.NewContext(target, tcg.BuildConstraints(target), 256),
	}
	f.env = f.ctx.NewFixed(tcgtest.Env, tcg.I64, "env")
	for i := range f.g {
		f.g[i] = f.ctx.NewGlobal(f.env, int64(8*i), tcg.I64, "g"+string(rune('0'+i)))
	}
	f.vec = f.ctx.NewGlobal(f.env, 64, tcg.V128, "vec")
	f.ctx.Reset()
	return f
}

func (f *fixture) temp() *tcg.Temp { return f.ctx.NewTemp(tcg.I64, tcg.Normal) }

func (f *fixture) prepare(t *testing.T) {
	t.Helper()
	liveness.Reachable(f.ctx)
	liveness.Analyze(f.ctx)
	if f.ctx.HasIndirect() {
		if _, err := liveness.LowerIndirect(f.ctx); err != nil {
			t.Fatalf("LowerIndirect: %v", err)
		}
		liveness.Analyze(f.ctx)
	}
}

func (f *fixture) generate(t *testing.T, buf *tcg.CodeBuf) (Result, error) {
	t.Helper()
	f.prepare(t)
	f.target.Reset()
	return Generate(f.ctx, buf, Options{DebugChecks: true})
}

func (f *fixture) mustGenerate(t *testing.T) (Result, *tcg.CodeBuf) {
	t.Helper()
	buf := tcg.NewCodeBuf(make([]byte, 4096), 0x1000, 4096-64)
	res, err := f.generate(t, buf)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return res, buf
}

func (f *fixture) checkEvents(t *testing.T, want []string) {
	t.Helper()
	if diff := cmp.Diff(want, f.target.Events); diff != "" {
		t.Errorf("emitted code mismatch (-want +got):\n%s", diff)
	}
}

func TestStraightLineAllocation(t *testing.T) {
	tests := []struct {
		name  string
		build func(f *fixture, t0, t1 *tcg.Temp)
		want  []string
	}{
		{
			name: "globals",
			build: func(f *fixture, t0, t1 *tcg.Temp) {
				f.ctx.GenMov(tcg.I64, t0, f.g[0])
				f.ctx.GenMov(tcg.I64, t1, f.g[1])
			},
			want: []string{
				"ld_i64 r0,env+0",
				"ld_i64 r1,env+8",
				"add_i64 r0,r0,r1",
				"goto_ptr_i64 r0",
			},
		},
		{
			name: "constants",
			build: func(f *fixture, t0, t1 *tcg.Temp) {
				f.ctx.GenMovI(tcg.I64, t0, 5)
				f.ctx.GenMovI(tcg.I64, t1, 7)
			},
			want: []string{
				"movi_i64 r0,$0x5",
				"add_i64 r0,r0,$0x7",
				"goto_ptr_i64 r0",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tcgtest.DefaultOptions())
			t0, t1, t2 := f.temp(), f.temp(), f.temp()
			f.ctx.GenInsnStart(0x100, 0)
			tt.build(f, t0, t1)
			f.ctx.GenBinary(tcg.OpAdd, tcg.I64, t2, t0, t1)
			f.ctx.GenGotoPtr(t2)

			res, _ := f.mustGenerate(t)
			f.checkEvents(t, tt.want)
			if res.Spills != 0 {
				t.Errorf("Spills = %d, want 0", res.Spills)
			}
			wantEnd := []uint16{uint16(4 * len(tt.want))}
			if diff := cmp.Diff(wantEnd, res.InsnEnd); diff != "" {
				t.Errorf("InsnEnd mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff([][2]uint64{{0x100, 0}}, res.InsnData); diff != "" {
				t.Errorf("InsnData mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// buildPressure keeps four values live at once.
func buildPressure(f *fixture) {
	ctx := f.ctx
	var v [4]*tcg.Temp
	for i := range v {
		v[i] = f.temp()
		ctx.GenMov(tcg.I64, v[i], f.g[i])
	}
	a, b, c := f.temp(), f.temp(), f.temp()
	ctx.GenBinary(tcg.OpAdd, tcg.I64, a, v[0], v[1])
	ctx.GenBinary(tcg.OpAdd, tcg.I64, b, v[2], v[3])
	ctx.GenBinary(tcg.OpAdd, tcg.I64, c, a, b)
	ctx.GenGotoPtr(c)
}

func TestSpillUnderPressure(t *testing.T) {
	opts := tcgtest.DefaultOptions()
	opts.GPRs = 3
	opts.CallArgs = 2
	opts.Clobber = 2
	f := newFixture(t, opts)
	buildPressure(f)

	res, _ := f.mustGenerate(t)
	f.checkEvents(t, []string{
		"ld_i64 r0,env+0",
		"ld_i64 r1,env+8",
		"ld_i64 r2,env+16",
		"st_i64 r0,sp+64",
		"ld_i64 r0,env+24",
		"st_i64 r0,sp+72",
		"ld_i64 r0,sp+64",
		"add_i64 r0,r0,r1",
		"ld_i64 r1,sp+72",
		"add_i64 r1,r2,r1",
		"add_i64 r0,r0,r1",
		"goto_ptr_i64 r0",
	})
	if res.Spills != 2 {
		t.Errorf("Spills = %d, want 2", res.Spills)
	}
	if res.FrameBytes != 16 {
		t.Errorf("FrameBytes = %d, want 16", res.FrameBytes)
	}
}

func TestFrameOverflowIsRecoverable(t *testing.T) {
	opts := tcgtest.DefaultOptions()
	opts.GPRs = 2
	opts.CallArgs = 2
	opts.Clobber = 2
	opts.FrameSlots = 1
	f := newFixture(t, opts)
	buildPressure(f)

	buf := tcg.NewCodeBuf(make([]byte, 4096), 0, 4000)
	_, err := f.generate(t, buf)
	if kind, ok := errors.OverflowKindOf(err); !ok || kind != errors.OverflowFrame {
		t.Fatalf("Generate error = %v, want frame overflow", err)
	}
}

func TestCodeOverflowIsRecoverable(t *testing.T) {
	f := newFixture(t, tcgtest.DefaultOptions())
	buildPressure(f)

	buf := tcg.NewCodeBuf(make([]byte, 64), 0, 8)
	_, err := f.generate(t, buf)
	if kind, ok := errors.OverflowKindOf(err); !ok || kind != errors.OverflowCode {
		t.Fatalf("Generate error = %v, want code overflow", err)
	}
}

func TestNarrowedMultiplyUsesOneOutputRegister(t *testing.T) {
	f := newFixture(t, tcgtest.DefaultOptions())
	ctx := f.ctx
	lo, hi := f.temp(), f.temp()
	ctx.GenMulU2(tcg.I64, lo, hi, f.g[0], f.g[1])
	ctx.GenMov(tcg.I64, f.g[2], lo)
	ctx.GenExitTB(0)

	f.mustGenerate(t)
	f.checkEvents(t, []string{
		"ld_i64 r0,env+0",
		"ld_i64 r1,env+8",
		"mul_i64 r2,r0,r1",
		"st_i64 r2,env+16",
		"exit_tb_i64 0x0",
	})
	if hi.Val != tcg.ValDead {
		t.Errorf("high half state = %s, want dead", hi.Val)
	}
}

func TestCallGlobalHandling(t *testing.T) {
	tests := []struct {
		name    string
		flags   tcg.CallFlags
		clobber int
		want    []string
	}{
		{
			name:    "reads and writes globals",
			clobber: 4,
			want: []string{
				"ld_i64 r0,env+0",
				"add_i64 r0,r0,$0x1",
				"st_i64 r0,env+0",
				"call h",
				"ld_i64 r0,env+0",
				"goto_ptr_i64 r0",
			},
		},
		{
			name:  "reads globals only",
			flags: tcg.CallNoWriteGlobals,
			want: []string{
				"ld_i64 r0,env+0",
				"add_i64 r0,r0,$0x1",
				"st_i64 r0,env+0",
				"call h",
				"goto_ptr_i64 r0",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tcgtest.DefaultOptions()
			opts.Clobber = tt.clobber
			f := newFixture(t, opts)
			ctx := f.ctx
			h := &tcg.Helper{Name: "h", Flags: tt.flags}
			ctx.GenBinaryI(tcg.OpAdd, tcg.I64, f.g[0], f.g[0], 1)
			ctx.GenCall(h, nil, nil)
			ctx.GenGotoPtr(f.g[0])

			f.mustGenerate(t)
			f.checkEvents(t, tt.want)
		})
	}
}

func TestCallArgumentsFollowPreferences(t *testing.T) {
	f := newFixture(t, tcgtest.DefaultOptions())
	ctx := f.ctx
	h := &tcg.Helper{Name: "h", NArgs: 2, NRets: 1}
	a, b, ret := f.temp(), f.temp(), f.temp()
	ctx.GenMov(tcg.I64, a, f.g[1])
	ctx.GenMov(tcg.I64, b, f.g[0])
	ctx.GenCall(h, []*tcg.Temp{ret}, []*tcg.Temp{b, a})
	ctx.GenGotoPtr(ret)

	f.mustGenerate(t)
	f.checkEvents(t, []string{
		"ld_i64 r1,env+8",
		"ld_i64 r0,env+0",
		"call h",
		"goto_ptr_i64 r0",
	})
}

func TestCallStackArguments(t *testing.T) {
	opts := tcgtest.DefaultOptions()
	opts.CallArgs = 2
	f := newFixture(t, opts)
	ctx := f.ctx
	h := &tcg.Helper{Name: "h3", NArgs: 3}
	args := []*tcg.Temp{
		ctx.Constant(tcg.I64, 1),
		ctx.Constant(tcg.I64, 2),
		ctx.Constant(tcg.I64, 3),
	}
	ctx.GenCall(h, nil, args)
	ctx.GenExitTB(0)

	f.mustGenerate(t)
	f.checkEvents(t, []string{
		"movi_i64 r0,$0x3",
		"st_i64 r0,sp+0",
		"movi_i64 r0,$0x1",
		"movi_i64 r1,$0x2",
		"call h3",
		"exit_tb_i64 0x0",
	})
}

func TestDupFallbacks(t *testing.T) {
	tests := []struct {
		name string
		opts func(*tcgtest.Options)
		want []string
	}{
		{
			name: "from integer register",
			opts: func(o *tcgtest.Options) {},
			want: []string{
				"ld_i64 r0,env+0",
				"dupvec_v128 v0,r0,64",
				"st_v128 v0,env+64",
				"exit_tb_i64 0x0",
			},
		},
		{
			name: "through memory",
			opts: func(o *tcgtest.Options) { o.DupFromGPR = false },
			want: []string{
				"ld_i64 r0,env+0",
				"st_i64 r0,sp+64",
				"ld_i64 v0,sp+64",
				"dupvec_v128 v0,v0,64",
				"st_v128 v0,env+64",
				"exit_tb_i64 0x0",
			},
		},
		{
			name: "from memory",
			opts: func(o *tcgtest.Options) {
				o.DupFromGPR = false
				o.DupMem = true
			},
			want: []string{
				"ld_i64 r0,env+0",
				"st_i64 r0,sp+64",
				"dupmem_v128 v0,sp+64,64",
				"st_v128 v0,env+64",
				"exit_tb_i64 0x0",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tcgtest.DefaultOptions()
			tt.opts(&opts)
			f := newFixture(t, opts)
			ctx := f.ctx
			t0 := f.temp()
			ctx.GenMov(tcg.I64, t0, f.g[0])
			ctx.GenDup(tcg.V128, 64, f.vec, t0)
			ctx.GenExitTB(0)

			f.mustGenerate(t)
			f.checkEvents(t, tt.want)
		})
	}
}

func TestDupOfConstantIsFolded(t *testing.T) {
	f := newFixture(t, tcgtest.DefaultOptions())
	ctx := f.ctx
	ctx.GenDup(tcg.V128, 32, f.vec, ctx.Constant(tcg.I64, 0x1_0000_0007))
	ctx.GenExitTB(0)

	f.mustGenerate(t)
	f.checkEvents(t, []string{
		"sti_v128 $0x700000007,env+64",
		"exit_tb_i64 0x0",
	})
}

func TestLocalTempSurvivesBranch(t *testing.T) {
	f := newFixture(t, tcgtest.DefaultOptions())
	ctx := f.ctx
	l := ctx.NewTemp(tcg.I64, tcg.Local)
	label := ctx.NewLabel()
	ctx.GenBinaryI(tcg.OpAdd, tcg.I64, l, f.g[0], 1)
	ctx.GenBrCond(tcg.CondEq, tcg.I64, f.g[1], ctx.Constant(tcg.I64, 0), label)
	ctx.SetLabel(label)
	ctx.GenMov(tcg.I64, f.g[2], l)
	ctx.GenExitTB(0)

	f.mustGenerate(t)
	f.checkEvents(t, []string{
		"ld_i64 r0,env+0",
		"add_i64 r0,r0,$0x1",
		"st_i64 r0,sp+64",
		"ld_i64 r0,env+8",
		"brcond_i64 r0,$0x0,eq," + label.String(),
		"ld_i64 r0,sp+64",
		"st_i64 r0,env+16",
		"exit_tb_i64 0x0",
	})
}

func TestUnwrittenLocalTakesNoFrameSlot(t *testing.T) {
	f := newFixture(t, tcgtest.DefaultOptions())
	ctx := f.ctx
	ctx.NewTemp(tcg.I64, tcg.Local)
	label := ctx.NewLabel()
	ctx.GenBrCond(tcg.CondEq, tcg.I64, f.g[1], ctx.Constant(tcg.I64, 0), label)
	ctx.GenMov(tcg.I64, f.g[2], f.g[0])
	ctx.SetLabel(label)
	ctx.GenExitTB(0)

	res, _ := f.mustGenerate(t)
	if res.FrameBytes != 0 {
		t.Errorf("FrameBytes = %d, want 0", res.FrameBytes)
	}
	for _, ev := range f.target.Events {
		if strings.Contains(ev, "sp+") {
			t.Errorf("unexpected frame access %q in %v", ev, f.target.Events)
		}
	}
}

func TestForwardBranchIsPatched(t *testing.T) {
	f := newFixture(t, tcgtest.DefaultOptions())
	ctx := f.ctx
	label := ctx.NewLabel()
	ctx.GenBrCond(tcg.CondEq, tcg.I64, f.g[0], ctx.Constant(tcg.I64, 0), label)
	ctx.GenBinaryI(tcg.OpAdd, tcg.I64, f.g[1], f.g[1], 1)
	ctx.SetLabel(label)
	ctx.GenExitTB(0)

	_, buf := f.mustGenerate(t)
	if got := len(label.Relocs()); got != 1 {
		t.Fatalf("pending relocations = %d, want 1", got)
	}
	if err := ctx.ResolveLabels(buf.Bytes()); err != nil {
		t.Fatalf("ResolveLabels: %v", err)
	}
	site := label.Relocs()[0].Site
	if got, want := binary.LittleEndian.Uint32(buf.Bytes()[site:]), uint32(label.Offset()); got != want {
		t.Errorf("branch at %d patched to %d, want %d", site, got, want)
	}
	if label.Offset() != 20 {
		t.Errorf("label offset = %d, want 20", label.Offset())
	}
}

func TestShortBranchOutOfRange(t *testing.T) {
	opts := tcgtest.DefaultOptions()
	opts.ShortBr = true
	f := newFixture(t, opts)
	ctx := f.ctx
	label := ctx.NewLabel()
	ctx.GenBrCond(tcg.CondNe, tcg.I64, f.g[0], ctx.Constant(tcg.I64, 0), label)
	for i := 0; i < 80; i++ {
		ctx.GenBinaryI(tcg.OpAdd, tcg.I64, f.g[1], f.g[1], 1)
	}
	ctx.SetLabel(label)
	ctx.GenExitTB(0)

	_, buf := f.mustGenerate(t)
	err := ctx.ResolveLabels(buf.Bytes())
	if kind, ok := errors.OverflowKindOf(err); !ok || kind != errors.OverflowReloc {
		t.Fatalf("ResolveLabels error = %v, want relocation overflow", err)
	}
}

func TestInsnEndOffsets(t *testing.T) {
	f := newFixture(t, tcgtest.DefaultOptions())
	ctx := f.ctx
	ctx.GenInsnStart(0x100, 0)
	ctx.GenBinaryI(tcg.OpAdd, tcg.I64, f.g[0], f.g[0], 1)
	ctx.GenInsnStart(0x104, 7)
	ctx.GenBinaryI(tcg.OpAdd, tcg.I64, f.g[1], f.g[1], 2)
	ctx.GenExitTB(0)

	res, _ := f.mustGenerate(t)
	if diff := cmp.Diff([]uint16{12, 28}, res.InsnEnd); diff != "" {
		t.Errorf("InsnEnd mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][2]uint64{{0x100, 0}, {0x104, 7}}, res.InsnData); diff != "" {
		t.Errorf("InsnData mismatch (-want +got):\n%s", diff)
	}
	if res.Size != 28 {
		t.Errorf("Size = %d, want 28", res.Size)
	}
}

func TestInsnTableOverflow(t *testing.T) {
	f := newFixture(t, tcgtest.DefaultOptions())
	ctx := f.ctx
	ctx.GenInsnStart(0x100, 0)
	for i := 0; i < 17000; i++ {
		ctx.GenBinaryI(tcg.OpAdd, tcg.I64, f.g[0], f.g[0], 1)
	}
	ctx.GenInsnStart(0x104, 0)
	ctx.GenExitTB(0)

	buf := tcg.NewCodeBuf(make([]byte, 1<<17), 0, 1<<17-64)
	_, err := f.generate(t, buf)
	if kind, ok := errors.OverflowKindOf(err); !ok || kind != errors.OverflowInsnTable {
		t.Fatalf("Generate error = %v, want insn table overflow", err)
	}
}

func TestIndirectBaseTakesLastRegister(t *testing.T) {
	target := tcgtest.New(tcgtest.DefaultOptions())
	ctx := tcg.NewContext(target, tcg.BuildConstraints(target), 64)
	env := ctx.NewFixed(tcgtest.Env, tcg.I64, "env")
	base := ctx.NewGlobal(env, 0, tcg.I64, "base")
	x := ctx.NewGlobal(base, 8, tcg.I64, "x")
	ctx.Reset()
	ctx.GenBinaryI(tcg.OpAdd, tcg.I64, x, x, 1)
	ctx.GenExitTB(0)

	f := &fixture{ctx: ctx, target: target, env: env}
	f.mustGenerate(t)
	if len(target.Events) == 0 || target.Events[0] != "ld_i64 r7,env+0" {
		t.Fatalf("first emission = %q, want the base loaded into r7", target.Events)
	}
}

func TestPickPrefersPreferredThenOrder(t *testing.T) {
	f := newFixture(t, tcgtest.DefaultOptions())
	a := &allocator{
		ctx:  f.ctx,
		regs: f.ctx.Registers(),
	}
	gprs := a.regs.Available[tcg.I64]
	if got := a.pick(gprs, 0, tcg.RegSetOf(3), false); got != 3 {
		t.Errorf("pick with preference = r%d, want r3", got)
	}
	if got := a.pick(gprs, tcg.RegSetOf(0, 1), 0, false); got != 2 {
		t.Errorf("pick skipping allocated = r%d, want r2", got)
	}
	if got := a.pick(gprs, 0, 0, true); got != 7 {
		t.Errorf("reverse pick = r%d, want r7", got)
	}
}
