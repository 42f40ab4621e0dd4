// Package synth is a deterministic front-end that emits pseudo-random guest
// code. A guest pc always produces the same unit for a given seed, so
// stress runs can translate the same addresses repeatedly from many workers.
package synth

import (
	"math/rand/v2"
	"strconv"

	"emujit/pkg/errors"
	"emujit/pkg/jit"
	"emujit/pkg/tcg"
)

// Guest state layout inside env.
const (
	NumRegs    = 16
	NumBanked  = 4
	PCOffset   = NumRegs * 8
	BankOffset = PCOffset + 8
	VecOffset  = BankOffset + 8
	// ScratchOffset is guest memory reached by loads and stores.
	ScratchOffset = VecOffset + 16
	ScratchSlots  = 32
	// StateSize is the number of env bytes the guest uses.
	StateSize = ScratchOffset + ScratchSlots*8
)

// Exit codes returned by exit_tb.
const (
	ExitNext = iota
	ExitTaken
	ExitHelper
)

// Globals describes the guest registers, the pc, a vector register and a
// bank of registers reached through a pointer held in env.
func Globals() []jit.GlobalDef {
	defs := make([]jit.GlobalDef, 0, NumRegs+NumBanked+3)
	for i := 0; i < NumRegs; i++ {
		defs = append(defs, jit.GlobalDef{Name: regName(i), Offset: int64(i * 8), Type: tcg.I64})
	}
	defs = append(defs,
		jit.GlobalDef{Name: "pc", Offset: PCOffset, Type: tcg.I64},
		jit.GlobalDef{Name: "bank", Offset: BankOffset, Type: tcg.I64},
		jit.GlobalDef{Name: "v0", Offset: VecOffset, Type: tcg.V128},
	)
	for i := 0; i < NumBanked; i++ {
		defs = append(defs, jit.GlobalDef{Name: bankName(i), Base: "bank", Offset: int64(i * 8), Type: tcg.I64})
	}
	return defs
}

// Helper names registered by Helpers.
const (
	HelperSyscall = "helper_syscall"
	HelperHash    = "helper_hash"
	HelperTrace   = "helper_trace"
	HelperMix     = "helper_mix"
	HelperAbort   = "helper_abort"
)

// Helpers returns the helpers the generated code calls. Addresses are
// placeholders; generated code is never run.
func Helpers() []tcg.Helper {
	return []tcg.Helper{
		{Name: HelperSyscall, Addr: 0x401000, NArgs: 2, NRets: 1},
		{Name: HelperHash, Addr: 0x401100, NArgs: 2, NRets: 1, Flags: tcg.CallNoReadGlobals | tcg.CallNoSideEffects},
		{Name: HelperTrace, Addr: 0x401200, NArgs: 1, Flags: tcg.CallNoWriteGlobals},
		{Name: HelperMix, Addr: 0x401300, NArgs: 8, NRets: 1, Flags: tcg.CallNoReadGlobals},
		{Name: HelperAbort, Addr: 0x401400, NArgs: 1, Flags: tcg.CallNoReturn},
	}
}

// Options returns the runtime options the front-end depends on.
func Options() []jit.Option {
	opts := []jit.Option{jit.WithGlobals(Globals()...)}
	for _, h := range Helpers() {
		opts = append(opts, jit.WithHelper(h))
	}
	return opts
}

func regName(i int) string  { return "r" + strconv.Itoa(i) }
func bankName(i int) string { return "b" + strconv.Itoa(i) }

// Frontend generates units for one runtime.
type Frontend struct {
	seed    uint64
	helpers map[string]*tcg.Helper
}

// New binds a front-end to the helpers registered in rt.
func New(rt *jit.Runtime, seed uint64) (*Frontend, error) {
	f := &Frontend{seed: seed, helpers: make(map[string]*tcg.Helper)}
	for _, h := range Helpers() {
		reg := rt.Helper(h.Name)
		if reg == nil {
			return nil, errors.Newf("helper %s is not registered", h.Name)
		}
		f.helpers[h.Name] = reg
	}
	return f, nil
}

// Block is the translation of the guest code at one pc.
type Block struct {
	f  *Frontend
	PC uint64
}

// At returns the translator for pc.
func (f *Frontend) At(pc uint64) *Block { return &Block{f: f, PC: pc} }

// Key returns the cache key of the block.
func (b *Block) Key() jit.Key { return jit.Key{PC: b.PC} }

// Info is the metadata stored with every unit.
type Info struct {
	PC    uint64
	Insns int
}

// Length returns the number of guest instructions in the block when the
// budget allows it.
func (b *Block) Length() int {
	return 1 + int(b.rng(0).Uint64N(24))
}

func (b *Block) rng(stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(b.f.seed^b.PC, stream))
}

// Translate emits the block into ctx.
func (b *Block) Translate(ctx *tcg.Context, maxInsns int) (any, error) {
	n := min(b.Length(), maxInsns)
	g := &gen{
		ctx:     ctx,
		rng:     b.rng(1),
		helpers: b.f.helpers,
	}
	g.bind()
	for i := 0; i < n; i++ {
		pc := b.PC + uint64(i)*4
		ctx.GenInsnStart(pc, uint64(i))
		g.insn(pc)
	}
	g.exit(b.PC + uint64(n)*4)
	return Info{PC: b.PC, Insns: n}, nil
}
