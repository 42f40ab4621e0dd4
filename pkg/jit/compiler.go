package jit

import (
	"encoding/hex"
	"log"
	"strings"

	"emujit/pkg/errors"
	"emujit/pkg/tcg"
	"emujit/pkg/tcg/liveness"
	"emujit/pkg/tcg/regalloc"
	"emujit/pkg/tcg/region"
)

// Translator is a guest front-end. It emits one unit of at most maxInsns
// guest instructions into ctx and returns metadata stored with the unit.
type Translator interface {
	Translate(ctx *tcg.Context, maxInsns int) (meta any, err error)
}

// Stage is a step of the translation pipeline.
type Stage uint8

const (
	StageBuild Stage = iota
	StageOptimize
	StageReachability
	StageLiveness
	StageIndirect
	StageAllocate
	StageResolve
	StagePublish
	StageAbort
)

var stageNames = [...]string{
	"build", "optimize", "reachability", "liveness", "indirect",
	"allocate", "resolve", "publish", "abort",
}

func (s Stage) String() string { return stageNames[s] }

// maxAttempts bounds the retries of one Generate call.
const maxAttempts = 32

// Compiler translates units for one worker goroutine. It is not safe for
// concurrent use.
type Compiler struct {
	rt  *Runtime
	ctx *tcg.Context
	buf tcg.CodeBuf

	region *region.Region
	gen    uint64
	// fresh is set when the last code overflow happened in an empty region.
	fresh bool

	jump   jumpCache
	stages []Stage
}

// NewCompiler creates a compiler with its own context.
func (r *Runtime) NewCompiler() *Compiler {
	return &Compiler{rt: r, ctx: r.newContext()}
}

// Begin discards any unit in progress and returns the context to build the
// next one in.
func (c *Compiler) Begin() *tcg.Context {
	c.ctx.Reset()
	return c.ctx
}

// Stages returns the pipeline stages run by the last attempt.
func (c *Compiler) Stages() []Stage { return c.stages }

// Compile runs the pipeline over the unit built since Begin and publishes
// it. Overflows are returned without retrying.
func (c *Compiler) Compile(meta any) (*region.Unit, error) {
	c.rt.flushMu.RLock()
	defer c.rt.flushMu.RUnlock()
	return c.compile(meta)
}

// Generate returns the unit cached for key or translates a new one with tr,
// retrying on recoverable overflows.
func (c *Compiler) Generate(tr Translator, key Key) (*region.Unit, error) {
	rt := c.rt
	if u := c.jump.lookup(key, rt.regions.Generation()); u != nil {
		rt.stats.cacheHits.Inc()
		return u, nil
	}
	maxInsns := rt.cfg.MaxInsns
	for attempt := 0; attempt < maxAttempts; attempt++ {
		u, gen, cached, err := c.attempt(tr, key, maxInsns)
		if err == nil {
			if cached {
				rt.stats.cacheHits.Inc()
			}
			c.jump.insert(key, u, gen)
			return u, nil
		}
		rt.stats.aborted.WithLabelValues(abortReason(err)).Inc()

		kind, overflow := errors.OverflowKindOf(err)
		switch {
		case errors.Is(err, errors.ErrArenaFull):
			rt.flushIfCurrent(gen)
		case overflow && kind == errors.OverflowCode && !c.fresh:
			// The region is full; claim another.
			c.region = nil
		case overflow:
			if maxInsns == 1 {
				return nil, errors.Wrapf(err, "unit at %#x", key.PC)
			}
			maxInsns = max(maxInsns/2, 1)
		default:
			return nil, err
		}
		if rt.cfg.Logs("region") {
			log.Printf("[jit] retrying %#x with %d insns: %v", key.PC, maxInsns, err)
		}
	}
	return nil, errors.Newf("unit at %#x not translated after %d attempts", key.PC, maxAttempts)
}

// attempt holds off flushes while it translates and publishes one unit.
func (c *Compiler) attempt(tr Translator, key Key, maxInsns int) (u *region.Unit, gen uint64, cached bool, err error) {
	rt := c.rt
	rt.flushMu.RLock()
	defer rt.flushMu.RUnlock()
	gen = rt.regions.Generation()
	if u := rt.cache.Lookup(key); u != nil {
		return u, gen, true, nil
	}

	ctx := c.Begin()
	meta, err := tr.Translate(ctx, maxInsns)
	if err != nil {
		return nil, gen, false, errors.Wrapf(err, "translating %#x", key.PC)
	}
	u, err = c.compile(meta)
	if err != nil {
		return nil, gen, false, err
	}
	if winner := rt.cache.Insert(key, u); winner != u {
		// Another compiler published the same key first.
		rt.Remove(u)
		return winner, gen, true, nil
	}
	return u, gen, false, nil
}

func (c *Compiler) stage(s Stage) { c.stages = append(c.stages, s) }

func (c *Compiler) abort(err error) (*region.Unit, error) {
	c.stage(StageAbort)
	return nil, err
}

func (c *Compiler) compile(meta any) (*region.Unit, error) {
	rt, ctx := c.rt, c.ctx
	c.stages = append(c.stages[:0], StageBuild)
	if err := ctx.Err(); err != nil {
		return c.abort(err)
	}
	if rt.optimizer != nil {
		c.stage(StageOptimize)
		rt.optimizer(ctx)
	}
	if rt.cfg.Logs("op") {
		c.dump("op")
	}

	c.stage(StageReachability)
	removed := liveness.Reachable(ctx)
	c.stage(StageLiveness)
	st := liveness.Analyze(ctx)
	if ctx.HasIndirect() {
		c.stage(StageIndirect)
		changed, err := liveness.LowerIndirect(ctx)
		if err != nil {
			return c.abort(err)
		}
		if changed {
			c.stage(StageLiveness)
			again := liveness.Analyze(ctx)
			st.Removed += again.Removed
			st.Narrowed += again.Narrowed
		}
	}
	if rt.cfg.Logs("op_opt") {
		c.dump("op_opt")
	}

	c.stage(StageAllocate)
	r, err := c.claim()
	if err != nil {
		return c.abort(err)
	}
	buf, base, highwater := r.Buffer()
	c.buf.Reset(buf, base, highwater)
	res, err := regalloc.Generate(ctx, &c.buf, regalloc.Options{DebugChecks: rt.cfg.DebugChecks})
	if err != nil {
		c.fresh = r.Used() == 0
		return c.abort(err)
	}

	c.stage(StageResolve)
	if err := ctx.ResolveLabels(c.buf.Bytes()); err != nil {
		return c.abort(err)
	}

	c.stage(StagePublish)
	u := &region.Unit{
		Start:    r.Commit(res.Size),
		Size:     res.Size,
		Meta:     meta,
		InsnEnd:  res.InsnEnd,
		InsnData: res.InsnData,
	}
	rt.regions.Insert(u)

	rt.stats.translated.Inc()
	rt.stats.opsDeleted.Add(float64(removed + st.Removed))
	rt.stats.narrowed.Add(float64(st.Narrowed))
	rt.stats.spills.Add(float64(res.Spills))
	rt.stats.observeTemps(ctx.NumTemps())

	if rt.cfg.Logs("out_asm") {
		log.Printf("[jit] out_asm %#x+%d\n%s", u.Start, u.Size, hex.Dump(rt.Code(u)))
	}
	if rt.cfg.DebugChecks {
		if err := rt.regions.CheckGuards(); err != nil {
			panic(err)
		}
	}
	return u, nil
}

// claim returns the compiler's region, claiming a new one when it has none
// or the arena was reset since it was claimed.
func (c *Compiler) claim() (*region.Region, error) {
	gen := c.rt.regions.Generation()
	if c.region != nil && c.gen == gen {
		return c.region, nil
	}
	r, err := c.rt.regions.Claim()
	if err != nil {
		c.region = nil
		if errors.Is(err, errors.ErrNoRegion) {
			return nil, errors.Wrap(errors.ErrArenaFull, err.Error())
		}
		return nil, err
	}
	c.region, c.gen = r, gen
	return r, nil
}

func (c *Compiler) dump(topic string) {
	var sb strings.Builder
	c.ctx.Dump(&sb)
	log.Printf("[jit] %s\n%s", topic, sb.String())
}
