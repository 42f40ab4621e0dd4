package jit

import (
	"fmt"
	"io"
	"sort"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"emujit/pkg/errors"
)

// Abort reasons recorded by the compiler.
const (
	abortTemps     = "temps"
	abortCode      = "code"
	abortFrame     = "frame"
	abortReloc     = "reloc"
	abortInsnTable = "insn_table"
	abortArenaFull = "arena_full"
	abortOther     = "other"
)

func abortReason(err error) string {
	if errors.Is(err, errors.ErrArenaFull) {
		return abortArenaFull
	}
	kind, ok := errors.OverflowKindOf(err)
	if !ok {
		return abortOther
	}
	switch kind {
	case errors.OverflowTemps:
		return abortTemps
	case errors.OverflowCode:
		return abortCode
	case errors.OverflowFrame:
		return abortFrame
	case errors.OverflowReloc:
		return abortReloc
	case errors.OverflowInsnTable:
		return abortInsnTable
	}
	return abortOther
}

// Stats collects translation counters for one runtime in its own registry.
type Stats struct {
	registry *prometheus.Registry

	translated prometheus.Counter
	aborted    *prometheus.CounterVec
	opsDeleted prometheus.Counter
	narrowed   prometheus.Counter
	spills     prometheus.Counter
	flushes    prometheus.Counter
	cacheHits  prometheus.Counter

	maxTemps atomic.Int64
}

func newStats(r *Runtime) *Stats {
	s := &Stats{
		registry: prometheus.NewRegistry(),
		translated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jit", Name: "units_translated_total",
			Help: "Units published.",
		}),
		aborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jit", Name: "units_aborted_total",
			Help: "Translation attempts abandoned, by reason.",
		}, []string{"reason"}),
		opsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jit", Name: "ops_deleted_total",
			Help: "Ops removed by reachability and liveness.",
		}),
		narrowed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jit", Name: "ops_narrowed_total",
			Help: "Double-output ops rewritten to a single output.",
		}),
		spills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jit", Name: "spill_stores_total",
			Help: "Stores emitted to free a register holding a live value.",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jit", Name: "flushes_total",
			Help: "Times all generated code was discarded.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jit", Name: "cache_hits_total",
			Help: "Generate calls answered from a cache.",
		}),
	}
	for _, reason := range []string{abortTemps, abortCode, abortFrame, abortReloc, abortInsnTable, abortArenaFull, abortOther} {
		s.aborted.WithLabelValues(reason)
	}
	s.registry.MustRegister(
		s.translated, s.aborted, s.opsDeleted, s.narrowed, s.spills, s.flushes, s.cacheHits,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "jit", Name: "temps_per_unit_max",
			Help: "Largest number of temps used by one unit.",
		}, func() float64 { return float64(s.maxTemps.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "jit", Name: "code_bytes",
			Help: "Bytes of generated code in use.",
		}, func() float64 { return float64(r.CodeSize()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "jit", Name: "code_capacity_bytes",
			Help: "Total bytes of code capacity across all regions.",
		}, func() float64 { return float64(r.CodeCapacity()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "jit", Name: "code_free_bytes",
			Help: "Bytes of code capacity not yet used.",
		}, func() float64 { return float64(max(r.CodeCapacity()-r.CodeSize(), 0)) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "jit", Name: "region_claims_total",
			Help: "Regions claimed by compilers.",
		}, func() float64 { return float64(r.regions.Claims()) }),
	)
	return s
}

// Registry returns the registry holding the runtime's metrics.
func (s *Stats) Registry() *prometheus.Registry { return s.registry }

func (s *Stats) observeTemps(n int) {
	for {
		cur := s.maxTemps.Load()
		if int64(n) <= cur || s.maxTemps.CompareAndSwap(cur, int64(n)) {
			return
		}
	}
}

// Dump writes every metric as "name{labels} value", sorted by name.
func (s *Stats) Dump(w io.Writer) error {
	families, err := s.registry.Gather()
	if err != nil {
		return errors.Wrap(err, "failed to gather metrics")
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if _, err := fmt.Fprintf(w, "%s%s %g\n", mf.GetName(), labels(m), value(m)); err != nil {
				return err
			}
		}
	}
	return nil
}

func labels(m *dto.Metric) string {
	if len(m.GetLabel()) == 0 {
		return ""
	}
	s := "{"
	for i, l := range m.GetLabel() {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%s=%q", l.GetName(), l.GetValue())
	}
	return s + "}"
}

func value(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	}
	return 0
}
