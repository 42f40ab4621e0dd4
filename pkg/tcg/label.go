package tcg

import (
	"strconv"

	"emujit/pkg/errors"
)

// RelocKind is a target-defined relocation format.
type RelocKind uint8

// Reloc is a pending reference to a label from code at Site.
type Reloc struct {
	Site   int
	Kind   RelocKind
	Addend int64
}

// Label is a branch target within one unit.
type Label struct {
	ID int
	// Refs counts the branch ops referencing the label.
	Refs int

	present bool
	defined bool
	offset  int
	relocs  []Reloc
}

// Defined reports whether the label has been bound to a code offset.
func (l *Label) Defined() bool { return l.defined }

// Present reports whether a set_label op for the label is in the stream.
func (l *Label) Present() bool { return l.present }

// Offset returns the bound code offset.
func (l *Label) Offset() int {
	errors.Assert(l.defined, "label L%d read before it was bound", l.ID)
	return l.offset
}

// Bind fixes the label at a code offset during emission.
func (l *Label) Bind(offset int) {
	errors.Assert(!l.defined, "label L%d bound twice", l.ID)
	l.defined = true
	l.offset = offset
}

// AddReloc records a site to patch once the label is bound.
func (l *Label) AddReloc(site int, kind RelocKind, addend int64) {
	l.relocs = append(l.relocs, Reloc{Site: site, Kind: kind, Addend: addend})
}

func (l *Label) Relocs() []Reloc { return l.relocs }

func (l *Label) String() string {
	return "$L" + strconv.Itoa(l.ID)
}

// ResolveLabels patches the pending branch sites of the unit inside code,
// which must hold the bytes emitted for it.
func (c *Context) ResolveLabels(code []byte) error {
	for _, l := range c.labels {
		for _, r := range l.relocs {
			errors.Assert(l.defined, "branch at %d to unbound %s", r.Site, l)
			if !c.target.PatchReloc(code, r.Site, r.Kind, l.offset, r.Addend) {
				return errors.Overflowf(errors.OverflowReloc, "branch at %d cannot reach %s at %d", r.Site, l, l.offset)
			}
		}
	}
	return nil
}
