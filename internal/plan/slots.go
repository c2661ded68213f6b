package plan

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/dataflow/internal/graph"
	"github.com/born-ml/dataflow/internal/tensor"
)

// Reuse is a slot reuse policy.
type Reuse int

const (
	// ReuseExact shares a slot only between values of the same dtype and
	// the same fully known shape.
	ReuseExact Reuse = iota
	// ReuseFirstFit shares a slot with any later value of the same dtype
	// that fits in its capacity.
	ReuseFirstFit
	// ReuseNone gives every computed value its own slot.
	ReuseNone
)

func (r Reuse) String() string {
	switch r {
	case ReuseExact:
		return "exact"
	case ReuseFirstFit:
		return "first_fit"
	case ReuseNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParseReuse parses the String form of a policy.
func ParseReuse(s string) (Reuse, error) {
	switch strings.ToLower(s) {
	case "exact", "":
		return ReuseExact, nil
	case "first_fit", "firstfit":
		return ReuseFirstFit, nil
	case "none":
		return ReuseNone, nil
	}
	return 0, errors.Errorf("unknown reuse policy %q", s)
}

// Slot is a storage buffer shared by values with disjoint lifetimes.
type Slot struct {
	ID    int
	DType tensor.DataType
	// Shape is the shape of the first occupant.
	Shape tensor.Shape
	// Bytes is the capacity, or tensor.Unknown when the first occupant's
	// shape is not fully known at plan time.
	Bytes int
	// Pinned slots hold a requested output and are handed to the caller.
	Pinned bool
	// Values are the occupants in definition order.
	Values []graph.ValueRef
}

// Interval is the inclusive range of positions (steps, or waves for a
// concurrent plan) during which a value's buffer must stay intact.
type Interval struct {
	Def     int
	LastUse int
}

// Overlaps reports whether two intervals share a position.
func (iv Interval) Overlaps(o Interval) bool {
	return iv.Def <= o.LastUse && o.Def <= iv.LastUse
}

// SlotOf returns the slot assigned to v. Leaves have no slot.
func (p *Plan) SlotOf(v graph.ValueRef) (int, bool) {
	s, ok := p.assign[v]
	return s, ok
}

// Slots returns the slot table.
func (p *Plan) Slots() []Slot { return p.slots }

// Interval returns the lifetime of a computed value.
func (p *Plan) Interval(v graph.ValueRef) (Interval, bool) {
	iv, ok := p.intervals[v]
	return iv, ok
}

// PeakBytes is the total capacity of slots with a size known at plan time.
func (p *Plan) PeakBytes() int {
	n := 0
	for _, s := range p.slots {
		if s.Bytes != tensor.Unknown {
			n += s.Bytes
		}
	}
	return n
}

// TotalBytes is the footprint of all computed values with known sizes if
// each had its own buffer.
func (p *Plan) TotalBytes() int {
	n := 0
	for _, s := range p.steps {
		for _, spec := range s.OutputSpecs {
			if b := spec.ByteSize(); b != tensor.Unknown {
				n += b
			}
		}
	}
	return n
}

func (p *Plan) position(step int) int {
	if p.concurrent {
		return p.steps[step].Wave
	}
	return step
}

type def struct {
	value graph.ValueRef
	spec  tensor.Spec
	pos   int
	step  int
	index int
}

// assignSlots runs liveness analysis and greedy first-fit assignment.
//
// Definitions are visited in position order. Before placing a value, every
// active occupant whose last use is strictly before the current position
// releases its slot to the free list, ordered by (last use, slot).
func (p *Plan) assignSlots() {
	pinned := make(map[graph.ValueRef]bool, len(p.outputs))
	for _, v := range p.outputs {
		pinned[v] = true
	}

	p.intervals = make(map[graph.ValueRef]Interval)
	var defs []def
	for i, s := range p.steps {
		pos := p.position(i)
		for j, out := range s.Outputs {
			p.intervals[out] = Interval{Def: pos, LastUse: pos}
			defs = append(defs, def{value: out, spec: s.OutputSpecs[j], pos: pos, step: i, index: j})
		}
	}
	for i, s := range p.steps {
		pos := p.position(i)
		for _, in := range s.Inputs {
			if iv, ok := p.intervals[in]; ok && pos > iv.LastUse {
				iv.LastUse = pos
				p.intervals[in] = iv
			}
		}
	}
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].pos < defs[j].pos })

	p.assign = make(map[graph.ValueRef]int, len(defs))
	var active []graph.ValueRef
	var free []int
	for _, d := range defs {
		active, free = p.release(active, free, d.pos)

		if pinned[d.value] || p.reuse == ReuseNone {
			p.newSlot(d, pinned[d.value])
			continue
		}
		if k := p.fit(free, d.spec); k >= 0 {
			id := free[k]
			free = append(free[:k], free[k+1:]...)
			p.assign[d.value] = id
			p.slots[id].Values = append(p.slots[id].Values, d.value)
		} else {
			p.newSlot(d, false)
		}
		active = append(active, d.value)
	}
}

func (p *Plan) release(active []graph.ValueRef, free []int, pos int) ([]graph.ValueRef, []int) {
	var done []graph.ValueRef
	kept := active[:0]
	for _, v := range active {
		if p.intervals[v].LastUse < pos {
			done = append(done, v)
		} else {
			kept = append(kept, v)
		}
	}
	sort.Slice(done, func(i, j int) bool {
		a, b := p.intervals[done[i]].LastUse, p.intervals[done[j]].LastUse
		if a != b {
			return a < b
		}
		return p.assign[done[i]] < p.assign[done[j]]
	})
	for _, v := range done {
		// Slots sized at run time are never shared.
		if id := p.assign[v]; p.slots[id].Bytes != tensor.Unknown {
			free = append(free, id)
		}
	}
	return kept, free
}

func (p *Plan) fit(free []int, spec tensor.Spec) int {
	size := spec.ByteSize()
	if size == tensor.Unknown {
		return -1
	}
	for k, id := range free {
		s := &p.slots[id]
		if s.DType != spec.DType {
			continue
		}
		switch p.reuse {
		case ReuseExact:
			if s.Shape.Equal(spec.Shape) {
				return k
			}
		case ReuseFirstFit:
			if s.Bytes >= size {
				return k
			}
		}
	}
	return -1
}

func (p *Plan) newSlot(d def, pinned bool) {
	id := len(p.slots)
	p.slots = append(p.slots, Slot{
		ID:     id,
		DType:  d.spec.DType,
		Shape:  d.spec.Shape.Clone(),
		Bytes:  d.spec.ByteSize(),
		Pinned: pinned,
		Values: []graph.ValueRef{d.value},
	})
	p.assign[d.value] = id
}
