// Package plan compiles a requested output set into an immutable execution
// plan: a deterministic topological order of the needed operations,
// concurrency waves, value lifetimes and a storage slot assignment that
// reuses buffers once their last reader has run.
package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/born-ml/dataflow/internal/graph"
	"github.com/born-ml/dataflow/internal/tensor"
)

// ErrUnreachableOutput is returned when a requested output cannot be
// computed from bindable leaves: it is detached, or its cone contains an
// unproduced placeholder.
var ErrUnreachableOutput = errors.New("unreachable output")

// Option configures New.
type Option func(*config)

type config struct {
	concurrent bool
	reuse      Reuse
}

// WithConcurrency builds a plan whose independent steps may run at the same
// time. Liveness is then measured in waves rather than steps.
func WithConcurrency(enabled bool) Option {
	return func(c *config) { c.concurrent = enabled }
}

// WithReuse selects the slot reuse policy. The default is ReuseExact.
func WithReuse(r Reuse) Option {
	return func(c *config) { c.reuse = r }
}

// Step is one operation execution. It snapshots everything the executor
// needs so the graph is never read while a plan runs.
type Step struct {
	Op       graph.OpRef
	Name     string
	Operator graph.Operator

	Inputs      []graph.ValueRef
	Outputs     []graph.ValueRef
	InputSpecs  []tensor.Spec
	OutputSpecs []tensor.Spec

	// Wave is the 0-based dependency depth: every producer of an input
	// runs in an earlier wave.
	Wave int
	// Leaves are the bindable leaves the outputs depend on, ascending.
	Leaves []graph.ValueRef
	// Hashes are the structural hashes of Outputs.
	Hashes []uint64
}

// Leaf is a value the plan reads without computing it.
type Leaf struct {
	Value graph.ValueRef
	Name  string
	Kind  graph.ValueKind
	Spec  tensor.Spec
	// Constant holds the value of Constant leaves.
	Constant *tensor.RawTensor
}

// Plan is an immutable schedule for one output set.
type Plan struct {
	g       *graph.Graph
	graphID uuid.UUID
	epoch   uint64

	outputs    []graph.ValueRef
	steps      []Step
	waves      [][]int
	leaves     []Leaf
	concurrent bool
	reuse      Reuse

	slots     []Slot
	assign    map[graph.ValueRef]int
	intervals map[graph.ValueRef]Interval
	producer  map[graph.ValueRef]int
}

// New plans the computation of outputs in g.
func New(g *graph.Graph, outputs []graph.ValueRef, opts ...Option) (*Plan, error) {
	cfg := config{reuse: ReuseExact}
	for _, opt := range opts {
		opt(&cfg)
	}

	for _, v := range outputs {
		if g.IsDetached(v.ID()) {
			return nil, errors.Wrapf(ErrUnreachableOutput, "%s is detached", v)
		}
		if err := g.Validate(v); err != nil {
			return nil, err
		}
	}

	cone, err := g.Cone(outputs...)
	if err != nil {
		return nil, err
	}

	p := &Plan{
		g:          g,
		graphID:    g.ID(),
		epoch:      g.Epoch(),
		outputs:    append([]graph.ValueRef(nil), outputs...),
		concurrent: cfg.concurrent,
		reuse:      cfg.reuse,
		producer:   make(map[graph.ValueRef]int),
	}

	if err := p.collectLeaves(cone.Leaves); err != nil {
		return nil, err
	}
	if err := p.buildSteps(cone.Ops); err != nil {
		return nil, err
	}
	p.assignSlots()
	return p, nil
}

func (p *Plan) collectLeaves(leaves []graph.ValueRef) error {
	p.leaves = make([]Leaf, 0, len(leaves))
	for _, v := range leaves {
		kind := p.g.Kind(v)
		if !kind.IsBindable() && kind != graph.Constant {
			return errors.Wrapf(ErrUnreachableOutput, "depends on %s %q, which has no producer", kind, p.g.Name(v))
		}
		p.leaves = append(p.leaves, Leaf{
			Value:    v,
			Name:     p.g.Name(v),
			Kind:     kind,
			Spec:     p.g.Spec(v),
			Constant: p.g.ConstantValue(v),
		})
	}
	return nil
}

func (p *Plan) buildSteps(ops []graph.OpRef) error {
	var produced []graph.ValueRef
	for _, o := range ops {
		produced = append(produced, p.g.Outputs(o)...)
	}
	hashes, err := p.g.StructuralHashes(produced...)
	if err != nil {
		return err
	}

	leafSets := make(map[graph.ValueRef][]graph.ValueRef)
	for _, l := range p.leaves {
		if l.Kind != graph.Constant {
			leafSets[l.Value] = []graph.ValueRef{l.Value}
		}
	}

	p.steps = make([]Step, len(ops))
	for i, o := range ops {
		s := Step{
			Op:       o,
			Name:     p.g.OpName(o),
			Operator: p.g.Operator(o),
			Inputs:   p.g.Inputs(o),
			Outputs:  p.g.Outputs(o),
		}
		var deps [][]graph.ValueRef
		for _, in := range s.Inputs {
			s.InputSpecs = append(s.InputSpecs, p.g.Spec(in))
			if j, ok := p.producer[in]; ok && p.steps[j].Wave+1 > s.Wave {
				s.Wave = p.steps[j].Wave + 1
			}
			deps = append(deps, leafSets[in])
		}
		s.Leaves = mergeLeaves(deps)
		for _, out := range s.Outputs {
			s.OutputSpecs = append(s.OutputSpecs, p.g.Spec(out))
			s.Hashes = append(s.Hashes, hashes[out])
			p.producer[out] = i
			leafSets[out] = s.Leaves
		}
		p.steps[i] = s

		for len(p.waves) <= s.Wave {
			p.waves = append(p.waves, nil)
		}
		p.waves[s.Wave] = append(p.waves[s.Wave], i)
	}
	return nil
}

func mergeLeaves(sets [][]graph.ValueRef) []graph.ValueRef {
	seen := make(map[graph.ValueRef]bool)
	var out []graph.ValueRef
	for _, s := range sets {
		for _, v := range s {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GraphID identifies the graph the plan was built from.
func (p *Plan) GraphID() uuid.UUID { return p.graphID }

// Epoch is the graph's structural epoch when the plan was built.
func (p *Plan) Epoch() uint64 { return p.epoch }

// Stale reports whether nodes have been removed or the graph compacted
// since the plan was built.
func (p *Plan) Stale() bool { return p.g.Epoch() != p.epoch }

// Outputs returns the requested values in request order.
func (p *Plan) Outputs() []graph.ValueRef { return append([]graph.ValueRef(nil), p.outputs...) }

// Steps returns the steps in execution order.
func (p *Plan) Steps() []Step { return p.steps }

// Waves groups step indices by Wave. Steps of one wave are independent.
func (p *Plan) Waves() [][]int { return p.waves }

// Leaves returns the values the plan reads from bindings or constants.
func (p *Plan) Leaves() []Leaf { return p.leaves }

// Concurrent reports whether the plan was built for concurrent execution.
func (p *Plan) Concurrent() bool { return p.concurrent }

// ProducerStep returns the index of the step computing v.
func (p *Plan) ProducerStep(v graph.ValueRef) (int, bool) {
	i, ok := p.producer[v]
	return i, ok
}

// String renders the schedule, one step per line.
func (p *Plan) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "plan: %d steps, %d waves, %d slots, peak %d of %d bytes\n",
		len(p.steps), len(p.waves), len(p.slots), p.PeakBytes(), p.TotalBytes())
	for i, s := range p.steps {
		fmt.Fprintf(&sb, "%3d w%-2d %-10s %s(", i, s.Wave, s.Operator.Type(), s.Name)
		for j, in := range s.Inputs {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(in.String())
		}
		sb.WriteString(") ->")
		for _, out := range s.Outputs {
			fmt.Fprintf(&sb, " %s@s%d", out, p.assign[out])
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
