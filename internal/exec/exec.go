// Package exec runs execution plans on the CPU.
//
// An Executor validates bindings, evaluates steps in plan order (or wave by
// wave on a bounded worker pool), checks every result against the shapes
// declared in the graph and backs intermediate values with the plan's
// storage slots. With a result cache attached, steps whose outputs are
// cached are skipped together with everything only they needed.
package exec

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/born-ml/dataflow/internal/cache"
	"github.com/born-ml/dataflow/internal/graph"
	"github.com/born-ml/dataflow/internal/parallel"
	"github.com/born-ml/dataflow/internal/plan"
	"github.com/born-ml/dataflow/internal/tensor"
)

var (
	// ErrMissingBinding is returned when an input or parameter the plan
	// reads has no bound tensor.
	ErrMissingBinding = errors.New("missing binding")

	// ErrShapeContractViolation is returned when a computed value does not
	// satisfy the spec declared for it in the graph.
	ErrShapeContractViolation = errors.New("shape contract violation")

	// ErrStalePlan is returned for plans built before nodes were removed
	// from their graph.
	ErrStalePlan = errors.New("plan is stale")

	// ErrShapeMismatch is returned for bindings whose spec the leaf does
	// not accept.
	ErrShapeMismatch = tensor.ErrShapeMismatch
)

// Values maps graph values to tensors.
type Values map[graph.ValueRef]*tensor.RawTensor

// Bindings supply the inputs and parameters of a run.
type Bindings = Values

// Option configures New.
type Option func(*Executor)

// WithWorkers bounds how many steps of one wave run at once. n <= 1 runs
// every plan sequentially.
func WithWorkers(n int) Option {
	return func(e *Executor) { e.workers = n }
}

// WithParallel sets the intra-operator parallelism handed to kernels.
func WithParallel(cfg parallel.Config) Option {
	return func(e *Executor) { e.cc = &graph.ComputeContext{Parallel: cfg} }
}

// WithCache memoizes step results in c.
func WithCache(c *cache.Cache) Option {
	return func(e *Executor) { e.cache = c }
}

// WithLogger overrides the logger taken from the context.
func WithLogger(l logr.Logger) Option {
	return func(e *Executor) { e.log = &l }
}

// Executor runs plans. It is safe for concurrent use; each Execute call
// has its own value storage.
type Executor struct {
	workers int
	cc      *graph.ComputeContext
	cache   *cache.Cache
	pool    *bufferPool
	log     *logr.Logger
}

// New creates an executor. By default it uses one worker per CPU.
func New(opts ...Option) *Executor {
	e := &Executor{
		workers: runtime.NumCPU(),
		cc:      graph.DefaultComputeContext(),
		pool:    newBufferPool(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cache returns the attached result cache, or nil.
func (e *Executor) Cache() *cache.Cache { return e.cache }

// PoolStats reports slot buffer reuse.
func (e *Executor) PoolStats() PoolStats { return e.pool.snapshot() }

// Close releases pooled slot memory.
func (e *Executor) Close() { e.pool.clear() }

// Execute runs p and returns its requested outputs. Returned tensors are
// owned by the caller.
//
// A context that is already done aborts before any step runs; an
// executing plan is not interrupted.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan, bindings Bindings) (Values, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Stale() {
		return nil, errors.Wrapf(ErrStalePlan, "built at epoch %d", p.Epoch())
	}

	log := klog.FromContext(ctx)
	if e.log != nil {
		log = *e.log
	}

	r := &run{
		e:     e,
		p:     p,
		steps: p.Steps(),
		log:   log,
		vals:  make(Values),
		bufs:  make([][]byte, len(p.Slots())),
	}
	defer r.releaseSlots()

	if err := r.bind(bindings); err != nil {
		return nil, err
	}
	r.prepare()

	start := time.Now()
	var err error
	if p.Concurrent() && e.workers > 1 {
		err = r.runWaves(ctx)
	} else {
		err = r.runSequential()
	}
	if err != nil {
		return nil, err
	}

	out := make(Values, len(p.Outputs()))
	for _, v := range p.Outputs() {
		out[v] = r.result(v)
	}
	log.V(2).Info("Executed plan", "graph", p.GraphID(), "steps", len(r.steps),
		"skipped", r.skipped, "cached", r.hits, "duration", time.Since(start))
	return out, nil
}

type run struct {
	e     *Executor
	p     *plan.Plan
	steps []plan.Step
	log   logr.Logger

	mu   sync.Mutex
	vals Values

	// bufs backs the non-pinned slots. Two steps of one wave never share
	// a slot, so entries are written without locking.
	bufs [][]byte

	keys    []cache.Key
	cached  []*tensor.RawTensor
	skip    []bool
	fresh   map[graph.ValueRef]bool
	skipped int
	hits    int
}

func (r *run) bind(bindings Bindings) error {
	for _, l := range r.p.Leaves() {
		if l.Constant != nil {
			r.vals[l.Value] = l.Constant
			continue
		}
		t := bindings[l.Value]
		if t == nil {
			return errors.Wrapf(ErrMissingBinding, "%s %q", l.Kind, l.Name)
		}
		if !l.Spec.Accepts(t.Spec()) {
			return errors.Wrapf(ErrShapeMismatch, "%s %q is declared %s, bound %s", l.Kind, l.Name, l.Spec, t.Spec())
		}
		r.vals[l.Value] = t
	}
	return nil
}

// prepare derives cache keys and walks the plan backwards from the
// requested outputs, marking steps whose outputs are cached or unused.
func (r *run) prepare() {
	r.skip = make([]bool, len(r.steps))
	r.fresh = make(map[graph.ValueRef]bool)
	c := r.e.cache
	if c == nil {
		return
	}

	r.keys = make([]cache.Key, len(r.steps))
	r.cached = make([]*tensor.RawTensor, len(r.steps))
	for i, s := range r.steps {
		if cacheable(s) {
			kb := cache.NewKeyBuilder().Structure(s.Hashes[0])
			for _, l := range s.Leaves {
				kb.Leaf(l, r.vals[l])
			}
			r.keys[i] = kb.Key()
		}
	}

	needed := make(map[graph.ValueRef]bool)
	for _, v := range r.p.Outputs() {
		needed[v] = true
	}
	for i := len(r.steps) - 1; i >= 0; i-- {
		s := r.steps[i]
		if !anyOf(s.Outputs, needed) {
			r.skip[i] = true
			r.skipped++
			continue
		}
		if r.keys[i] != "" {
			if t, ok := c.Peek(r.keys[i]); ok {
				r.cached[i] = t
				continue
			}
		}
		for _, in := range s.Inputs {
			needed[in] = true
		}
	}
}

func cacheable(s plan.Step) bool {
	if len(s.Outputs) != 1 {
		return false
	}
	if v, ok := s.Operator.(graph.Volatile); ok && v.Volatile() {
		return false
	}
	return true
}

func anyOf(vs []graph.ValueRef, set map[graph.ValueRef]bool) bool {
	for _, v := range vs {
		if set[v] {
			return true
		}
	}
	return false
}

// runSequential runs one step at a time. Slots of a concurrent plan are
// shared by wave, so its steps must run wave by wave.
func (r *run) runSequential() error {
	if r.p.Concurrent() {
		for _, wave := range r.p.Waves() {
			for _, i := range wave {
				if err := r.step(i); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for i := range r.steps {
		if err := r.step(i); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) runWaves(ctx context.Context) error {
	for _, wave := range r.p.Waves() {
		eg, _ := errgroup.WithContext(ctx)
		eg.SetLimit(r.e.workers)
		for _, i := range wave {
			i := i
			eg.Go(func() error { return r.step(i) })
		}
		if err := eg.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) step(i int) error {
	if r.skip[i] {
		return nil
	}
	s := &r.steps[i]
	start := time.Now()
	defer func() {
		r.log.V(4).Info("Ran step", "step", s.Name, "op", s.Operator.Type(), "wave", s.Wave,
			"cached", r.cached != nil && r.cached[i] != nil, "duration", time.Since(start))
	}()

	if r.cached != nil && r.cached[i] != nil {
		held := r.cached[i]
		t, err := r.e.cache.GetOrCompute(r.keys[i], r.deps(s), func() (*tensor.RawTensor, error) {
			return held, nil
		})
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.vals[s.Outputs[0]] = t
		r.hits++
		r.mu.Unlock()
		return nil
	}

	inputs := make([]*tensor.RawTensor, len(s.Inputs))
	r.mu.Lock()
	for j, in := range s.Inputs {
		inputs[j] = r.vals[in]
	}
	r.mu.Unlock()

	specs, err := r.check(s, inputs)
	if err != nil {
		return err
	}
	outputs := make([]*tensor.RawTensor, len(specs))
	for j, spec := range specs {
		if outputs[j], err = r.storage(s.Outputs[j], spec); err != nil {
			return errors.WithMessagef(err, "step %q", s.Name)
		}
	}

	if r.keys != nil && r.keys[i] != "" {
		ran := false
		t, err := r.e.cache.GetOrCompute(r.keys[i], r.deps(s), func() (*tensor.RawTensor, error) {
			ran = true
			if err := r.compute(s, inputs, outputs); err != nil {
				return nil, err
			}
			return outputs[0].Clone(), nil
		})
		if err != nil {
			return err
		}
		if !ran {
			if err := outputs[0].CopyFrom(t); err != nil {
				return errors.Wrapf(ErrShapeContractViolation, "step %q: cached %s", s.Name, t.Spec())
			}
		}
	} else if err := r.compute(s, inputs, outputs); err != nil {
		return err
	}

	r.mu.Lock()
	for j, out := range s.Outputs {
		r.vals[out] = outputs[j]
		r.fresh[out] = true
	}
	r.mu.Unlock()
	return nil
}

// check infers concrete output specs from the actual inputs and verifies
// them against the declared ones.
func (r *run) check(s *plan.Step, inputs []*tensor.RawTensor) ([]tensor.Spec, error) {
	in := make([]tensor.Spec, len(inputs))
	for j, t := range inputs {
		in[j] = t.Spec()
	}
	out, err := s.Operator.InferShapes(in)
	if err != nil {
		return nil, errors.Wrapf(ErrShapeContractViolation, "step %q: %v", s.Name, err)
	}
	if len(out) != len(s.OutputSpecs) {
		return nil, errors.Wrapf(ErrShapeContractViolation, "step %q: %d outputs, %d declared", s.Name, len(out), len(s.OutputSpecs))
	}
	for j, spec := range out {
		if !spec.IsKnown() || !s.OutputSpecs[j].Accepts(spec) {
			return nil, errors.Wrapf(ErrShapeContractViolation, "step %q output %d: declared %s, got %s",
				s.Name, j, s.OutputSpecs[j], spec)
		}
	}
	return out, nil
}

func (r *run) compute(s *plan.Step, inputs, outputs []*tensor.RawTensor) error {
	if ip, ok := s.Operator.(graph.InPlace); ok {
		return errors.WithMessagef(ip.ComputeInto(r.e.cc, inputs, outputs), "step %q", s.Name)
	}
	res, err := s.Operator.Compute(r.e.cc, inputs)
	if err != nil {
		return errors.WithMessagef(err, "step %q", s.Name)
	}
	if len(res) != len(outputs) {
		return errors.Wrapf(ErrShapeContractViolation, "step %q returned %d outputs, want %d", s.Name, len(res), len(outputs))
	}
	for j, t := range res {
		if err := outputs[j].CopyFrom(t); err != nil {
			return errors.Wrapf(ErrShapeContractViolation, "step %q output %d: computed %s, inferred %s",
				s.Name, j, t.Spec(), outputs[j].Spec())
		}
	}
	return nil
}

// storage returns zeroed memory for v. Pinned values get their own
// allocation since they are handed to the caller.
func (r *run) storage(v graph.ValueRef, spec tensor.Spec) (*tensor.RawTensor, error) {
	slot, ok := r.p.SlotOf(v)
	if !ok || r.p.Slots()[slot].Pinned {
		return tensor.NewRaw(spec.Shape, spec.DType)
	}
	need := spec.ByteSize()
	buf := r.bufs[slot]
	if cap(buf) < need {
		r.e.pool.release(buf)
		buf = r.e.pool.acquire(need)
		r.bufs[slot] = buf
	}
	t, err := tensor.NewRawView(buf[:cap(buf)], spec.Shape, spec.DType)
	if err != nil {
		return nil, err
	}
	t.Zero()
	return t, nil
}

func (r *run) deps(s *plan.Step) []cache.Dep {
	id := r.p.GraphID()
	deps := make([]cache.Dep, 0, 1+len(s.Outputs)+len(s.Leaves))
	deps = append(deps, cache.Dep{Graph: id, Node: s.Op.ID()})
	for _, v := range s.Outputs {
		deps = append(deps, cache.Dep{Graph: id, Node: v.ID()})
	}
	for _, v := range s.Leaves {
		deps = append(deps, cache.Dep{Graph: id, Node: v.ID()})
	}
	return deps
}

// result hands v to the caller. Freshly computed pinned values are already
// private; bindings, constants and cache entries are shared and copied.
func (r *run) result(v graph.ValueRef) *tensor.RawTensor {
	t := r.vals[v]
	if slot, ok := r.p.SlotOf(v); ok && r.fresh[v] && r.p.Slots()[slot].Pinned {
		return t
	}
	return t.Clone()
}

func (r *run) releaseSlots() {
	for i, buf := range r.bufs {
		r.e.pool.release(buf)
		r.bufs[i] = nil
	}
}
