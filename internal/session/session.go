// Package session ties a graph to an executor, a result cache and memoized
// plans and gradient bindings.
//
// A Session is constructed explicitly and holds no global state. It keeps
// the current parameter values so an optimizer can run gradients, update
// parameters with SetParameter and run again.
package session

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/born-ml/dataflow/internal/autodiff"
	"github.com/born-ml/dataflow/internal/cache"
	"github.com/born-ml/dataflow/internal/config"
	"github.com/born-ml/dataflow/internal/exec"
	"github.com/born-ml/dataflow/internal/graph"
	"github.com/born-ml/dataflow/internal/plan"
	"github.com/born-ml/dataflow/internal/tensor"
)

// ErrClosed is returned by sessions after Close.
var ErrClosed = errors.New("session closed")

const memoSize = 64

type gradEntry struct {
	epoch   uint64
	binding autodiff.Binding
}

// Session runs computations on one graph.
type Session struct {
	g     *graph.Graph
	cfg   config.Session
	log   logr.Logger
	exec  *exec.Executor
	cache *cache.Cache

	detach func()
	plans  *lru.Cache[string, *plan.Plan]

	mu     sync.Mutex
	grads  map[string]gradEntry
	params exec.Bindings
	closed bool
}

// New creates a session for g.
func New(g *graph.Graph, cfg config.Session, log logr.Logger) (*Session, error) {
	plans, err := lru.New[string, *plan.Plan](memoSize)
	if err != nil {
		return nil, errors.Wrap(err, "plan memo")
	}
	s := &Session{
		g:      g,
		cfg:    cfg,
		log:    log,
		plans:  plans,
		grads:  make(map[string]gradEntry),
		params: make(exec.Bindings),
		detach: func() {},
	}

	execOpts := []exec.Option{
		exec.WithWorkers(cfg.Workers),
		exec.WithParallel(cfg.Parallel),
		exec.WithLogger(log),
	}
	if cfg.CacheCapacity > 0 {
		c, err := cache.New(cfg.CacheCapacity, cache.WithLogger(log))
		if err != nil {
			return nil, err
		}
		s.cache = c
		s.detach = c.Attach(g)
		execOpts = append(execOpts, exec.WithCache(c))
	}
	s.exec = exec.New(execOpts...)

	log.V(1).Info("Created session", "graph", g.ID(), "workers", cfg.Workers,
		"concurrent", cfg.Concurrent, "reuse", cfg.Reuse, "cache", cfg.CacheCapacity)
	return s, nil
}

// Graph returns the session's graph.
func (s *Session) Graph() *graph.Graph { return s.g }

// Cache returns the result cache, or nil when caching is disabled.
func (s *Session) Cache() *cache.Cache { return s.cache }

func refsKey(groups ...[]graph.ValueRef) string {
	var sb strings.Builder
	for i, vs := range groups {
		if i > 0 {
			sb.WriteByte('|')
		}
		for j, v := range vs {
			if j > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Itoa(int(v)))
		}
	}
	return sb.String()
}

// Plan returns a plan for outputs, reusing an earlier one unless nodes
// have been removed since it was built.
func (s *Session) Plan(outputs []graph.ValueRef) (*plan.Plan, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	key := refsKey(outputs)
	if p, ok := s.plans.Get(key); ok && !p.Stale() {
		return p, nil
	}
	p, err := plan.New(s.g, outputs, plan.WithConcurrency(s.cfg.Concurrent), plan.WithReuse(s.cfg.Reuse))
	if err != nil {
		return nil, err
	}
	s.plans.Add(key, p)
	s.log.V(2).Info("Built plan", "outputs", len(outputs), "steps", len(p.Steps()),
		"waves", len(p.Waves()), "peakBytes", p.PeakBytes(), "totalBytes", p.TotalBytes())
	return p, nil
}

// Run computes outputs. Parameters not present in bindings take their
// current session values.
func (s *Session) Run(ctx context.Context, outputs []graph.ValueRef, bindings exec.Bindings) (exec.Values, error) {
	p, err := s.Plan(outputs)
	if err != nil {
		return nil, err
	}
	b, err := s.merge(bindings)
	if err != nil {
		return nil, err
	}
	return s.exec.Execute(ctx, p, b)
}

// Gradients computes the gradient of the sum of outputs with respect to
// each wrt value and returns them keyed by wrt. The gradient subgraph is
// built once per output and wrt set.
func (s *Session) Gradients(ctx context.Context, outputs, wrt []graph.ValueRef, bindings exec.Bindings) (exec.Values, error) {
	gb, err := s.Differentiate(outputs, wrt)
	if err != nil {
		return nil, err
	}
	res, err := s.Run(ctx, gb.Values(), bindings)
	if err != nil {
		return nil, err
	}
	out := make(exec.Values, len(wrt))
	for _, v := range gb.Wrt() {
		out[v] = res[gb.Accumulator(v)]
	}
	return out, nil
}

// Differentiate returns the gradient binding for outputs and wrt, building
// it on first use.
func (s *Session) Differentiate(outputs, wrt []graph.ValueRef) (autodiff.Binding, error) {
	if err := s.check(); err != nil {
		return autodiff.Binding{}, err
	}
	key := refsKey(outputs, wrt)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.grads[key]; ok && e.epoch == s.g.Epoch() {
		return e.binding, nil
	}
	gb, err := autodiff.Differentiate(s.g, outputs, wrt)
	if err != nil {
		return autodiff.Binding{}, err
	}
	s.grads[key] = gradEntry{epoch: s.g.Epoch(), binding: gb}
	s.log.V(2).Info("Built gradient graph", "outputs", len(outputs), "wrt", len(wrt), "nodes", s.g.NumNodes())
	return gb, nil
}

// InitialBindings materializes the initializer of every parameter that has
// one. Parameters without an initializer are left out.
func (s *Session) InitialBindings() (exec.Bindings, error) {
	b := make(exec.Bindings)
	for _, v := range s.g.Values(graph.Parameter) {
		init := s.g.InitializerOf(v)
		if init == nil {
			continue
		}
		t, err := init.Initialize(s.g.Spec(v))
		if err != nil {
			return nil, errors.WithMessagef(err, "initialize %q", s.g.Name(v))
		}
		b[v] = t
	}
	return b, nil
}

// SetParameter replaces the session value of parameter v.
func (s *Session) SetParameter(v graph.ValueRef, t *tensor.RawTensor) error {
	if s.g.Kind(v) != graph.Parameter {
		return errors.Wrapf(graph.ErrInvalidReference, "%s is not a parameter", v)
	}
	if t == nil {
		return errors.Wrapf(exec.ErrMissingBinding, "parameter %q: nil tensor", s.g.Name(v))
	}
	if !s.g.Spec(v).Accepts(t.Spec()) {
		return errors.Wrapf(exec.ErrShapeMismatch, "parameter %q is declared %s, got %s", s.g.Name(v), s.g.Spec(v), t.Spec())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params[v] = t
	return nil
}

// Parameter returns the session value of parameter v, initializing all
// parameters on first use.
func (s *Session) Parameter(v graph.ValueRef) (*tensor.RawTensor, error) {
	if err := s.initParams(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.params[v]
	if !ok {
		return nil, errors.Wrapf(exec.ErrMissingBinding, "parameter %q", s.g.Name(v))
	}
	return t, nil
}

func (s *Session) initParams() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var missing bool
	for _, v := range s.g.Values(graph.Parameter) {
		if _, ok := s.params[v]; !ok && s.g.InitializerOf(v) != nil {
			missing = true
			break
		}
	}
	if !missing {
		return nil
	}
	init, err := s.InitialBindings()
	if err != nil {
		return err
	}
	for v, t := range init {
		if _, ok := s.params[v]; !ok {
			s.params[v] = t
		}
	}
	return nil
}

func (s *Session) merge(bindings exec.Bindings) (exec.Bindings, error) {
	if err := s.initParams(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := make(exec.Bindings, len(bindings)+len(s.params))
	for v, t := range s.params {
		b[v] = t
	}
	for v, t := range bindings {
		b[v] = t
	}
	return b, nil
}

func (s *Session) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Stats reports cache activity. It is zero when caching is disabled.
func (s *Session) Stats() cache.Stats {
	if s.cache == nil {
		return cache.Stats{}
	}
	return s.cache.Stats()
}

// Close releases the cache and pooled memory. The graph is left intact.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.detach()
	if s.cache != nil {
		s.cache.Purge()
	}
	s.plans.Purge()
	s.exec.Close()
	s.log.V(1).Info("Closed session", "graph", s.g.ID())
	return nil
}
