// Package config loads session settings and graph descriptions from HCL.
//
// A file may hold a session block and any number of input, parameter,
// constant and op blocks:
//
//	session {
//	  workers    = num_cpu
//	  concurrent = true
//	  reuse      = "first_fit"
//	  cache {
//	    capacity = 256
//	  }
//	}
//
//	input "x" {
//	  shape = [unknown, 8]
//	}
//	parameter "w" {
//	  shape = [8, 2]
//	  init  = "xavier"
//	}
//	op "y" {
//	  kind   = "MatMul"
//	  inputs = ["x", "w"]
//	}
//	outputs = ["y"]
//
// Expressions can use the variables num_cpu and unknown and the functions
// min and max.
package config

import (
	"context"
	"os"
	"runtime"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	"k8s.io/klog/v2"

	"github.com/born-ml/dataflow/internal/parallel"
	"github.com/born-ml/dataflow/internal/plan"
	"github.com/born-ml/dataflow/internal/tensor"
)

// ErrInvalidConfig is returned for files that do not parse or decode.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is a decoded file.
type Config struct {
	Session Session
	// Graph is nil when the file declares no graph blocks.
	Graph *GraphSpec
}

// Session configures a session.
type Session struct {
	// Workers bounds how many independent steps run at once.
	Workers int
	// Concurrent builds plans with waves.
	Concurrent bool
	Reuse      plan.Reuse
	// Broadcast is the rule for elementwise operators built from graph
	// files.
	Broadcast tensor.BroadcastRule
	// CacheCapacity is the result cache size in entries. Zero disables
	// caching.
	CacheCapacity int
	// Parallel configures intra-operator parallelism.
	Parallel parallel.Config
}

// DefaultConfig returns the settings used when a file omits them.
func DefaultConfig() Config {
	return Config{Session: Session{
		Workers:       runtime.NumCPU(),
		Concurrent:    true,
		Reuse:         plan.ReuseExact,
		Broadcast:     tensor.BroadcastTrailing,
		CacheCapacity: 128,
		Parallel:      parallel.DefaultConfig(),
	}}
}

type fileRoot struct {
	Session    *sessionBlock     `hcl:"session,block"`
	Inputs     []*leafBlock      `hcl:"input,block"`
	Parameters []*parameterBlock `hcl:"parameter,block"`
	Constants  []*constantBlock  `hcl:"constant,block"`
	Ops        []*opBlock        `hcl:"op,block"`
	Outputs    []string          `hcl:"outputs,optional"`
	Wrt        []string          `hcl:"wrt,optional"`
}

type sessionBlock struct {
	Workers       *int        `hcl:"workers,optional"`
	KernelWorkers *int        `hcl:"kernel_workers,optional"`
	Concurrent    *bool       `hcl:"concurrent,optional"`
	Reuse         *string     `hcl:"reuse,optional"`
	Broadcast     *string     `hcl:"broadcast,optional"`
	Cache         *cacheBlock `hcl:"cache,block"`
}

type cacheBlock struct {
	Capacity int `hcl:"capacity"`
}

// EvalContext returns the variables and functions available to
// expressions.
func EvalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"num_cpu": cty.NumberIntVal(int64(runtime.NumCPU())),
			"unknown": cty.NumberIntVal(tensor.Unknown),
		},
		Functions: map[string]function.Function{
			"min": stdlib.MinFunc,
			"max": stdlib.MaxFunc,
		},
	}
}

// Load reads and decodes the file at path.
func Load(ctx context.Context, path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg, err := Parse(src, path)
	if err != nil {
		return nil, err
	}
	logger := klog.FromContext(ctx)
	logger.V(2).Info("Loaded config", "path", path, "workers", cfg.Session.Workers,
		"reuse", cfg.Session.Reuse, "cache", cfg.Session.CacheCapacity, "graph", cfg.Graph != nil)
	return cfg, nil
}

// Parse decodes HCL source. filename is used in diagnostics.
func Parse(src []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errors.Wrapf(ErrInvalidConfig, "parse %s: %s", filename, diags.Error())
	}

	ectx := EvalContext()
	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, ectx, &root); diags.HasErrors() {
		return nil, errors.Wrapf(ErrInvalidConfig, "decode %s: %s", filename, diags.Error())
	}

	cfg := DefaultConfig()
	if err := root.Session.apply(&cfg.Session); err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "%s: session: %v", filename, err)
	}
	gs, err := root.graph(ectx)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "%s: %v", filename, err)
	}
	cfg.Graph = gs
	return &cfg, nil
}

func (b *sessionBlock) apply(s *Session) error {
	if b == nil {
		return nil
	}
	if b.Workers != nil {
		if *b.Workers < 1 {
			return errors.Errorf("workers must be positive, got %d", *b.Workers)
		}
		s.Workers = *b.Workers
	}
	if b.KernelWorkers != nil {
		s.Parallel = s.Parallel.WithWorkers(*b.KernelWorkers)
	}
	if b.Concurrent != nil {
		s.Concurrent = *b.Concurrent
	}
	if b.Reuse != nil {
		r, err := plan.ParseReuse(*b.Reuse)
		if err != nil {
			return err
		}
		s.Reuse = r
	}
	if b.Broadcast != nil {
		r, err := tensor.ParseBroadcastRule(*b.Broadcast)
		if err != nil {
			return err
		}
		s.Broadcast = r
	}
	if b.Cache != nil {
		if b.Cache.Capacity < 0 {
			return errors.Errorf("cache capacity must not be negative, got %d", b.Cache.Capacity)
		}
		s.CacheCapacity = b.Cache.Capacity
	}
	return nil
}
