// Package main provides the dataflow CLI.
//
// It loads an HCL graph description, runs the declared outputs with every
// input filled with a constant and prints the results:
//
//	dataflow -config model.hcl -batch 4 -grad -dot model.dot
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/dataflow/internal/config"
	"github.com/born-ml/dataflow/internal/exec"
	"github.com/born-ml/dataflow/internal/graph"
	"github.com/born-ml/dataflow/internal/ops"
	"github.com/born-ml/dataflow/internal/session"
	"github.com/born-ml/dataflow/internal/tensor"
)

const version = "v0.1.0-dev"

type options struct {
	config string
	dot    string
	grad   bool
	batch  int
	fill   float64
}

func main() {
	klog.InitFlags(nil)
	var opts options
	flag.StringVar(&opts.config, "config", "", "graph description file (HCL)")
	flag.StringVar(&opts.dot, "dot", "", "write the graph in Graphviz format to this file")
	flag.BoolVar(&opts.grad, "grad", false, "also compute gradients of the outputs with respect to wrt")
	flag.IntVar(&opts.batch, "batch", 1, "extent used for unknown input axes")
	flag.Float64Var(&opts.fill, "fill", 1, "value every input element is set to")
	flag.Parse()
	defer klog.Flush()

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Printf("dataflow %s\n", version)
		return
	}
	if opts.config == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx := klog.NewContext(context.Background(), klog.Background())
	if err := run(ctx, opts, os.Stdout); err != nil {
		klog.ErrorS(err, "Run failed", "config", opts.config)
		klog.Flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, w io.Writer) error {
	logger := klog.FromContext(ctx)
	if opts.batch < 1 {
		return errors.Errorf("batch must be positive, got %d", opts.batch)
	}
	cfg, err := config.Load(ctx, opts.config)
	if err != nil {
		return err
	}
	if cfg.Graph == nil {
		return errors.Errorf("%s declares no graph", opts.config)
	}

	g := graph.New()
	m, err := cfg.Graph.Build(g, ops.NewRegistry(cfg.Session.Broadcast))
	if err != nil {
		return err
	}
	s, err := session.New(g, cfg.Session, logger)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	bindings, err := fillInputs(g, opts.batch, opts.fill)
	if err != nil {
		return err
	}

	res, err := s.Run(ctx, m.Outputs, bindings)
	if err != nil {
		return err
	}
	for _, v := range m.Outputs {
		printValue(w, g.Name(v), res[v])
	}

	if opts.grad && len(m.Wrt) > 0 {
		grads, err := s.Gradients(ctx, m.Outputs, m.Wrt, bindings)
		if err != nil {
			return err
		}
		for _, v := range m.Wrt {
			printValue(w, "grad("+g.Name(v)+")", grads[v])
		}
	}

	st := s.Stats()
	logger.V(1).Info("Done", "nodes", g.NumNodes(), "cacheHits", st.Hits, "cacheMisses", st.Misses)

	if opts.dot != "" {
		return writeDOT(g, m.Outputs, opts.dot)
	}
	return nil
}

// fillInputs binds every input, setting unknown axes to batch.
func fillInputs(g *graph.Graph, batch int, value float64) (exec.Bindings, error) {
	b := make(exec.Bindings)
	for _, v := range g.Values(graph.Input) {
		spec := g.Spec(v)
		shape := slices.Clone(spec.Shape)
		for i, d := range shape {
			if d == tensor.Unknown {
				shape[i] = batch
			}
		}
		t, err := tensor.Full(shape, spec.DType, value)
		if err != nil {
			return nil, errors.WithMessagef(err, "input %q", g.Name(v))
		}
		b[v] = t
	}
	return b, nil
}

func printValue(w io.Writer, name string, t *tensor.RawTensor) {
	vals := tensor.Float64s(t)
	parts := make([]string, len(vals))
	for i, x := range vals {
		parts[i] = fmt.Sprintf("%.6g", x)
	}
	fmt.Fprintf(w, "%s %s = [%s]\n", name, t.Spec(), strings.Join(parts, " "))
}

func writeDOT(g *graph.Graph, outputs []graph.ValueRef, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create dot file")
	}
	if err := g.WriteDOT(f, graph.DOTOptions{Outputs: outputs}); err != nil {
		f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "close dot file")
}
