// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package session runs graphs.
//
// A Session owns an executor, an optional result cache and memoized plans
// and gradient graphs for one graph. Sessions are created explicitly; there
// is no global state.
//
// Example:
//
//	cfg, _ := session.LoadConfig(ctx, "model.hcl")
//	g := graph.New()
//	m, _ := cfg.Graph.Build(g, ops.NewRegistry(cfg.Session.Broadcast))
//	s, _ := session.New(g, cfg.Session, klog.Background())
//	defer s.Close()
//	out, _ := s.Run(ctx, m.Outputs, session.Bindings{x: input})
package session

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/born-ml/dataflow/internal/config"
	"github.com/born-ml/dataflow/internal/exec"
	"github.com/born-ml/dataflow/internal/graph"
	"github.com/born-ml/dataflow/internal/session"
)

// Session runs computations on one graph.
type Session = session.Session

// Config is a decoded configuration file.
type Config = config.Config

// Settings configures a session.
type Settings = config.Session

// Model is a graph built from a configuration file.
type Model = config.Model

// Bindings map leaves to their values for one execution.
type Bindings = exec.Bindings

// Values map requested values to results.
type Values = exec.Values

// Errors.
var (
	ErrClosed                 = session.ErrClosed
	ErrInvalidConfig          = config.ErrInvalidConfig
	ErrMissingBinding         = exec.ErrMissingBinding
	ErrShapeMismatch          = exec.ErrShapeMismatch
	ErrShapeContractViolation = exec.ErrShapeContractViolation
	ErrStalePlan              = exec.ErrStalePlan
)

// New creates a session for g.
func New(g *graph.Graph, cfg Settings, log logr.Logger) (*Session, error) {
	return session.New(g, cfg, log)
}

// DefaultConfig returns the settings used when a file omits them.
func DefaultConfig() Config { return config.DefaultConfig() }

// LoadConfig reads an HCL configuration file.
func LoadConfig(ctx context.Context, path string) (*Config, error) {
	return config.Load(ctx, path)
}

// ParseConfig decodes HCL source.
func ParseConfig(src []byte, filename string) (*Config, error) {
	return config.Parse(src, filename)
}
