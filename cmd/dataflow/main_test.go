package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const affine = `
session {
  workers = 2
}

input "x" {
  shape = [unknown, 2]
}

parameter "w" {
  shape = [2, 2]
  init  = "fill"
  value = 1
}

op "y" {
  kind   = "MatMul"
  inputs = ["x", "w"]
}

outputs = ["y"]
wrt     = ["w"]
`

func TestRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "affine.hcl")
	require.NoError(t, os.WriteFile(path, []byte(affine), 0o600))
	dot := filepath.Join(dir, "affine.dot")

	var out bytes.Buffer
	err := run(context.Background(), options{config: path, dot: dot, grad: true, batch: 3, fill: 2}, &out)
	require.NoError(t, err)

	assert.Equal(t,
		"y float32[3,2] = [4 4 4 4 4 4]\n"+
			"grad(w) float32[2,2] = [6 6 6 6]\n",
		out.String())

	src, err := os.ReadFile(dot)
	require.NoError(t, err)
	assert.Contains(t, string(src), "digraph")
}

func TestRunRejectsEmptyGraph(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.hcl")
	require.NoError(t, os.WriteFile(path, []byte("session {}\n"), 0o600))
	err := run(context.Background(), options{config: path, batch: 1}, &bytes.Buffer{})
	assert.Error(t, err)
}
