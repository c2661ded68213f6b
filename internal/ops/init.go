package ops

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/born-ml/dataflow/internal/tensor"
)

// Fill initializes every element to Value.
type Fill struct {
	Value float64
}

// Initialize implements graph.Initializer.
func (f Fill) Initialize(spec tensor.Spec) (*tensor.RawTensor, error) {
	return tensor.Full(spec.Shape, spec.DType, f.Value)
}

// Uniform draws from U(Low, High).
type Uniform struct {
	Low, High float64
	Seed      int64
}

// Initialize implements graph.Initializer.
func (u Uniform) Initialize(spec tensor.Spec) (*tensor.RawTensor, error) {
	rng := rand.New(rand.NewSource(u.Seed)) //nolint:gosec // weight init is not security-critical
	return sample(spec, func() float64 { return u.Low + rng.Float64()*(u.High-u.Low) })
}

// Normal draws from N(Mean, Std²).
type Normal struct {
	Mean, Std float64
	Seed      int64
}

// Initialize implements graph.Initializer.
func (n Normal) Initialize(spec tensor.Spec) (*tensor.RawTensor, error) {
	rng := rand.New(rand.NewSource(n.Seed)) //nolint:gosec // weight init is not security-critical
	return sample(spec, func() float64 { return n.Mean + rng.NormFloat64()*n.Std })
}

// Xavier (Glorot) uniform initialization:
//
//	U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
//
// For a 2D [fan_in, fan_out] weight the fans are its extents. Higher ranks
// treat the leading axes as fan_in and the last axis as fan_out.
type Xavier struct {
	Seed int64
}

// Initialize implements graph.Initializer.
func (x Xavier) Initialize(spec tensor.Spec) (*tensor.RawTensor, error) {
	if len(spec.Shape) < 2 {
		return nil, errors.Errorf("xavier: rank %d weight, need at least 2", len(spec.Shape))
	}
	fanOut := spec.Shape[len(spec.Shape)-1]
	fanIn := spec.Shape.NumElements() / fanOut
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	return Uniform{Low: -bound, High: bound, Seed: x.Seed}.Initialize(spec)
}

func sample(spec tensor.Spec, next func() float64) (*tensor.RawTensor, error) {
	if !spec.DType.IsFloat() {
		return nil, errors.Errorf("random init: float dtype required, got %s", spec.DType)
	}
	r, err := tensor.NewRaw(spec.Shape, spec.DType)
	if err != nil {
		return nil, err
	}
	for i := 0; i < r.NumElements(); i++ {
		tensor.SetFloat64(r, i, next())
	}
	return r, nil
}
