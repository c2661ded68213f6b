package ops

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/born-ml/dataflow/internal/graph"
	"github.com/born-ml/dataflow/internal/tensor"
)

func compute(t *testing.T, op graph.Operator, inputs ...*tensor.RawTensor) *tensor.RawTensor {
	t.Helper()
	out, err := op.Compute(graph.DefaultComputeContext(), inputs)
	require.NoError(t, err)
	require.Len(t, out, 1)
	return out[0]
}

func f64(data []float64, dims ...int) *tensor.RawTensor {
	return tensor.MustFromSlice(data, tensor.Shape(dims))
}

func TestBinaryBroadcastCompute(t *testing.T) {
	a := f64([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	b := f64([]float64{10, 20, 30}, 3)

	assert.Equal(t, []float64{11, 22, 33, 14, 25, 36}, tensor.Values[float64](compute(t, Add(tensor.BroadcastTrailing), a, b)))
	assert.Equal(t, []float64{-9, -18, -27, -6, -15, -24}, tensor.Values[float64](compute(t, Sub(tensor.BroadcastTrailing), a, b)))
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, tensor.Values[float64](compute(t, Min(tensor.BroadcastTrailing), a, b)))
	assert.Equal(t, []float64{10, 20, 30, 10, 20, 30}, tensor.Values[float64](compute(t, Max(tensor.BroadcastTrailing), a, b)))
}

func TestBroadcastNoneRejectsStretch(t *testing.T) {
	_, err := Add(tensor.BroadcastNone).InferShapes([]tensor.Spec{
		tensor.NewSpec(tensor.Float32, 2, 3),
		tensor.NewSpec(tensor.Float32, 3),
	})
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}

func TestMixedDTypesRejected(t *testing.T) {
	_, err := Mul(tensor.BroadcastTrailing).InferShapes([]tensor.Spec{
		tensor.NewSpec(tensor.Float32, 2),
		tensor.NewSpec(tensor.Float64, 2),
	})
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}

func TestUnaryCompute(t *testing.T) {
	x := f64([]float64{-1, 0, 2}, 3)
	assert.Equal(t, []float64{1, 0, -2}, tensor.Values[float64](compute(t, Neg(), x)))
	assert.Equal(t, []float64{0, 0, 2}, tensor.Values[float64](compute(t, ReLU(), x)))
	assert.Equal(t, []float64{0, 0, 1}, tensor.Values[float64](compute(t, Step(), x)))
	assert.Equal(t, []float64{-2.5, 0, 5}, tensor.Values[float64](compute(t, Scale(2.5), x)))

	e := tensor.Values[float64](compute(t, Exp(), x))
	assert.InDelta(t, math.Exp(-1), e[0], 1e-12)
	assert.InDelta(t, math.Exp(2), e[2], 1e-12)
}

func TestMatMulShapes(t *testing.T) {
	tests := []struct {
		name   string
		op     *MatMul
		a, b   tensor.Shape
		expect tensor.Shape
	}{
		{"plain", &MatMul{}, tensor.Shape{4, 8}, tensor.Shape{8, 2}, tensor.Shape{4, 2}},
		{"transA", &MatMul{TransA: true}, tensor.Shape{8, 4}, tensor.Shape{8, 2}, tensor.Shape{4, 2}},
		{"transB", &MatMul{TransB: true}, tensor.Shape{4, 8}, tensor.Shape{2, 8}, tensor.Shape{4, 2}},
		{"unknown batch", &MatMul{}, tensor.Shape{tensor.Unknown, 8}, tensor.Shape{8, 2}, tensor.Shape{tensor.Unknown, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tt.op.InferShapes([]tensor.Spec{
				{DType: tensor.Float32, Shape: tt.a},
				{DType: tensor.Float32, Shape: tt.b},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.expect, out[0].Shape)
		})
	}

	_, err := (&MatMul{}).InferShapes([]tensor.Spec{tensor.NewSpec(tensor.Float32, 4, 8), tensor.NewSpec(tensor.Float32, 7, 2)})
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}

func TestMatMulCompute(t *testing.T) {
	a := f64([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	b := f64([]float64{7, 8, 9, 10, 11, 12}, 3, 2)
	c := compute(t, &MatMul{}, a, b)
	assert.Equal(t, tensor.Shape{2, 2}, c.Shape())
	assert.Equal(t, []float64{58, 64, 139, 154}, tensor.Values[float64](c))
}

func TestReductionAndBroadcast(t *testing.T) {
	x := f64([]float64{1, 2, 3, 4, 5, 6}, 2, 3)

	s := compute(t, Sum(), x)
	assert.Equal(t, 0, s.Shape().Rank())
	assert.Equal(t, []float64{21}, tensor.Values[float64](s))

	like := f64([]float64{0, 0, 0}, 1, 3)
	r := compute(t, SumLike(), x, like)
	assert.Equal(t, tensor.Shape{1, 3}, r.Shape())
	assert.Equal(t, []float64{5, 7, 9}, tensor.Values[float64](r))

	back := compute(t, BroadcastLike(), r, x)
	assert.Equal(t, []float64{5, 7, 9, 5, 7, 9}, tensor.Values[float64](back))

	_, err := SumLike().InferShapes([]tensor.Spec{tensor.NewSpec(tensor.Float64, 3), tensor.NewSpec(tensor.Float64, 2, 3)})
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch), "target rank larger than source")
}

func TestTranspose(t *testing.T) {
	x := f64([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	y := compute(t, &Transpose{}, x)
	assert.Equal(t, tensor.Shape{3, 2}, y.Shape())
	assert.Equal(t, []float64{1, 4, 2, 5, 3, 6}, tensor.Values[float64](y))
}

func TestMulDivPassesRemainder(t *testing.T) {
	x := f64([]float64{1, 2, 3, 4, 9}, 5)
	y := tensor.Values[float64](compute(t, &MulDiv{Epsilon: 0}, x))
	// (1+2i)(3+4i) = -5+10i, (1+2i)/(3+4i) = (11+2i)/25
	assert.InDelta(t, -5, y[0], 1e-12)
	assert.InDelta(t, 10, y[1], 1e-12)
	assert.InDelta(t, 11.0/25, y[2], 1e-12)
	assert.InDelta(t, 2.0/25, y[3], 1e-12)
	assert.Equal(t, 9.0, y[4])
}

func TestMinBackRoutesStrictlySmaller(t *testing.T) {
	a := f64([]float64{1, 5, 3}, 3)
	b := f64([]float64{2, 4, 3}, 3)
	g := f64([]float64{10, 20, 30}, 3)
	assert.Equal(t, []float64{10, 0, 0}, tensor.Values[float64](compute(t, MinBack(), a, b, g)))
	assert.Equal(t, []float64{0, 20, 0}, tensor.Values[float64](compute(t, MinBack(), b, a, g)))
}

func TestFingerprintsDistinguishAttributes(t *testing.T) {
	fp := func(op graph.Operator) string {
		return string(op.(graph.Fingerprinter).AppendFingerprint(nil))
	}
	assert.NotEqual(t, fp(Scale(2)), fp(Scale(3)))
	assert.NotEqual(t, fp(&MatMul{TransA: true}), fp(&MatMul{TransB: true}))
	assert.NotEqual(t, fp(Add(tensor.BroadcastTrailing)), fp(Add(tensor.BroadcastNone)))
	assert.Equal(t, fp(&Transpose{Perm: []int{1, 0}}), fp(&Transpose{Perm: []int{1, 0}}))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(tensor.BroadcastTrailing)
	assert.Contains(t, r.SupportedOps(), "MatMul")
	assert.Contains(t, r.SupportedOps(), "MulDiv")

	op, err := r.New("Max", nil)
	require.NoError(t, err)
	assert.Equal(t, Max(tensor.BroadcastTrailing), op)

	op, err = r.New("Scale", Attributes{"factor": cty.NumberFloatVal(0.5)})
	require.NoError(t, err)
	assert.Equal(t, Scale(0.5), op)

	op, err = r.New("MatMul", Attributes{"trans_b": cty.True})
	require.NoError(t, err)
	assert.Equal(t, &MatMul{TransB: true}, op)

	op, err = r.New("Transpose", Attributes{"perm": cty.TupleVal([]cty.Value{cty.NumberIntVal(1), cty.NumberIntVal(0)})})
	require.NoError(t, err)
	assert.Equal(t, &Transpose{Perm: []int{1, 0}}, op)

	op, err = r.New("Add", Attributes{"broadcast": cty.StringVal("none")})
	require.NoError(t, err)
	assert.Equal(t, Add(tensor.BroadcastNone), op)

	_, err = r.New("Conv2D", nil)
	assert.True(t, errors.Is(err, ErrUnknownOperator))

	_, err = r.New("Scale", Attributes{"factor": cty.StringVal("big")})
	assert.Error(t, err)
}

func TestInitializers(t *testing.T) {
	spec := tensor.NewSpec(tensor.Float32, 100, 50)

	w, err := Xavier{Seed: 1}.Initialize(spec)
	require.NoError(t, err)
	bound := math.Sqrt(6.0 / 150)
	for i, v := range w.AsFloat32() {
		if math.Abs(float64(v)) > bound {
			t.Fatalf("value[%d] = %f exceeds bound %f", i, v, bound)
		}
	}

	again, err := Xavier{Seed: 1}.Initialize(spec)
	require.NoError(t, err)
	assert.True(t, tensor.Identical(w, again), "same seed, same values")

	f, err := Fill{Value: 3}.Initialize(tensor.NewSpec(tensor.Int32, 2))
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 3}, f.AsInt32())

	_, err = Normal{Std: 1}.Initialize(tensor.NewSpec(tensor.Int64, 2))
	assert.Error(t, err)
}
