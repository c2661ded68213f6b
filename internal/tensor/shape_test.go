package tensor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnifyTrailing(t *testing.T) {
	tests := []struct {
		name string
		a, b Shape
		want Shape
	}{
		{"equal", Shape{3, 5}, Shape{3, 5}, Shape{3, 5}},
		{"stretch rows", Shape{3, 1}, Shape{3, 5}, Shape{3, 5}},
		{"missing leading", Shape{5}, Shape{2, 5}, Shape{2, 5}},
		{"scalar", Shape{}, Shape{4, 2}, Shape{4, 2}},
		{"unknown vs known", Shape{Unknown, 4}, Shape{8, 1}, Shape{8, 4}},
		{"unknown vs one", Shape{Unknown}, Shape{1}, Shape{Unknown}},
		{"both unknown", Shape{Unknown, 2}, Shape{Unknown, 2}, Shape{Unknown, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unify(tt.a, tt.b, BroadcastTrailing)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// Unify is symmetric.
			rev, err := Unify(tt.b, tt.a, BroadcastTrailing)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rev)
		})
	}
}

func TestUnifyMismatch(t *testing.T) {
	_, err := Unify(Shape{3, 4}, Shape{3, 5}, BroadcastTrailing)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	var se *ShapeError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 1, se.Axis)
}

func TestUnifyNone(t *testing.T) {
	got, err := Unify(Shape{Unknown, 4}, Shape{2, Unknown}, BroadcastNone)
	require.NoError(t, err)
	assert.Equal(t, Shape{2, 4}, got)

	_, err = Unify(Shape{3, 1}, Shape{3, 5}, BroadcastNone)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = Unify(Shape{5}, Shape{2, 5}, BroadcastNone)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestMergeIsIdempotent(t *testing.T) {
	a := Shape{Unknown, 3, Unknown}
	b := Shape{2, Unknown, Unknown}
	m, err := Merge(a, b)
	require.NoError(t, err)
	assert.Equal(t, Shape{2, 3, Unknown}, m)

	again, err := Merge(m, m)
	require.NoError(t, err)
	assert.Equal(t, m, again)
	assert.True(t, m.Refines(a))
	assert.False(t, a.Refines(m))
}

func TestShapeHelpers(t *testing.T) {
	assert.Equal(t, 24, Shape{2, 3, 4}.NumElements())
	assert.Equal(t, 1, Shape{}.NumElements())
	assert.Equal(t, Unknown, Shape{2, Unknown}.NumElements())
	assert.Equal(t, []int{12, 4, 1}, Shape{2, 3, 4}.ComputeStrides())
	assert.Equal(t, "[4,?,2]", Shape{4, Unknown, 2}.String())
	assert.True(t, Shape{Unknown, 2}.Compatible(Shape{7, 2}))
	assert.False(t, Shape{Unknown, 2}.Compatible(Shape{7, 3}))
	assert.Error(t, Shape{0, 2}.Validate())
	assert.NoError(t, Shape{Unknown, 2}.Validate())
	assert.Error(t, Shape{Unknown, 2}.ValidateConcrete())
}

func TestMergeSpecDType(t *testing.T) {
	_, err := MergeSpec(NewSpec(Float32, 2), NewSpec(Float64, 2))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	s, err := MergeSpec(NewSpec(Float32, Unknown), NewSpec(Float32, 2))
	require.NoError(t, err)
	assert.Equal(t, NewSpec(Float32, 2), s)
	assert.Equal(t, 8, s.ByteSize())
}

func TestParseRules(t *testing.T) {
	r, err := ParseBroadcastRule("none")
	require.NoError(t, err)
	assert.Equal(t, BroadcastNone, r)
	_, err = ParseBroadcastRule("diagonal")
	assert.Error(t, err)

	dt, err := ParseDataType("F64")
	require.NoError(t, err)
	assert.Equal(t, Float64, dt)
}
