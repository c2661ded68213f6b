package cpu

import (
	"github.com/born-ml/dataflow/internal/tensor"
)

// computeBroadcastStridesForShape computes strides for broadcasting a shape to outShape.
// Returns strides where dimensions of size 1 have stride 0 (for broadcasting).
func computeBroadcastStridesForShape(inShape, outShape tensor.Shape) []int {
	outDim := len(outShape)
	strides := make([]int, outDim)

	// Pad input shape with 1s on the left
	inDim := len(inShape)
	offset := outDim - inDim

	origStrides := inShape.ComputeStrides()

	for i := 0; i < outDim; i++ {
		inIdx := i - offset
		switch {
		case inIdx < 0 || inIdx >= inDim:
			strides[i] = 0
		case inShape[inIdx] == 1:
			strides[i] = 0
		default:
			strides[i] = origStrides[inIdx]
		}
	}

	return strides
}

// computeFlatIndex computes the flat index in the source array for a given output index.
// outStrides: strides of the output shape.
// inStrides: broadcast-adjusted strides of the input shape.
func computeFlatIndex(outIdx int, outStrides, inStrides []int) int {
	flatIdx := 0
	for i := range outStrides {
		coord := outIdx / outStrides[i]
		outIdx %= outStrides[i]
		flatIdx += coord * inStrides[i]
	}
	return flatIdx
}

// broadcastIndex maps output positions to positions in each operand.
type broadcastIndex struct {
	outStrides []int
	inStrides  [][]int
	identity   []bool
}

func newBroadcastIndex(out tensor.Shape, ins ...tensor.Shape) *broadcastIndex {
	bi := &broadcastIndex{
		outStrides: out.ComputeStrides(),
		inStrides:  make([][]int, len(ins)),
		identity:   make([]bool, len(ins)),
	}
	for i, in := range ins {
		bi.identity[i] = in.Equal(out)
		bi.inStrides[i] = computeBroadcastStridesForShape(in, out)
	}
	return bi
}

func (bi *broadcastIndex) at(operand, outIdx int) int {
	if bi.identity[operand] {
		return outIdx
	}
	return computeFlatIndex(outIdx, bi.outStrides, bi.inStrides[operand])
}
