package cpu

import (
	"github.com/pkg/errors"

	"github.com/born-ml/dataflow/internal/parallel"
	"github.com/born-ml/dataflow/internal/tensor"
)

// MulDiv treats every group of four consecutive elements (a,b,c,d) along
// the last axis as two complex numbers p = a+bi and q = c+di, and writes
// p*q followed by p/q, with |q|² softened by epsilon²:
//
//	out = (ac-bd, ad+bc, (ac+bd)/D, (bc-ad)/D),  D = eps² + c² + d²
//
// Trailing elements that do not fill a group are copied through.
func (cpu *CPUBackend) MulDiv(dst, a *tensor.RawTensor, epsilon float64) error {
	if err := checkDst("muldiv", dst, a.Shape(), a.DType()); err != nil {
		return err
	}
	lane := laneLen(a.Shape())
	switch a.DType() {
	case tensor.Float32:
		mulDivTyped(cpu.cfg, dst.AsFloat32(), a.AsFloat32(), lane, float32(epsilon))
	case tensor.Float64:
		mulDivTyped(cpu.cfg, dst.AsFloat64(), a.AsFloat64(), lane, epsilon)
	default:
		return errors.Wrapf(ErrUnsupportedDType, "muldiv: %s", a.DType())
	}
	return nil
}

// MulDivGrad writes the gradient of MulDiv with respect to its input, given
// the input a and the output gradient g.
func (cpu *CPUBackend) MulDivGrad(dst, a, g *tensor.RawTensor, epsilon float64) error {
	if err := checkDst("muldiv grad", dst, a.Shape(), a.DType()); err != nil {
		return err
	}
	if err := checkDst("muldiv grad", g, a.Shape(), a.DType()); err != nil {
		return err
	}
	lane := laneLen(a.Shape())
	switch a.DType() {
	case tensor.Float32:
		mulDivGradTyped(cpu.cfg, dst.AsFloat32(), a.AsFloat32(), g.AsFloat32(), lane, float32(epsilon))
	case tensor.Float64:
		mulDivGradTyped(cpu.cfg, dst.AsFloat64(), a.AsFloat64(), g.AsFloat64(), lane, epsilon)
	default:
		return errors.Wrapf(ErrUnsupportedDType, "muldiv grad: %s", a.DType())
	}
	return nil
}

func laneLen(s tensor.Shape) int {
	if len(s) == 0 {
		return 1
	}
	return s[len(s)-1]
}

func mulDivTyped[T Float](cfg parallel.Config, dst, in []T, lane int, eps T) {
	groups := lane / 4
	rows := len(in) / lane
	parallel.ForBlocks(rows, func(start, end int) {
		for r := start; r < end; r++ {
			x, y := in[r*lane:(r+1)*lane], dst[r*lane:(r+1)*lane]
			for i := 0; i < groups; i++ {
				a, b, c, d := x[4*i], x[4*i+1], x[4*i+2], x[4*i+3]
				denom := eps*eps + c*c + d*d
				y[4*i] = a*c - b*d
				y[4*i+1] = a*d + b*c
				y[4*i+2] = (a*c + b*d) / denom
				y[4*i+3] = (b*c - a*d) / denom
			}
			copy(y[4*groups:], x[4*groups:])
		}
	}, cfg)
}

func mulDivGradTyped[T Float](cfg parallel.Config, dst, in, grad []T, lane int, eps T) {
	groups := lane / 4
	rows := len(in) / lane
	parallel.ForBlocks(rows, func(start, end int) {
		for r := start; r < end; r++ {
			x, g, y := in[r*lane:(r+1)*lane], grad[r*lane:(r+1)*lane], dst[r*lane:(r+1)*lane]
			for i := 0; i < groups; i++ {
				a, b, c, d := x[4*i], x[4*i+1], x[4*i+2], x[4*i+3]
				wg, xg, yg, zg := g[4*i], g[4*i+1], g[4*i+2], g[4*i+3]

				den := c*c + d*d + eps*eps
				den2 := den * den
				re := a*c + b*d
				im := b*c - a*d

				y[4*i] = wg*c + xg*d + yg*(c/den) - zg*(d/den)
				y[4*i+1] = -wg*d + xg*c + yg*(d/den) + zg*(c/den)
				y[4*i+2] = wg*a + xg*b + yg*(a/den-re*(2*c/den2)) + zg*(b/den-im*(2*c/den2))
				y[4*i+3] = -wg*b + xg*a + yg*(b/den-re*(2*d/den2)) + zg*(-a/den-im*(2*d/den2))
			}
			copy(y[4*groups:], g[4*groups:])
		}
	}, cfg)
}
