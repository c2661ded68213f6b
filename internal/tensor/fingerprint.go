package tensor

import (
	"github.com/cespare/xxhash/v2"
	"google.golang.org/protobuf/encoding/protowire"
)

// AppendSpec appends a canonical encoding of spec to b. Unknown axes are
// encoded distinctly from every concrete extent.
func AppendSpec(b []byte, spec Spec) []byte {
	b = protowire.AppendVarint(b, uint64(spec.DType))
	b = protowire.AppendVarint(b, uint64(len(spec.Shape)))
	for _, dim := range spec.Shape {
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(dim)))
	}
	return b
}

// Fingerprint hashes dtype, shape and contents of r. Equal tensors always
// fingerprint equally; the converse holds up to 64-bit hash collisions.
func Fingerprint(r *RawTensor) uint64 {
	d := xxhash.New()
	header := AppendSpec(make([]byte, 0, 16+len(r.shape)*2), r.Spec())
	_, _ = d.Write(header)
	_, _ = d.Write(r.data)
	return d.Sum64()
}
