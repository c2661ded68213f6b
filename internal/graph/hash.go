package graph

import (
	"github.com/cespare/xxhash/v2"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/born-ml/dataflow/internal/tensor"
)

// Field numbers of the canonical node encoding hashed by StructuralHashes.
const (
	fieldKind        protowire.Number = 1
	fieldGraph       protowire.Number = 2
	fieldNode        protowire.Number = 3
	fieldSpec        protowire.Number = 4
	fieldContent     protowire.Number = 5
	fieldOpType      protowire.Number = 6
	fieldAttrs       protowire.Number = 7
	fieldInput       protowire.Number = 8
	fieldOutputIndex protowire.Number = 9
)

// StructuralHashes returns, for each requested value, a hash of its whole
// cone: operator kinds and attributes, wiring, declared specs and leaf
// identities. Constants contribute their contents. Values with equal hashes
// compute equal results given equal leaf bindings.
func (g *Graph) StructuralHashes(values ...ValueRef) (map[ValueRef]uint64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, v := range values {
		if _, err := g.value(v); err != nil {
			return nil, err
		}
	}

	ops, leaves := g.coneLocked(values)
	hashes := make(map[ValueRef]uint64, len(leaves)+2*len(ops))
	buf := make([]byte, 0, 128)

	for _, v := range leaves {
		n := &g.nodes[v]
		buf = g.appendIdentity(buf[:0], int64(n.vkind), NodeID(v))
		buf = protowire.AppendTag(buf, fieldSpec, protowire.BytesType)
		buf = protowire.AppendBytes(buf, tensor.AppendSpec(nil, n.spec))
		if n.constant != nil {
			buf = protowire.AppendTag(buf, fieldContent, protowire.Fixed64Type)
			buf = protowire.AppendFixed64(buf, tensor.Fingerprint(n.constant))
		}
		hashes[v] = xxhash.Sum64(buf)
	}

	for _, o := range g.topoOrderLocked(ops) {
		n := &g.nodes[o]
		head := protowire.AppendTag(nil, fieldOpType, protowire.BytesType)
		head = protowire.AppendString(head, n.op.Type())
		if f, ok := n.op.(Fingerprinter); ok {
			head = protowire.AppendTag(head, fieldAttrs, protowire.BytesType)
			head = protowire.AppendBytes(head, f.AppendFingerprint(nil))
		} else {
			head = g.appendIdentity(head, -1, NodeID(o))
		}
		for _, in := range n.inputs {
			head = protowire.AppendTag(head, fieldInput, protowire.Fixed64Type)
			head = protowire.AppendFixed64(head, hashes[in])
		}
		for i, out := range n.outputs {
			buf = append(buf[:0], head...)
			buf = protowire.AppendTag(buf, fieldOutputIndex, protowire.VarintType)
			buf = protowire.AppendVarint(buf, uint64(i))
			buf = protowire.AppendTag(buf, fieldSpec, protowire.BytesType)
			buf = protowire.AppendBytes(buf, tensor.AppendSpec(nil, g.nodes[out].spec))
			hashes[out] = xxhash.Sum64(buf)
		}
	}

	result := make(map[ValueRef]uint64, len(values))
	for _, v := range values {
		result[v] = hashes[v]
	}
	return result, nil
}

func (g *Graph) appendIdentity(b []byte, kind int64, id NodeID) []byte {
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(kind))
	b = protowire.AppendTag(b, fieldGraph, protowire.BytesType)
	b = protowire.AppendBytes(b, g.id[:])
	b = protowire.AppendTag(b, fieldNode, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(id))
}
