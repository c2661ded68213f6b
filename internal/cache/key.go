package cache

import (
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/born-ml/dataflow/internal/graph"
	"github.com/born-ml/dataflow/internal/tensor"
)

// Key identifies a cached result: the structure of the subgraph that
// computed it plus the content of every leaf it read. Structure and leaf
// contents enter as 64-bit xxhash fingerprints, so two distinct inputs
// share a key only on a hash collision, which is negligible at cache sizes.
type Key string

const (
	fieldStructure protowire.Number = 1
	fieldLeaf      protowire.Number = 2
)

type leafPrint struct {
	id          graph.NodeID
	fingerprint uint64
}

// KeyBuilder accumulates the parts of a Key.
type KeyBuilder struct {
	structure []uint64
	leaves    []leafPrint
}

// NewKeyBuilder returns an empty builder.
func NewKeyBuilder() *KeyBuilder {
	return &KeyBuilder{}
}

// Structure adds a structural hash, as returned by
// graph.StructuralHashes.
func (b *KeyBuilder) Structure(hash uint64) *KeyBuilder {
	b.structure = append(b.structure, hash)
	return b
}

// Leaf adds the bound value of leaf v.
func (b *KeyBuilder) Leaf(v graph.ValueRef, value *tensor.RawTensor) *KeyBuilder {
	b.leaves = append(b.leaves, leafPrint{id: v.ID(), fingerprint: tensor.Fingerprint(value)})
	return b
}

// Key encodes the structure hashes in insertion order followed by the
// leaves sorted by ID.
func (b *KeyBuilder) Key() Key {
	sort.Slice(b.leaves, func(i, j int) bool { return b.leaves[i].id < b.leaves[j].id })

	buf := make([]byte, 0, 10*len(b.structure)+20*len(b.leaves))
	for _, h := range b.structure {
		buf = protowire.AppendTag(buf, fieldStructure, protowire.Fixed64Type)
		buf = protowire.AppendFixed64(buf, h)
	}
	var leaf []byte
	for _, l := range b.leaves {
		leaf = protowire.AppendVarint(leaf[:0], uint64(l.id))
		leaf = protowire.AppendFixed64(leaf, l.fingerprint)
		buf = protowire.AppendTag(buf, fieldLeaf, protowire.BytesType)
		buf = protowire.AppendBytes(buf, leaf)
	}
	return Key(buf)
}
