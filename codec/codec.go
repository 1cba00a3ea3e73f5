// Package codec turns typed values into the bytes a cache entry holds.
//
// Entries store encoded bytes so that a snapshot is an immutable copy and a
// rollback can be compared bit for bit. Codecs should therefore be
// deterministic: the same value must always encode to the same bytes.
package codec

// Codec encodes/decodes values V to []byte for storage in a cache entry.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
