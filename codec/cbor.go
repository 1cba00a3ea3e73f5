package codec

import (
	"github.com/fxamacker/cbor/v2"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	eo := cbor.CoreDetEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	var err error
	if cborEnc, err = eo.EncMode(); err != nil {
		panic(err)
	}
	if cborDec, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// CBOR encodes with RFC 8949 core deterministic options (sorted map keys,
// shortest integer forms); times are written as RFC3339Nano strings.
// The zero value is ready to use.
type CBOR[V any] struct{}

var _ Codec[struct{}] = CBOR[struct{}]{}

func (CBOR[V]) Encode(v V) ([]byte, error) { return cborEnc.Marshal(v) }

func (CBOR[V]) Decode(b []byte) (V, error) {
	var v V
	err := cborDec.Unmarshal(b, &v)
	return v, err
}
