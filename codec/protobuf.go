package codec

import "google.golang.org/protobuf/proto"

// Protobuf encodes generated messages deterministically.
type Protobuf[T proto.Message] struct {
	ctor func() T // e.g. func() *pb.Task { return &pb.Task{} }
}

// NewProtobuf returns a codec for the message type ctor produces.
func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{ctor: ctor}
}

var det = proto.MarshalOptions{Deterministic: true}

func (c Protobuf[T]) Encode(v T) ([]byte, error) { return det.Marshal(v) }

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.ctor()
	err := proto.Unmarshal(b, m)
	return m, err
}
