package codec

// Bytes stores []byte values as they are. Both directions copy, since cache
// entries must never alias caller memory.
type Bytes struct{}

func (Bytes) Encode(b []byte) ([]byte, error) { return clone(b), nil }
func (Bytes) Decode(b []byte) ([]byte, error) { return clone(b), nil }

// String stores strings as UTF-8 bytes without validation.
type String struct{}

func (String) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (String) Decode(b []byte) (string, error) { return string(b), nil }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
