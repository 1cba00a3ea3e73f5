package util

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// canonical is RFC 8949 core deterministic encoding: map keys are sorted,
// so equal filters always hash the same.
var canonical = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Digest returns a short stable hash (16 hex chars) of an arbitrary filter value.
// Values CBOR cannot encode fall back to a sorted fmt rendering.
func Digest(v map[string]any) string {
	if len(v) == 0 {
		return "-"
	}
	b, err := canonical.Marshal(v)
	if err != nil {
		b = []byte(fallback(v))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

func fallback(v map[string]any) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%T:%v;", k, v[k], v[k])
	}
	return sb.String()
}
