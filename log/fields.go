// Package log holds the helpers shared by the synccache.Logger adapters in
// its subpackages (zap, logrus, zerolog, slog).
package log

import (
	"sort"

	"github.com/unkn0wn-root/synccache"
)

// Component is the field every adapter attaches to its records.
const Component = "synccache"

// SortedKeys returns the keys of f in order, so adapters emit fields
// deterministically.
func SortedKeys(f synccache.Fields) []string {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
