// Package indexkey extracts index field values from a stored document body
// and renders them into sortable keys for the State Store's per-collection
// index buckets.
//
// Document bodies are treated as opaque JSON bytes at rest: only the index
// path extraction logic here ever looks inside one. Extraction descends
// the path's components; a missing value means "no key" for that index.
package indexkey

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/meridiandb/node/internal/codec"
)

// ErrNoKey is returned by Extract when path does not resolve to a value in
// body. That means "no key for this index", not an error condition callers
// should fail on.
var ErrNoKey = fmt.Errorf("indexkey: path does not resolve to a value")

// ValidatePath reports whether an index path is well-formed: it must start
// with "/".
func ValidatePath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("indexkey: path %q must start with /", path)
	}
	return nil
}

// components splits "/a/b" into ["a", "b"]. The empty root path "/" yields
// no components.
func components(path string) []string {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// Extract descends body (a JSON object) by path's components and returns a
// sortable key for the given kind. It returns ErrNoKey if any component is
// missing along the way.
func Extract(body []byte, path string, kind codec.IndexKind) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("indexkey: document body is not valid JSON: %w", err)
	}

	cur := doc
	for _, comp := range components(path) {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, ErrNoKey
		}
		v, ok := obj[comp]
		if !ok {
			return nil, ErrNoKey
		}
		cur = v
	}

	return encodeKey(cur, kind)
}

// encodeKey renders a decoded JSON value into a byte-sortable key per index
// kind. Unique and String keys sort lexicographically; Int64 and Double
// keys are encoded so that byte-order matches numeric order.
func encodeKey(v any, kind codec.IndexKind) ([]byte, error) {
	switch kind {
	case codec.IndexUnique, codec.IndexString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("indexkey: expected string value, got %T", v)
		}
		return []byte(s), nil
	case codec.IndexInt64:
		n, ok := asNumber(v)
		if !ok {
			return nil, fmt.Errorf("indexkey: expected numeric value, got %T", v)
		}
		return sortableInt64(int64(n)), nil
	case codec.IndexDouble:
		n, ok := asNumber(v)
		if !ok {
			return nil, fmt.Errorf("indexkey: expected numeric value, got %T", v)
		}
		return sortableFloat64(n), nil
	default:
		return nil, fmt.Errorf("indexkey: unknown index kind %d", kind)
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// sortableInt64 flips the sign bit so that two's-complement negative values
// sort before positive ones under plain byte comparison.
func sortableInt64(n int64) []byte {
	u := uint64(n) ^ (1 << 63)
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = byte(u)
		u >>= 8
	}
	return out
}

// sortableFloat64 maps an IEEE 754 double to bytes whose lexicographic
// order matches numeric order: positive values get the sign bit set,
// negative values have all bits inverted so larger magnitudes sort first.
func sortableFloat64(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = byte(bits)
		bits >>= 8
	}
	return out
}
