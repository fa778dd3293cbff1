package ciecore

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is an opaque, fixed-width digest of a canonicalized input plus
// a scope key, used as both a Cache key and a Coalescer key.
type Fingerprint string

// Hasher canonicalizes an arbitrary input value and a scope key into a
// Fingerprint. The default implementation (NewCanonicalHasher) recursively
// sorts map keys before marshaling to JSON, then hashes with xxhash so two
// structurally equal inputs always fingerprint identically regardless of
// map iteration order.
type Hasher interface {
	Fingerprint(input interface{}, scope string) (Fingerprint, error)
}

// CanonicalHasher is the default Hasher.
type CanonicalHasher struct{}

// NewCanonicalHasher returns the default Hasher.
func NewCanonicalHasher() CanonicalHasher { return CanonicalHasher{} }

func (CanonicalHasher) Fingerprint(input interface{}, scope string) (Fingerprint, error) {
	canon, err := canonicalize(input)
	if err != nil {
		return "", fmt.Errorf("canonicalize input: %w", err)
	}

	h := xxhash.New()
	_, _ = h.Write(canon)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(scope))

	return Fingerprint(fmt.Sprintf("%016x", h.Sum64())), nil
}

// canonicalize round-trips the value through encoding/json, then re-encodes
// any map[string]interface{} with sorted keys, producing a byte sequence
// stable across equal-but-differently-ordered inputs.
func canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}

	return marshalSorted(generic)
}

func marshalSorted(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil

	case []interface{}:
		buf := []byte{'['}
		for i, e := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			eb, err := marshalSorted(e)
			if err != nil {
				return nil, err
			}
			buf = append(buf, eb...)
		}
		buf = append(buf, ']')
		return buf, nil

	default:
		return json.Marshal(val)
	}
}
