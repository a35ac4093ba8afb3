package crypto

import (
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON serializes v with lexicographically sorted object keys and
// no whitespace between tokens. This is the evidence-bundle hash contract:
// sorted keys, no whitespace, UTF-8. Recursing through maps/slices ourselves
// (rather than relying on encoding/json's key ordering, which is stable but
// undocumented) keeps the format a contract rather than an implementation
// detail of one Go version.
func CanonicalJSON(v interface{}) ([]byte, error) {
	return marshalSorted(v, false)
}

// CanonicalJSONSpaced matches Central Command's Python-side
// json.dumps(obj, sort_keys=True) default separators (", " and ": ").
// Order and rule-bundle signatures are produced on that side and must be
// reconstructed byte-for-byte before verification.
func CanonicalJSONSpaced(v interface{}) ([]byte, error) {
	return marshalSorted(v, true)
}

func marshalSorted(v interface{}, spaced bool) ([]byte, error) {
	itemSep, kvSep := []byte{','}, []byte{':'}
	if spaced {
		itemSep, kvSep = []byte{',', ' '}, []byte{':', ' '}
	}

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
				buf = append(buf, itemSep...)
			}
			kJSON, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kJSON...)
			buf = append(buf, kvSep...)
			vJSON, err := marshalSorted(val[k], spaced)
			if err != nil {
				return nil, err
			}
			buf = append(buf, vJSON...)
		}
		buf = append(buf, '}')
		return buf, nil

	case []interface{}:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, itemSep...)
			}
			itemJSON, err := marshalSorted(item, spaced)
			if err != nil {
				return nil, err
			}
			buf = append(buf, itemJSON...)
		}
		buf = append(buf, ']')
		return buf, nil

	default:
		out, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("marshal scalar: %w", err)
		}
		return out, nil
	}
}
