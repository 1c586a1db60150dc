// ABOUTME: Parsing of externally supplied keys
// ABOUTME: JSON arrays where an empty object stands for High

package collate

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ParseKeyJSON parses a JSON array into a normalized Key. An empty object
// anywhere in the array is read as High, so `["genre:action", {}]` is the
// upper bound of every key starting with "genre:action".
func ParseKeyJSON(s string) (Key, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()

	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse key %q: %w", s, err)
	}
	key := make(Key, len(raw))
	for i, v := range raw {
		key[i] = liftSentinel(v)
	}
	return NormalizeKey(key)
}

func liftSentinel(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 0 {
			return High
		}
		for k, e := range x {
			x[k] = liftSentinel(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = liftSentinel(e)
		}
		return x
	}
	return v
}
