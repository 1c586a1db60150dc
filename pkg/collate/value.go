// ABOUTME: Composite key values and their total order
// ABOUTME: null < bool < number < string < array < object < High

package collate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// ErrUnsupportedValue is returned for values that have no place in the order
var ErrUnsupportedValue = errors.New("collate: unsupported value")

// Sentinel is the type of High.
type Sentinel struct{}

// High orders after every other value and equals only itself. It is used
// for open-ended upper bounds such as ["genre:action", High].
var High = Sentinel{}

// MarshalJSON renders the sentinel the way range bounds are written by
// external callers.
func (Sentinel) MarshalJSON() ([]byte, error) {
	return []byte("{}"), nil
}

// Key is an ordered tuple of values
type Key []any

// Truncate returns at most the first n elements of k
func (k Key) Truncate(n int) Key {
	if n < 0 || n >= len(k) {
		return k
	}
	return k[:n]
}

func (k Key) String() string {
	b, err := json.Marshal([]any(k))
	if err != nil {
		return fmt.Sprintf("%v", []any(k))
	}
	return string(b)
}

// Normalize converts v into the canonical representation used by Compare
// and Encode: nil, bool, float64, string, []any, map[string]any or High.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, string, Sentinel:
		return x, nil
	case float64:
		return normalizeFloat(x)
	case float32:
		return normalizeFloat(float64(x))
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: number %q", ErrUnsupportedValue, x.String())
		}
		return normalizeFloat(f)
	case Key:
		return normalizeSlice([]any(x))
	case []any:
		return normalizeSlice(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			n, err := Normalize(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	}

	// Typed slices and maps, e.g. []string from a payload struct
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			n, err := Normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			n, err := Normalize(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = n
		}
		return out, nil
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		return Normalize(rv.Elem().Interface())
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

// NormalizeKey normalizes every element of k
func NormalizeKey(k Key) (Key, error) {
	out := make(Key, len(k))
	for i, e := range k {
		n, err := Normalize(e)
		if err != nil {
			return nil, fmt.Errorf("key element %d: %w", i, err)
		}
		out[i] = n
	}
	return out, nil
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, f)
	}
	if f == 0 {
		// collapse -0
		return float64(0), nil
	}
	return f, nil
}

func normalizeSlice(s []any) (any, error) {
	out := make([]any, len(s))
	for i, e := range s {
		n, err := Normalize(e)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	case []any, Key:
		return 4
	case map[string]any:
		return 5
	case Sentinel:
		return 6
	}
	return -1
}

// Compare returns -1, 0 or +1. Values that are not already normalized are
// normalized first; values that cannot be normalized sort before null.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra < 0 {
		a, _ = Normalize(a)
		ra = rank(a)
	}
	if rb < 0 {
		b, _ = Normalize(b)
		rb = rank(b)
	}
	if ra != rb {
		return cmpInt(ra, rb)
	}

	switch x := a.(type) {
	case nil, Sentinel:
		return 0
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	case string:
		return strings.Compare(x, b.(string))
	case []any:
		return compareSlices(x, asSlice(b))
	case Key:
		return compareSlices(x, asSlice(b))
	case map[string]any:
		return compareObjects(x, b.(map[string]any))
	}
	return 0
}

// CompareKeys compares two keys element-wise
func CompareKeys(a, b Key) int {
	return compareSlices(a, b)
}

func asSlice(v any) []any {
	if k, ok := v.(Key); ok {
		return k
	}
	return v.([]any)
}

func compareSlices(a, b []any) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmpInt(len(a), len(b))
}

func compareObjects(a, b map[string]any) int {
	ak, bk := sortedKeys(a), sortedKeys(b)
	for i := 0; i < len(ak) && i < len(bk); i++ {
		if c := Compare(ak[i], bk[i]); c != 0 {
			return c
		}
		if c := Compare(a[ak[i]], b[bk[i]]); c != 0 {
			return c
		}
	}
	return cmpInt(len(ak), len(bk))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
