// ABOUTME: Order-preserving byte encoding for composite keys
// ABOUTME: bytes.Compare on encoded keys agrees with Compare on the values

package collate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Type tags. The terminator (0x00) sorts below every tag so shorter
// containers order first; 0xFF is never produced and serves as +infinity
// when appended to a prefix.
const (
	tagEnd    = 0x00
	tagNull   = 0x10
	tagFalse  = 0x20
	tagTrue   = 0x21
	tagNumber = 0x30
	tagString = 0x40
	tagArray  = 0x50
	tagObject = 0x60
	tagHigh   = 0xF0

	// Infinity sorts after any encoding that shares the same prefix
	Infinity = 0xFF
)

// ErrCorrupt is returned by Decode for malformed input
var ErrCorrupt = errors.New("collate: corrupt encoding")

// Encode encodes key as an array
func Encode(key Key) ([]byte, error) {
	out, err := EncodePrefix(key)
	if err != nil {
		return nil, err
	}
	return append(out, tagEnd), nil
}

// EncodePrefix encodes key as an unterminated array. Every key that has key
// as a prefix encodes to bytes starting with the result.
func EncodePrefix(key Key) ([]byte, error) {
	out := make([]byte, 0, 32)
	out = append(out, tagArray)
	for i, v := range key {
		var err error
		out, err = appendValue(out, v)
		if err != nil {
			return nil, fmt.Errorf("key element %d: %w", i, err)
		}
	}
	return out, nil
}

// AppendString appends the escaped, terminated encoding of s
func AppendString(out []byte, s string) []byte {
	out = append(out, tagString)
	return appendEscaped(out, s)
}

func appendValue(out []byte, v any) ([]byte, error) {
	if rank(v) < 0 {
		n, err := Normalize(v)
		if err != nil {
			return nil, err
		}
		v = n
	}

	switch x := v.(type) {
	case nil:
		return append(out, tagNull), nil
	case bool:
		if x {
			return append(out, tagTrue), nil
		}
		return append(out, tagFalse), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, x)
		}
		out = append(out, tagNumber)
		return binary.BigEndian.AppendUint64(out, floatBits(x)), nil
	case string:
		return AppendString(out, x), nil
	case Key:
		return appendArray(out, x)
	case []any:
		return appendArray(out, x)
	case map[string]any:
		out = append(out, tagObject)
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = AppendString(out, k)
			var err error
			if out, err = appendValue(out, x[k]); err != nil {
				return nil, err
			}
		}
		return append(out, tagEnd), nil
	case Sentinel:
		return append(out, tagHigh), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

func appendArray(out []byte, s []any) ([]byte, error) {
	out = append(out, tagArray)
	for _, e := range s {
		var err error
		if out, err = appendValue(out, e); err != nil {
			return nil, err
		}
	}
	return append(out, tagEnd), nil
}

// appendEscaped writes s with 0x00 escaped as 0x00 0xFF, then a 0x00
// terminator. An escaped zero sorts above the terminator so "a" < "a\x00".
func appendEscaped(out []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		out = append(out, s[i])
		if s[i] == 0 {
			out = append(out, Infinity)
		}
	}
	return append(out, tagEnd)
}

// floatBits maps a float64 onto a uint64 with the same order
func floatBits(f float64) uint64 {
	u := math.Float64bits(f)
	if u&(1<<63) != 0 {
		return ^u
	}
	return u | 1<<63
}

func bitsFloat(u uint64) float64 {
	if u&(1<<63) != 0 {
		return math.Float64frombits(u &^ (1 << 63))
	}
	return math.Float64frombits(^u)
}

// Decode decodes bytes produced by Encode
func Decode(data []byte) (Key, error) {
	v, n, err := decodeValue(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(data)-n)
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: not an array", ErrCorrupt)
	}
	return Key(arr), nil
}

// DecodeString decodes one string element from the front of data and
// returns the number of bytes consumed.
func DecodeString(data []byte) (string, int, error) {
	if len(data) == 0 || data[0] != tagString {
		return "", 0, fmt.Errorf("%w: expected string", ErrCorrupt)
	}
	s, n, err := decodeEscaped(data[1:])
	return s, n + 1, err
}

func decodeValue(data []byte) (any, int, error) {
	if len(data) == 0 {
		return nil, 0, fmt.Errorf("%w: unexpected end", ErrCorrupt)
	}

	switch data[0] {
	case tagNull:
		return nil, 1, nil
	case tagFalse:
		return false, 1, nil
	case tagTrue:
		return true, 1, nil
	case tagHigh:
		return High, 1, nil
	case tagNumber:
		if len(data) < 9 {
			return nil, 0, fmt.Errorf("%w: incomplete number", ErrCorrupt)
		}
		return bitsFloat(binary.BigEndian.Uint64(data[1:9])), 9, nil
	case tagString:
		return DecodeString(data)
	case tagArray:
		pos := 1
		arr := make([]any, 0, 4)
		for {
			if pos >= len(data) {
				return nil, 0, fmt.Errorf("%w: unterminated array", ErrCorrupt)
			}
			if data[pos] == tagEnd {
				return arr, pos + 1, nil
			}
			v, n, err := decodeValue(data[pos:])
			if err != nil {
				return nil, 0, err
			}
			arr = append(arr, v)
			pos += n
		}
	case tagObject:
		pos := 1
		obj := make(map[string]any)
		for {
			if pos >= len(data) {
				return nil, 0, fmt.Errorf("%w: unterminated object", ErrCorrupt)
			}
			if data[pos] == tagEnd {
				return obj, pos + 1, nil
			}
			k, n, err := DecodeString(data[pos:])
			if err != nil {
				return nil, 0, err
			}
			pos += n
			v, n, err := decodeValue(data[pos:])
			if err != nil {
				return nil, 0, err
			}
			obj[k] = v
			pos += n
		}
	}
	return nil, 0, fmt.Errorf("%w: unknown tag 0x%02x", ErrCorrupt, data[0])
}

func decodeEscaped(data []byte) (string, int, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != 0 {
			out = append(out, data[i])
			continue
		}
		if i+1 < len(data) && data[i+1] == Infinity {
			out = append(out, 0)
			i++
			continue
		}
		return string(out), i + 1, nil
	}
	return "", 0, fmt.Errorf("%w: unterminated string", ErrCorrupt)
}
