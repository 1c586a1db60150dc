// ABOUTME: Tests for composite key ordering and encoding
// ABOUTME: Verifies encoded byte order matches value order and roundtrips

package collate

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"sort"
	"testing"
)

// ascending is a list of keys in strictly increasing order
var ascending = []Key{
	{},
	{nil},
	{false},
	{true},
	{-1e9},
	{-1.5},
	{0},
	{1},
	{2.5},
	{1e12},
	{""},
	{"a"},
	{"a\x00"},
	{"a\x00b"},
	{"aa"},
	{"b"},
	{"genre:action"},
	{"genre:action", nil},
	{"genre:action", "berserk"},
	{"genre:action", "naruto"},
	{"genre:action", High},
	{"genre:actionx"},
	{[]any{}},
	{[]any{"a"}},
	{[]any{"a", 1.0}},
	{[]any{"b"}},
	{map[string]any{}},
	{map[string]any{"a": 1.0}},
	{map[string]any{"a": 2.0}},
	{map[string]any{"a": 2.0, "b": nil}},
	{map[string]any{"b": 0.0}},
	{High},
	{High, "x"},
}

func TestCompareOrder(t *testing.T) {
	for i := 0; i < len(ascending)-1; i++ {
		a, b := ascending[i], ascending[i+1]
		if c := CompareKeys(a, b); c != -1 {
			t.Errorf("CompareKeys(%v, %v) = %d, want -1", a, b, c)
		}
		if c := CompareKeys(b, a); c != 1 {
			t.Errorf("CompareKeys(%v, %v) = %d, want 1", b, a, c)
		}
	}
	for _, k := range ascending {
		if c := CompareKeys(k, k); c != 0 {
			t.Errorf("CompareKeys(%v, itself) = %d", k, c)
		}
	}
}

func TestEncodePreservesOrder(t *testing.T) {
	encoded := make([][]byte, len(ascending))
	for i, k := range ascending {
		enc, err := Encode(k)
		if err != nil {
			t.Fatalf("Encode(%v): %v", k, err)
		}
		encoded[i] = enc
	}

	for i := 0; i < len(encoded)-1; i++ {
		if bytes.Compare(encoded[i], encoded[i+1]) >= 0 {
			t.Errorf("Order violated: %v should encode below %v", ascending[i], ascending[i+1])
		}
	}
}

func TestEncodeRandomNumbers(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	nums := make([]float64, 500)
	for i := range nums {
		nums[i] = (r.Float64() - 0.5) * math.Pow(10, float64(r.Intn(20)-5))
	}
	nums = append(nums, 0, math.MaxFloat64, -math.MaxFloat64, math.SmallestNonzeroFloat64)

	sort.Slice(nums, func(i, j int) bool {
		ei, _ := Encode(Key{nums[i]})
		ej, _ := Encode(Key{nums[j]})
		return bytes.Compare(ei, ej) < 0
	})
	if !sort.Float64sAreSorted(nums) {
		t.Fatal("byte order of encoded numbers disagrees with numeric order")
	}
}

func TestDecodeRoundtrip(t *testing.T) {
	for _, k := range ascending {
		enc, err := Encode(k)
		if err != nil {
			t.Fatalf("Encode(%v): %v", k, err)
		}
		dec, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode(%v): %v", k, err)
		}
		if CompareKeys(dec, k) != 0 {
			t.Errorf("Roundtrip failed: expected %v, got %v", k, dec)
		}
	}
}

func TestEncodePrefix(t *testing.T) {
	prefix, err := EncodePrefix(Key{"genre:action"})
	if err != nil {
		t.Fatalf("EncodePrefix: %v", err)
	}
	full, _ := Encode(Key{"genre:action", "berserk"})
	if !bytes.HasPrefix(full, prefix) {
		t.Errorf("%x does not start with %x", full, prefix)
	}

	upper := append(append([]byte{}, prefix...), Infinity)
	if bytes.Compare(full, upper) >= 0 {
		t.Error("prefix+Infinity should bound every extension of the prefix")
	}
	withHigh, _ := Encode(Key{"genre:action", High})
	if bytes.Compare(withHigh, upper) >= 0 {
		t.Error("High extension should still sort below prefix+Infinity")
	}
}

func TestNormalize(t *testing.T) {
	k, err := NormalizeKey(Key{1, int64(2), uint8(3), float32(0.5), []string{"x"}, map[string]int{"a": 1}})
	if err != nil {
		t.Fatalf("NormalizeKey: %v", err)
	}
	want := Key{1.0, 2.0, 3.0, 0.5, []any{"x"}, map[string]any{"a": 1.0}}
	if CompareKeys(k, want) != 0 {
		t.Errorf("expected %v, got %v", want, k)
	}

	if _, err := Normalize(math.NaN()); !errors.Is(err, ErrUnsupportedValue) {
		t.Errorf("NaN: expected ErrUnsupportedValue, got %v", err)
	}
	if _, err := Normalize(struct{}{}); !errors.Is(err, ErrUnsupportedValue) {
		t.Errorf("struct: expected ErrUnsupportedValue, got %v", err)
	}
	if _, err := Encode(Key{math.Inf(1)}); err == nil {
		t.Error("expected error encoding +Inf")
	}

	neg, _ := Normalize(math.Copysign(0, -1))
	if math.Signbit(neg.(float64)) {
		t.Error("-0 should normalize to 0")
	}
}

func TestParseKeyJSON(t *testing.T) {
	k, err := ParseKeyJSON(`["genre:action", {}]`)
	if err != nil {
		t.Fatalf("ParseKeyJSON: %v", err)
	}
	if len(k) != 2 || k[0] != "genre:action" || k[1] != High {
		t.Errorf("unexpected key %v", k)
	}

	k, err = ParseKeyJSON(`["s1", 3, true, null, {"a": 1}]`)
	if err != nil {
		t.Fatalf("ParseKeyJSON: %v", err)
	}
	if CompareKeys(k, Key{"s1", 3.0, true, nil, map[string]any{"a": 1.0}}) != 0 {
		t.Errorf("unexpected key %v", k)
	}

	if _, err := ParseKeyJSON(`"not an array"`); err == nil {
		t.Error("expected error for non-array")
	}
}

func TestTruncateAndString(t *testing.T) {
	k := Key{"a", 1.0, High}
	if got := k.Truncate(2); len(got) != 2 {
		t.Errorf("Truncate(2) = %v", got)
	}
	if got := k.Truncate(10); len(got) != 3 {
		t.Errorf("Truncate(10) = %v", got)
	}
	if got := k.String(); got != `["a",1,{}]` {
		t.Errorf("String() = %s", got)
	}
}

func TestDecodeCorrupt(t *testing.T) {
	bad := [][]byte{
		{},
		{tagArray},
		{tagArray, tagString, 'a'},
		{tagArray, tagNumber, 1, 2},
		{tagArray, 0x99, tagEnd},
		{tagString, 'a', 0},
	}
	for _, b := range bad {
		if _, err := Decode(b); !errors.Is(err, ErrCorrupt) {
			t.Errorf("Decode(%x): expected ErrCorrupt, got %v", b, err)
		}
	}
}
