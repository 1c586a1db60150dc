package view

import (
	"encoding/json"
	"fmt"

	"github.com/nainya/viewstore/pkg/collate"
)

// Sum adds numeric values. Any other value fails with ErrInvalidReduceValue.
func Sum(values []any) (any, error) {
	var total float64
	for _, v := range values {
		switch v.(type) {
		case int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64, json.Number:
		default:
			return nil, fmt.Errorf("%w: %T is not a number", ErrInvalidReduceValue, v)
		}
		n, err := collate.Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidReduceValue, err)
		}
		total += n.(float64)
	}
	return total, nil
}
