package canon

import (
	"math/big"
	"reflect"
)

// Equal reports whether two value trees are equal under canonical
// semantics: integers compare by value regardless of Go type, floats
// compare numerically (so -0.0 equals 0.0), and an integer never equals a
// float.
func Equal(a, b any) bool {
	ai, aInt := toBig(a)
	bi, bInt := toBig(b)
	if aInt || bInt {
		return aInt && bInt && ai.Cmp(bi) == 0
	}
	af, aFloat := toFloat(a)
	bf, bFloat := toFloat(b)
	if aFloat || bFloat {
		return aFloat && bFloat && af == bf
	}

	switch x := a.(type) {
	case nil:
		return b == nil
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !Equal(xv, yv) {
				return false
			}
		}
		return true
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func toBig(v any) (*big.Int, bool) {
	switch x := v.(type) {
	case *big.Int:
		if x == nil {
			return nil, false
		}
		return x, true
	case int:
		return big.NewInt(int64(x)), true
	case int64:
		return big.NewInt(x), true
	case int32:
		return big.NewInt(int64(x)), true
	case uint64:
		return new(big.Int).SetUint64(x), true
	case uint32:
		return big.NewInt(int64(x)), true
	case uint:
		return new(big.Int).SetUint64(uint64(x)), true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	return 0, false
}
