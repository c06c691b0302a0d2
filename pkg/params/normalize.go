package params

import "math"

// normalizeScalar widens integer kinds to int64 and float32 to float64.
// Unsigned values above MaxInt64 stay uint64.
func normalizeScalar(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return widenUint(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return widenUint(x)
	case float32:
		return float64(x)
	}
	return v
}

func widenUint(u uint64) any {
	if u <= math.MaxInt64 {
		return int64(u)
	}
	return u
}

// Normalize brings a value into the canonical in-memory form shared by
// freshly computed and disk-loaded results: scalars are widened, []any and
// map[string]any contents are normalized recursively and trees are frozen.
// Typed slices, maps and structs are returned unchanged.
func Normalize(v any) any {
	switch x := v.(type) {
	case *Tree:
		if x != nil {
			x.Freeze()
		}
		return x
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Normalize(e)
		}
		return out
	}
	return normalizeScalar(v)
}
