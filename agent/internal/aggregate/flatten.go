package aggregate

import (
	"encoding/json"
	"math"
)

// Flatten returns every numeric leaf of m keyed by its dotted path, e.g.
// {"firstView":{"SpeedIndex":1000}} gives {"firstView.SpeedIndex":1000}.
// Strings, booleans, nulls, arrays and non-finite numbers are skipped.
func Flatten(m map[string]any) map[string]float64 {
	out := make(map[string]float64)
	flatten("", m, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]float64) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch x := v.(type) {
		case map[string]any:
			flatten(path, x, out)
		default:
			if f, ok := number(x); ok {
				out[path] = f
			}
		}
	}
}

func number(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case int32:
		f = float64(x)
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
