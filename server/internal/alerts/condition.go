package alerts

import (
	"fmt"
	"strconv"
	"strings"
)

// condition is a parsed rule: "<medians path> <op> <number>".
type condition struct {
	path      []string
	op        string
	threshold float64
}

// parseCondition parses expressions such as
//
//	firstView.SpeedIndex > 3000
//	firstView.TTFB >= 800
//	repeatView.breakdown.js.bytes > 500000
//	firstView.userTimes.hero <= 2500
func parseCondition(s string) (condition, error) {
	parts := strings.Fields(s)
	if len(parts) != 3 {
		return condition{}, fmt.Errorf("condition %q: want \"<path> <op> <number>\"", s)
	}
	field, op, rhs := parts[0], parts[1], parts[2]

	switch op {
	case ">", ">=", "<", "<=", "==":
	default:
		return condition{}, fmt.Errorf("condition %q: unknown operator %q", s, op)
	}
	threshold, err := strconv.ParseFloat(rhs, 64)
	if err != nil {
		return condition{}, fmt.Errorf("condition %q: threshold: %w", s, err)
	}
	path := strings.Split(field, ".")
	for _, seg := range path {
		if seg == "" {
			return condition{}, fmt.Errorf("condition %q: empty path segment", s)
		}
	}
	return condition{path: path, op: op, threshold: threshold}, nil
}

// eval looks up the condition's path in medians. It returns ok=false when
// the path is absent or not numeric, in which case the rule neither fires
// nor resolves.
func (c condition) eval(medians map[string]any) (fires bool, value float64, ok bool) {
	var cur any = medians
	for _, seg := range c.path {
		m, isMap := cur.(map[string]any)
		if !isMap {
			return false, 0, false
		}
		if cur, isMap = m[seg]; !isMap {
			return false, 0, false
		}
	}
	v, isNum := cur.(float64)
	if !isNum {
		return false, 0, false
	}
	return compareFloat(v, c.op, c.threshold), v, true
}

// compareFloat applies a comparison operator to two float64 values.
func compareFloat(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	default:
		return false
	}
}
