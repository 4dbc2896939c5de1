package api

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Float converts a decoded argument to float64. It accepts the JSON number
// representation as well as Go numeric types passed to an in-process
// handler directly.
func Float(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

// Lookup returns positional argument i if present, otherwise the first
// keyword argument found among names.
func Lookup(args []any, kwargs map[string]any, i int, names ...string) (any, bool) {
	if i >= 0 && i < len(args) {
		return args[i], true
	}
	for _, name := range names {
		if v, ok := kwargs[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// FloatArg combines Lookup and Float.
func FloatArg(args []any, kwargs map[string]any, i int, names ...string) (float64, error) {
	v, ok := Lookup(args, kwargs, i, names...)
	if !ok {
		return 0, fmt.Errorf("missing argument %d %v", i, names)
	}
	f, err := Float(v)
	if err != nil {
		return 0, fmt.Errorf("argument %d: %w", i, err)
	}
	return f, nil
}
