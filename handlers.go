package taskq

import (
	"context"
	"encoding/json"
	"fmt"
)

// TypedHandler adapts a function taking a struct of keyword arguments into
// a HandlerFunc. The kwargs map is decoded into K with the same JSON rules
// used on the wire, so K's fields use json tags:
//
//	type addArgs struct {
//	    X float64 `json:"x"`
//	    Y float64 `json:"y"`
//	}
//
//	taskq.TypedHandler(func(ctx context.Context, a addArgs) (float64, error) {
//	    return a.X + a.Y, nil
//	})
//
// Positional arguments are ignored.
func TypedHandler[K, R any](fn func(context.Context, K) (R, error)) HandlerFunc {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		var in K
		if len(kwargs) > 0 {
			data, err := json.Marshal(kwargs)
			if err != nil {
				return nil, fmt.Errorf("encode kwargs: %w", err)
			}
			if err := json.Unmarshal(data, &in); err != nil {
				return nil, fmt.Errorf("decode kwargs into %T: %w", in, err)
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}
