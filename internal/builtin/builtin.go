// Package builtin provides the demo tasks shipped with the worker binary.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/taskq/pkg/api"
)

const (
	AddNumbers       = "tasks.add_numbers"
	DivideNumbers    = "tasks.divide_numbers"
	AggregateResults = "tasks.aggregate_results"
	ProcessData      = "tasks.process_data"
)

// ComputeQueue receives long-running data processing tasks.
const ComputeQueue = "compute"

// DefaultProcessingTime is how long ProcessData works when the caller does
// not pass a "seconds" keyword argument.
const DefaultProcessingTime = 20 * time.Second

var ErrDivisionByZero = errors.New("cannot divide by zero")

// Definitions returns the builtin task definitions.
func Definitions() []api.TaskDefinition {
	return []api.TaskDefinition{
		{
			Name:        AddNumbers,
			Description: "Add two numbers (x, y)",
			Handler:     addNumbers,
		},
		{
			Name:        DivideNumbers,
			Description: "Divide x (or dividend) by y (or divisor); division by zero is retried",
			Retry: api.RetryPolicy{
				MaxRetries:        5,
				InitialBackoff:    time.Second,
				BackoffMultiplier: 2,
			},
			Handler: divideNumbers,
		},
		{
			Name:        AggregateResults,
			Description: "Sum a list of numbers, typically the results of a chord",
			Handler:     aggregateResults,
		},
		{
			Name:        ProcessData,
			Description: "Simulate a long-running processing step",
			Queue:       ComputeQueue,
			Handler:     processData,
		},
	}
}

// Register registers every builtin task on reg.
func Register(reg interface{ Register(api.TaskDefinition) error }) error {
	for _, def := range Definitions() {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func addNumbers(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	x, err := api.FloatArg(args, kwargs, 0, "x")
	if err != nil {
		return nil, err
	}
	y, err := api.FloatArg(args, kwargs, 1, "y")
	if err != nil {
		return nil, err
	}
	return x + y, nil
}

func divideNumbers(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	x, err := api.FloatArg(args, kwargs, 0, "x", "dividend")
	if err != nil {
		return nil, err
	}
	y, err := api.FloatArg(args, kwargs, 1, "y", "divisor")
	if err != nil {
		return nil, err
	}
	if y == 0 {
		return nil, api.Retryable(ErrDivisionByZero)
	}
	return x / y, nil
}

// aggregateResults sums its last positional argument, which must be a list.
// When called as a chord callback that is the list of member results.
func aggregateResults(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	v, ok := api.Lookup(args, kwargs, len(args)-1, "results")
	if !ok {
		return nil, errors.New("missing results list")
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("results: expected list, got %T", v)
	}

	var sum float64
	for i, item := range list {
		f, err := api.Float(item)
		if err != nil {
			return nil, fmt.Errorf("results[%d]: %w", i, err)
		}
		sum += f
	}
	return sum, nil
}

func processData(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	data, ok := api.Lookup(args, kwargs, 0, "data")
	if !ok {
		return nil, errors.New("missing data")
	}

	d := DefaultProcessingTime
	if v, ok := kwargs["seconds"]; ok {
		s, err := api.Float(v)
		if err != nil {
			return nil, fmt.Errorf("seconds: %w", err)
		}
		d = time.Duration(s * float64(time.Second))
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}
	return fmt.Sprintf("Processed: %v", data), nil
}
