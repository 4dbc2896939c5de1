package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/petrijr/taskq/pkg/api"
)

// parseValue decodes a command line argument as JSON. Anything that isn't
// valid JSON is passed through as a string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// parseSignature builds a signature from a task name and raw arguments.
func parseSignature(name string, rawArgs []string, kwargs string) (api.Signature, error) {
	if name == "" {
		return api.Signature{}, fmt.Errorf("task name is required")
	}
	args := make([]any, len(rawArgs))
	for i, a := range rawArgs {
		args[i] = parseValue(a)
	}
	sig := api.NewSignature(name, args...)
	if kwargs != "" {
		var kw map[string]any
		if err := json.Unmarshal([]byte(kwargs), &kw); err != nil {
			return api.Signature{}, fmt.Errorf("kwargs: %w", err)
		}
		sig = sig.WithKwargs(kw)
	}
	return sig, nil
}

// parseMember parses a workflow member written as "task arg arg...".
func parseMember(spec string) (api.Signature, error) {
	fields := strings.Fields(spec)
	if len(fields) == 0 {
		return api.Signature{}, fmt.Errorf("empty workflow member")
	}
	return parseSignature(fields[0], fields[1:], "")
}

func parseMembers(specs []string) ([]api.Signature, error) {
	sigs := make([]api.Signature, 0, len(specs))
	for _, s := range specs {
		sig, err := parseMember(s)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}
