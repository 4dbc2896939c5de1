package taskqueue

import (
	"encoding/json"

	"github.com/petrijr/taskq/pkg/api"
)

// EncodeInvocation serializes an invocation for storage on a broker.
func EncodeInvocation(inv *api.Invocation) ([]byte, error) {
	return json.Marshal(inv)
}

// DecodeInvocation is the inverse of EncodeInvocation.
func DecodeInvocation(data []byte) (*api.Invocation, error) {
	var inv api.Invocation
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}
