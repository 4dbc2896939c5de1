package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/petrijr/taskq/pkg/api"
)

// EncodeStatus serializes a status record. The cancel flag is stored
// separately and never encoded.
func EncodeStatus(st *api.TaskStatus) ([]byte, error) {
	cp := *st
	cp.CancelRequested = false
	return json.Marshal(&cp)
}

// DecodeStatus is the inverse of EncodeStatus.
func DecodeStatus(data []byte) (*api.TaskStatus, error) {
	var st api.TaskStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// EncodeValue serializes v for SetWithTTL.
func EncodeValue(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeValue decodes a value written by EncodeValue into T.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}

// rejectTransition is returned when a stored status may not move to st.State.
func rejectTransition(st *api.TaskStatus) error {
	return fmt.Errorf("%w: %s cannot move to %s", api.ErrInvalidTransition, st.TaskID, st.State)
}

func stateNames(states []api.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
