package api

import "time"

// State is the lifecycle state of a task.
type State string

const (
	StatePending   State = "PENDING"
	StateStarted   State = "STARTED"
	StateRetrying  State = "RETRYING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var transitions = map[State][]State{
	StatePending: {StateStarted, StateFailed},
	// Started -> Started happens when a lease expires and the invocation is
	// redelivered to another executor.
	StateStarted:  {StateStarted, StateRetrying, StateCompleted, StateFailed},
	StateRetrying: {StateStarted, StateFailed},
}

// CanTransition reports whether a status record may move from one state to
// another. States only move forward; terminal states never change.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedFrom returns the states that may move to to, in lifecycle order.
// Stores use it to guard conditional writes.
func AllowedFrom(to State) []State {
	var from []State
	for _, s := range []State{StatePending, StateStarted, StateRetrying} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// TaskStatus is the durable record of a task's lifecycle.
type TaskStatus struct {
	TaskID     string    `json:"task_id"`
	TaskName   string    `json:"task_name"`
	Queue      string    `json:"queue"`
	State      State     `json:"state"`
	Result     any       `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	RetryCount int       `json:"retry_count"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	// CancelRequested is filled in on reads; it is stored separately from
	// the record so workers never overwrite it.
	CancelRequested bool `json:"cancel_requested,omitempty"`
}

// NewPendingStatus returns the initial status record for inv.
func NewPendingStatus(inv *Invocation, now time.Time) *TaskStatus {
	return &TaskStatus{
		TaskID:     inv.TaskID,
		TaskName:   inv.TaskName,
		Queue:      inv.Queue,
		State:      StatePending,
		RetryCount: inv.RetryCount,
		WorkflowID: inv.WorkflowID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
