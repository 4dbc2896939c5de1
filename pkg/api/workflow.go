package api

import "time"

// Signature describes a task call: which task, with which arguments, and
// optionally on which queue.
type Signature struct {
	Name   string         `json:"name"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
	Queue  string         `json:"queue,omitempty"`
}

// NewSignature returns a Signature for name with positional args.
func NewSignature(name string, args ...any) Signature {
	return Signature{Name: name, Args: args}
}

// WithKwargs returns a copy of s with the given keyword arguments merged in.
func (s Signature) WithKwargs(kwargs map[string]any) Signature {
	merged := make(map[string]any, len(s.Kwargs)+len(kwargs))
	for k, v := range s.Kwargs {
		merged[k] = v
	}
	for k, v := range kwargs {
		merged[k] = v
	}
	s.Kwargs = merged
	return s
}

// OnQueue returns a copy of s routed to queue.
func (s Signature) OnQueue(queue string) Signature {
	s.Queue = queue
	return s
}

// WorkflowKind identifies the composition pattern of a workflow.
type WorkflowKind string

const (
	WorkflowChain WorkflowKind = "chain"
	WorkflowGroup WorkflowKind = "group"
	WorkflowChord WorkflowKind = "chord"
)

// WorkflowMember is one resolved node of a workflow. Queue is resolved and
// TaskID allocated at submission time.
type WorkflowMember struct {
	TaskID    string    `json:"task_id"`
	Signature Signature `json:"signature"`
}

// WorkflowRecord is the stored definition of a submitted workflow.
type WorkflowRecord struct {
	ID        string           `json:"id"`
	Kind      WorkflowKind     `json:"kind"`
	Members   []WorkflowMember `json:"members"`
	Callback  *WorkflowMember  `json:"callback,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// WorkflowStatus is the aggregate view of a workflow, derived from the
// status records of its members.
type WorkflowStatus struct {
	ID    string
	Kind  WorkflowKind
	State State

	// Result is the last member's result for a chain, the ordered member
	// results for a group and the callback's result for a chord.
	Result any
	Error  string

	Members  []*TaskStatus
	Callback *TaskStatus
}
