package api

import "context"

// QueueInfo describes a queue for introspection.
type QueueInfo struct {
	Name        string
	Description string
	Tasks       []string
}

// TaskInfo describes a registered task for introspection.
type TaskInfo struct {
	Name        string
	Description string
	Queue       string
	MaxRetries  int
}

// Engine is the submission and workflow API.
type Engine interface {
	// RegisterQueue adds a queue to the catalog returned by Queues.
	RegisterQueue(name, description string) error

	// Register adds a task definition. It fails with ErrDuplicateTaskName if
	// the name is taken and ErrRegistryFrozen after Freeze.
	Register(def TaskDefinition) error

	// Freeze closes the registry. It is called implicitly by the first
	// submission and when workers start.
	Freeze()

	// ResolveQueue returns the queue an invocation of name would be routed to.
	ResolveQueue(name, explicit string) (string, error)

	Submit(ctx context.Context, sig Signature) (string, error)
	SubmitChain(ctx context.Context, sigs ...Signature) (string, error)
	SubmitGroup(ctx context.Context, sigs ...Signature) (string, error)
	SubmitChord(ctx context.Context, members []Signature, callback Signature) (string, error)

	GetStatus(ctx context.Context, taskID string) (*TaskStatus, error)
	GetWorkflow(ctx context.Context, workflowID string) (*WorkflowStatus, error)

	// Cancel requests cancellation of a task. The request is honored at the
	// next retry boundary; a running execution is not interrupted.
	Cancel(ctx context.Context, taskID string) error

	Queues() []QueueInfo
	Tasks() []TaskInfo

	WorkerHost
}

// WorkerHost is the part of an engine that worker executors depend on.
type WorkerHost interface {
	// Lookup returns the definition of a registered task or ErrUnknownTask.
	Lookup(name string) (TaskDefinition, error)

	Broker() Broker
	Results() ResultStore
	Observer() Observer

	// CancelRequested reports whether Cancel was called for taskID.
	CancelRequested(ctx context.Context, taskID string) (bool, error)

	// OnTaskFinished is called after a terminal status for inv has been
	// stored, and again for duplicate deliveries of a finished task. It
	// advances any workflow inv belongs to and must be idempotent.
	OnTaskFinished(ctx context.Context, inv *Invocation, st *TaskStatus) error
}
