package taskq

import (
	"fmt"
	"time"

	"github.com/petrijr/taskq/pkg/api"
)

// TaskBuilder provides a fluent API for defining tasks:
//
//	taskq.NewTask("tasks.divide_numbers").
//	    Describe("Divide x by y").
//	    Retry(taskq.Retry(5).WithExponentialBackoff(time.Second, 2, 0)).
//	    Handler(divide).
//	    MustRegister(engine)
type TaskBuilder struct {
	def api.TaskDefinition
}

// NewTask creates a builder for a task with the given name.
func NewTask(name string) *TaskBuilder {
	return &TaskBuilder{def: api.TaskDefinition{Name: name}}
}

// Name returns the task name.
func (b *TaskBuilder) Name() string {
	return b.def.Name
}

// Definition returns the underlying TaskDefinition.
func (b *TaskBuilder) Definition() TaskDefinition {
	return b.def
}

func (b *TaskBuilder) Describe(description string) *TaskBuilder {
	b.def.Description = description
	return b
}

// OnQueue sets the default queue of the task.
func (b *TaskBuilder) OnQueue(queue string) *TaskBuilder {
	b.def.Queue = queue
	return b
}

func (b *TaskBuilder) Retry(r RetryBuilder) *TaskBuilder {
	b.def.Retry = r.Policy()
	return b
}

// TimeLimit sets the hard limit for a single execution.
func (b *TaskBuilder) TimeLimit(d time.Duration) *TaskBuilder {
	b.def.TimeLimit = d
	return b
}

func (b *TaskBuilder) Handler(fn HandlerFunc) *TaskBuilder {
	if fn == nil {
		panic(fmt.Sprintf("taskq: task %q has nil handler", b.def.Name))
	}
	b.def.Handler = fn
	return b
}

// Register registers the built task with the given engine.
func (b *TaskBuilder) Register(eng Engine) error {
	return eng.Register(b.def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *TaskBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}
