package engine

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/petrijr/taskq/pkg/api"
)

// taskRegistry maps task names to definitions and queue names to their
// descriptions. It is append-only and becomes read-only once frozen.
type taskRegistry struct {
	mu     sync.RWMutex
	frozen bool
	byName map[string]api.TaskDefinition
	queues map[string]string
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{
		byName: make(map[string]api.TaskDefinition),
		queues: map[string]string{api.DefaultQueue: "Default queue"},
	}
}

func (r *taskRegistry) Register(def api.TaskDefinition) error {
	if def.Name == "" {
		return errors.New("task name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("task %q has no handler", def.Name)
	}
	if def.Retry.MaxRetries < 0 {
		return fmt.Errorf("task %q: max retries must not be negative", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("register task %q: %w", def.Name, api.ErrRegistryFrozen)
	}
	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("task %q: %w", def.Name, api.ErrDuplicateTaskName)
	}
	r.byName[def.Name] = def
	return nil
}

func (r *taskRegistry) RegisterQueue(name, description string) error {
	if name == "" {
		return errors.New("queue name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("register queue %q: %w", name, api.ErrRegistryFrozen)
	}
	r.queues[name] = description
	return nil
}

func (r *taskRegistry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *taskRegistry) Get(name string) (api.TaskDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byName[name]
	if !ok {
		return api.TaskDefinition{}, fmt.Errorf("task %q: %w", name, api.ErrUnknownTask)
	}
	return def, nil
}

// ResolveQueue picks the queue for an invocation: the explicit override,
// then the task's default queue, then api.DefaultQueue.
func (r *taskRegistry) ResolveQueue(name, explicit string) (string, error) {
	def, err := r.Get(name)
	if err != nil {
		return "", err
	}
	switch {
	case explicit != "":
		return explicit, nil
	case def.Queue != "":
		return def.Queue, nil
	default:
		return api.DefaultQueue, nil
	}
}

// Queues lists every registered queue and every queue a task routes to,
// sorted by name.
func (r *taskRegistry) Queues() []api.QueueInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byQueue := make(map[string]*api.QueueInfo, len(r.queues))
	for name, desc := range r.queues {
		byQueue[name] = &api.QueueInfo{Name: name, Description: desc}
	}
	for name, def := range r.byName {
		q := def.Queue
		if q == "" {
			q = api.DefaultQueue
		}
		info, ok := byQueue[q]
		if !ok {
			info = &api.QueueInfo{Name: q}
			byQueue[q] = info
		}
		info.Tasks = append(info.Tasks, name)
	}

	out := make([]api.QueueInfo, 0, len(byQueue))
	for _, info := range byQueue {
		slices.Sort(info.Tasks)
		out = append(out, *info)
	}
	slices.SortFunc(out, func(a, b api.QueueInfo) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

func (r *taskRegistry) Tasks() []api.TaskInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]api.TaskInfo, 0, len(names))
	for _, name := range names {
		def := r.byName[name]
		q := def.Queue
		if q == "" {
			q = api.DefaultQueue
		}
		out = append(out, api.TaskInfo{
			Name:        name,
			Description: def.Description,
			Queue:       q,
			MaxRetries:  def.Retry.MaxRetries,
		})
	}
	return out
}
