package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownTaskType = errors.New("unknown task type")

// Handler executes a task. Tasks may be executed more than once, handlers
// must be idempotent.
type Handler func(ctx context.Context, payload []byte) error

type Task struct {
	Id      string    `json:"id"`
	Type    string    `json:"type"`
	Payload []byte    `json:"payload,omitempty"`
	DueAt   time.Time `json:"dueAt"`
}

func NewTask(taskType string, payload []byte, dueAt time.Time) Task {
	return Task{
		Id:      uuid.NewString(),
		Type:    taskType,
		Payload: payload,
		DueAt:   dueAt,
	}
}

func (t Task) String() string {
	return fmt.Sprintf("%s %s (due %s)", t.Type, t.Id,
		t.DueAt.Format(time.RFC3339))
}

// Registry maps task types to their handler. The set of types is fixed when
// the registry is created.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry(handlers map[string]Handler) (*Registry, error) {
	r := Registry{
		handlers: make(map[string]Handler, len(handlers)),
	}

	for taskType, handler := range handlers {
		if taskType == "" {
			return nil, fmt.Errorf("empty task type")
		}

		if handler == nil {
			return nil, fmt.Errorf("missing handler for task type %q", taskType)
		}

		r.handlers[taskType] = handler
	}

	return &r, nil
}

func (r *Registry) Check(taskType string) error {
	if _, found := r.handlers[taskType]; !found {
		return fmt.Errorf("%w %q", ErrUnknownTaskType, taskType)
	}

	return nil
}

func (r *Registry) Handler(taskType string) (Handler, error) {
	handler, found := r.handlers[taskType]
	if !found {
		return nil, fmt.Errorf("%w %q", ErrUnknownTaskType, taskType)
	}

	return handler, nil
}

func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for taskType := range r.handlers {
		types = append(types, taskType)
	}

	sort.Strings(types)

	return types
}
