package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Handler processes the payload of tasks whose TaskName equals Name().
type Handler interface {
	Name() string
	Handle(ctx context.Context, payload json.RawMessage) error
}

type (
	TaskHandlerFunc[T any]  func(ctx context.Context, payload T) error
	PeriodicTaskHandlerFunc func(ctx context.Context) error
)

// NewTaskHandler builds a handler for payloads of type T.
// The task name is derived from the payload type, so Enqueue(T{}) and
// NewTaskHandler[T] always agree without any string constants.
func NewTaskHandler[T any](fn TaskHandlerFunc[T]) Handler {
	var zero T
	return &typedHandler[T]{name: TaskNameOf(zero), fn: fn}
}

// NewPeriodicTaskHandler builds a handler for a task registered in the Scheduler under name.
func NewPeriodicTaskHandler(name string, fn PeriodicTaskHandlerFunc) Handler {
	return &periodicHandler{name: name, fn: fn}
}

// TaskNameOf returns the task name used for payload v.
func TaskNameOf(v any) string {
	return strings.TrimLeft(fmt.Sprintf("%T", v), "*")
}

type typedHandler[T any] struct {
	name string
	fn   TaskHandlerFunc[T]
}

func (h *typedHandler[T]) Name() string { return h.name }

func (h *typedHandler[T]) Handle(ctx context.Context, payload json.RawMessage) error {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("decode %s payload: %w", h.name, err)
	}
	return h.fn(ctx, v)
}

type periodicHandler struct {
	name string
	fn   PeriodicTaskHandlerFunc
}

func (h *periodicHandler) Name() string { return h.name }

func (h *periodicHandler) Handle(ctx context.Context, _ json.RawMessage) error {
	return h.fn(ctx)
}
