package statemachine

import (
	"context"
	"fmt"
	"slices"
)

// Guard vetoes a transition at runtime. Returning false rejects it.
type Guard[S comparable, E comparable] func(ctx context.Context, from S, event E, to S) bool

type edge[S comparable, E comparable] struct {
	to     S
	guards []Guard[S, E]
}

// Table is an immutable-after-build transition table. It holds no current
// state: entities keep their own state and ask the table whether a move is legal,
// which lets one table serve any number of concurrently processed entities.
type Table[S comparable, E comparable] struct {
	edges map[S]map[E][]edge[S, E]
}

// New creates an empty table.
func New[S comparable, E comparable]() *Table[S, E] {
	return &Table[S, E]{edges: make(map[S]map[E][]edge[S, E])}
}

// Allow registers event as moving every state in from to each state in to.
func (t *Table[S, E]) Allow(from []S, event E, to ...S) *Table[S, E] {
	return t.AllowIf(from, event, nil, to...)
}

// AllowIf is Allow with a guard evaluated on every Transition.
func (t *Table[S, E]) AllowIf(from []S, event E, guard Guard[S, E], to ...S) *Table[S, E] {
	for _, f := range from {
		byEvent, ok := t.edges[f]
		if !ok {
			byEvent = make(map[E][]edge[S, E])
			t.edges[f] = byEvent
		}
		for _, target := range to {
			e := edge[S, E]{to: target}
			if guard != nil {
				e.guards = append(e.guards, guard)
			}
			byEvent[event] = append(byEvent[event], e)
		}
	}
	return t
}

// Transition validates moving from -> to on event.
func (t *Table[S, E]) Transition(ctx context.Context, from S, event E, to S) error {
	edges := t.edges[from][event]
	idx := slices.IndexFunc(edges, func(e edge[S, E]) bool { return e.to == to })
	if idx < 0 {
		return &ErrNoTransitionAvailable{StateName: fmt.Sprint(from), EventName: fmt.Sprint(event)}
	}
	for _, g := range edges[idx].guards {
		if !g(ctx, from, event, to) {
			return &ErrTransitionRejected{StateName: fmt.Sprint(from), EventName: fmt.Sprint(event)}
		}
	}
	return nil
}

// Next resolves the target of event when exactly one target is registered for from.
func (t *Table[S, E]) Next(ctx context.Context, from S, event E) (S, error) {
	var zero S
	edges := t.edges[from][event]
	if len(edges) != 1 {
		return zero, &ErrNoTransitionAvailable{StateName: fmt.Sprint(from), EventName: fmt.Sprint(event)}
	}
	if err := t.Transition(ctx, from, event, edges[0].to); err != nil {
		return zero, err
	}
	return edges[0].to, nil
}

// Can reports whether event has at least one target from the given state.
func (t *Table[S, E]) Can(from S, event E) bool {
	return len(t.edges[from][event]) > 0
}

// Events lists the events accepted in state from.
func (t *Table[S, E]) Events(from S) []E {
	out := make([]E, 0, len(t.edges[from]))
	for e := range t.edges[from] {
		out = append(out, e)
	}
	return out
}
