package statemachine

import (
	"context"
	"fmt"
	"slices"
)

// Guard decides at runtime whether a transition may be taken.
type Guard[S comparable, E comparable] func(ctx context.Context, from S, event E, data any) bool

type transition[S comparable, E comparable] struct {
	to     S
	guards []Guard[S, E]
}

type key[S comparable, E comparable] struct {
	from  S
	event E
}

// Table maps (state, event) pairs to candidate target states.
type Table[S comparable, E comparable] struct {
	transitions map[key[S, E]][]transition[S, E]
	terminal    map[S]struct{}
}

// Option configures a Table during construction.
type Option[S comparable, E comparable] func(*Table[S, E])

// WithTransition registers from --event--> to. Candidates registered for the
// same pair are tried in registration order; the first whose guards all pass
// wins.
func WithTransition[S comparable, E comparable](from S, event E, to S, guards ...Guard[S, E]) Option[S, E] {
	return func(t *Table[S, E]) {
		k := key[S, E]{from: from, event: event}
		t.transitions[k] = append(t.transitions[k], transition[S, E]{to: to, guards: guards})
	}
}

// WithTerminal marks states without outgoing transitions. Registering a
// transition out of a terminal state panics at construction.
func WithTerminal[S comparable, E comparable](states ...S) Option[S, E] {
	return func(t *Table[S, E]) {
		for _, s := range states {
			t.terminal[s] = struct{}{}
		}
	}
}

// NewTable builds an immutable table.
func NewTable[S comparable, E comparable](opts ...Option[S, E]) *Table[S, E] {
	t := &Table[S, E]{
		transitions: make(map[key[S, E]][]transition[S, E]),
		terminal:    make(map[S]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	for k := range t.transitions {
		if _, ok := t.terminal[k.from]; ok {
			panic(fmt.Sprintf("statemachine: transition registered out of terminal state %v", k.from))
		}
	}
	return t
}

// Next returns the target state for event fired in state from.
func (t *Table[S, E]) Next(ctx context.Context, from S, event E, data any) (S, error) {
	var zero S
	candidates, ok := t.transitions[key[S, E]{from: from, event: event}]
	if !ok || len(candidates) == 0 {
		return zero, &ErrNoTransitionAvailable{State: fmt.Sprint(from), Event: fmt.Sprint(event)}
	}

	for _, c := range candidates {
		if allPass(ctx, c.guards, from, event, data) {
			return c.to, nil
		}
	}
	return zero, &ErrTransitionRejected{State: fmt.Sprint(from), Event: fmt.Sprint(event)}
}

// Can reports whether Next would succeed.
func (t *Table[S, E]) Can(ctx context.Context, from S, event E, data any) bool {
	_, err := t.Next(ctx, from, event, data)
	return err == nil
}

// IsTerminal reports whether s was registered with WithTerminal.
func (t *Table[S, E]) IsTerminal(s S) bool {
	_, ok := t.terminal[s]
	return ok
}

// Events lists events that have at least one candidate from s, ignoring guards.
func (t *Table[S, E]) Events(s S) []E {
	var out []E
	for k := range t.transitions {
		if k.from == s && !slices.Contains(out, k.event) {
			out = append(out, k.event)
		}
	}
	return out
}

func allPass[S comparable, E comparable](ctx context.Context, guards []Guard[S, E], from S, event E, data any) bool {
	for _, g := range guards {
		if g != nil && !g(ctx, from, event, data) {
			return false
		}
	}
	return true
}
