// Package statemachine provides a stateless, typed transition table.
//
// Unlike a classic FSM the table does not hold a current state. Callers
// persist state elsewhere (a database row, for example) and ask the table
// which state an event leads to from a given origin:
//
//	const (
//		Draft    = "draft"
//		Review   = "review"
//		Submit   = "submit"
//	)
//
//	table := statemachine.NewTable[string, string](
//		statemachine.WithTransition(Draft, Submit, Review),
//	)
//	next, err := table.Next(ctx, Draft, Submit, nil)
//
// Guards may veto a transition at runtime. When every candidate is vetoed,
// Next returns *ErrTransitionRejected; when no candidate exists it returns
// *ErrNoTransitionAvailable. Tables are immutable after construction and
// safe for concurrent use.
package statemachine
