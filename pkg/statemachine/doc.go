// Package statemachine provides a generic, stateless transition table.
//
// Entities persisted elsewhere (a database row, for example) keep their own
// state; the table only answers whether a move is legal:
//
//	type Status string
//	type Event string
//
//	table := statemachine.New[Status, Event]().
//		Allow([]Status{"pending"}, "confirm", "active", "trialing").
//		Allow([]Status{"active", "trialing"}, "payment_failed", "past_due")
//
//	if err := table.Transition(ctx, sub.Status, "payment_failed", "past_due"); err != nil {
//		// statemachine.IsNoTransitionAvailableError(err) == true
//	}
//
// Guards attached with AllowIf veto transitions at runtime and surface as
// ErrTransitionRejected.
package statemachine
