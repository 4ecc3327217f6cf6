package statemachine

import (
	"errors"
	"fmt"
)

// ErrNoTransitionAvailable indicates the table has no edge for the state/event pair.
type ErrNoTransitionAvailable struct {
	StateName string
	EventName string
}

func (e *ErrNoTransitionAvailable) Error() string {
	return fmt.Sprintf("no transition available from state '%s' for event '%s'", e.StateName, e.EventName)
}

// ErrTransitionRejected indicates a guard vetoed the transition.
type ErrTransitionRejected struct {
	StateName string
	EventName string
}

func (e *ErrTransitionRejected) Error() string {
	return fmt.Sprintf("transition from state '%s' for event '%s' was rejected by guards", e.StateName, e.EventName)
}

func IsNoTransitionAvailableError(err error) bool {
	var e *ErrNoTransitionAvailable
	return errors.As(err, &e)
}

func IsTransitionRejectedError(err error) bool {
	var e *ErrTransitionRejected
	return errors.As(err, &e)
}
