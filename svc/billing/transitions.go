package billing

import (
	"context"
	"errors"

	"github.com/dmitrymomot/taskhub/pkg/statemachine"
)

type lifecycleEvent string

const (
	eventCheckoutConfirmed lifecycleEvent = "checkout_confirmed"
	eventPaymentSucceeded  lifecycleEvent = "payment_succeeded"
	eventPaymentFailed     lifecycleEvent = "payment_failed"
	eventFinalFailure      lifecycleEvent = "final_failure"
	eventProviderDeleted   lifecycleEvent = "provider_deleted"
	eventRestart           lifecycleEvent = "restart"
	eventStatusSync        lifecycleEvent = "status_sync"
)

var allStatuses = []Status{
	StatusPending, StatusTrialing, StatusActive, StatusPastDue, StatusCancelled, StatusProcessing,
}

var billable = []Status{StatusActive, StatusTrialing, StatusProcessing, StatusPastDue}

// lifecycle is the subscription transition table. Target states that equal
// the source are listed so redelivered events stay legal.
var lifecycle = statemachine.New[Status, lifecycleEvent]().
	Allow([]Status{StatusPending}, eventCheckoutConfirmed,
		StatusActive, StatusTrialing, StatusProcessing, StatusPastDue).
	Allow(billable, eventPaymentSucceeded, StatusActive).
	Allow(billable, eventPaymentFailed, StatusPastDue).
	Allow(append([]Status{StatusCancelled}, billable...), eventFinalFailure, StatusCancelled).
	Allow(allStatuses, eventProviderDeleted, StatusCancelled).
	Allow([]Status{StatusCancelled, StatusProcessing}, eventRestart, StatusProcessing).
	Allow(allStatuses, eventStatusSync, allStatuses...)

// transition moves sub to the target status if the table allows it.
func transition(ctx context.Context, sub *Subscription, ev lifecycleEvent, to Status) error {
	if err := lifecycle.Transition(ctx, sub.Status, ev, to); err != nil {
		return errors.Join(ErrInvalidState, err)
	}
	sub.Status = to
	return nil
}
