package billing

import "errors"

// Error classes. Every error returned by this package matches exactly one of
// them with errors.Is, so callers map classes to responses without knowing
// the specific error.
var (
	ErrValidation   = errors.New("validation")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrProvider     = errors.New("payment provider")
	ErrInconsistent = errors.New("inconsistent state")
)

var (
	ErrInvalidParams = classified(ErrValidation, "billing: invalid parameters")
	ErrInvalidPlan   = classified(ErrValidation, "billing: unknown plan or duration")
	ErrUnknownKind   = classified(ErrValidation, "billing: unknown resource kind")

	ErrOrganizationNotFound = classified(ErrNotFound, "billing: organization not found")
	ErrSubscriptionNotFound = classified(ErrNotFound, "billing: subscription not found")

	ErrSubscriptionExists     = classified(ErrConflict, "billing: organization already has a subscription")
	ErrRestartRequired        = classified(ErrConflict, "billing: subscription must be restarted instead")
	ErrInvalidState           = classified(ErrConflict, "billing: operation not allowed in the current subscription status")
	ErrCancelNotRequested     = classified(ErrConflict, "billing: cancellation was not requested")
	ErrCancelAlreadyRequested = classified(ErrConflict, "billing: cancellation already requested")
	ErrSamePlan               = classified(ErrConflict, "billing: subscription is already on this plan")
	ErrProviderStillActive    = classified(ErrConflict, "billing: customer still has an active provider subscription")
	ErrNoPaymentMethod        = classified(ErrConflict, "billing: no payment method on file")
	ErrSubscriptionInactive   = classified(ErrConflict, "billing: subscription is not active")
	ErrLimitExceeded          = classified(ErrConflict, "billing: plan limit reached")

	ErrNotOwner = classified(ErrForbidden, "billing: only the organization owner can do this")

	ErrInvalidSignature = classified(ErrProvider, "billing: invalid webhook signature")
	ErrProviderCall     = classified(ErrProvider, "billing: payment provider call failed")
	ErrMalformedEvent   = classified(ErrProvider, "billing: malformed webhook event")

	ErrUnknownSubscription = classified(ErrInconsistent, "billing: event references an unknown subscription")
	ErrUnknownPrice        = classified(ErrInconsistent, "billing: event references an unknown price")
	ErrNoCurrentCycle      = classified(ErrInconsistent, "billing: no usage record for the current cycle")
	ErrMissingMetadata     = classified(ErrInconsistent, "billing: checkout session lacks organization metadata")
)

type classifiedError struct {
	class error
	msg   string
}

func classified(class error, msg string) error {
	return &classifiedError{class: class, msg: msg}
}

func (e *classifiedError) Error() string { return e.msg }

func (e *classifiedError) Unwrap() error { return e.class }

// providerError wraps a failed provider call.
func providerError(op string, err error) error {
	return errors.Join(ErrProviderCall, errors.New(op), err)
}
