package workspace

import "github.com/dmitrymomot/taskhub/svc/billing"

// Errors carry the billing error classes so one mapping serves both
// packages at the API boundary.
var (
	ErrInvalidParams = classified(billing.ErrValidation, "workspace: invalid parameters")
	ErrOwnerRole     = classified(billing.ErrValidation, "workspace: the owner role cannot be granted by invite")

	ErrOrganizationNotFound = classified(billing.ErrNotFound, "workspace: organization not found")
	ErrInviteNotFound       = classified(billing.ErrNotFound, "workspace: invite not found")
	ErrTaskNotFound         = classified(billing.ErrNotFound, "workspace: task not found")

	ErrInviteExists   = classified(billing.ErrConflict, "workspace: a pending invite already exists for this email")
	ErrInviteAccepted = classified(billing.ErrConflict, "workspace: invite was already accepted")
	ErrInviteExpired  = classified(billing.ErrConflict, "workspace: invite has expired")
	ErrAlreadyMember  = classified(billing.ErrConflict, "workspace: user is already a member")

	ErrInviteeMismatch = classified(billing.ErrForbidden, "workspace: invite was issued to another email")
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
