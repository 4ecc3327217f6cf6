package reminder

import "errors"

var (
	ErrScheduleFailed = errors.New("reminder: failed to schedule job")
	ErrDeadlinePassed = errors.New("reminder: deadline already passed")
)
