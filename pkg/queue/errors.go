package queue

import "errors"

var (
	ErrRepositoryNil          = errors.New("repository cannot be nil")
	ErrPayloadNil             = errors.New("payload cannot be nil")
	ErrPayloadMarshal         = errors.New("failed to marshal payload to JSON")
	ErrInvalidPriority        = errors.New("priority must be between 0 and 100")
	ErrNonPositiveDelay       = errors.New("delay must be positive")
	ErrTaskNotFound           = errors.New("task not found")
	ErrTaskNotProcessing      = errors.New("task is not in processing state")
	ErrDuplicateTask          = errors.New("task with the same id already exists")
	ErrNoTaskToClaim          = errors.New("no task available to claim")
	ErrHandlerNotFound        = errors.New("no handler registered for task type")
	ErrNoHandlers             = errors.New("no task handlers registered")
	ErrWorkerStarted          = errors.New("worker already started")
	ErrWorkerNotStarted       = errors.New("worker not started")
	ErrTaskAlreadyRegistered  = errors.New("task already registered")
	ErrSchedulerNotConfigured = errors.New("scheduler has no registered tasks")
	ErrCorruptedTask          = errors.New("stored task cannot be decoded")
)
