package notify

import "errors"

var (
	ErrInvalidMessage  = errors.New("notify: invalid message")
	ErrUnknownTemplate = errors.New("notify: unknown template")
	ErrRender          = errors.New("notify: failed to render template")
	ErrDispatch        = errors.New("notify: failed to enqueue message")
)
