package email

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Sender delivers a rendered message.
type Sender interface {
	SendEmail(ctx context.Context, params SendEmailParams) error
}

type SendEmailParams struct {
	SendTo   string `json:"send_to"`
	Subject  string `json:"subject"`
	BodyHTML string `json:"body_html"`
	Tag      string `json:"tag,omitempty"`
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Validate checks that every required field is present and the recipient
// looks like an address.
func (p SendEmailParams) Validate() error {
	switch {
	case strings.TrimSpace(p.SendTo) == "":
		return fmt.Errorf("%w: SendTo is required", ErrInvalidParams)
	case !emailRegex.MatchString(p.SendTo):
		return fmt.Errorf("%w: SendTo must be a valid email address", ErrInvalidParams)
	case strings.TrimSpace(p.Subject) == "":
		return fmt.Errorf("%w: Subject is required", ErrInvalidParams)
	case strings.TrimSpace(p.BodyHTML) == "":
		return fmt.Errorf("%w: BodyHTML is required", ErrInvalidParams)
	}
	return nil
}

// New picks the Postmark client when a server token is configured and the
// filesystem DevSender otherwise.
func New(cfg Config) (Sender, error) {
	if cfg.PostmarkServerToken == "" {
		return NewDevSender(cfg.DevOutputDir), nil
	}
	return NewPostmarkClient(cfg)
}
