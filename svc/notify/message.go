package notify

import (
	"context"
	"fmt"
	"strings"
)

// Queue is the queue name email deliveries are enqueued on.
const Queue = "email"

type Template string

const (
	TemplateTrialStarted          Template = "trial_started"
	TemplatePaymentReceipt        Template = "payment_receipt"
	TemplatePaymentFailed         Template = "payment_failed"
	TemplateFinalFailure          Template = "final_failure"
	TemplateSubscriptionCancelled Template = "subscription_cancelled"
	TemplateSubscriptionReminder  Template = "subscription_reminder"
	TemplateTaskDue               Template = "task_due"
	TemplateInvite                Template = "invite"
)

// Message is one email to deliver. Data is the template payload; values are
// preformatted strings so the message survives the queue's JSON round trip
// unchanged.
type Message struct {
	To       string            `json:"to"`
	Subject  string            `json:"subject"`
	Template Template          `json:"template"`
	Data     map[string]string `json:"data,omitempty"`
}

func (m Message) Validate() error {
	switch {
	case strings.TrimSpace(m.To) == "":
		return fmt.Errorf("%w: recipient is required", ErrInvalidMessage)
	case strings.TrimSpace(m.Subject) == "":
		return fmt.Errorf("%w: subject is required", ErrInvalidMessage)
	case m.Template == "":
		return fmt.Errorf("%w: template is required", ErrInvalidMessage)
	}
	return nil
}

// Sender accepts a message for delivery.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}
