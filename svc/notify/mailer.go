package notify

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"

	"github.com/a-h/templ"

	"github.com/dmitrymomot/taskhub/pkg/email"
	"github.com/dmitrymomot/taskhub/pkg/email/templates"
	"github.com/dmitrymomot/taskhub/pkg/queue"
)

//go:embed templates/*.html
var templatesFS embed.FS

var bodies = template.Must(
	template.New("").Option("missingkey=zero").ParseFS(templatesFS, "templates/*.html"),
)

// Mailer renders messages and hands them to an email.Sender. It is the
// handler of the email queue and can also be used as a Sender directly.
type Mailer struct {
	sender email.Sender
	log    *slog.Logger
}

func NewMailer(sender email.Sender, log *slog.Logger) *Mailer {
	if sender == nil {
		panic("notify: email sender is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Mailer{sender: sender, log: log}
}

func (m *Mailer) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	body, err := Render(ctx, msg)
	if err != nil {
		return err
	}
	if err := m.sender.SendEmail(ctx, email.SendEmailParams{
		SendTo:   msg.To,
		Subject:  msg.Subject,
		BodyHTML: body,
		Tag:      string(msg.Template),
	}); err != nil {
		return err
	}
	m.log.InfoContext(ctx, "email sent", slog.String("template", string(msg.Template)))
	return nil
}

// Handler returns the queue handler that delivers Message payloads.
func (m *Mailer) Handler() queue.Handler {
	return queue.NewTaskHandler(m.Send)
}

// Render returns the HTML body of msg wrapped in the shared layout.
func Render(ctx context.Context, msg Message) (string, error) {
	t := bodies.Lookup(string(msg.Template) + ".html")
	if t == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, msg.Template)
	}
	body, err := templates.Render(ctx, layout(msg.Subject, templ.FromGoHTML(t, msg.Data)))
	if err != nil {
		return "", errors.Join(ErrRender, err)
	}
	return body, nil
}

func layout(title string, content templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, `<!DOCTYPE html><html><head><meta charset="utf-8"><title>`+
			templ.EscapeString(title)+`</title></head><body>`); err != nil {
			return err
		}
		if err := content.Render(ctx, w); err != nil {
			return err
		}
		_, err := io.WriteString(w, `<p style="color:#888;font-size:12px">Sent by taskhub</p></body></html>`)
		return err
	})
}
