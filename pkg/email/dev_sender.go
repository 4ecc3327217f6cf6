package email

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DevSender writes each message as an .html body plus a .json envelope.
type DevSender struct {
	dir string
	now func() time.Time
}

func NewDevSender(dir string) *DevSender {
	return &DevSender{dir: dir, now: time.Now}
}

type envelope struct {
	Timestamp string `json:"timestamp"`
	SendTo    string `json:"send_to"`
	Subject   string `json:"subject"`
	Tag       string `json:"tag,omitempty"`
}

func (d *DevSender) SendEmail(_ context.Context, params SendEmailParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("%w: create output dir: %v", ErrFailedToSendEmail, err)
	}

	now := d.now()
	label := params.Tag
	if label == "" {
		label = params.Subject
	}
	// The uuid suffix keeps two messages in the same second apart.
	base := fmt.Sprintf("%s_%s_%s", now.Format("2006_01_02_150405"), sanitizeFilename(label), uuid.NewString()[:8])

	if err := os.WriteFile(filepath.Join(d.dir, base+".html"), []byte(params.BodyHTML), 0o644); err != nil {
		return fmt.Errorf("%w: write body: %v", ErrFailedToSendEmail, err)
	}

	meta, err := json.MarshalIndent(envelope{
		Timestamp: now.Format(time.RFC3339),
		SendTo:    params.SendTo,
		Subject:   params.Subject,
		Tag:       params.Tag,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal envelope: %v", ErrFailedToSendEmail, err)
	}
	if err := os.WriteFile(filepath.Join(d.dir, base+".json"), meta, 0o644); err != nil {
		return fmt.Errorf("%w: write envelope: %v", ErrFailedToSendEmail, err)
	}
	return nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\-_.]`)

func sanitizeFilename(s string) string {
	s = unsafeFilenameChars.ReplaceAllString(strings.ReplaceAll(s, " ", "_"), "")
	if len(s) > 100 {
		s = s[:100]
	}
	if s == "" {
		return "email"
	}
	return strings.ToLower(s)
}
