package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/taskhub/pkg/logger"
)

const (
	maxWebhookBody  = 64 << 10
	signatureHeader = "Stripe-Signature"
)

// WebhookProcessor is satisfied by *Reconciler.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*Event, error)
}

// MountWebhook registers the provider webhook endpoint on r.
func MountWebhook(r chi.Router, p WebhookProcessor, log *slog.Logger) {
	r.Post("/webhooks/stripe", WebhookHandler(p, log))
}

type webhookResponse struct {
	Received  bool   `json:"received"`
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Error     string `json:"error,omitempty"`
}

// WebhookHandler answers 400 for deliveries that fail verification, 500 for
// events that should be redelivered and 200 otherwise.
func WebhookHandler(p WebhookProcessor, log *slog.Logger) http.HandlerFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, webhookResponse{Error: "payload too large"})
				return
			}
			writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "unreadable body"})
			return
		}

		ev, err := p.HandleWebhook(r.Context(), payload, r.Header.Get(signatureHeader))
		switch {
		case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrMalformedEvent):
			writeJSON(w, http.StatusBadRequest, webhookResponse{Error: err.Error()})
			return
		case err != nil:
			log.ErrorContext(r.Context(), "webhook handler error", logger.Error(err))
			writeJSON(w, http.StatusInternalServerError, webhookResponse{Error: "internal handler error"})
			return
		}
		writeJSON(w, http.StatusOK, webhookResponse{
			Received:  true,
			EventID:   ev.ID,
			EventType: string(ev.Type),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
