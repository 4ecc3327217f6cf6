package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskhub/pkg/email"
	"github.com/dmitrymomot/taskhub/pkg/logger"
	"github.com/dmitrymomot/taskhub/pkg/queue"
	"github.com/dmitrymomot/taskhub/svc/notify"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []email.SendEmailParams
	err  error
}

func (r *recordingSender) SendEmail(_ context.Context, p email.SendEmailParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, p)
	return nil
}

func receipt() notify.Message {
	return notify.Message{
		To:       "owner@example.com",
		Subject:  "Payment received",
		Template: notify.TemplatePaymentReceipt,
		Data: map[string]string{
			"Name":       "Ada",
			"Plan":       "PRO",
			"Amount":     notify.FormatAmount(decimal.RequireFromString("49.5"), "usd"),
			"PaidAt":     notify.FormatDate(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)),
			"InvoiceURL": "https://pay.example.com/in_1",
		},
	}
}

func TestMessage_Validate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, receipt().Validate())

	m := receipt()
	m.To = " "
	assert.ErrorIs(t, m.Validate(), notify.ErrInvalidMessage)

	m = receipt()
	m.Template = ""
	assert.ErrorIs(t, m.Validate(), notify.ErrInvalidMessage)
}

func TestRender(t *testing.T) {
	t.Parallel()

	body, err := notify.Render(context.Background(), receipt())
	require.NoError(t, err)
	assert.Contains(t, body, "49.50")
	assert.Contains(t, body, "June 1, 2026")
	assert.Contains(t, body, `href="https://pay.example.com/in_1"`)
	assert.Contains(t, body, "<title>Payment received</title>")
	assert.Contains(t, body, "Sent by taskhub</p></body></html>")

	t.Run("escapes data", func(t *testing.T) {
		t.Parallel()
		m := receipt()
		m.Data["Name"] = "<script>"
		body, err := notify.Render(context.Background(), m)
		require.NoError(t, err)
		assert.NotContains(t, body, "<script>")
	})

	t.Run("escapes the subject", func(t *testing.T) {
		t.Parallel()
		m := receipt()
		m.Subject = "<b>Paid</b>"
		body, err := notify.Render(context.Background(), m)
		require.NoError(t, err)
		assert.Contains(t, body, "<title>&lt;b&gt;Paid&lt;/b&gt;</title>")
	})

	t.Run("unknown template", func(t *testing.T) {
		t.Parallel()
		m := receipt()
		m.Template = "nope"
		_, err := notify.Render(context.Background(), m)
		assert.ErrorIs(t, err, notify.ErrUnknownTemplate)
	})
}

func TestFormatAmount(t *testing.T) {
	t.Parallel()

	assert.Contains(t, notify.FormatAmount(decimal.RequireFromString("10"), "USD"), "10.00")
	assert.Equal(t, "12.30 XYZ1", notify.FormatAmount(decimal.RequireFromString("12.3"), "xyz1"))
}

func TestMailer_Send(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	m := notify.NewMailer(sender, logger.Discard())

	require.NoError(t, m.Send(context.Background(), receipt()))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "owner@example.com", sender.sent[0].SendTo)
	assert.Equal(t, "payment_receipt", sender.sent[0].Tag)

	sender.err = errors.New("postmark down")
	assert.Error(t, m.Send(context.Background(), receipt()))
}

func TestDispatcher_DeliversThroughQueue(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)

	d := notify.NewDispatcher(enq, logger.Discard())
	require.NoError(t, d.Send(context.Background(), receipt()))
	assert.Equal(t, 1, storage.Pending(notify.Queue))

	assert.ErrorIs(t, d.Send(context.Background(), notify.Message{}), notify.ErrInvalidMessage)
	assert.Equal(t, 1, storage.Pending(notify.Queue), "invalid message is not enqueued")

	sender := &recordingSender{}
	w, err := queue.NewWorker(storage, queue.WithQueues(notify.Queue))
	require.NoError(t, err)
	w.RegisterHandlers(notify.NewMailer(sender, logger.Discard()).Handler())

	require.NoError(t, w.ProcessNext(context.Background()))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "Payment received", sender.sent[0].Subject)
	assert.Contains(t, sender.sent[0].BodyHTML, "PRO")
}
