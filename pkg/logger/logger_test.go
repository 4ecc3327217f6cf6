package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskhub/pkg/logger"
)

func TestNew_ContextAttributes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.New(logger.WithOutput(&buf), logger.WithAttr(slog.String("service", "billing")))

	ctx := logger.WithContext(context.Background(), logger.EventID("evt_1"))
	ctx = logger.WithContext(ctx, logger.EventType("invoice.paid"))
	log.InfoContext(ctx, "processed", logger.Error(errors.New("boom")))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "billing", rec["service"])
	assert.Equal(t, "evt_1", rec["event_id"])
	assert.Equal(t, "invoice.paid", rec["event_type"])
	assert.Equal(t, "boom", rec["error"])
}

func TestNewFromConfig(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.NewFromConfig(logger.Config{Level: "warn", Format: logger.FormatJSON, Environment: "production", Service: "taskhub"}, &buf)

	log.Info("hidden")
	assert.Empty(t, buf.String())

	log.Warn("shown")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "taskhub", rec["service"])
	assert.Equal(t, "production", rec["env"])
}

func TestWithFormat_PanicsOnUnknown(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { logger.New(logger.WithFormat("xml")) })
}

func TestError_Nil(t *testing.T) {
	t.Parallel()
	assert.True(t, logger.Error(nil).Equal(slog.Attr{}))
}
