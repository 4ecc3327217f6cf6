package requestid_test

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskhub/pkg/logger"
	"github.com/dmitrymomot/taskhub/pkg/requestid"
)

func serve(t *testing.T, header string) (seen string, rec *httptest.ResponseRecorder) {
	t.Helper()
	h := requestid.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestid.FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	if header != "" {
		req.Header.Set(requestid.Header, header)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return seen, rec
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("keeps a well formed id", func(t *testing.T) {
		t.Parallel()
		seen, rec := serve(t, "evt-delivery_42")
		assert.Equal(t, "evt-delivery_42", seen)
		assert.Equal(t, "evt-delivery_42", rec.Header().Get(requestid.Header))
	})

	t.Run("generates an id when missing or malformed", func(t *testing.T) {
		t.Parallel()
		for _, header := range []string{"", "has spaces", "a/b", strings.Repeat("x", 129)} {
			seen, rec := serve(t, header)
			_, err := uuid.Parse(seen)
			require.NoError(t, err, "header %q", header)
			assert.Equal(t, seen, rec.Header().Get(requestid.Header))
		}
	})

	t.Run("log records carry the id", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := logger.New(logger.WithOutput(&buf), logger.WithFormat(logger.FormatJSON), logger.WithLevel(slog.LevelInfo))

		h := requestid.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.InfoContext(r.Context(), "handled")
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(requestid.Header, "req-7")
		h.ServeHTTP(httptest.NewRecorder(), req)

		assert.Contains(t, buf.String(), `"request_id":"req-7"`)
	})
}

func TestFromContext_Empty(t *testing.T) {
	t.Parallel()
	assert.Empty(t, requestid.FromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
}
