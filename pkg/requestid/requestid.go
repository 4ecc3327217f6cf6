// Package requestid tags every HTTP request with a correlation id. The id is
// taken from the X-Request-ID header when it is well formed and generated
// otherwise, echoed in the response and attached to the request's log
// records through logger.WithContext.
package requestid

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/google/uuid"

	"github.com/dmitrymomot/taskhub/pkg/logger"
)

const (
	Header      = "X-Request-ID"
	maxIDLength = 128
)

var validID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type contextKey struct{}

// Middleware has the shape chi's Router.Use expects.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if !valid(id) {
			id = uuid.NewString()
		}
		w.Header().Set(Header, id)

		ctx := context.WithValue(r.Context(), contextKey{}, id)
		ctx = logger.WithContext(ctx, slog.String("request_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

func valid(id string) bool {
	return id != "" && len(id) <= maxIDLength && validID.MatchString(id)
}
