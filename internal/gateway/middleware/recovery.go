package middleware

import (
	"net/http"
	"runtime/debug"

	"conduit/internal/gateway/handlers"
	"conduit/pkg/logger"
)

// Recovery returns a middleware that converts handler panics into 500
// responses so one bad request cannot take the gateway down. Panics on
// hijacked WebSocket connections reach here too; the error body is
// best-effort for those since the connection is no longer writable.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					// Deliberate abort, net/http handles it.
					panic(err)
				}

				logger.Error().
					Interface("error", err).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("ip", getClientIP(r)).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in gateway handler")

				handlers.SendError(
					w,
					http.StatusInternalServerError,
					handlers.ErrCodeInternalError,
					"internal server error",
				)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
