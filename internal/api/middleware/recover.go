package middleware

import (
	"net/http"

	"github.com/rs/zerolog"
)

// Recoverer converts panics into the JSON internal-error envelope. Nothing
// about the failure leaks to the caller; the detail goes to the log.
func Recoverer(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error().
						Interface("panic", rec).
						Str("method", r.Method).
						Str("path", r.URL.Path).
						Msg("handler panicked")
					jsonError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Something went wrong")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
