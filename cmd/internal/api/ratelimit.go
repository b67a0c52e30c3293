package api

import (
	"net/http"
	"strconv"
	"time"

	"inbox/cmd/internal/auth"

	"github.com/go-chi/httprate"
)

// RateLimit limits requests per principal, falling back to the client address
// for requests that are not authenticated yet.
func RateLimit(requestLimit int, window time.Duration) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(window.Seconds()))
	return httprate.Limit(
		requestLimit,
		window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if p, ok := auth.PrincipalFrom(r.Context()); ok {
				return "user:" + p.ID, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", retryAfter)
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		}),
	)
}
