package middleware

import (
	"log/slog"
	"net/http"
)

// NewRequestLogger creates a middleware that logs each request that made it
// past authentication, with the resolved user identity. Rejected requests are
// logged by the auth middleware itself.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var ip, userID string
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				ip = reqMeta.IP
				userID = reqMeta.UserID
			}

			logger.Info("Incoming request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("ip", ip),
				slog.String("userID", userID),
			)
			next.ServeHTTP(w, r)
		})
	}
}
