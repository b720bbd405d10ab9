package middleware

import (
	"log/slog"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
)

// AppClaims defines our custom JWT claims structure. Only identity matters
// here; room-level authorization is the membership oracle's job.
type AppClaims struct {
	jwt.RegisteredClaims
}

func NewAuthMiddleware(logger *slog.Logger, jwtSecret string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			cookie, err := r.Cookie("session-token")
			if err != nil {
				logger.Warn("No session cookie attached to request", slog.String("ip", reqMeta.IP))
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			tokenString := cookie.Value
			if tokenString == "" {
				logger.Warn("JWT token missing in request", slog.String("ip", reqMeta.IP))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// Parse and validate the JWT token with HMAC signing
			token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Warn("Invalid JWT token presented", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(*AppClaims)
			if !ok {
				logger.Error("Failed to parse custom JWT claims", slog.String("ip", reqMeta.IP))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if claims.Subject == "" {
				logger.Warn("Valid token missing 'sub' claim", slog.String("ip", reqMeta.IP))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			reqMeta.UserID = claims.Subject
			next.ServeHTTP(w, r)
		})
	}
}
