package middleware_test

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/a-essam23/go-relay/internal/server/middleware"
	"github.com/a-essam23/go-relay/pkg/config"
)

const testSecret = "test-secret"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signedToken(t *testing.T, subject, secret string) string {
	t.Helper()
	claims := middleware.AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Failed to sign test token: %v", err)
	}
	return token
}

// authedRequest builds a request carrying metadata and a session cookie, the
// way the real chain presents it to the auth middleware.
func authedRequest(t *testing.T, token string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if token != "" {
		req.AddCookie(&http.Cookie{Name: "session-token", Value: token})
	}
	return req
}

func runChain(req *http.Request, final http.Handler, mws ...middleware.Middleware) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	middleware.Chain(final, mws...).ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	var gotUserID string
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if meta, ok := middleware.ReqMetadataFrom(r.Context()); ok {
			gotUserID = meta.UserID
		}
	})

	req := authedRequest(t, signedToken(t, "alice", testSecret))
	rec := runChain(req, final,
		middleware.RequestMetadataMiddleware(),
		middleware.NewAuthMiddleware(discardLogger(), testSecret),
	)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if gotUserID != "alice" {
		t.Errorf("Expected userID alice in metadata, got %q", gotUserID)
	}
}

func TestAuthMiddlewareRejections(t *testing.T) {
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler must not run for rejected requests")
	})

	cases := []struct {
		name  string
		token string
	}{
		{"missing cookie", ""},
		{"garbage token", "not-a-jwt"},
		{"wrong secret", signedToken(t, "alice", "other-secret")},
		{"missing subject", signedToken(t, "", testSecret)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := runChain(authedRequest(t, tc.token), final,
				middleware.RequestMetadataMiddleware(),
				middleware.NewAuthMiddleware(discardLogger(), testSecret),
			)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("Expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestConnectionLimiterRejectMode(t *testing.T) {
	counts := map[string]int{"alice": 2}
	limiter := middleware.NewConnectionLimiter(
		discardLogger(),
		func(userID string) int { return counts[userID] },
		func(userID string) { t.Error("Cycler must not run in reject mode") },
		config.ConnectionLimitConfig{MaxPerUser: 2, Mode: "reject"},
	)

	handlerRan := false
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { handlerRan = true })

	req := authedRequest(t, signedToken(t, "alice", testSecret))
	rec := runChain(req, final,
		middleware.RequestMetadataMiddleware(),
		middleware.NewAuthMiddleware(discardLogger(), testSecret),
		limiter,
	)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", rec.Code)
	}
	if handlerRan {
		t.Error("Handler must not run once the limit is reached")
	}
}

func TestConnectionLimiterCycleMode(t *testing.T) {
	cycled := ""
	limiter := middleware.NewConnectionLimiter(
		discardLogger(),
		func(userID string) int { return 2 },
		func(userID string) { cycled = userID },
		config.ConnectionLimitConfig{MaxPerUser: 2, Mode: "cycle"},
	)

	handlerRan := false
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { handlerRan = true })

	req := authedRequest(t, signedToken(t, "alice", testSecret))
	rec := runChain(req, final,
		middleware.RequestMetadataMiddleware(),
		middleware.NewAuthMiddleware(discardLogger(), testSecret),
		limiter,
	)

	if rec.Code != http.StatusOK || !handlerRan {
		t.Errorf("Expected the request to proceed after cycling, code=%d ran=%v", rec.Code, handlerRan)
	}
	if cycled != "alice" {
		t.Errorf("Expected alice's oldest connection to be cycled, cycled=%q", cycled)
	}
}

func TestConnectionLimiterUnderLimitPassesThrough(t *testing.T) {
	limiter := middleware.NewConnectionLimiter(
		discardLogger(),
		func(userID string) int { return 0 },
		func(userID string) {},
		config.ConnectionLimitConfig{MaxPerUser: 2, Mode: "reject"},
	)

	handlerRan := false
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { handlerRan = true })

	req := authedRequest(t, signedToken(t, "alice", testSecret))
	rec := runChain(req, final,
		middleware.RequestMetadataMiddleware(),
		middleware.NewAuthMiddleware(discardLogger(), testSecret),
		limiter,
	)

	if rec.Code != http.StatusOK || !handlerRan {
		t.Errorf("Expected pass-through under the limit, code=%d ran=%v", rec.Code, handlerRan)
	}
}

func TestConnectionLimiterDisabledWhenUnconfigured(t *testing.T) {
	limiter := middleware.NewConnectionLimiter(
		discardLogger(),
		func(userID string) int { return 100 },
		func(userID string) {},
		config.ConnectionLimitConfig{},
	)

	handlerRan := false
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { handlerRan = true })

	// No metadata middleware: a disabled limiter must not even look for it.
	rec := runChain(httptest.NewRequest(http.MethodGet, "/ws", nil), final, limiter)

	if rec.Code != http.StatusOK || !handlerRan {
		t.Errorf("Expected disabled limiter to pass everything, code=%d ran=%v", rec.Code, handlerRan)
	}
}

func TestRequestLoggerRecordsAuthenticatedUser(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	req := authedRequest(t, signedToken(t, "alice", testSecret))
	rec := runChain(req, final,
		middleware.RequestMetadataMiddleware(),
		middleware.NewAuthMiddleware(discardLogger(), testSecret),
		middleware.NewRequestLogger(logger),
	)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(buf.String(), "userID=alice") {
		t.Errorf("Expected the log line to carry the resolved user id, got %q", buf.String())
	}
}

func TestRequestMetadataCapturesClientIP(t *testing.T) {
	var gotIP string
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if meta, ok := middleware.ReqMetadataFrom(r.Context()); ok {
			gotIP = meta.IP
		}
	})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "203.0.113.7:52110"
	runChain(req, final, middleware.RequestMetadataMiddleware())

	if gotIP != "203.0.113.7" {
		t.Errorf("Expected host part of RemoteAddr, got %q", gotIP)
	}
}
