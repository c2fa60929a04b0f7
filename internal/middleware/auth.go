package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/ton-stars-service/internal/httputil"
)

type contextKey string

const adminContextKey contextKey = "admin"

// tokenAdmin is the identity recorded for requests authenticated with the static token.
const tokenAdmin = "api-token"

// GetAdmin returns the identity that authenticated the request, or "" when
// the request did not pass through an admin auth middleware.
func GetAdmin(ctx context.Context) string {
	admin, _ := ctx.Value(adminContextKey).(string)
	return admin
}

func withAdmin(r *http.Request, admin string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), adminContextKey, admin))
}

// AdminTokenAuth authenticates admin requests with a static bearer token.
func AdminTokenAuth(token string, limiter *AuthAttemptLimiter) func(http.Handler) http.Handler {
	want := sha256.Sum256([]byte(token))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attemptKey := clientIPKey(r, "admin_token")
			if limiter != nil && !limiter.allow(attemptKey) {
				respondError(w, http.StatusTooManyRequests, "rate_limited", "Too many authentication failures")
				return
			}

			presented := extractBearerToken(r)
			if presented == "" {
				limiter.registerFailure(attemptKey)
				respondError(w, http.StatusUnauthorized, "unauthorized", "Missing admin token")
				return
			}

			got := sha256.Sum256([]byte(presented))
			if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				limiter.registerFailure(attemptKey)
				respondError(w, http.StatusUnauthorized, "unauthorized", "Invalid admin token")
				return
			}

			limiter.registerSuccess(attemptKey)
			next.ServeHTTP(w, withAdmin(r, tokenAdmin))
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	httputil.RespondError(w, status, code, message)
}
